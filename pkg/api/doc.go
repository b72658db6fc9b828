/*
Package api implements the device RPC: a gRPC service through which clients
execute commands, read and write attributes and read polling histories.

# Architecture

	┌────────────── CLIENT (pkg/client) ──────────────┐
	│  Conn.Invoke("/tango.Device/CommandInout", ...) │
	└───────────────────────┬─────────────────────────┘
	                        │ gRPC, structpb.Struct messages
	                        │ metadata: tango-client-id, tango-client-lib
	┌───────────────────────▼─────────────────────────┐
	│  Server                                         │
	│   ├─ ClientInterceptor   caller identity → ctx  │
	│   ├─ MetricsInterceptor  counts and durations   │
	│   └─ dispatch            decode, call, encode   │
	│                 │                               │
	│                 ▼                               │
	│            Backend (device server runtime or    │
	│                     database server)            │
	└─────────────────────────────────────────────────┘

The service has six unary methods:

	CommandInout       device, command, argin      → argout
	ReadAttribute      device, attribute           → value
	WriteAttribute     device, attribute, value
	AttributeHistory   device, attribute, n        → run length encoded history
	CommandHistory     device, command, n          → history
	Info               device                      → class, server, host, IDL

Messages travel as google.protobuf.Struct built from the JSON form of the
Go request and reply types, so no generated code is needed. Typed values
keep their {type, data} envelope inside the struct.

# Errors

A DevFailed returned by the backend is sent as codes.Aborted with the JSON
encoded error stack as status message. FromStatus turns it back into the
same DevFailed on the client side; transport failures become
API_CantConnectToDevice, unknown methods API_CommandNotFound.

# Caller identity

ClientFromContext gives handlers the caller's id, library release and
address. The admin device uses the address to decide whether a caller is
local when it hands out multicast event endpoints.
*/
package api
