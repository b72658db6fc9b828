/*
Package client is the calling side of the device RPC.

A Factory turns device names into DeviceProxy values. Bare names
(domain/family/member) are resolved through the database given by
TANGO_HOST; names of the form tango://host:port/d/f/m go through the
database at host:port, and #dbase=no names point at the device server
directly:

	Factory.Device("test/evt/1")
	   │
	   ├─ DatabaseProxy(TANGO_HOST).ImportDevice ──> address of the server
	   │
	   └─ Conn(address) ──> DeviceProxy
	                           CommandInout / ReadAttribute / WriteAttribute
	                           AttributeHistory / CommandHistory / Info

Connections are pooled per address. Every call carries the client identity
(a UUID) and the library release as gRPC metadata; servers use them to
decide which event wire format a client understands.

Errors raised by the server come back as *types.DevFailed with the original
reason codes. Transport failures are reported as API_CantConnectToDevice,
deadlines as API_DeviceTimedOut.
*/
package client
