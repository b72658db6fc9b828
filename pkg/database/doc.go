/*
Package database implements the naming and property service.

Device servers export their devices and their event channels here; clients
import them to find where a device or a notification broker lives. The
service is itself a device, sys/database/2, answering Db* commands over the
device RPC:

	┌──────────────┐  DbImportDevice   ┌─────────────────┐   ┌──────────┐
	│ client       │──────────────────>│ sys/database/2  │──>│ BoltStore│
	│ device server│  DbExportEvent    │ (Service)       │   │ tango.db │
	└──────────────┘                   └─────────────────┘   └──────────┘

Database is the Go facing interface. Local serves it from a Store in the
same process, client.DatabaseProxy over the network. Retrying wraps either
one and retries calls failing because the database is not reachable yet,
which is common when a device server starts together with its database.

Records travel in the historical shapes:

	DbImportDevice  -> L=[exported, pid, idl]  S=[name, address, host, server, class]
	DbImportEvent   -> L=[exported, pid]       S=[name, ior, version, host]
	DbExportEvent   <- S=[name, ior, host, pid, version]

Property lists are flattened as [owner..., nProps, name, nVals, vals...].
*/
package database
