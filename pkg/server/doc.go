/*
Package server assembles the processes of a Tango control system: the
database server and device servers built from a configuration file.

A DatabaseServer serves sys/database/2 over the device RPC service and may
run an embedded notification broker, registered in the database as the
notifd factory of its host.

A Runtime runs one device server:

	config.Config
	    │
	    ├─ database: remote (retrying proxy) or file (bolt, served locally)
	    ├─ event.Supplier ── zmq.Publisher     (websocket pub sockets)
	    │                └─ notifd.Supplier    (broker resolved from db)
	    ├─ polling.Poller ── detection ──► Supplier
	    ├─ event.Consumer    (root attributes of forwarded attributes)
	    ├─ dserver.DServer   (admin device + configured devices)
	    └─ api.Server        (device RPC, routed per device name)

Configured attributes are memorized values. An attribute declaring pushed
events pushes them after every write and Increment, the way device code
calling push_change_event would.
*/
package server
