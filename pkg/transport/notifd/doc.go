/*
Package notifd implements the broker based event transport. Events of a
device server travel through a NATS server registered in the database as
the notification factory of the server host.

# Subjects

Each admin device owns one subject root derived from its database prefix
and name:

	tango.notifd.<db host_port>.<admin device>
	    .heartbeat                  heartbeats of the server
	    .ev.<device/attr>.<event>   one data event

Tokens have their dots replaced so a device name stays one token.

# Channel lookup

	SERVER                                     CLIENT
	  ImportEvent("notifd/factory/<host>")       ImportEvent("<admin device>")
	        │ broker URL                               │ IOR {url, subject}
	        ▼                                          │  or QueryEventChannelIOR
	  connect, ExportEvent(admin, IOR) ──────────────► connect, subscribe

The broker carries releases below 5 only. Newer payloads go through the zmq
transport.
*/
package notifd
