/*
Package zmq implements the socket based event transport. A device server
serves two websocket endpoints; clients subscribe topics on them the way SUB
sockets subscribe on a PUB socket, by prefix.

	SERVER (Publisher)                         CLIENT (channel)
	  ws://host:port/heartbeat ◄──── subscribe "tango://db:10000/dserver/srv/1"
	  ws://host:port/event     ◄──── subscribe "tango://db:10000/dev/attr.idl5_change"
	        │                                         │
	        │  binary frame: topic \n message         ▼
	        └────────────────────────────────► SubHWM queue ─► event.Sink
	  udp://group:port (multicast events) ───► group receiver ─┘

Text frames carry control requests, {"op":"subscribe","topic":...}. Every
data message is numbered per topic, starting at 1, so that clients detect
lost events. Each subscriber socket is bounded by PubHWM and each client
channel by SubHWM; full queues drop.

Multicast events are sent on the event socket and on their group. The send
rate is limited to the configured kbit/s.
*/
package zmq
