/*
Package event implements both ends of the Tango event system: the supplier
that detects and pushes attribute events from a device server, and the
consumer that subscribes to them from a client.

Transports are pluggable. A Publisher sends Messages on the server side and
a ConsumerTransport connects one channel per admin device on the client
side. The zmq and notifd packages under pkg/transport provide both halves.

# Architecture

	┌──────────── SERVER ────────────┐        ┌──────────── CLIENT ─────────────┐
	│                                 │        │                                  │
	│  polling thread                 │        │  SubscribeEvent                  │
	│      │ read value               │        │      │ ZmqEventSubscriptionChange│
	│      ▼                          │        │      ▼                           │
	│  Supplier.DetectAndPushEvents   │        │  Registry                        │
	│      │ change/alarm/archive/    │        │   channels  (admin device)       │
	│      │ periodic detection       │        │   callbacks (event key)          │
	│      ▼                          │        │      ▲                           │
	│  Publisher (zmq, notifd) ───────┼──────► │  ChannelHandle ─► Sink.Deliver   │
	│                                 │ topic  │      │                           │
	│  heartbeat every 8s ────────────┼──────► │  dispatcher goroutine            │
	│                                 │        │      ▼                           │
	│                                 │        │  Callback.Push / Queue           │
	└─────────────────────────────────┘        └──────────────────────────────────┘

# Naming

Events are keyed by topic, "tango://host:port/device/attr.event". Clients
of release 5 and above receive the compatible events (change, periodic,
archive, user_event, attr_conf) under the "idl5_" prefixed name.

# Keep-alive

A consumer goroutine checks every channel each KeepAlivePeriod. A channel
whose heartbeat is older than HeartbeatTimeout gets one more period if its
transport still answers, then is reconnected: every event is subscribed
again on a new handle and subscribers receive the current value. When the
server stays unreachable subscribers receive an API_EventTimeout error event
every period. Subscriptions older than a third of ResubscribePeriod are
confirmed with EventConfirmSubscription so that the server keeps pushing.

# Usage

	consumer := event.NewConsumer(event.ConsumerConfig{TangoHost: "db:10000"},
		event.NewFactoryConnector(factory), zmq.NewConsumerTransport())
	consumer.Start()
	defer consumer.Shutdown()

	id, err := consumer.SubscribeEvent(ctx, event.SubscribeRequest{
		Device:   "test/evt/1",
		Object:   "value",
		Event:    event.ChangeEvent,
		Callback: event.CallbackFunc(func(ev *event.EventData) { ... }),
	})
*/
package event
