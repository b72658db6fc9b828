/*
Package dserver implements the admin device of a device server process.

A DServer routes device calls (api.Backend) to the devices it serves and
answers the admin commands: event subscription negotiation for both
transports, polling configuration and event system introspection.

	client ──► ZmqEventSubscriptionChange {dev, obj, "subscribe", event, release}
	              │
	              ├─ event name in the closed set, device IDL >= 4
	              ├─ attribute checks: polled or pushed, thresholds set,
	              │  data ready enabled, forwarded needs release 5
	              ├─ multicast socket when mcast_event names the event
	              ├─ record client release on the attribute
	              ├─ first subscription starts the heartbeat job
	              └─ forwarded attribute: subscribe the root
	           ◄── {lib, idl, sub hwm, mcast rate, mcast ivl, zmq release}
	               {heartbeat, event, alternates..., [mcast], topic, channel}

EventSubscriptionChange is the notifd flavour of the same negotiation and
returns the library release only. EventConfirmSubscription renews a batch
of {device, object, event} triples; subscriptions that are not renewed
within the resubscribe period stop being pushed.

Forwarded attributes have no value of their own. The RootAttRegistry
subscribes to the root attribute through an event.Consumer and pushes what
it receives again under the forwarded name.
*/
package dserver
