/*
Package polling implements the polling thread of a device server.

A Poller owns the list of polled attributes and commands. Each object has a
period and a pollring.Ring. When an object is due the poller reads it,
stores the value or the error in the ring and, for attributes, hands the
read to the event supplier which decides which events to push.

	        ┌────────────── Poller goroutine ──────────────┐
	        │  wait until next due time (or Add/Remove)    │
	        │        │                                     │
	        │        ▼                                     │
	        │  for each due object:                        │
	        │     read ──► Ring.Insert ──► Detector        │
	        │  heartbeat job due? ──► PushHeartbeat        │
	        └──────────────────────────────────────────────┘

The heartbeat job starts with the first event subscription and runs every
HeartbeatPeriod, even while polling is stopped by StopPolling. The supplier
itself skips heartbeats sent too close to each other.

History reads clamp the requested length to the number of stored elements.
Objects that are not polled answer API_PollObjNotFound.
*/
package polling
