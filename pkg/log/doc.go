/*
Package log provides structured logging for the Tango runtime using zerolog.

The package wraps a single global zerolog.Logger and hands out child loggers
tagged with the component that owns them. Device servers, the event consumer,
transports and the polling thread all log through it, so one log stream can be
filtered by component, device or event channel.

# Architecture

	┌──────────────────── LOGGING ─────────────────────────┐
	│                                                        │
	│  log.Init(Config) ──► global Logger (zerolog)          │
	│                           │                            │
	│        ┌──────────────────┼──────────────────┐         │
	│        ▼                  ▼                  ▼         │
	│  WithComponent     WithDevice          WithChannel     │
	│  ("poller")        ("dserver",         ("consumer",    │
	│                     "test/evt/1")       "tango://..")  │
	│                                                        │
	│  JSON:    {"level":"warn","component":"consumer",      │
	│            "channel":"tango://h:10000/dserver/s/1",    │
	│            "message":"heartbeat missed"}               │
	│  Console: 10:30AM WRN heartbeat missed component=...   │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stdout,
	})

	logger := log.WithChannel("consumer", channelName)
	logger.Warn().Err(err).Msg("Heartbeat missed, reconnecting")

Errors raised while delivering events, pushing heartbeats or reconnecting
in the background are never returned to a caller; they are logged here.

# Levels

Debug traces every pushed and received event and is meant for development.
Info records subscriptions, channel connections and reconnections. Warn is
used for missed heartbeats and failed pushes that will be retried. Error is
used for failures that lose data, such as a callback panic.

Before Init is called the package logs JSON to stderr.
*/
package log
