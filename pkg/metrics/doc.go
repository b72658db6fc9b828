/*
Package metrics exposes Prometheus metrics and health endpoints for device
servers and event clients.

# Metrics

All metrics are registered on the default Prometheus registry at init time
and served by Handler:

	Supplier side
	  tango_events_pushed_total{event,transport}
	  tango_event_push_failures_total{transport}
	  tango_heartbeats_pushed_total{transport}
	  tango_supplier_reconnects_total{transport}
	  tango_subscriptions_total{event}
	  tango_subscription_rejections_total{reason}

	Consumer side
	  tango_events_received_total{event}
	  tango_heartbeats_received_total
	  tango_heartbeats_missed_total
	  tango_channel_reconnects_total{result}
	  tango_missed_events_total
	  tango_callback_panics_total
	  tango_event_channels
	  tango_event_callbacks

	Polling and RPC
	  tango_poll_duration_seconds{kind}
	  tango_poll_errors_total{kind}
	  tango_polled_objects
	  tango_api_requests_total{method,status}
	  tango_api_request_duration_seconds{method}

Timer measures an operation and feeds a histogram:

	timer := metrics.NewTimer()
	value, err := attr.Read(ctx)
	timer.ObserveDurationVec(metrics.PollDuration, "attribute")

# Health

HealthChecker aggregates component health. Components report with Update;
the critical ones (api, database and events by default) gate readiness:

	┌─────────────── HTTPServer ───────────────┐
	│  /metrics   Prometheus exposition         │
	│  /health    200 unless a component fails  │
	│  /ready     200 once critical components  │
	│             registered healthy            │
	│  /live      always 200                    │
	└───────────────────────────────────────────┘
*/
package metrics
