package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Supplier metrics
	EventsPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_events_pushed_total",
			Help: "Total number of events pushed by event type and transport",
		},
		[]string{"event", "transport"},
	)

	EventPushFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_event_push_failures_total",
			Help: "Total number of failed event pushes by transport",
		},
		[]string{"transport"},
	)

	HeartbeatsPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_heartbeats_pushed_total",
			Help: "Total number of heartbeat events pushed by transport",
		},
		[]string{"transport"},
	)

	SupplierReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_supplier_reconnects_total",
			Help: "Total number of supplier reconnections by transport",
		},
		[]string{"transport"},
	)

	Subscriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_subscriptions_total",
			Help: "Total number of accepted subscription requests by event type",
		},
		[]string{"event"},
	)

	SubscriptionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_subscription_rejections_total",
			Help: "Total number of rejected subscription requests by reason",
		},
		[]string{"reason"},
	)

	// Consumer metrics
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_events_received_total",
			Help: "Total number of events delivered to subscribers by event type",
		},
		[]string{"event"},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tango_heartbeats_received_total",
			Help: "Total number of heartbeat events received",
		},
	)

	HeartbeatsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tango_heartbeats_missed_total",
			Help: "Total number of channels found with a stale heartbeat",
		},
	)

	ChannelReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_channel_reconnects_total",
			Help: "Total number of event channel reconnections by result",
		},
		[]string{"result"},
	)

	MissedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tango_missed_events_total",
			Help: "Total number of events detected as lost by counter gaps",
		},
	)

	CallbackPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tango_callback_panics_total",
			Help: "Total number of recovered panics in event callbacks",
		},
	)

	ActiveChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tango_event_channels",
			Help: "Number of event channels connected by this client",
		},
	)

	ActiveCallbacks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tango_event_callbacks",
			Help: "Number of subscribed events in this client",
		},
	)

	// Polling metrics
	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tango_poll_duration_seconds",
			Help:    "Time taken to poll one object in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	PollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_poll_errors_total",
			Help: "Total number of failed polling reads by kind",
		},
		[]string{"kind"},
	)

	PolledObjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tango_polled_objects",
			Help: "Number of attributes and commands in the polling list",
		},
	)

	// Transport metrics
	TransportMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_transport_messages_total",
			Help: "Total number of messages sent or read by transport and direction",
		},
		[]string{"transport", "direction"},
	)

	TransportDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_transport_drops_total",
			Help: "Total number of messages dropped on a full high water mark",
		},
		[]string{"transport", "side"},
	)

	TransportPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tango_transport_peers",
			Help: "Number of connected subscriber sockets by endpoint kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tango_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tango_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsPushed)
	prometheus.MustRegister(EventPushFailures)
	prometheus.MustRegister(HeartbeatsPushed)
	prometheus.MustRegister(SupplierReconnects)
	prometheus.MustRegister(Subscriptions)
	prometheus.MustRegister(SubscriptionRejections)
	prometheus.MustRegister(EventsReceived)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(HeartbeatsMissed)
	prometheus.MustRegister(ChannelReconnects)
	prometheus.MustRegister(MissedEvents)
	prometheus.MustRegister(CallbackPanics)
	prometheus.MustRegister(ActiveChannels)
	prometheus.MustRegister(ActiveCallbacks)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(PollErrors)
	prometheus.MustRegister(PolledObjects)
	prometheus.MustRegister(TransportMessages)
	prometheus.MustRegister(TransportDrops)
	prometheus.MustRegister(TransportPeers)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
