package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures one polling read or API call.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the elapsed seconds under labels, for
// instance PollDuration by object kind.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) time.Duration {
	d := t.Duration()
	h.WithLabelValues(labels...).Observe(d.Seconds())
	return d
}
