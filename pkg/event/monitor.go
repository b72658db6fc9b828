package event

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/tango/pkg/types"
	"golang.org/x/sync/semaphore"
)

// DefaultMonitorTimeout bounds every wait on a channel or callback monitor.
const DefaultMonitorTimeout = time.Second

// Monitor is a mutual exclusion lock whose acquisition gives up after a
// timeout. It is not reentrant.
type Monitor struct {
	name    string
	timeout time.Duration
	sem     *semaphore.Weighted
}

// NewMonitor creates an unlocked monitor. A zero timeout selects
// DefaultMonitorTimeout.
func NewMonitor(name string, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultMonitorTimeout
	}
	return &Monitor{name: name, timeout: timeout, sem: semaphore.NewWeighted(1)}
}

// Acquire takes the monitor or fails with API_EventTimeout.
func (m *Monitor) Acquire() error {
	if m.sem.TryAcquire(1) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return types.Throw(types.ReasonEventTimeout,
			fmt.Sprintf("not able to acquire monitor %s within %s", m.name, m.timeout), "Monitor.Acquire")
	}
	return nil
}

// Release frees the monitor. Releasing an unlocked monitor panics.
func (m *Monitor) Release() {
	m.sem.Release(1)
}

// With runs fn holding the monitor.
func (m *Monitor) With(fn func()) error {
	if err := m.Acquire(); err != nil {
		return err
	}
	defer m.Release()
	fn()
	return nil
}
