package event

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMonitorTimeout tests that a held monitor times out other callers
func TestMonitorTimeout(t *testing.T) {
	m := NewMonitor("test", 20*time.Millisecond)
	require.NoError(t, m.Acquire())

	start := time.Now()
	err := m.Acquire()
	require.Error(t, err)
	assert.Equal(t, types.ReasonEventTimeout, types.ReasonOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	m.Release()
	require.NoError(t, m.Acquire())
	m.Release()
}

// TestMonitorWith tests exclusive execution
func TestMonitorWith(t *testing.T) {
	m := NewMonitor("test", time.Second)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.With(func() { counter++ }))
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

// TestMonitorReleaseUnlocked tests releasing a free monitor
func TestMonitorReleaseUnlocked(t *testing.T) {
	m := NewMonitor("test", 0)
	assert.Equal(t, DefaultMonitorTimeout, m.timeout)
	assert.Panics(t, m.Release)
}
