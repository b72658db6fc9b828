package storage

import (
	"testing"

	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDeviceCaseInsensitive(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.PutDevice(&types.DbDevice{
		Name:     "Test/Evt/1",
		Server:   "EvtServer/1",
		Address:  "127.0.0.1:10001",
		Exported: true,
	}))

	dev, err := store.GetDevice("test/evt/1")
	require.NoError(t, err)
	assert.Equal(t, "Test/Evt/1", dev.Name)
	assert.True(t, dev.Exported)

	devices, err := store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	_, err = store.GetDevice("missing/dev/1")
	require.Error(t, err)
	assert.Equal(t, types.ReasonDeviceNotDefined, types.ReasonOf(err))
}

func TestEventChannels(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.PutEventChannel(&types.DbEventChannel{
		Name:     "notifd/factory/host1",
		IOR:      "nats://127.0.0.1:4222",
		Host:     "host1",
		Exported: true,
	}))

	ch, err := store.GetEventChannel("notifd/factory/HOST1")
	require.NoError(t, err)
	assert.Equal(t, "nats://127.0.0.1:4222", ch.IOR)

	require.NoError(t, store.DeleteEventChannel("notifd/factory/host1"))
	_, err = store.GetEventChannel("notifd/factory/host1")
	assert.Error(t, err)
}

func TestAttributeProperties(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.PutAttributeProperty("test/evt/1", "value", "abs_change", []string{"-1", "1"}))
	require.NoError(t, store.PutAttributeProperty("test/evt/1", "value", "event_period", []string{"500"}))
	require.NoError(t, store.PutDeviceProperty("test/evt/1", "poll_ring_depth", []string{"20"}))

	props, err := store.GetAttributeProperties("TEST/evt/1", "Value")
	require.NoError(t, err)
	assert.Equal(t, []string{"-1", "1"}, props["abs_change"])
	assert.Equal(t, "500", props.First("event_period"))

	require.NoError(t, store.DeleteAttributeProperty("test/evt/1", "value", "event_period"))
	props, err = store.GetAttributeProperties("test/evt/1", "value")
	require.NoError(t, err)
	assert.NotContains(t, props, "event_period")

	none, err := store.GetAttributeProperties("test/evt/1", "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteDeviceRemovesProperties(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.PutDevice(&types.DbDevice{Name: "a/b/c"}))
	require.NoError(t, store.PutDeviceProperty("a/b/c", "p", []string{"1"}))
	require.NoError(t, store.PutAttributeProperty("a/b/c", "x", "abs_change", []string{"1"}))
	require.NoError(t, store.PutAttributeProperty("a/b/cd", "x", "abs_change", []string{"2"}))

	require.NoError(t, store.DeleteDevice("a/b/c"))

	props, err := store.GetDeviceProperties("a/b/c")
	require.NoError(t, err)
	assert.Empty(t, props)
	props, err = store.GetAttributeProperties("a/b/c", "x")
	require.NoError(t, err)
	assert.Empty(t, props)
	props, err = store.GetAttributeProperties("a/b/cd", "x")
	require.NoError(t, err)
	assert.Equal(t, "2", props.First("abs_change"))
}
