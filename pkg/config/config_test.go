package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/transport/zmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  name: EvtTest/1
  tango_host: DB:10000
events:
  heartbeat_threshold: 4s
  notifd_url: none
  mcast_rate: 100
devices:
  - name: test/evt/1
    class: EvtTest
    idl: 6
    attributes:
      - name: value
        type: double
        writable: true
        initial: 0
        polling: 500ms
        increment: 2
        properties:
          abs_change: 1
          mcast_event: [change:239.1.2.3:5555, archive:239.1.2.4:5555]
      - name: fwd
        type: DevDouble
        fwd: sys/root/1/value
`

// TestParse tests decoding a file over the defaults
func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "EvtTest/1", cfg.Server.Name)
	assert.Equal(t, "tango://db:10000/", cfg.Prefix())
	assert.Equal(t, 4*time.Second, cfg.Events.HeartbeatThreshold)
	assert.Equal(t, event.DefaultHeartbeatTimeout, cfg.Events.HeartbeatTimeout)
	assert.Equal(t, "none", cfg.Events.NotifdURL)
	assert.Equal(t, 100, cfg.Events.McastRate)
	assert.Equal(t, zmq.DefaultMcastIvl*time.Second, cfg.Events.McastIvl)

	require.Len(t, cfg.Devices, 1)
	attrs := cfg.Devices[0].Attributes
	require.Len(t, attrs, 2)
	assert.Equal(t, StringList{"0"}, attrs[0].Initial)
	assert.Equal(t, 500*time.Millisecond, attrs[0].Polling)
	assert.Equal(t, 2.0, attrs[0].Increment)
	props := attrs[0].PropertyValues()
	assert.Equal(t, []string{"1"}, props["abs_change"])
	assert.Equal(t, []string{"change:239.1.2.3:5555", "archive:239.1.2.4:5555"}, props["mcast_event"])
	assert.Equal(t, "sys/root/1/value", attrs[1].Fwd)
}

// TestParseEmpty tests that an empty document yields the defaults
func TestParseEmpty(t *testing.T) {
	t.Setenv(EnvTangoHost, "h:10000")
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "h:10000", cfg.Server.TangoHost)
}

// TestLoad tests reading a configuration file
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tango.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test/evt/1", cfg.Devices[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

// TestValidate tests rejected configurations
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "unknown field", yaml: "server:\n  nme: x/1\n", want: "failed to parse config"},
		{name: "bad server name", yaml: "server:\n  name: srv\n", want: "must be executable/instance"},
		{name: "devices without server", yaml: "devices:\n  - name: a/b/c\n", want: "server.name is required"},
		{name: "bad device name", yaml: "server:\n  name: s/1\ndevices:\n  - name: a/b\n", want: "domain/family/member"},
		{name: "duplicate device", yaml: "server:\n  name: s/1\ndevices:\n  - name: a/b/c\n  - name: A/B/C\n", want: "duplicate device"},
		{name: "bad type", yaml: "server:\n  name: s/1\ndevices:\n  - name: a/b/c\n    attributes:\n      - name: x\n        type: complex\n", want: "unknown data type"},
		{name: "fast polling", yaml: "server:\n  name: s/1\ndevices:\n  - name: a/b/c\n    attributes:\n      - name: x\n        type: long\n        polling: 1ms\n", want: "below"},
		{name: "bad push", yaml: "server:\n  name: s/1\ndevices:\n  - name: a/b/c\n    attributes:\n      - name: x\n        type: long\n        push: [periodic]\n", want: "cannot push"},
		{name: "bad fwd", yaml: "server:\n  name: s/1\ndevices:\n  - name: a/b/c\n    attributes:\n      - name: x\n        type: long\n        fwd: a/b\n", want: "fwd"},
		{name: "zero timeout", yaml: "events:\n  monitor_timeout: 0s\n", want: "events.monitor_timeout must be positive"},
		{name: "short heartbeat timeout", yaml: "events:\n  heartbeat_timeout: 1s\n", want: "shorter than the heartbeat period"},
		{name: "log level", yaml: "log:\n  level: loud\n", want: "log.level"},
		{name: "nested property", yaml: "server:\n  name: s/1\ndevices:\n  - name: a/b/c\n    attributes:\n      - name: x\n        type: long\n        properties:\n          abs_change: {a: 1}\n", want: "expected a scalar or a list"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
