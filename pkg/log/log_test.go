package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChildLoggersCarryFields tests the fields of component loggers
func TestChildLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	tests := []struct {
		name   string
		logger zerolog.Logger
		fields map[string]string
	}{
		{
			name:   "component",
			logger: WithComponent("poller"),
			fields: map[string]string{"component": "poller"},
		},
		{
			name:   "device",
			logger: WithDevice("dserver", "dserver/evttest/1"),
			fields: map[string]string{"component": "dserver", "device": "dserver/evttest/1"},
		},
		{
			name:   "channel",
			logger: WithChannel("consumer", "tango://host:10000/dserver/s/1"),
			fields: map[string]string{"component": "consumer", "channel": "tango://host:10000/dserver/s/1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logger.Info().Msg("connected")

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, "connected", entry["message"])
			for k, v := range tt.fields {
				assert.Equal(t, v, entry[k])
			}
		})
	}
}

// TestInitLevel tests that Init filters below the configured level
func TestInitLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	logger := WithComponent("keepalive")
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("heartbeat missed")
	assert.Contains(t, buf.String(), "heartbeat missed")
}

// TestParseLevel tests level parsing with the info fallback
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}
