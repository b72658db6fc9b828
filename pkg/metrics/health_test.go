package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"all healthy", map[string]bool{"api": true, "events": true}, "healthy"},
		{"one unhealthy", map[string]bool{"api": true, "events": false}, "unhealthy"},
		{"nothing registered", nil, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			for name, ok := range tt.components {
				h.Update(name, ok, "broker down")
			}
			assert.Equal(t, tt.wantStatus, h.Health().Status)
		})
	}
}

func TestHealthUnhealthyMessage(t *testing.T) {
	h := NewHealthChecker()
	h.SetVersion("9.3.0")
	h.Update(ComponentEvents, false, "broker down")

	health := h.Health()
	assert.Equal(t, "unhealthy: broker down", health.Components[ComponentEvents])
	assert.Equal(t, "9.3.0", health.Version)
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name        string
		critical    []string
		components  map[string]bool
		wantStatus  string
		wantMessage string
	}{
		{
			name:       "all critical ready",
			critical:   []string{ComponentAPI, ComponentDatabase},
			components: map[string]bool{ComponentAPI: true, ComponentDatabase: true},
			wantStatus: "ready",
		},
		{
			name:        "critical missing",
			critical:    []string{ComponentAPI, ComponentDatabase},
			components:  map[string]bool{ComponentAPI: true},
			wantStatus:  "not_ready",
			wantMessage: "waiting for database",
		},
		{
			name:        "critical unhealthy",
			critical:    []string{ComponentEvents},
			components:  map[string]bool{ComponentEvents: false},
			wantStatus:  "not_ready",
			wantMessage: "waiting for events",
		},
		{
			name:       "non critical unhealthy",
			critical:   []string{ComponentAPI},
			components: map[string]bool{ComponentAPI: true, ComponentPolling: false},
			wantStatus: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(tt.critical...)
			for name, ok := range tt.components {
				h.Update(name, ok, "")
			}
			r := h.Readiness()
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.wantMessage, r.Message)
		})
	}
}

func TestHandlers(t *testing.T) {
	h := NewHealthChecker(ComponentDatabase)

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
	}{
		{"health ok", h.HealthHandler(), http.StatusOK},
		{"ready without database", h.ReadyHandler(), http.StatusServiceUnavailable},
		{"live", h.LivenessHandler(), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["status"])
		})
	}

	h.Update(ComponentDatabase, true, "")
	w := httptest.NewRecorder()
	h.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(EventsPushed.WithLabelValues("change", "zmq"))
	EventsPushed.WithLabelValues("change", "zmq").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EventsPushed.WithLabelValues("change", "zmq")))
}
