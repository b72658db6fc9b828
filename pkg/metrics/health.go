package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by a device server.
const (
	ComponentAPI      = "api"
	ComponentDatabase = "database"
	ComponentPolling  = "polling"
	ComponentEvents   = "events"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker aggregates component health. Critical components must be
// registered and healthy for the process to be ready.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a checker requiring the given components
func NewHealthChecker(critical ...string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   critical,
		startTime:  time.Now(),
	}
}

var defaultChecker = NewHealthChecker(ComponentAPI, ComponentDatabase, ComponentEvents)

// Default returns the process wide checker
func Default() *HealthChecker { return defaultChecker }

// SetVersion sets the version string for health responses
func (h *HealthChecker) SetVersion(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
}

// SetCritical replaces the list of components gating readiness
func (h *HealthChecker) SetCritical(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.critical = names
}

// Update records the health of a component
func (h *HealthChecker) Update(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Health returns the overall health status
func (h *HealthChecker) Health() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(h.components))
	for name, comp := range h.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// Readiness reports whether every critical component is up
func (h *HealthChecker) Readiness() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "ready"
	var waiting []string
	components := make(map[string]string, len(h.critical))
	for _, name := range h.critical {
		comp, ok := h.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
			waiting = append(waiting, name)
		case !comp.Healthy:
			components[name] = "not ready: " + comp.Message
			waiting = append(waiting, name)
		default:
			components[name] = "ready"
		}
	}

	message := ""
	if len(waiting) > 0 {
		sort.Strings(waiting)
		status = "not_ready"
		message = "waiting for " + waiting[0]
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// UpdateComponent records component health on the default checker
func UpdateComponent(name string, healthy bool, message string) {
	defaultChecker.Update(name, healthy, message)
}

func writeStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler returns an HTTP handler for the /health endpoint
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.Health()
		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func (h *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := h.Readiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler returns a simple liveness check (always returns 200 if process is running)
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(h.startTime).String(),
		})
	}
}
