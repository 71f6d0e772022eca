package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Components reported by the dispatch server and the local daemon
const (
	ComponentAPI        = "api"
	ComponentWorkers    = "workers"
	ComponentReconciler = "reconciler"
	ComponentHealth     = "grpc-health"
)

// Values of HealthStatus.Status
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body served by /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type component struct {
	healthy bool
	message string
}

// board holds component state for this process. Readiness is gated on the
// critical components only.
type board struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	started    time.Time
	version    string
}

var process = newBoard()

func newBoard() *board {
	return &board{
		components: make(map[string]component),
		critical:   []string{ComponentAPI, ComponentWorkers},
		started:    time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	process.mu.Lock()
	defer process.mu.Unlock()
	process.version = version
}

// SetCritical replaces the components that gate readiness. The dispatch
// server uses the default of api and workers; `runway daemon` uses the
// reconciler.
func SetCritical(names ...string) {
	process.mu.Lock()
	defer process.mu.Unlock()
	process.critical = slices.Clone(names)
}

// UpdateComponent records the health of a component
func UpdateComponent(name string, healthy bool, message string) {
	process.mu.Lock()
	defer process.mu.Unlock()
	process.components[name] = component{healthy: healthy, message: message}
}

// Components returns a name to state summary suitable for the /check body
func Components() map[string]string {
	return GetHealth().Components
}

// Uptime returns how long this process has been serving
func Uptime() time.Duration {
	process.mu.RLock()
	defer process.mu.RUnlock()
	return time.Since(process.started)
}

// GetHealth is healthy unless some reported component is not
func GetHealth() HealthStatus {
	process.mu.RLock()
	defer process.mu.RUnlock()

	status := StatusHealthy
	summary := make(map[string]string, len(process.components))
	for name, c := range process.components {
		if c.healthy {
			summary[name] = StatusHealthy
			continue
		}
		status = StatusUnhealthy
		summary[name] = StatusUnhealthy + ": " + c.message
	}
	return process.report(status, "", summary)
}

// GetReadiness reports ready once every critical component is healthy
func GetReadiness() HealthStatus {
	process.mu.RLock()
	defer process.mu.RUnlock()

	status, message := StatusReady, ""
	summary := make(map[string]string, len(process.critical))
	for _, name := range process.critical {
		c, ok := process.components[name]
		switch {
		case !ok:
			status, message = StatusNotReady, "waiting for "+name+" to start"
			summary[name] = "not registered"
		case !c.healthy:
			status, message = StatusNotReady, "waiting for "+name
			summary[name] = "not ready: " + c.message
		default:
			summary[name] = StatusReady
		}
	}
	return process.report(status, message, summary)
}

func (b *board) report(status, message string, summary map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: summary,
		Message:    message,
		Version:    b.version,
		Uptime:     time.Since(b.started).Round(time.Second).String(),
	}
}

// HealthHandler serves GetHealth, 503 when any component is unhealthy
func HealthHandler() http.HandlerFunc {
	return statusHandler(GetHealth, StatusHealthy)
}

// ReadyHandler serves GetReadiness, 503 until ready
func ReadyHandler() http.HandlerFunc {
	return statusHandler(GetReadiness, StatusReady)
}

func statusHandler(get func() HealthStatus, ok string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := get()
		code := http.StatusOK
		if st.Status != ok {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
