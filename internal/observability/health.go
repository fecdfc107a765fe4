package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker tracks liveness and readiness of the keeper.
// The keeper is ready once every registered driver has completed a cycle.
type HealthChecker struct {
	startTime time.Time

	mu        sync.RWMutex
	drivers   map[string]time.Time // driver -> last completed cycle
	forceDown bool
}

// NewHealthChecker creates a health checker expecting the named drivers.
func NewHealthChecker(drivers ...string) *HealthChecker {
	h := &HealthChecker{
		startTime: time.Now(),
		drivers:   make(map[string]time.Time, len(drivers)),
	}
	for _, d := range drivers {
		h.drivers[d] = time.Time{}
	}
	return h
}

// MarkCycle records that driver completed a cycle.
func (h *HealthChecker) MarkCycle(driver string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drivers[driver] = time.Now()
}

// SetDown forces readiness off, e.g. during shutdown.
func (h *HealthChecker) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forceDown = down
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.forceDown {
		return false
	}
	for _, last := range h.drivers {
		if last.IsZero() {
			return false
		}
	}
	return true
}

// LastCycles returns a copy of the per-driver last completed cycle times.
func (h *HealthChecker) LastCycles() map[string]time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]time.Time, len(h.drivers))
	for k, v := range h.drivers {
		out[k] = v
	}
	return out
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"drivers": h.LastCycles()}
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		body["status"] = "ready"
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		body["status"] = "not_ready"
	}
	json.NewEncoder(w).Encode(body)
}
