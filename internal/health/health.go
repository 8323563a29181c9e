// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthCheck manages health check functionality.
type HealthCheck struct {
	deps          map[string]Pinger
	logger        *zap.Logger
	checkInterval time.Duration
	checkTimeout  time.Duration
	listeners     []func(ready bool)

	mu        sync.RWMutex
	ready     bool
	checks    map[string]string
	lastError string
	lastCheck time.Time
}

// NewHealthCheck creates a new HealthCheck instance. With no dependencies
// the service is ready as soon as it starts.
func NewHealthCheck(logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		deps:          make(map[string]Pinger),
		logger:        logger,
		checkInterval: 5 * time.Second,
		checkTimeout:  2 * time.Second,
		checks:        make(map[string]string),
	}
}

// AddDependency registers a named dependency for readiness checks.
func (hc *HealthCheck) AddDependency(name string, p Pinger) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.deps[name] = p
}

// OnChange registers a callback invoked after every check with the result.
// Callbacks run in registration order.
func (hc *HealthCheck) OnChange(fn func(ready bool)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.listeners = append(hc.listeners, fn)
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests. A fresh check runs when the
// last one failed.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hc.IsReady() {
		hc.Check(r.Context())
	}

	hc.mu.RLock()
	resp := ReadinessResponse{
		Status: "ready",
		Checks: copyChecks(hc.checks),
		Error:  hc.lastError,
	}
	ready := hc.ready
	hc.mu.RUnlock()

	if !ready {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Check pings every dependency and updates readiness.
func (hc *HealthCheck) Check(ctx context.Context) bool {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.deps))
	for name := range hc.deps {
		names = append(names, name)
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := true
	lastError := ""
	for _, name := range names {
		hc.mu.RLock()
		dep := hc.deps[name]
		hc.mu.RUnlock()

		pctx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
		err := dep.Ping(pctx)
		cancel()

		if err != nil {
			checks[name] = "unhealthy"
			ready = false
			lastError = name + ": " + err.Error()
			hc.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		checks[name] = "healthy"
	}

	hc.mu.Lock()
	hc.ready = ready
	hc.checks = checks
	hc.lastError = lastError
	hc.lastCheck = time.Now()
	listeners := hc.listeners
	hc.mu.Unlock()

	for _, fn := range listeners {
		fn(ready)
	}
	return ready
}

// Run performs periodic health checks until ctx is cancelled.
func (hc *HealthCheck) Run(ctx context.Context) error {
	hc.Check(ctx)

	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hc.Check(ctx)
		}
	}
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status (for testing).
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}

func copyChecks(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
