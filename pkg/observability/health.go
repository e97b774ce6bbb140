package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the readiness report
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the result of one dependency probe
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

type dependency struct {
	check CheckFunc
	// critical dependencies make the service unhealthy, others only degrade it
	critical bool
}

// HealthChecker aggregates dependency probes for /healthz and /readyz
type HealthChecker struct {
	version string
	mu      sync.RWMutex
	deps    map[string]dependency
}

// NewHealthChecker creates a checker with no dependencies
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, deps: make(map[string]dependency)}
}

// Register adds a named probe
func (h *HealthChecker) Register(name string, critical bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps[name] = dependency{check: check, critical: critical}
}

// RegisterDatabase probes db with a ping. The repository is critical.
func (h *HealthChecker) RegisterDatabase(db *sql.DB) {
	h.Register("database", true, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}

// RegisterRedis probes client with PING. A lost cache only degrades.
func (h *HealthChecker) RegisterRedis(client *redis.Client) {
	h.Register("redis", false, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Check runs every probe
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	deps := make(map[string]dependency, len(h.deps))
	for k, v := range h.deps {
		deps[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(names)),
	}

	for _, name := range names {
		dep := deps[name]
		start := time.Now()
		err := dep.check(ctx)
		ds := DependencyStatus{
			Status:    StatusHealthy,
			LatencyMS: time.Since(start).Milliseconds(),
			Timestamp: time.Now(),
		}
		if err != nil {
			ds.Status = StatusUnhealthy
			ds.Message = err.Error()
			if dep.critical {
				status.Status = StatusUnhealthy
			} else if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
		status.Dependencies[name] = ds
	}

	return status
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
