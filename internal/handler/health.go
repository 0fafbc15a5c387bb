package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Check reports whether a dependency is usable. A nil Check means the
// dependency is not configured.
type Check func(ctx context.Context) error

// HealthHandler reports the state of the ledger and its optional
// collaborators.
type HealthHandler struct {
	checks    map[string]Check
	version   string
	startTime time.Time
	timeout   time.Duration
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Uptime       string            `json:"uptime"`
	Dependencies map[string]string `json:"dependencies"`
}

// NewHealthHandler creates a HealthHandler. checks is keyed by dependency
// name ("ledger", "redis", "rabbitmq").
func NewHealthHandler(version string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		version:   version,
		startTime: time.Now(),
		timeout:   2 * time.Second,
	}
}

// Handle answers GET /healthz. Any unhealthy dependency turns the status to
// "degraded" and the code to 503.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	deps := make(map[string]string, len(h.checks))
	status := "healthy"
	for name, check := range h.checks {
		if check == nil {
			deps[name] = "not configured"
			continue
		}
		if err := check(ctx); err != nil {
			deps[name] = fmt.Sprintf("unhealthy: %v", err)
			status = "degraded"
			continue
		}
		deps[name] = "healthy"
	}

	code := http.StatusOK
	if status == "degraded" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{
		Status:       status,
		Version:      h.version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Dependencies: deps,
	})
}
