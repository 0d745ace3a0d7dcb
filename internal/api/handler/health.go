package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthHandler handles GET /health, the liveness probe.
// Returns 200 immediately; confirms the process is alive.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// DependencyPinger reports whether one backing dependency is reachable.
type DependencyPinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to DependencyPinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type namedDependency struct {
	name   string
	pinger DependencyPinger
}

// ReadinessHandler handles GET /health/ready, the readiness probe.
// Checks every registered dependency before declaring the service ready.
// Which dependencies exist depends on the configured store backend, so
// they are registered at wiring time rather than hardcoded here.
type ReadinessHandler struct {
	deps []namedDependency
}

func NewReadinessHandler() *ReadinessHandler {
	return &ReadinessHandler{}
}

// Register adds a dependency to the readiness check. Not safe for use
// after the router starts serving.
func (h *ReadinessHandler) Register(name string, pinger DependencyPinger) {
	h.deps = append(h.deps, namedDependency{name: name, pinger: pinger})
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]dependencyStatus `json:"dependencies"`
}

func (h *ReadinessHandler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	deps := make(map[string]dependencyStatus, len(h.deps))
	healthy := true

	for _, d := range h.deps {
		if err := d.pinger.Ping(ctx); err != nil {
			deps[d.name] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
			healthy = false
			continue
		}
		deps[d.name] = dependencyStatus{Status: "ok"}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, readinessResponse{
		Status:       status,
		Dependencies: deps,
	})
}
