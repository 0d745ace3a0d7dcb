package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/poolmux/poolmux/internal/core/ports"
)

// PoolHandler serves read-only pool telemetry: proxy liveness and the
// aggregate stats snapshot.
type PoolHandler struct {
	admin ports.PoolAdmin
}

func NewPoolHandler(admin ports.PoolAdmin) *PoolHandler {
	return &PoolHandler{admin: admin}
}

// Proxies handles GET /v1/proxies.
//
// @Summary      List proxies with liveness
// @Tags         pool
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   proxyResponse
// @Failure      401  {object}  errorResponse
// @Router       /v1/proxies [get]
func (h *PoolHandler) Proxies(c echo.Context) error {
	proxies := h.admin.ListProxies(c.Request().Context())
	out := make([]proxyResponse, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, toProxyResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}

// Stats handles GET /v1/stats.
//
// @Summary      Aggregate pool statistics
// @Tags         pool
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  statsResponse
// @Failure      401  {object}  errorResponse
// @Router       /v1/stats [get]
func (h *PoolHandler) Stats(c echo.Context) error {
	s := h.admin.Stats(c.Request().Context())

	byStatus := make(map[string]int, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	return c.JSON(http.StatusOK, statsResponse{
		Accounts:      byStatus,
		InFlight:      s.InFlight,
		ProxiesUp:     s.ProxiesUp,
		ProxiesDown:   s.ProxiesDown,
		EventsDropped: s.EventsDropped,
	})
}
