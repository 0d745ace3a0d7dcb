package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// PolicyHandler reads and hot-swaps the orchestration policy. The wire
// shape is domain.Policy itself: what the API accepts is exactly what
// the repository persists and the watcher reloads.
type PolicyHandler struct {
	admin ports.PoolAdmin
}

func NewPolicyHandler(admin ports.PoolAdmin) *PolicyHandler {
	return &PolicyHandler{admin: admin}
}

// Get handles GET /v1/policy.
//
// @Summary      Get the currently installed policy
// @Tags         policy
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  domain.Policy
// @Failure      401  {object}  errorResponse
// @Router       /v1/policy [get]
func (h *PolicyHandler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, h.admin.CurrentPolicy(c.Request().Context()))
}

// Put handles PUT /v1/policy: validates, persists and installs a new
// policy. A rejected policy leaves the running one untouched.
//
// @Summary      Replace the orchestration policy
// @Tags         policy
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      domain.Policy  true  "New policy (zero fields take defaults)"
// @Success      200   {object}  domain.Policy
// @Failure      400   {object}  errorResponse
// @Failure      401   {object}  errorResponse
// @Router       /v1/policy [put]
func (h *PolicyHandler) Put(c echo.Context) error {
	var p domain.Policy
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	installed, err := h.admin.ReloadPolicy(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, installed)
}
