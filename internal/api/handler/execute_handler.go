package handler

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/poolmux/poolmux/internal/core/ports"
)

// ExecuteHandler is the serving path: one request, one pooled attempt.
type ExecuteHandler struct {
	orchestrator ports.Orchestrator
}

func NewExecuteHandler(orchestrator ports.Orchestrator) *ExecuteHandler {
	return &ExecuteHandler{orchestrator: orchestrator}
}

// Execute handles POST /v1/execute, running one task against the pool.
//
// @Summary      Execute a task through the account pool
// @Tags         execute
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        body  body      executeRequest  true  "Task to execute"
// @Success      200   {object}  executeResponse
// @Failure      400   {object}  errorResponse
// @Failure      401   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Failure      502   {object}  errorResponse
// @Failure      503   {object}  errorResponse
// @Failure      504   {object}  errorResponse
// @Router       /v1/execute [post]
func (h *ExecuteHandler) Execute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	res, err := h.orchestrator.Execute(c.Request().Context(), ports.Task{
		Kind:    req.Kind,
		Payload: req.Payload,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, executeResponse{
		AccountID:  res.AccountID,
		Proxy:      res.Proxy,
		DurationMS: res.Duration.Milliseconds(),
		Result:     rawResult(res.Payload),
	})
}

// rawResult embeds upstream JSON verbatim and quotes anything else so the
// response stays valid JSON regardless of what the upstream returned.
func rawResult(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return payload
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return nil
	}
	return quoted
}
