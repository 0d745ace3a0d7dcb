package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// AccountHandler exposes the operator surface over the account pool.
type AccountHandler struct {
	admin ports.PoolAdmin
}

func NewAccountHandler(admin ports.PoolAdmin) *AccountHandler {
	return &AccountHandler{admin: admin}
}

// List handles GET /v1/accounts.
//
// @Summary      List all pooled accounts
// @Tags         accounts
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  listAccountsResponse
// @Failure      401  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Router       /v1/accounts [get]
func (h *AccountHandler) List(c echo.Context) error {
	views, err := h.admin.ListAccounts(c.Request().Context())
	if err != nil {
		return err
	}

	out := make([]accountResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toAccountResponse(v))
	}
	return c.JSON(http.StatusOK, listAccountsResponse{Accounts: out, Total: len(out)})
}

// Get handles GET /v1/accounts/:id.
//
// @Summary      Get one account by id
// @Tags         accounts
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Account id"
// @Success      200  {object}  accountResponse
// @Failure      404  {object}  errorResponse
// @Router       /v1/accounts/{id} [get]
func (h *AccountHandler) Get(c echo.Context) error {
	view, err := h.admin.GetAccount(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAccountResponse(*view))
}

// Import handles POST /v1/accounts, registering externally provisioned
// accounts into the pool.
//
// @Summary      Import accounts into the pool
// @Tags         accounts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      importAccountsRequest  true  "Accounts to import"
// @Success      201   {object}  listAccountsResponse
// @Failure      400   {object}  errorResponse
// @Failure      409   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Router       /v1/accounts [post]
func (h *AccountHandler) Import(c echo.Context) error {
	var req importAccountsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	inputs := make([]ports.ImportAccountInput, 0, len(req.Accounts))
	for _, a := range req.Accounts {
		inputs = append(inputs, ports.ImportAccountInput{
			ID:         a.ID,
			Label:      a.Label,
			Credential: a.Credential,
			Proxy:      a.Proxy,
			ExpiresAt:  a.ExpiresAt,
			Activated:  a.Activated,
		})
	}

	views, err := h.admin.ImportAccounts(c.Request().Context(), inputs)
	if err != nil {
		return err
	}

	out := make([]accountResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toAccountResponse(v))
	}
	return c.JSON(http.StatusCreated, listAccountsResponse{Accounts: out, Total: len(out)})
}

// PatchStatus handles PATCH /v1/accounts/:id/status for operator-driven
// state transitions (enable, disable, force refresh).
//
// @Summary      Change an account's lifecycle status
// @Tags         accounts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id    path      string              true  "Account id"
// @Param        body  body      patchStatusRequest  true  "Target status"
// @Success      200   {object}  accountResponse
// @Failure      404   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Router       /v1/accounts/{id}/status [patch]
func (h *AccountHandler) PatchStatus(c echo.Context) error {
	var req patchStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	view, err := h.admin.SetAccountStatus(c.Request().Context(), c.Param("id"), domain.AccountStatus(req.Status))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAccountResponse(*view))
}

// Delete handles DELETE /v1/accounts/:id.
//
// @Summary      Remove an account from the pool
// @Tags         accounts
// @Produce      json
// @Security     BearerAuth
// @Param        id   path  string  true  "Account id"
// @Success      204  "account removed"
// @Failure      404  {object}  errorResponse
// @Router       /v1/accounts/{id} [delete]
func (h *AccountHandler) Delete(c echo.Context) error {
	if err := h.admin.DeleteAccount(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
