package handler

import (
	"encoding/json"
	"time"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// errorResponse is the standard error envelope returned on all 4xx/5xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

// --- Serving path ---

type executeRequest struct {
	Kind    string          `json:"kind"    validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

type executeResponse struct {
	AccountID  string          `json:"account_id"`
	Proxy      string          `json:"proxy,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// --- Account administration ---

type importAccountRequest struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Credential string     `json:"credential" validate:"required"`
	Proxy      string     `json:"proxy"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Activated  bool       `json:"activated"`
}

type importAccountsRequest struct {
	Accounts []importAccountRequest `json:"accounts" validate:"required,min=1,dive"`
}

type patchStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending active cooldown refresh_required disabled"`
}

// accountResponse is the operator projection. The credential is always
// redacted; zero timestamps are omitted rather than rendered as year 1.
type accountResponse struct {
	ID              string     `json:"id"`
	Label           string     `json:"label,omitempty"`
	Credential      string     `json:"credential"`
	Proxy           string     `json:"proxy,omitempty"`
	Status          string     `json:"status"`
	Failures        int        `json:"failures"`
	Served          int64      `json:"served"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	LastErrorKind   string     `json:"last_error_kind,omitempty"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	RefreshAttempts int        `json:"refresh_attempts"`
	NextRefreshAt   *time.Time `json:"next_refresh_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type listAccountsResponse struct {
	Accounts []accountResponse `json:"accounts"`
	Total    int               `json:"total"`
}

// --- Proxies / stats ---

type proxyResponse struct {
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Up            bool       `json:"up"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type statsResponse struct {
	Accounts      map[string]int `json:"accounts"`
	InFlight      int            `json:"in_flight"`
	ProxiesUp     int            `json:"proxies_up"`
	ProxiesDown   int            `json:"proxies_down"`
	EventsDropped uint64         `json:"events_dropped"`
}

// --- Mapping helpers ---

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toAccountResponse(v ports.AccountView) accountResponse {
	return accountResponse{
		ID:              v.ID,
		Label:           v.Label,
		Credential:      v.Credential,
		Proxy:           v.Proxy,
		Status:          string(v.Status),
		Failures:        v.Failures,
		Served:          v.Served,
		LastUsedAt:      optionalTime(v.LastUsedAt),
		LastErrorKind:   v.LastErrorKind,
		CooldownUntil:   optionalTime(v.CooldownUntil),
		RefreshAttempts: v.RefreshAttempts,
		NextRefreshAt:   optionalTime(v.NextRefreshAt),
		ExpiresAt:       v.ExpiresAt,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
}

func toProxyResponse(p domain.Proxy) proxyResponse {
	return proxyResponse{
		Name:          p.Name,
		URL:           p.URL,
		Up:            p.Up,
		LastCheckedAt: optionalTime(p.LastCheckedAt),
		LastError:     p.LastError,
	}
}
