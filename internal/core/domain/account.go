package domain

import (
	"errors"
	"time"
)

// AccountStatus represents the lifecycle state of a pooled account.
type AccountStatus string

const (
	StatusPending         AccountStatus = "pending"
	StatusActive          AccountStatus = "active"
	StatusCooldown        AccountStatus = "cooldown"
	StatusRefreshRequired AccountStatus = "refresh_required"
	StatusDisabled        AccountStatus = "disabled"
)

// adminTransitions defines the transitions an operator may force. Outcome
// and recovery driven transitions go through ApplyOutcome and the refresh
// helpers instead.
var adminTransitions = map[AccountStatus][]AccountStatus{
	StatusPending:         {StatusActive, StatusDisabled},
	StatusActive:          {StatusRefreshRequired, StatusDisabled},
	StatusCooldown:        {StatusActive, StatusRefreshRequired, StatusDisabled},
	StatusRefreshRequired: {StatusDisabled},
	StatusDisabled:        {StatusActive},
}

var ErrInvalidTransition = errors.New("invalid status transition")
var ErrAccountNotFound = errors.New("account not found")
var ErrAccountExists = errors.New("account already exists")

// CanAdminSet reports whether an operator may move an account from the
// current status to next.
func (s AccountStatus) CanAdminSet(next AccountStatus) bool {
	for _, allowed := range adminTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCooldown, StatusRefreshRequired, StatusDisabled:
		return true
	}
	return false
}

// Credential is the opaque authentication blob an account presents
// upstream. Only the executor interprets it; everything else treats it as
// a secret and logs it through Redacted.
type Credential string

// Redacted returns a loggable form that keeps at most the last four
// characters.
func (c Credential) Redacted() string {
	if len(c) == 0 {
		return ""
	}
	if len(c) <= 4 {
		return "****"
	}
	return "****" + string(c[len(c)-4:])
}

// Account is the pooled identity the orchestrator dispatches work onto.
type Account struct {
	ID              string        `json:"id" bson:"_id,omitempty"`
	Label           string        `json:"label,omitempty" bson:"label,omitempty"`
	Credential      Credential    `json:"credential" bson:"credential"`
	Proxy           string        `json:"proxy,omitempty" bson:"proxy,omitempty"`
	Status          AccountStatus `json:"status" bson:"status"`
	Failures        int           `json:"failures" bson:"failures"`
	Served          int64         `json:"served" bson:"served"`
	LastUsedAt      time.Time     `json:"last_used_at" bson:"last_used_at"`
	LastErrorKind   string        `json:"last_error_kind,omitempty" bson:"last_error_kind,omitempty"`
	CooldownUntil   time.Time     `json:"cooldown_until" bson:"cooldown_until"`
	RefreshAttempts int           `json:"refresh_attempts" bson:"refresh_attempts"`
	NextRefreshAt   time.Time     `json:"next_refresh_at" bson:"next_refresh_at"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" bson:"updated_at"`
}

// ApplyOutcome returns the account as it stands after one dispatched
// execution finished with the given outcome. It is a pure function of
// (account, outcome, policy, now); callers persist the result.
func (a Account) ApplyOutcome(o Outcome, p Policy, now time.Time) Account {
	a.LastUsedAt = now
	a.UpdatedAt = now

	switch o.Kind {
	case OutcomeSuccess:
		a.Failures = 0
		a.Served++
		a.LastErrorKind = ""
		a.Status = StatusActive
		a.CooldownUntil = time.Time{}
	case OutcomeAuthExpired:
		a.LastErrorKind = string(o.Kind)
		a.Status = StatusRefreshRequired
		a.RefreshAttempts = 0
		a.NextRefreshAt = now
	case OutcomeNetworkError:
		// Proxy fault. The account keeps its status and counters.
		a.LastErrorKind = string(o.Kind)
	case OutcomeRateLimited, OutcomeTimeout:
		a.LastErrorKind = string(o.Kind)
		a.Failures++
		a = a.cooldownOrDisable(p, now)
	case OutcomeUpstreamError:
		a.LastErrorKind = string(o.Kind)
		if o.Transient {
			a.Failures++
		} else {
			a.Failures += 2
		}
		a = a.cooldownOrDisable(p, now)
	}
	return a
}

func (a Account) cooldownOrDisable(p Policy, now time.Time) Account {
	if a.Failures >= p.AutoDisableThreshold {
		a.Status = StatusDisabled
		a.CooldownUntil = time.Time{}
		return a
	}
	a.Status = StatusCooldown
	a.CooldownUntil = now.Add(p.Cooldown())
	return a
}

// MarkRefreshed records a successful credential refresh: the account
// returns to rotation with clean counters.
func (a Account) MarkRefreshed(cred Credential, expiresAt *time.Time, now time.Time) Account {
	a.Credential = cred
	if expiresAt != nil {
		a.ExpiresAt = expiresAt
	}
	a.Status = StatusActive
	a.Failures = 0
	a.RefreshAttempts = 0
	a.NextRefreshAt = time.Time{}
	a.CooldownUntil = time.Time{}
	a.LastErrorKind = ""
	a.UpdatedAt = now
	return a
}

// MarkRefreshFailed records one failed refresh attempt. The account is
// disabled once the retry budget is spent, otherwise the next attempt is
// scheduled on the policy backoff curve.
func (a Account) MarkRefreshFailed(p Policy, now time.Time) Account {
	a.RefreshAttempts++
	a.UpdatedAt = now
	if a.RefreshAttempts >= p.RefreshRetryBudget {
		a.Status = StatusDisabled
		a.LastErrorKind = "refresh_failed"
		return a
	}
	a.NextRefreshAt = now.Add(p.Backoff(a.RefreshAttempts))
	return a
}

// CooldownElapsed reports whether a cooldown account is due to return to
// rotation.
func (a Account) CooldownElapsed(now time.Time) bool {
	return a.Status == StatusCooldown && !now.Before(a.CooldownUntil)
}

// Expired reports whether the credential itself has passed its expiry.
func (a Account) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.IsZero() && now.After(*a.ExpiresAt)
}
