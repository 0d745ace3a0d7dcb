package ports

import (
	"context"
	"time"

	"github.com/poolmux/poolmux/internal/core/domain"
)

// ExecResult is what a successful dispatch returns to the caller.
type ExecResult struct {
	Payload   []byte
	AccountID string
	Proxy     string
	Duration  time.Duration
}

// Orchestrator is the serving surface: one call, one attempt, no
// internal retries.
type Orchestrator interface {
	Execute(ctx context.Context, task Task) (*ExecResult, error)
}

// AccountView is the operator-facing projection of an account. The
// credential only ever appears in redacted form.
type AccountView struct {
	ID              string
	Label           string
	Credential      string
	Proxy           string
	Status          domain.AccountStatus
	Failures        int
	Served          int64
	LastUsedAt      time.Time
	LastErrorKind   string
	CooldownUntil   time.Time
	RefreshAttempts int
	NextRefreshAt   time.Time
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ImportAccountInput describes one account an operator hands to the pool.
// Activated imports skip the pending refresh and go straight into
// rotation.
type ImportAccountInput struct {
	ID         string
	Label      string
	Credential string
	Proxy      string
	ExpiresAt  *time.Time
	Activated  bool
}

// PoolStats is the aggregate health snapshot for dashboards.
type PoolStats struct {
	ByStatus      map[domain.AccountStatus]int
	InFlight      int
	ProxiesUp     int
	ProxiesDown   int
	EventsDropped uint64
}

// PoolAdmin is the operator surface over the pool.
type PoolAdmin interface {
	ListAccounts(ctx context.Context) ([]AccountView, error)
	GetAccount(ctx context.Context, id string) (*AccountView, error)
	ImportAccounts(ctx context.Context, inputs []ImportAccountInput) ([]AccountView, error)
	DeleteAccount(ctx context.Context, id string) error
	SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) (*AccountView, error)
	CurrentPolicy(ctx context.Context) domain.Policy
	ReloadPolicy(ctx context.Context, p domain.Policy) (domain.Policy, error)
	ListProxies(ctx context.Context) []domain.Proxy
	Stats(ctx context.Context) PoolStats
}
