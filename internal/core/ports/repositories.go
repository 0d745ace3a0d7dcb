package ports

import (
	"context"

	"github.com/poolmux/poolmux/internal/core/domain"
)

// AccountRepository persists the full account set. The store is the only
// writer; SaveAccounts replaces the persisted set wholesale so that a
// crash never leaves a half-written pool behind.
type AccountRepository interface {
	LoadAccounts(ctx context.Context) ([]domain.Account, error)
	SaveAccounts(ctx context.Context, accounts []domain.Account) error
}

// PolicyRepository persists the orchestration policy document.
// LoadPolicy returns domain.ErrPolicyNotFound when no document exists yet.
type PolicyRepository interface {
	LoadPolicy(ctx context.Context) (*domain.Policy, error)
	SavePolicy(ctx context.Context, p domain.Policy) error
}
