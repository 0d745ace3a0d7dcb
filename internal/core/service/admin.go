package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// Admin is the operator surface over the pool: account CRUD, policy
// reload, proxy and stats views. It composes the runtime stores and is
// the only path that persists the policy document.
type Admin struct {
	accounts   *AccountStore
	proxies    *ProxyPool
	settings   *SettingsStore
	policyRepo ports.PolicyRepository
	clock      ports.Clock
	logger     zerolog.Logger

	// dropped reports events lost by the outcome sink; nil when no
	// dropping sink is wired.
	dropped func() uint64
}

func NewAdmin(
	accounts *AccountStore,
	proxies *ProxyPool,
	settings *SettingsStore,
	policyRepo ports.PolicyRepository,
	clock ports.Clock,
	logger zerolog.Logger,
) *Admin {
	return &Admin{
		accounts:   accounts,
		proxies:    proxies,
		settings:   settings,
		policyRepo: policyRepo,
		clock:      clock,
		logger:     logger,
	}
}

// WithDroppedCounter wires the outcome sink's drop counter into Stats.
func (s *Admin) WithDroppedCounter(fn func() uint64) *Admin {
	s.dropped = fn
	return s
}

func (s *Admin) ListAccounts(ctx context.Context) ([]ports.AccountView, error) {
	accounts := s.accounts.Snapshot()
	views := make([]ports.AccountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, accountView(acc))
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

func (s *Admin) GetAccount(ctx context.Context, id string) (*ports.AccountView, error) {
	acc, err := s.accounts.Get(id)
	if err != nil {
		return nil, err
	}
	v := accountView(acc)
	return &v, nil
}

// ImportAccounts adds operator-supplied accounts to the pool. The whole
// batch is checked for collisions before anything is inserted.
func (s *Admin) ImportAccounts(ctx context.Context, inputs []ports.ImportAccountInput) ([]ports.AccountView, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("empty import batch")
	}
	now := s.clock.Now().UTC()

	seen := make(map[string]struct{}, len(inputs))
	batch := make([]domain.Account, 0, len(inputs))
	for i, in := range inputs {
		if in.Credential == "" {
			return nil, fmt.Errorf("import entry %d: credential required", i)
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("import entry %d: %w", i, domain.ErrAccountExists)
		}
		seen[id] = struct{}{}
		if _, err := s.accounts.Get(id); err == nil {
			return nil, fmt.Errorf("import entry %d: %w", i, domain.ErrAccountExists)
		}

		status := domain.StatusPending
		if in.Activated {
			status = domain.StatusActive
		}
		batch = append(batch, domain.Account{
			ID:         id,
			Label:      in.Label,
			Credential: domain.Credential(in.Credential),
			Proxy:      in.Proxy,
			Status:     status,
			ExpiresAt:  in.ExpiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	views := make([]ports.AccountView, 0, len(batch))
	for _, acc := range batch {
		if err := s.accounts.Add(acc); err != nil {
			return nil, fmt.Errorf("import %s: %w", acc.ID, err)
		}
		views = append(views, accountView(acc))
	}
	if err := s.accounts.FlushIfDirty(ctx); err != nil {
		s.logger.Error().Err(err).Msg("import persisted lazily")
	}
	s.logger.Info().Int("accounts", len(batch)).Msg("accounts imported")
	return views, nil
}

func (s *Admin) DeleteAccount(ctx context.Context, id string) error {
	if err := s.accounts.Remove(id); err != nil {
		return err
	}
	if err := s.accounts.FlushIfDirty(ctx); err != nil {
		s.logger.Error().Err(err).Msg("delete persisted lazily")
	}
	s.logger.Info().Str("account_id", id).Msg("account deleted")
	return nil
}

func (s *Admin) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) (*ports.AccountView, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}
	acc, err := s.accounts.SetStatus(id, status)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.FlushIfDirty(ctx); err != nil {
		s.logger.Error().Err(err).Msg("status change persisted lazily")
	}
	v := accountView(acc)
	return &v, nil
}

func (s *Admin) CurrentPolicy(ctx context.Context) domain.Policy {
	return *s.settings.Current()
}

// ReloadPolicy validates, persists and installs a new policy document,
// then reconciles the proxy pool with it. Persist happens before install
// so a crash in between is healed by the next startup load.
func (s *Admin) ReloadPolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return domain.Policy{}, err
	}
	if err := s.policyRepo.SavePolicy(ctx, p); err != nil {
		return domain.Policy{}, fmt.Errorf("persist policy: %w", err)
	}
	if err := s.settings.Reload(p); err != nil {
		return domain.Policy{}, err
	}
	s.proxies.Sync(p.Proxies)
	return *s.settings.Current(), nil
}

func (s *Admin) ListProxies(ctx context.Context) []domain.Proxy {
	return s.proxies.Snapshot()
}

func (s *Admin) Stats(ctx context.Context) ports.PoolStats {
	stats := ports.PoolStats{
		ByStatus: s.accounts.CountByStatus(),
		InFlight: s.accounts.InFlight(),
	}
	for _, proxy := range s.proxies.Snapshot() {
		if proxy.Up {
			stats.ProxiesUp++
		} else {
			stats.ProxiesDown++
		}
	}
	if s.dropped != nil {
		stats.EventsDropped = s.dropped()
	}
	return stats
}

func accountView(acc domain.Account) ports.AccountView {
	return ports.AccountView{
		ID:              acc.ID,
		Label:           acc.Label,
		Credential:      acc.Credential.Redacted(),
		Proxy:           acc.Proxy,
		Status:          acc.Status,
		Failures:        acc.Failures,
		Served:          acc.Served,
		LastUsedAt:      acc.LastUsedAt,
		LastErrorKind:   acc.LastErrorKind,
		CooldownUntil:   acc.CooldownUntil,
		RefreshAttempts: acc.RefreshAttempts,
		NextRefreshAt:   acc.NextRefreshAt,
		ExpiresAt:       acc.ExpiresAt,
		CreatedAt:       acc.CreatedAt,
		UpdatedAt:       acc.UpdatedAt,
	}
}
