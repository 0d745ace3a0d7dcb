package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// HealthMonitor is the single background loop that keeps the pool
// serviceable: it probes Down proxies, returns cooled-down accounts to
// rotation, drives credential refreshes on the backoff schedule, disables
// expired credentials, tops the pool up by registration and flushes
// pending persistence. It never touches request-path state outside the
// same per-entry locks the dispatcher uses.
type HealthMonitor struct {
	accounts *AccountStore
	proxies  *ProxyPool
	settings *SettingsStore
	executor ports.Executor
	prober   ports.Prober
	clock    ports.Clock
	logger   zerolog.Logger
}

func NewHealthMonitor(
	accounts *AccountStore,
	proxies *ProxyPool,
	settings *SettingsStore,
	executor ports.Executor,
	prober ports.Prober,
	clock ports.Clock,
	logger zerolog.Logger,
) *HealthMonitor {
	return &HealthMonitor{
		accounts: accounts,
		proxies:  proxies,
		settings: settings,
		executor: executor,
		prober:   prober,
		clock:    clock,
		logger:   logger,
	}
}

// Run loops until the context is cancelled. The interval adapts: the fast
// probe interval while there is recovery work or the pool is short, the
// idle interval once everything is settled.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.logger.Info().Msg("health monitor started")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return
		case <-timer.C:
		}

		busy := m.Tick(ctx)

		p := m.settings.Current()
		next := p.IdleProbeInterval()
		if busy {
			next = p.ProbeInterval()
		}
		timer.Reset(next)
	}
}

// Tick runs one maintenance pass and reports whether unfinished recovery
// work remains.
func (m *HealthMonitor) Tick(ctx context.Context) bool {
	p := m.settings.Current()
	now := m.clock.Now().UTC()

	m.probeDownProxies(ctx)
	m.recoverAccounts(ctx, p, now)
	m.registerShortfall(ctx, p, now)

	if err := m.accounts.FlushIfDirty(ctx); err != nil {
		m.logger.Error().Err(err).Msg("account pool flush failed")
	}

	counts := m.accounts.CountByStatus()
	busy := counts[domain.StatusPending]+counts[domain.StatusCooldown]+counts[domain.StatusRefreshRequired] > 0
	if len(m.proxies.DownNames()) > 0 {
		busy = true
	}
	if p.MinActiveAccounts > 0 && m.available(counts) < p.MinActiveAccounts {
		busy = true
	}
	return busy
}

func (m *HealthMonitor) probeDownProxies(ctx context.Context) {
	for _, name := range m.proxies.DownNames() {
		if ctx.Err() != nil {
			return
		}
		url, ok := m.proxies.URLFor(name)
		if !ok {
			continue
		}
		if err := m.prober.Probe(ctx, url); err != nil {
			m.proxies.MarkDown(name, err.Error())
			continue
		}
		m.proxies.MarkUp(name)
	}
}

func (m *HealthMonitor) recoverAccounts(ctx context.Context, p *domain.Policy, now time.Time) {
	for _, acc := range m.accounts.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		switch {
		case acc.Status != domain.StatusDisabled && acc.Expired(now):
			m.expire(acc.ID, now)
		case acc.CooldownElapsed(now):
			m.endCooldown(acc.ID, p, now)
		case refreshDue(acc, now):
			m.refresh(ctx, acc, p)
		}
	}
}

func refreshDue(acc domain.Account, now time.Time) bool {
	if acc.Status != domain.StatusRefreshRequired && acc.Status != domain.StatusPending {
		return false
	}
	return !now.Before(acc.NextRefreshAt)
}

func (m *HealthMonitor) expire(id string, now time.Time) {
	_, err := m.accounts.Update(id, func(a domain.Account) domain.Account {
		if a.Status == domain.StatusDisabled || !a.Expired(now) {
			return a
		}
		a.Status = domain.StatusDisabled
		a.LastErrorKind = "credential_expired"
		a.UpdatedAt = now
		return a
	})
	if err == nil {
		m.logger.Warn().Str("account_id", id).Msg("credential expired, account disabled")
	}
}

func (m *HealthMonitor) endCooldown(id string, p *domain.Policy, now time.Time) {
	updated, err := m.accounts.Update(id, func(a domain.Account) domain.Account {
		if !a.CooldownElapsed(now) {
			return a
		}
		if a.Failures >= p.AutoDisableThreshold {
			a.Status = domain.StatusDisabled
		} else {
			a.Status = domain.StatusActive
			a.CooldownUntil = time.Time{}
		}
		a.UpdatedAt = now
		return a
	})
	if err == nil && updated.Status == domain.StatusActive {
		m.logger.Info().Str("account_id", id).Msg("cooldown elapsed, account back in rotation")
	}
}

// refresh drives one credential refresh attempt. The executor call runs
// without any entry lock held; the result is applied under the lock with
// the account's current state re-checked.
func (m *HealthMonitor) refresh(ctx context.Context, acc domain.Account, p *domain.Policy) {
	refreshCtx, cancel := context.WithTimeout(ctx, p.ExecTimeout())
	defer cancel()

	cred, expiresAt, err := m.executor.Refresh(refreshCtx, acc.Credential, m.egressFor(acc))
	now := m.clock.Now().UTC()

	if err != nil {
		updated, uerr := m.accounts.Update(acc.ID, func(a domain.Account) domain.Account {
			if a.Status != domain.StatusRefreshRequired && a.Status != domain.StatusPending {
				return a
			}
			return a.MarkRefreshFailed(*p, now)
		})
		if uerr != nil {
			return
		}
		if updated.Status == domain.StatusDisabled {
			m.logger.Warn().Str("account_id", acc.ID).Int("attempts", updated.RefreshAttempts).Err(err).Msg("refresh budget spent, account disabled")
		} else {
			m.logger.Warn().Str("account_id", acc.ID).Int("attempts", updated.RefreshAttempts).Time("next_attempt", updated.NextRefreshAt).Err(err).Msg("refresh failed")
		}
		return
	}

	_, uerr := m.accounts.Update(acc.ID, func(a domain.Account) domain.Account {
		if a.Status != domain.StatusRefreshRequired && a.Status != domain.StatusPending {
			return a
		}
		return a.MarkRefreshed(cred, expiresAt, now)
	})
	if uerr == nil {
		m.logger.Info().Str("account_id", acc.ID).Msg("credential refreshed, account active")
	}
}

// registerShortfall tops the pool up when the serviceable population sits
// below the configured floor. Registrations enter pending and activate
// through the refresh path on the next fast tick.
func (m *HealthMonitor) registerShortfall(ctx context.Context, p *domain.Policy, now time.Time) {
	if p.MinActiveAccounts <= 0 {
		return
	}
	need := p.MinActiveAccounts - m.available(m.accounts.CountByStatus())
	if need <= 0 {
		return
	}
	if need > p.RegisterBurst {
		need = p.RegisterBurst
	}

	for i := 0; i < need; i++ {
		if ctx.Err() != nil {
			return
		}
		regCtx, cancel := context.WithTimeout(ctx, p.ExecTimeout())
		acc, err := m.executor.Register(regCtx, m.registerEgress())
		cancel()
		if errors.Is(err, ports.ErrRegisterUnavailable) {
			m.logger.Debug().Int("shortfall", need).Msg("pool below floor but registration not configured")
			return
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("account registration failed")
			return
		}
		if acc.ID == "" {
			acc.ID = uuid.NewString()
		}
		if acc.Status == "" {
			acc.Status = domain.StatusPending
		}
		acc.CreatedAt = now
		acc.UpdatedAt = now
		if err := m.accounts.Add(*acc); err != nil {
			m.logger.Warn().Str("account_id", acc.ID).Err(err).Msg("registered account not added")
			continue
		}
		m.logger.Info().Str("account_id", acc.ID).Msg("account registered")
	}
}

// available counts the accounts that serve now or can come back without
// operator help. Counting the whole recovery pipeline keeps a slow
// refresh from triggering duplicate registrations.
func (m *HealthMonitor) available(counts map[domain.AccountStatus]int) int {
	return counts[domain.StatusActive] +
		counts[domain.StatusPending] +
		counts[domain.StatusCooldown] +
		counts[domain.StatusRefreshRequired]
}

// egressFor resolves the proxy a maintenance call for this account should
// use: the bound proxy while it is Up, direct otherwise. Recovery must
// not burn refresh attempts through an egress that is known dead.
func (m *HealthMonitor) egressFor(acc domain.Account) string {
	if acc.Proxy == "" || !m.proxies.IsUp(acc.Proxy) {
		return ""
	}
	url, ok := m.proxies.URLFor(acc.Proxy)
	if !ok {
		return ""
	}
	return url
}

// registerEgress picks a rotation proxy for provisioning calls, falling
// back to direct egress when none is up.
func (m *HealthMonitor) registerEgress() string {
	proxy, err := m.proxies.Pick()
	if err != nil {
		return ""
	}
	return proxy.URL
}
