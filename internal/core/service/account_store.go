package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// accountEntry pairs an account with its runtime admission state. The
// entry mutex is the only lock that guards the account value, the
// in-flight counter and the rate limiter; the store mutex guards map
// membership alone. There is no lock covering the whole pool.
type accountEntry struct {
	mu         sync.Mutex
	acc        domain.Account
	inFlight   int
	limiter    *rate.Limiter
	limiterGen uint64
}

// candidate is the selection view the dispatcher ranks.
type candidate struct {
	id       string
	proxy    string
	failures int
	lastUsed time.Time
}

// AccountStore owns the in-memory account pool and is the exclusive
// writer to the account repository.
type AccountStore struct {
	mu      sync.RWMutex
	entries map[string]*accountEntry

	repo     ports.AccountRepository
	clock    ports.Clock
	logger   zerolog.Logger
	dirty    atomic.Bool
	inFlight atomic.Int64
}

func NewAccountStore(repo ports.AccountRepository, clock ports.Clock, logger zerolog.Logger) *AccountStore {
	return &AccountStore{
		entries: make(map[string]*accountEntry),
		repo:    repo,
		clock:   clock,
		logger:  logger,
	}
}

// Load replaces the in-memory pool with the persisted set. Called once at
// startup; an error here is fatal to the process.
func (st *AccountStore) Load(ctx context.Context) error {
	accounts, err := st.repo.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.entries = make(map[string]*accountEntry, len(accounts))
	for _, acc := range accounts {
		st.entries[acc.ID] = &accountEntry{acc: acc}
	}
	st.logger.Info().Int("accounts", len(accounts)).Msg("account pool loaded")
	return nil
}

// Snapshot returns per-entry consistent copies of every account.
func (st *AccountStore) Snapshot() []domain.Account {
	st.mu.RLock()
	entries := make([]*accountEntry, 0, len(st.entries))
	for _, e := range st.entries {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	out := make([]domain.Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.acc)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one account.
func (st *AccountStore) Get(id string) (domain.Account, error) {
	e, err := st.entry(id)
	if err != nil {
		return domain.Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc, nil
}

// Add inserts a new account into the pool.
func (st *AccountStore) Add(acc domain.Account) error {
	if acc.ID == "" {
		return fmt.Errorf("account id required")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.entries[acc.ID]; exists {
		return domain.ErrAccountExists
	}
	st.entries[acc.ID] = &accountEntry{acc: acc}
	st.dirty.Store(true)
	return nil
}

// Remove deletes an account. In-flight work against it finishes normally;
// its outcome is simply no longer applied.
func (st *AccountStore) Remove(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.entries[id]; !exists {
		return domain.ErrAccountNotFound
	}
	delete(st.entries, id)
	st.dirty.Store(true)
	return nil
}

// Update applies fn to the account under its entry lock and returns the
// result. fn receives a fresh copy, so callers re-validate any condition
// they decided on from a snapshot.
func (st *AccountStore) Update(id string, fn func(domain.Account) domain.Account) (domain.Account, error) {
	e, err := st.entry(id)
	if err != nil {
		return domain.Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc = fn(e.acc)
	st.dirty.Store(true)
	return e.acc, nil
}

// ApplyOutcome runs the outcome state machine against one account.
func (st *AccountStore) ApplyOutcome(id string, out domain.Outcome, p *domain.Policy) (domain.Account, error) {
	now := st.clock.Now().UTC()
	return st.Update(id, func(a domain.Account) domain.Account {
		return a.ApplyOutcome(out, *p, now)
	})
}

// SetStatus applies an operator transition after checking it against the
// admin state machine. Re-enabling a disabled account resets its
// counters.
func (st *AccountStore) SetStatus(id string, next domain.AccountStatus) (domain.Account, error) {
	e, err := st.entry(id)
	if err != nil {
		return domain.Account{}, err
	}
	now := st.clock.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.acc.Status.CanAdminSet(next) {
		return domain.Account{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, e.acc.Status, next)
	}
	from := e.acc.Status
	e.acc.Status = next
	e.acc.UpdatedAt = now
	switch next {
	case domain.StatusActive:
		e.acc.Failures = 0
		e.acc.RefreshAttempts = 0
		e.acc.CooldownUntil = time.Time{}
		e.acc.NextRefreshAt = time.Time{}
		e.acc.LastErrorKind = ""
	case domain.StatusRefreshRequired:
		e.acc.RefreshAttempts = 0
		e.acc.NextRefreshAt = now
	}
	st.dirty.Store(true)
	st.logger.Info().Str("account_id", id).Str("from", string(from)).Str("to", string(next)).Msg("account status set")
	return e.acc, nil
}

// Candidates returns the selection view of every account eligible at a
// glance: active and with a free per-account slot. The view is advisory;
// TryAcquire re-checks under the entry lock.
func (st *AccountStore) Candidates(p *domain.Policy) []candidate {
	st.mu.RLock()
	entries := make([]*accountEntry, 0, len(st.entries))
	for _, e := range st.entries {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	out := make([]candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.acc.Status == domain.StatusActive && e.inFlight < p.PerAccountConcurrency {
			out = append(out, candidate{
				id:       e.acc.ID,
				proxy:    e.acc.Proxy,
				failures: e.acc.Failures,
				lastUsed: e.acc.LastUsedAt,
			})
		}
		e.mu.Unlock()
	}
	return out
}

// TryAcquire takes one admission slot on the account: the account must
// still be active, below its per-account cap and within its rate budget.
// Non-blocking; the caller releases the slot on every exit path.
func (st *AccountStore) TryAcquire(id string, p *domain.Policy, gen uint64) (domain.Account, bool) {
	e, err := st.entry(id)
	if err != nil {
		return domain.Account{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acc.Status != domain.StatusActive || e.inFlight >= p.PerAccountConcurrency {
		return domain.Account{}, false
	}
	if p.RatePerMinute > 0 {
		if e.limiter == nil || e.limiterGen != gen {
			e.limiter = rate.NewLimiter(rate.Limit(p.RatePerMinute/60.0), p.RateBurst)
			e.limiterGen = gen
		}
		if !e.limiter.Allow() {
			return domain.Account{}, false
		}
	}
	e.inFlight++
	st.inFlight.Add(1)
	return e.acc, true
}

// Release returns an admission slot. Safe to call for accounts deleted
// mid-flight.
func (st *AccountStore) Release(id string) {
	e, err := st.entry(id)
	if err != nil {
		st.inFlight.Add(-1)
		return
	}
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.mu.Unlock()
	st.inFlight.Add(-1)
}

// InFlight reports the number of admission slots currently held.
func (st *AccountStore) InFlight() int {
	return int(st.inFlight.Load())
}

// CountByStatus returns how many accounts sit in each status.
func (st *AccountStore) CountByStatus() map[domain.AccountStatus]int {
	counts := make(map[domain.AccountStatus]int)
	for _, acc := range st.Snapshot() {
		counts[acc.Status]++
	}
	return counts
}

// FlushIfDirty persists the pool when something changed since the last
// flush. A failed save re-arms the dirty flag.
func (st *AccountStore) FlushIfDirty(ctx context.Context) error {
	if !st.dirty.CompareAndSwap(true, false) {
		return nil
	}
	if err := st.Flush(ctx); err != nil {
		st.dirty.Store(true)
		return err
	}
	return nil
}

// Flush persists the pool unconditionally.
func (st *AccountStore) Flush(ctx context.Context) error {
	accounts := st.Snapshot()
	if err := st.repo.SaveAccounts(ctx, accounts); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	st.logger.Debug().Int("accounts", len(accounts)).Msg("account pool persisted")
	return nil
}

func (st *AccountStore) entry(id string) (*accountEntry, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.entries[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return e, nil
}
