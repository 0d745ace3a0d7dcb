package service

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
)

// SettingsStore holds the live orchestration policy. Reads are lock-free
// pointer loads; Reload swaps the whole document at once, so a concurrent
// operation sees either the old policy or the new one, never a mix.
// Operations already in flight keep the snapshot they captured.
type SettingsStore struct {
	current    atomic.Pointer[domain.Policy]
	generation atomic.Uint64
	logger     zerolog.Logger
}

func NewSettingsStore(initial domain.Policy, logger zerolog.Logger) (*SettingsStore, error) {
	s := &SettingsStore{logger: logger}
	if err := s.Reload(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the installed policy. The document behind the pointer
// is never mutated after installation.
func (s *SettingsStore) Current() *domain.Policy {
	return s.current.Load()
}

// Generation moves on every successful reload. Consumers that cache state
// derived from the policy (rate limiters) rebuild when it changes.
func (s *SettingsStore) Generation() uint64 {
	return s.generation.Load()
}

// Reload validates and installs a new policy. A rejected document leaves
// the installed one untouched.
func (s *SettingsStore) Reload(p domain.Policy) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("policy rejected, keeping current")
		return err
	}
	s.current.Store(&p)
	gen := s.generation.Add(1)
	s.logger.Info().
		Uint64("generation", gen).
		Int("global_concurrency", p.GlobalConcurrency).
		Int("per_account_concurrency", p.PerAccountConcurrency).
		Int("proxies", len(p.Proxies)).
		Msg("policy installed")
	return nil
}
