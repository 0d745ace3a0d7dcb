package ports

import (
	"context"
	"errors"
	"time"

	"github.com/poolmux/poolmux/internal/core/domain"
)

// ErrRegisterUnavailable is returned by executors that have no
// provisioning endpoint configured.
var ErrRegisterUnavailable = errors.New("registration endpoint not configured")

// Task is the opaque unit of work a client submits. The orchestrator
// never inspects the payload; only the executor understands it.
type Task struct {
	Kind    string
	Payload []byte
}

// ExecuteInput carries everything one upstream attempt needs: the chosen
// account's credential and the proxy to egress through (empty = direct).
type ExecuteInput struct {
	AccountID  string
	Credential domain.Credential
	ProxyURL   string
	Task       Task
}

// Executor performs the actual upstream work. Run classifies its own
// result into a domain.Outcome instead of returning an error: every way
// an attempt can end is a value the state machine knows how to apply.
type Executor interface {
	// Run executes one task attempt. The context carries the execution
	// deadline; implementations must honor it.
	Run(ctx context.Context, in ExecuteInput) domain.Outcome

	// Refresh re-authenticates a credential, egressing through proxyURL
	// when non-empty, and returns the replacement credential plus the new
	// expiry when the upstream reports one.
	Refresh(ctx context.Context, cred domain.Credential, proxyURL string) (domain.Credential, *time.Time, error)

	// Register provisions a brand new account, egressing through proxyURL
	// when non-empty. Implementations without a provisioning endpoint
	// return ErrRegisterUnavailable.
	Register(ctx context.Context, proxyURL string) (*domain.Account, error)
}

// Prober checks whether a proxy endpoint can reach the upstream. A nil
// error marks the proxy Up.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) error
}
