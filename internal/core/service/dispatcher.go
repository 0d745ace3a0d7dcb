package service

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// Dispatcher multiplexes client tasks over the account pool: select,
// admit, execute, classify, release. One call makes exactly one upstream
// attempt; retrying is the caller's decision.
type Dispatcher struct {
	accounts *AccountStore
	proxies  *ProxyPool
	settings *SettingsStore
	executor ports.Executor
	sink     ports.EventSink
	clock    ports.Clock
	logger   zerolog.Logger

	global atomic.Int64
}

func NewDispatcher(
	accounts *AccountStore,
	proxies *ProxyPool,
	settings *SettingsStore,
	executor ports.Executor,
	sink ports.EventSink,
	clock ports.Clock,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		accounts: accounts,
		proxies:  proxies,
		settings: settings,
		executor: executor,
		sink:     sink,
		clock:    clock,
		logger:   logger,
	}
}

// Execute serves one task on the best eligible account. It fails fast
// with domain.ErrPoolExhausted when no (account, proxy) pair is
// admissible; it never queues and never retries.
func (d *Dispatcher) Execute(ctx context.Context, task ports.Task) (*ports.ExecResult, error) {
	policy := d.settings.Current()
	gen := d.settings.Generation()

	cands := d.accounts.Candidates(policy)
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].failures != cands[j].failures {
			return cands[i].failures < cands[j].failures
		}
		if !cands[i].lastUsed.Equal(cands[j].lastUsed) {
			return cands[i].lastUsed.Before(cands[j].lastUsed)
		}
		return cands[i].id < cands[j].id
	})

	for _, c := range cands {
		proxyName, proxyURL, eligible := d.resolveProxy(c.proxy, policy)
		if !eligible {
			continue
		}
		acc, ok := d.accounts.TryAcquire(c.id, policy, gen)
		if !ok {
			continue
		}
		if !d.tryAcquireGlobal(policy.GlobalConcurrency) {
			d.accounts.Release(c.id)
			return nil, domain.ErrPoolExhausted
		}
		return d.run(ctx, policy, acc, proxyName, proxyURL, task)
	}
	return nil, domain.ErrPoolExhausted
}

// InFlight reports the number of executions holding a global slot.
func (d *Dispatcher) InFlight() int {
	return int(d.global.Load())
}

// resolveProxy decides the egress for an account. A bound proxy is fixed
// while it is Up; when it is Down the rebind mode decides between sitting
// the account out and borrowing from the rotation. Unbound accounts
// rotate over the Up members, or egress directly when no proxies are
// configured at all.
func (d *Dispatcher) resolveProxy(bound string, p *domain.Policy) (name, url string, eligible bool) {
	if bound != "" {
		if d.proxies.IsUp(bound) {
			u, ok := d.proxies.URLFor(bound)
			if !ok {
				return "", "", false
			}
			return bound, u, true
		}
		if p.ProxyRebind != domain.RebindFailover {
			return "", "", false
		}
	}
	if d.proxies.Size() == 0 {
		if bound != "" {
			// Bound to a member that is no longer configured.
			return "", "", false
		}
		return "", "", true
	}
	proxy, err := d.proxies.Pick()
	if err != nil {
		return "", "", false
	}
	return proxy.Name, proxy.URL, true
}

// run executes the admitted attempt. Both slots are held on entry and
// released on every exit path.
func (d *Dispatcher) run(ctx context.Context, policy *domain.Policy, acc domain.Account, proxyName, proxyURL string, task ports.Task) (*ports.ExecResult, error) {
	defer d.releaseGlobal()
	defer d.accounts.Release(acc.ID)

	// Cancelled while being admitted: the executor is never invoked.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}

	started := d.clock.Now()
	execCtx, cancel := context.WithTimeout(ctx, policy.ExecTimeout())
	defer cancel()

	out := d.executor.Run(execCtx, ports.ExecuteInput{
		AccountID:  acc.ID,
		Credential: acc.Credential,
		ProxyURL:   proxyURL,
		Task:       task,
	})
	elapsed := d.clock.Now().Sub(started)

	if _, err := d.accounts.ApplyOutcome(acc.ID, out, policy); err != nil {
		d.logger.Debug().Str("account_id", acc.ID).Err(err).Msg("outcome not applied")
	}
	if out.Kind == domain.OutcomeNetworkError && proxyName != "" {
		d.proxies.MarkDown(proxyName, errString(out.Err))
	}

	d.sink.Emit(ports.OutcomeEvent{
		AccountID: acc.ID,
		Proxy:     proxyName,
		Kind:      out.Kind,
		Transient: out.Transient,
		Duration:  elapsed,
		At:        d.clock.Now().UTC(),
		Err:       errString(out.Err),
	})

	if out.Failed() {
		d.logger.Warn().
			Str("account_id", acc.ID).
			Str("proxy", proxyName).
			Str("task_kind", task.Kind).
			Str("outcome", string(out.Kind)).
			Dur("elapsed", elapsed).
			Err(out.Err).
			Msg("task failed")
	} else {
		d.logger.Info().
			Str("account_id", acc.ID).
			Str("proxy", proxyName).
			Str("task_kind", task.Kind).
			Dur("elapsed", elapsed).
			Msg("task served")
	}

	switch out.Kind {
	case domain.OutcomeSuccess:
		return &ports.ExecResult{
			Payload:   out.Payload,
			AccountID: acc.ID,
			Proxy:     proxyName,
			Duration:  elapsed,
		}, nil
	case domain.OutcomeTimeout:
		return nil, domain.ErrTimeout
	case domain.OutcomeUpstreamError:
		if out.Transient {
			return nil, fmt.Errorf("%w: %s", domain.ErrRetryable, out.Kind)
		}
		return nil, domain.ErrUpstreamRejected
	default:
		// auth_expired, rate_limited, network_error: the pool has already
		// reacted; the caller may simply try again.
		return nil, fmt.Errorf("%w: %s", domain.ErrRetryable, out.Kind)
	}
}

func (d *Dispatcher) tryAcquireGlobal(limit int) bool {
	for {
		cur := d.global.Load()
		if cur >= int64(limit) {
			return false
		}
		if d.global.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (d *Dispatcher) releaseGlobal() {
	d.global.Add(-1)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
