package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubExecutor struct {
	mu         sync.Mutex
	runs       []ports.ExecuteInput
	runFn      func(ctx context.Context, in ports.ExecuteInput) domain.Outcome
	refreshFn  func(ctx context.Context, cred domain.Credential, proxyURL string) (domain.Credential, *time.Time, error)
	registerFn func(ctx context.Context, proxyURL string) (*domain.Account, error)
}

func (s *stubExecutor) Run(ctx context.Context, in ports.ExecuteInput) domain.Outcome {
	s.mu.Lock()
	s.runs = append(s.runs, in)
	s.mu.Unlock()
	if s.runFn == nil {
		return domain.Success([]byte(`{"ok":true}`))
	}
	return s.runFn(ctx, in)
}

func (s *stubExecutor) Refresh(ctx context.Context, cred domain.Credential, proxyURL string) (domain.Credential, *time.Time, error) {
	if s.refreshFn == nil {
		return cred, nil, nil
	}
	return s.refreshFn(ctx, cred, proxyURL)
}

func (s *stubExecutor) Register(ctx context.Context, proxyURL string) (*domain.Account, error) {
	if s.registerFn == nil {
		return nil, ports.ErrRegisterUnavailable
	}
	return s.registerFn(ctx, proxyURL)
}

func (s *stubExecutor) runInputs() []ports.ExecuteInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.ExecuteInput, len(s.runs))
	copy(out, s.runs)
	return out
}

type recordSink struct {
	mu     sync.Mutex
	events []ports.OutcomeEvent
}

func (s *recordSink) Emit(ev ports.OutcomeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) all() []ports.OutcomeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.OutcomeEvent, len(s.events))
	copy(out, s.events)
	return out
}

type dispatcherFixture struct {
	accounts *AccountStore
	proxies  *ProxyPool
	settings *SettingsStore
	exec     *stubExecutor
	sink     *recordSink
	clock    *fixedClock
	d        *Dispatcher
}

func newDispatcherFixture(t *testing.T, p domain.Policy, accounts ...domain.Account) *dispatcherFixture {
	t.Helper()
	repo := &stubAccountRepo{stored: accounts}
	clock := newFixedClock()
	store := NewAccountStore(repo, clock, discardLogger)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	settings, err := NewSettingsStore(p, discardLogger)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	proxies := NewProxyPool(clock, discardLogger)
	proxies.Sync(settings.Current().Proxies)
	exec := &stubExecutor{}
	sink := &recordSink{}
	return &dispatcherFixture{
		accounts: store,
		proxies:  proxies,
		settings: settings,
		exec:     exec,
		sink:     sink,
		clock:    clock,
		d:        NewDispatcher(store, proxies, settings, exec, sink, clock, discardLogger),
	}
}

func mustAccount(t *testing.T, st *AccountStore, id string) domain.Account {
	t.Helper()
	acc, err := st.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return acc
}

// ---------------------------------------------------------------------------
// Happy path and selection
// ---------------------------------------------------------------------------

func TestDispatcher_Success(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(), account("a", domain.StatusActive))
	fx.exec.runFn = func(_ context.Context, _ ports.ExecuteInput) domain.Outcome {
		fx.clock.Advance(50 * time.Millisecond)
		return domain.Success([]byte(`{"answer":42}`))
	}

	res, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.AccountID != "a" {
		t.Errorf("expected account a, got %s", res.AccountID)
	}
	if string(res.Payload) != `{"answer":42}` {
		t.Errorf("unexpected payload %q", res.Payload)
	}
	if res.Duration != 50*time.Millisecond {
		t.Errorf("expected 50ms, got %v", res.Duration)
	}
	if got := fx.d.InFlight(); got != 0 {
		t.Errorf("expected global slot released, got %d", got)
	}
	if got := fx.accounts.InFlight(); got != 0 {
		t.Errorf("expected account slot released, got %d", got)
	}
	acc := mustAccount(t, fx.accounts, "a")
	if acc.Served != 1 || acc.Status != domain.StatusActive {
		t.Errorf("expected served active account, got %+v", acc)
	}
}

func TestDispatcher_PrefersFewerFailures(t *testing.T) {
	worn := account("a", domain.StatusActive)
	worn.Failures = 2
	fresh := account("b", domain.StatusActive)
	fresh.LastUsedAt = t0 // more recent than a, still preferred

	fx := newDispatcherFixture(t, testPolicy(), worn, fresh)
	res, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.AccountID != "b" {
		t.Errorf("expected least-failed account b, got %s", res.AccountID)
	}
}

func TestDispatcher_PrefersLeastRecentlyUsed(t *testing.T) {
	older := account("b", domain.StatusActive)
	older.LastUsedAt = t0.Add(-time.Hour)
	newer := account("a", domain.StatusActive)
	newer.LastUsedAt = t0

	fx := newDispatcherFixture(t, testPolicy(), older, newer)
	res, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.AccountID != "b" {
		t.Errorf("expected least recently used account b, got %s", res.AccountID)
	}
}

func TestDispatcher_EmptyPoolExhausted(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy())
	_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if len(fx.exec.runInputs()) != 0 {
		t.Error("executor must not run without an account")
	}
}

func TestDispatcher_SkipsNonActive(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(),
		account("a", domain.StatusCooldown),
		account("b", domain.StatusRefreshRequired),
		account("c", domain.StatusDisabled),
		account("d", domain.StatusPending),
	)
	_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Concurrency caps
// ---------------------------------------------------------------------------

func TestDispatcher_PerAccountCapExhaustsPool(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(),
		account("a", domain.StatusActive),
		account("b", domain.StatusActive),
	)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fx.exec.runFn = func(_ context.Context, _ ports.ExecuteInput) domain.Outcome {
		started <- struct{}{}
		<-release
		return domain.Success(nil)
	}

	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
			errc <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("executions did not start")
		}
	}

	// Both accounts hold their single slot; a third call must not queue.
	_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Errorf("in-flight execution %d: %v", i, err)
		}
	}
	if got := fx.d.InFlight(); got != 0 {
		t.Errorf("expected drained dispatcher, got %d in flight", got)
	}
	if got := fx.accounts.InFlight(); got != 0 {
		t.Errorf("expected drained pool, got %d in flight", got)
	}
}

func TestDispatcher_GlobalCapExhaustsPool(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(func(p *domain.Policy) { p.GlobalConcurrency = 1 }),
		account("a", domain.StatusActive),
		account("b", domain.StatusActive),
	)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	fx.exec.runFn = func(_ context.Context, _ ports.ExecuteInput) domain.Outcome {
		started <- struct{}{}
		<-release
		return domain.Success(nil)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not start")
	}

	_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted at global cap, got %v", err)
	}
	// Only the blocked execution holds a slot; the refused call gave its
	// own back.
	if got := fx.accounts.InFlight(); got != 1 {
		t.Errorf("refused call must release its account slot, got %d held", got)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Errorf("in-flight execution: %v", err)
	}
}

func TestDispatcher_MidFlightReloadWidensCap(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(), account("a", domain.StatusActive))

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fx.exec.runFn = func(_ context.Context, _ ports.ExecuteInput) domain.Outcome {
		started <- struct{}{}
		<-release
		return domain.Success(nil)
	}

	errc := make(chan error, 2)
	go func() {
		_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first execution did not start")
	}

	// At cap 1 the sole account is saturated.
	if _, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"}); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted before reload, got %v", err)
	}

	wider := testPolicy(func(p *domain.Policy) { p.PerAccountConcurrency = 2 })
	if err := fx.settings.Reload(wider); err != nil {
		t.Fatalf("reload: %v", err)
	}

	// The in-flight execution keeps its snapshot; new calls see cap 2.
	go func() {
		_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("second execution did not start under the widened cap")
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Errorf("execution %d: %v", i, err)
		}
	}
	if got := fx.d.InFlight(); got != 0 {
		t.Errorf("expected drained dispatcher, got %d in flight", got)
	}
}

// ---------------------------------------------------------------------------
// Proxy resolution
// ---------------------------------------------------------------------------

func withProxies(names ...string) func(*domain.Policy) {
	return func(p *domain.Policy) { p.Proxies = endpoints(names...) }
}

func TestDispatcher_BoundProxyIsFixed(t *testing.T) {
	acc := account("a", domain.StatusActive)
	acc.Proxy = "p2"
	fx := newDispatcherFixture(t, testPolicy(withProxies("p1", "p2")), acc)

	for i := 0; i < 3; i++ {
		if _, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"}); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	for i, in := range fx.exec.runInputs() {
		if in.ProxyURL != "http://p2.example:8080" {
			t.Errorf("call %d: bound account must egress via p2, got %q", i, in.ProxyURL)
		}
	}
}

func TestDispatcher_BoundProxyDownStickySitsOut(t *testing.T) {
	acc := account("a", domain.StatusActive)
	acc.Proxy = "p1"
	fx := newDispatcherFixture(t, testPolicy(withProxies("p1", "p2")), acc)
	fx.proxies.MarkDown("p1", "connect refused")

	_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if len(fx.exec.runInputs()) != 0 {
		t.Error("sticky account with a down proxy must not run")
	}
}

func TestDispatcher_BoundProxyDownFailoverBorrows(t *testing.T) {
	acc := account("a", domain.StatusActive)
	acc.Proxy = "p1"
	fx := newDispatcherFixture(t, testPolicy(withProxies("p1", "p2"), func(p *domain.Policy) {
		p.ProxyRebind = domain.RebindFailover
	}), acc)
	fx.proxies.MarkDown("p1", "connect refused")

	if _, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	runs := fx.exec.runInputs()
	if len(runs) != 1 || runs[0].ProxyURL != "http://p2.example:8080" {
		t.Fatalf("expected failover onto p2, got %+v", runs)
	}
}

func TestDispatcher_UnboundRotates(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(withProxies("p1", "p2")), account("a", domain.StatusActive))

	for i := 0; i < 2; i++ {
		if _, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"}); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	runs := fx.exec.runInputs()
	if len(runs) != 2 || runs[0].ProxyURL == runs[1].ProxyURL {
		t.Fatalf("expected rotation over both members, got %+v", runs)
	}
}

func TestDispatcher_NoProxiesEgressesDirect(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(), account("a", domain.StatusActive))

	if _, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	runs := fx.exec.runInputs()
	if len(runs) != 1 || runs[0].ProxyURL != "" {
		t.Fatalf("expected direct egress, got %+v", runs)
	}
}

func TestDispatcher_AllProxiesDownExhausted(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(withProxies("p1")), account("a", domain.StatusActive))
	fx.proxies.MarkDown("p1", "timeout")

	_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Outcome handling
// ---------------------------------------------------------------------------

func TestDispatcher_NetworkErrorMarksProxyDown(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(withProxies("p1")), account("a", domain.StatusActive))
	fx.exec.runFn = func(_ context.Context, _ ports.ExecuteInput) domain.Outcome {
		return domain.Failure(domain.OutcomeNetworkError, true, errors.New("connect refused"))
	}

	_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
	if fx.proxies.IsUp("p1") {
		t.Error("proxy must be marked down after a network error")
	}
	acc := mustAccount(t, fx.accounts, "a")
	if acc.Status != domain.StatusActive || acc.Failures != 0 {
		t.Errorf("network error must not punish the account, got %+v", acc)
	}
	if acc.LastErrorKind != string(domain.OutcomeNetworkError) {
		t.Errorf("expected network_error recorded, got %q", acc.LastErrorKind)
	}
}

func TestDispatcher_OutcomeErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		outcome    domain.Outcome
		wantErr    error
		wantStatus domain.AccountStatus
	}{
		{
			name:       "auth expired",
			outcome:    domain.Failure(domain.OutcomeAuthExpired, true, errors.New("401")),
			wantErr:    domain.ErrRetryable,
			wantStatus: domain.StatusRefreshRequired,
		},
		{
			name:       "rate limited",
			outcome:    domain.Failure(domain.OutcomeRateLimited, true, errors.New("429")),
			wantErr:    domain.ErrRetryable,
			wantStatus: domain.StatusCooldown,
		},
		{
			name:       "transient upstream",
			outcome:    domain.Failure(domain.OutcomeUpstreamError, true, errors.New("502")),
			wantErr:    domain.ErrRetryable,
			wantStatus: domain.StatusCooldown,
		},
		{
			name:       "permanent upstream",
			outcome:    domain.Failure(domain.OutcomeUpstreamError, false, errors.New("400")),
			wantErr:    domain.ErrUpstreamRejected,
			wantStatus: domain.StatusCooldown,
		},
		{
			name:       "timeout",
			outcome:    domain.Failure(domain.OutcomeTimeout, true, context.DeadlineExceeded),
			wantErr:    domain.ErrTimeout,
			wantStatus: domain.StatusCooldown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newDispatcherFixture(t, testPolicy(), account("a", domain.StatusActive))
			fx.exec.runFn = func(_ context.Context, _ ports.ExecuteInput) domain.Outcome {
				return tc.outcome
			}

			_, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			acc := mustAccount(t, fx.accounts, "a")
			if acc.Status != tc.wantStatus {
				t.Errorf("expected status %s, got %s", tc.wantStatus, acc.Status)
			}
			if got := fx.d.InFlight(); got != 0 {
				t.Errorf("expected slots released, got %d", got)
			}
		})
	}
}

func TestDispatcher_CancelledBeforeRun(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(), account("a", domain.StatusActive))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.d.Execute(ctx, ports.Task{Kind: "search"})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(fx.exec.runInputs()) != 0 {
		t.Error("executor must not run under a cancelled context")
	}
	if got := fx.accounts.InFlight(); got != 0 {
		t.Errorf("expected slots released, got %d", got)
	}
	if got := fx.d.InFlight(); got != 0 {
		t.Errorf("expected global slot released, got %d", got)
	}
}

func TestDispatcher_EmitsOutcomeEvents(t *testing.T) {
	fx := newDispatcherFixture(t, testPolicy(withProxies("p1")), account("a", domain.StatusActive))

	if _, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	fx.exec.runFn = func(_ context.Context, _ ports.ExecuteInput) domain.Outcome {
		return domain.Failure(domain.OutcomeRateLimited, true, errors.New("429"))
	}
	if _, err := fx.d.Execute(context.Background(), ports.Task{Kind: "search"}); !errors.Is(err, domain.ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}

	events := fx.sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != domain.OutcomeSuccess || events[0].AccountID != "a" || events[0].Proxy != "p1" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].Kind != domain.OutcomeRateLimited || events[1].Err != "429" {
		t.Errorf("unexpected second event %+v", events[1])
	}
}
