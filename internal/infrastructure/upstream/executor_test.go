package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

var discardLogger = zerolog.Nop()

func newTestClient(cfg Config) *Client {
	return NewClient(cfg, discardLogger)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestClientRun_Success(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotAuth string
		gotUA   string
		gotCT   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":1}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{BaseURL: srv.URL + "/tasks", UserAgent: "poolmux-test/1.0"})
	out := c.Run(context.Background(), ports.ExecuteInput{
		AccountID:  "a",
		Credential: "tok-a",
		Task:       ports.Task{Kind: "search", Payload: []byte(`{"q":"x"}`)},
	})

	if out.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Kind, out.Err)
	}
	if string(out.Payload) != `{"data":1}` {
		t.Errorf("unexpected payload %q", out.Payload)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/tasks/search" {
		t.Errorf("expected the task kind appended to the path, got %q", gotPath)
	}
	if gotAuth != "Bearer tok-a" {
		t.Errorf("expected bearer credential, got %q", gotAuth)
	}
	if gotUA != "poolmux-test/1.0" {
		t.Errorf("expected configured user agent, got %q", gotUA)
	}
	if gotCT != "application/json" {
		t.Errorf("expected json content type, got %q", gotCT)
	}
}

func TestClientRun_EmptyKindPostsBase(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(Config{BaseURL: srv.URL + "/tasks"})
	out := c.Run(context.Background(), ports.ExecuteInput{Task: ports.Task{}})
	if out.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", out.Kind)
	}
	if gotPath != "/tasks" {
		t.Errorf("expected the base path, got %q", gotPath)
	}
}

func TestClientRun_StatusClassification(t *testing.T) {
	cases := []struct {
		status        int
		wantKind      domain.OutcomeKind
		wantTransient bool
	}{
		{http.StatusUnauthorized, domain.OutcomeAuthExpired, false},
		{http.StatusForbidden, domain.OutcomeAuthExpired, false},
		{http.StatusTooManyRequests, domain.OutcomeRateLimited, false},
		{http.StatusInternalServerError, domain.OutcomeUpstreamError, true},
		{http.StatusBadGateway, domain.OutcomeUpstreamError, true},
		{http.StatusNotImplemented, domain.OutcomeUpstreamError, false},
		{http.StatusBadRequest, domain.OutcomeUpstreamError, false},
		{http.StatusNotFound, domain.OutcomeUpstreamError, false},
	}

	for _, tc := range cases {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		c := newTestClient(Config{BaseURL: srv.URL})
		out := c.Run(context.Background(), ports.ExecuteInput{Task: ports.Task{Kind: "t"}})
		srv.Close()

		if out.Kind != tc.wantKind {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.wantKind, out.Kind)
		}
		if out.Transient != tc.wantTransient {
			t.Errorf("status %d: expected transient=%v, got %v", tc.status, tc.wantTransient, out.Transient)
		}
		if out.Err == nil {
			t.Errorf("status %d: expected a classification error", tc.status)
		}
	}
}

func TestClientRun_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(Config{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := c.Run(ctx, ports.ExecuteInput{Task: ports.Task{Kind: "slow"}})
	if out.Kind != domain.OutcomeTimeout {
		t.Fatalf("expected timeout, got %s (%v)", out.Kind, out.Err)
	}
}

func TestClientRun_ConnectFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := newTestClient(Config{BaseURL: srv.URL})
	out := c.Run(context.Background(), ports.ExecuteInput{Task: ports.Task{Kind: "t"}})
	if out.Kind != domain.OutcomeNetworkError {
		t.Fatalf("expected network error, got %s", out.Kind)
	}
}

func TestClientRun_BadProxyURLIsNetworkError(t *testing.T) {
	c := newTestClient(Config{BaseURL: "http://upstream.invalid"})
	out := c.Run(context.Background(), ports.ExecuteInput{
		ProxyURL: "://not-a-url",
		Task:     ports.Task{Kind: "t"},
	})
	if out.Kind != domain.OutcomeNetworkError {
		t.Fatalf("expected network error, got %s", out.Kind)
	}
}

func TestClientRun_EgressesThroughProxy(t *testing.T) {
	var gotRequestURI string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestURI = r.RequestURI
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer proxy.Close()

	c := newTestClient(Config{BaseURL: "http://backend.invalid/tasks"})
	out := c.Run(context.Background(), ports.ExecuteInput{
		ProxyURL: proxy.URL,
		Task:     ports.Task{Kind: "search"},
	})

	if out.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success through the proxy, got %s (%v)", out.Kind, out.Err)
	}
	if gotRequestURI != "http://backend.invalid/tasks/search" {
		t.Errorf("expected an absolute-form proxy request, got %q", gotRequestURI)
	}
}

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

func TestClientRefresh_Success(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"credential":"tok-new","expires_at":"2025-06-02T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{RefreshURL: srv.URL})
	cred, expiresAt, err := c.Refresh(context.Background(), "tok-old", "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cred != "tok-new" {
		t.Errorf("expected the replacement credential, got %q", cred)
	}
	want := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	if expiresAt == nil || !expiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, expiresAt)
	}
	if gotAuth != "Bearer tok-old" {
		t.Errorf("expected the old credential presented, got %q", gotAuth)
	}
}

func TestClientRefresh_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(Config{RefreshURL: srv.URL})
	if _, _, err := c.Refresh(context.Background(), "tok-old", ""); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestClientRefresh_MissingCredentialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{RefreshURL: srv.URL})
	if _, _, err := c.Refresh(context.Background(), "tok-old", ""); err == nil {
		t.Fatal("expected error on an empty credential")
	}
}

func TestClientRefresh_NotConfigured(t *testing.T) {
	c := newTestClient(Config{})
	if _, _, err := c.Refresh(context.Background(), "tok-old", ""); err == nil {
		t.Fatal("expected error without a refresh endpoint")
	}
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestClientRegister_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"u1","label":"fresh","credential":"tok-r","proxy":"p1"}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{RegisterURL: srv.URL})
	acc, err := c.Register(context.Background(), "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acc.ID != "u1" || acc.Label != "fresh" || acc.Credential != "tok-r" || acc.Proxy != "p1" {
		t.Errorf("unexpected account %+v", acc)
	}
	if acc.Status != domain.StatusPending {
		t.Errorf("expected pending, got %s", acc.Status)
	}
	if acc.ExpiresAt != nil {
		t.Errorf("expected no expiry, got %v", acc.ExpiresAt)
	}
}

func TestClientRegister_BadExpiryIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"credential":"tok-r","expires_at":"next tuesday"}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{RegisterURL: srv.URL})
	acc, err := c.Register(context.Background(), "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acc.ExpiresAt != nil {
		t.Errorf("expected the unparseable expiry dropped, got %v", acc.ExpiresAt)
	}
}

func TestClientRegister_NotConfigured(t *testing.T) {
	c := newTestClient(Config{})
	if _, err := c.Register(context.Background(), ""); !errors.Is(err, ports.ErrRegisterUnavailable) {
		t.Fatalf("expected ErrRegisterUnavailable, got %v", err)
	}
}

func TestClientRegister_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(Config{RegisterURL: srv.URL})
	if _, err := c.Register(context.Background(), ""); err == nil {
		t.Fatal("expected error on 503")
	}
}
