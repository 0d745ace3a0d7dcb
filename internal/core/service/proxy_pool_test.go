package service

import (
	"errors"
	"testing"

	"github.com/poolmux/poolmux/internal/core/domain"
)

func endpoints(names ...string) []domain.ProxyEndpoint {
	eps := make([]domain.ProxyEndpoint, 0, len(names))
	for _, n := range names {
		eps = append(eps, domain.ProxyEndpoint{Name: n, URL: "http://" + n + ".example:8080"})
	}
	return eps
}

func TestProxyPool_PickRoundRobin(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a", "b", "c"))

	var got []string
	for i := 0; i < 6; i++ {
		px, err := p.Pick()
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		got = append(got, px.Name)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestProxyPool_PickSkipsDown(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a", "b", "c"))
	p.MarkDown("b", "connect refused")

	for i := 0; i < 4; i++ {
		px, err := p.Pick()
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if px.Name == "b" {
			t.Fatal("down member must not be picked")
		}
	}
}

func TestProxyPool_PickAllDown(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a", "b"))
	p.MarkDown("a", "timeout")
	p.MarkDown("b", "timeout")

	if _, err := p.Pick(); !errors.Is(err, domain.ErrNoProxyAvailable) {
		t.Fatalf("expected ErrNoProxyAvailable, got %v", err)
	}
}

func TestProxyPool_PickEmpty(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	if _, err := p.Pick(); !errors.Is(err, domain.ErrNoProxyAvailable) {
		t.Fatalf("expected ErrNoProxyAvailable, got %v", err)
	}
}

func TestProxyPool_SyncKeepsSurvivorLiveness(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a", "b"))
	p.MarkDown("a", "timeout")

	p.Sync(endpoints("a", "b", "c"))
	if p.IsUp("a") {
		t.Error("survivor must keep its Down state")
	}
	if !p.IsUp("c") {
		t.Error("new member must join Up")
	}
}

func TestProxyPool_SyncURLChangeResetsLiveness(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a"))
	p.MarkDown("a", "timeout")

	p.Sync([]domain.ProxyEndpoint{{Name: "a", URL: "http://a.example:9090"}})
	if !p.IsUp("a") {
		t.Error("member with a new url is a new member and joins Up")
	}
	if url, ok := p.URLFor("a"); !ok || url != "http://a.example:9090" {
		t.Errorf("expected new url, got %q ok=%v", url, ok)
	}
}

func TestProxyPool_SyncDropsRemoved(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a", "b"))
	p.Sync(endpoints("b"))

	if p.IsUp("a") {
		t.Error("removed member must be unknown")
	}
	if _, ok := p.URLFor("a"); ok {
		t.Error("removed member must not resolve")
	}
	if got := p.Size(); got != 1 {
		t.Errorf("expected size 1, got %d", got)
	}
}

func TestProxyPool_MarkUpRestoresRotation(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a"))
	p.MarkDown("a", "timeout")
	if _, err := p.Pick(); err == nil {
		t.Fatal("expected no proxy while down")
	}

	p.MarkUp("a")
	px, err := p.Pick()
	if err != nil {
		t.Fatalf("pick after recovery: %v", err)
	}
	if px.Name != "a" || !px.Up {
		t.Errorf("expected a Up, got %+v", px)
	}
	if px.LastError != "" {
		t.Errorf("recovery must clear the last error, got %q", px.LastError)
	}
}

func TestProxyPool_DownNamesConfigOrder(t *testing.T) {
	p := NewProxyPool(newFixedClock(), discardLogger)
	p.Sync(endpoints("a", "b", "c"))
	p.MarkDown("c", "timeout")
	p.MarkDown("a", "timeout")

	down := p.DownNames()
	if len(down) != 2 || down[0] != "a" || down[1] != "c" {
		t.Fatalf("expected [a c], got %v", down)
	}
}

func TestProxyPool_SnapshotConfigOrder(t *testing.T) {
	clock := newFixedClock()
	p := NewProxyPool(clock, discardLogger)
	p.Sync(endpoints("b", "a"))
	p.MarkDown("a", "refused")

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 members, got %d", len(snap))
	}
	if snap[0].Name != "b" || snap[1].Name != "a" {
		t.Fatalf("expected configuration order [b a], got %v", snap)
	}
	if snap[1].Up || snap[1].LastError != "refused" {
		t.Errorf("expected a down with reason, got %+v", snap[1])
	}
	if !snap[1].LastCheckedAt.Equal(clock.Now().UTC()) {
		t.Errorf("expected check timestamp recorded, got %v", snap[1].LastCheckedAt)
	}
}
