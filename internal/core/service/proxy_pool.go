package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

type proxyEntry struct {
	url           string
	up            bool
	lastCheckedAt time.Time
	lastError     string
}

// ProxyPool tracks the liveness of the configured egress proxies and
// hands them out round-robin. Members come from the policy document;
// liveness is runtime-only state rebuilt by probing after a restart.
type ProxyPool struct {
	mu      sync.RWMutex
	entries map[string]*proxyEntry
	order   []string
	cursor  int
	clock   ports.Clock
	logger  zerolog.Logger
}

func NewProxyPool(clock ports.Clock, logger zerolog.Logger) *ProxyPool {
	return &ProxyPool{
		entries: make(map[string]*proxyEntry),
		clock:   clock,
		logger:  logger,
	}
}

// Sync reconciles the pool with the configured endpoints: new members
// join Up, removed members drop out mid-rotation, survivors keep their
// liveness. A member whose URL changed is treated as new.
func (p *ProxyPool) Sync(endpoints []domain.ProxyEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*proxyEntry, len(endpoints))
	order := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if prev, ok := p.entries[ep.Name]; ok && prev.url == ep.URL {
			next[ep.Name] = prev
		} else {
			next[ep.Name] = &proxyEntry{url: ep.URL, up: true}
		}
		order = append(order, ep.Name)
	}
	p.entries = next
	p.order = order
	if len(order) > 0 {
		p.cursor = p.cursor % len(order)
	} else {
		p.cursor = 0
	}
	p.logger.Info().Int("proxies", len(order)).Msg("proxy pool synced")
}

// Pick returns the next Up proxy in rotation. The cursor advances on
// every scan step, so consecutive picks spread over the Up subset.
func (p *ProxyPool) Pick() (domain.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.order)
	for i := 0; i < n; i++ {
		name := p.order[p.cursor%n]
		p.cursor = (p.cursor + 1) % n
		e := p.entries[name]
		if e.up {
			return proxyView(name, e), nil
		}
	}
	return domain.Proxy{}, domain.ErrNoProxyAvailable
}

// IsUp reports the liveness of a named member. Unknown names are Down.
func (p *ProxyPool) IsUp(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	return ok && e.up
}

// URLFor resolves a member name to its endpoint URL.
func (p *ProxyPool) URLFor(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	if !ok {
		return "", false
	}
	return e.url, true
}

// MarkDown takes a member out of rotation.
func (p *ProxyPool) MarkDown(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	if !ok {
		return
	}
	e.lastCheckedAt = p.clock.Now().UTC()
	e.lastError = reason
	if e.up {
		e.up = false
		p.logger.Warn().Str("proxy", name).Str("reason", reason).Msg("proxy marked down")
	}
}

// MarkUp returns a member to rotation.
func (p *ProxyPool) MarkUp(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	if !ok {
		return
	}
	e.lastCheckedAt = p.clock.Now().UTC()
	e.lastError = ""
	if !e.up {
		e.up = true
		p.logger.Info().Str("proxy", name).Msg("proxy recovered")
	}
}

// DownNames lists the members currently out of rotation.
func (p *ProxyPool) DownNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var down []string
	for _, name := range p.order {
		if !p.entries[name].up {
			down = append(down, name)
		}
	}
	return down
}

// Snapshot returns the pool in configuration order.
func (p *ProxyPool) Snapshot() []domain.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.Proxy, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, proxyView(name, p.entries[name]))
	}
	return out
}

// Size reports the number of configured members, Up or not.
func (p *ProxyPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

func proxyView(name string, e *proxyEntry) domain.Proxy {
	return domain.Proxy{
		Name:          name,
		URL:           e.url,
		Up:            e.up,
		LastCheckedAt: e.lastCheckedAt,
		LastError:     e.lastError,
	}
}
