package domain

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ProxyRebindMode controls what happens to an account whose bound proxy
// is Down: sticky keeps the binding and sits the account out, failover
// lets it borrow from the rotation until the proxy recovers.
type ProxyRebindMode string

const (
	RebindSticky   ProxyRebindMode = "sticky"
	RebindFailover ProxyRebindMode = "failover"
)

var ErrInvalidPolicy = errors.New("invalid policy")
var ErrPolicyNotFound = errors.New("policy not found")

// Policy defaults. Zero fields are filled by Normalize; fields whose zero
// value is meaningful (RatePerMinute, MinActiveAccounts) are left alone.
const (
	DefaultPerAccountConcurrency     = 1
	DefaultGlobalConcurrency         = 16
	DefaultRateBurst                 = 1
	DefaultCooldownSeconds           = 300
	DefaultAutoDisableThreshold      = 3
	DefaultRefreshRetryBudget        = 3
	DefaultRefreshBackoffBaseSeconds = 30
	DefaultRefreshBackoffMaxSeconds  = 600
	DefaultProbeIntervalSeconds      = 30
	DefaultIdleProbeIntervalSeconds  = 600
	DefaultExecTimeoutSeconds        = 60
	DefaultRegisterBurst             = 3
	MaxRegisterBurst                 = 30
)

// Policy is the orchestration policy document. It is persisted as a
// whole and hot-swapped atomically; in-flight operations keep the
// snapshot they started with.
type Policy struct {
	PerAccountConcurrency     int             `json:"per_account_concurrency" bson:"per_account_concurrency"`
	GlobalConcurrency         int             `json:"global_concurrency" bson:"global_concurrency"`
	RatePerMinute             float64         `json:"rate_per_minute" bson:"rate_per_minute"`
	RateBurst                 int             `json:"rate_burst" bson:"rate_burst"`
	CooldownSeconds           int             `json:"cooldown_seconds" bson:"cooldown_seconds"`
	AutoDisableThreshold      int             `json:"auto_disable_threshold" bson:"auto_disable_threshold"`
	RefreshRetryBudget        int             `json:"refresh_retry_budget" bson:"refresh_retry_budget"`
	RefreshBackoffBaseSeconds int             `json:"refresh_backoff_base_seconds" bson:"refresh_backoff_base_seconds"`
	RefreshBackoffMaxSeconds  int             `json:"refresh_backoff_max_seconds" bson:"refresh_backoff_max_seconds"`
	ProbeIntervalSeconds      int             `json:"probe_interval_seconds" bson:"probe_interval_seconds"`
	IdleProbeIntervalSeconds  int             `json:"idle_probe_interval_seconds" bson:"idle_probe_interval_seconds"`
	ExecTimeoutSeconds        int             `json:"exec_timeout_seconds" bson:"exec_timeout_seconds"`
	MinActiveAccounts         int             `json:"min_active_accounts" bson:"min_active_accounts"`
	RegisterBurst             int             `json:"register_burst" bson:"register_burst"`
	ProxyRebind               ProxyRebindMode `json:"proxy_rebind" bson:"proxy_rebind"`
	Proxies                   []ProxyEndpoint `json:"proxies" bson:"proxies"`
}

// DefaultPolicy returns a normalized policy with no proxies and
// auto-registration off.
func DefaultPolicy() Policy {
	var p Policy
	p.Normalize()
	return p
}

// Normalize fills zero fields with defaults and clamps RegisterBurst.
func (p *Policy) Normalize() {
	if p.PerAccountConcurrency == 0 {
		p.PerAccountConcurrency = DefaultPerAccountConcurrency
	}
	if p.GlobalConcurrency == 0 {
		p.GlobalConcurrency = DefaultGlobalConcurrency
	}
	if p.RateBurst == 0 {
		p.RateBurst = DefaultRateBurst
	}
	if p.CooldownSeconds == 0 {
		p.CooldownSeconds = DefaultCooldownSeconds
	}
	if p.AutoDisableThreshold == 0 {
		p.AutoDisableThreshold = DefaultAutoDisableThreshold
	}
	if p.RefreshRetryBudget == 0 {
		p.RefreshRetryBudget = DefaultRefreshRetryBudget
	}
	if p.RefreshBackoffBaseSeconds == 0 {
		p.RefreshBackoffBaseSeconds = DefaultRefreshBackoffBaseSeconds
	}
	if p.RefreshBackoffMaxSeconds == 0 {
		p.RefreshBackoffMaxSeconds = DefaultRefreshBackoffMaxSeconds
	}
	if p.ProbeIntervalSeconds == 0 {
		p.ProbeIntervalSeconds = DefaultProbeIntervalSeconds
	}
	if p.IdleProbeIntervalSeconds == 0 {
		p.IdleProbeIntervalSeconds = DefaultIdleProbeIntervalSeconds
	}
	if p.ExecTimeoutSeconds == 0 {
		p.ExecTimeoutSeconds = DefaultExecTimeoutSeconds
	}
	if p.RegisterBurst == 0 {
		p.RegisterBurst = DefaultRegisterBurst
	}
	if p.RegisterBurst > MaxRegisterBurst {
		p.RegisterBurst = MaxRegisterBurst
	}
	if p.ProxyRebind == "" {
		p.ProxyRebind = RebindSticky
	}
}

// Validate reports whether the policy is usable. Callers normalize first;
// a failed validation must leave the currently installed policy in place.
func (p Policy) Validate() error {
	switch {
	case p.PerAccountConcurrency < 1:
		return fmt.Errorf("%w: per_account_concurrency must be >= 1", ErrInvalidPolicy)
	case p.GlobalConcurrency < 1:
		return fmt.Errorf("%w: global_concurrency must be >= 1", ErrInvalidPolicy)
	case p.RatePerMinute < 0:
		return fmt.Errorf("%w: rate_per_minute must be >= 0", ErrInvalidPolicy)
	case p.RateBurst < 1:
		return fmt.Errorf("%w: rate_burst must be >= 1", ErrInvalidPolicy)
	case p.CooldownSeconds < 1:
		return fmt.Errorf("%w: cooldown_seconds must be >= 1", ErrInvalidPolicy)
	case p.AutoDisableThreshold < 1:
		return fmt.Errorf("%w: auto_disable_threshold must be >= 1", ErrInvalidPolicy)
	case p.RefreshRetryBudget < 1:
		return fmt.Errorf("%w: refresh_retry_budget must be >= 1", ErrInvalidPolicy)
	case p.RefreshBackoffBaseSeconds < 1:
		return fmt.Errorf("%w: refresh_backoff_base_seconds must be >= 1", ErrInvalidPolicy)
	case p.RefreshBackoffMaxSeconds < p.RefreshBackoffBaseSeconds:
		return fmt.Errorf("%w: refresh_backoff_max_seconds must be >= base", ErrInvalidPolicy)
	case p.ProbeIntervalSeconds < 1:
		return fmt.Errorf("%w: probe_interval_seconds must be >= 1", ErrInvalidPolicy)
	case p.IdleProbeIntervalSeconds < p.ProbeIntervalSeconds:
		return fmt.Errorf("%w: idle_probe_interval_seconds must be >= probe interval", ErrInvalidPolicy)
	case p.ExecTimeoutSeconds < 1:
		return fmt.Errorf("%w: exec_timeout_seconds must be >= 1", ErrInvalidPolicy)
	case p.MinActiveAccounts < 0:
		return fmt.Errorf("%w: min_active_accounts must be >= 0", ErrInvalidPolicy)
	case p.RegisterBurst < 1 || p.RegisterBurst > MaxRegisterBurst:
		return fmt.Errorf("%w: register_burst must be in [1,%d]", ErrInvalidPolicy, MaxRegisterBurst)
	case p.ProxyRebind != RebindSticky && p.ProxyRebind != RebindFailover:
		return fmt.Errorf("%w: proxy_rebind must be %q or %q", ErrInvalidPolicy, RebindSticky, RebindFailover)
	}

	seen := make(map[string]struct{}, len(p.Proxies))
	for _, ep := range p.Proxies {
		if ep.Name == "" {
			return fmt.Errorf("%w: proxy name must not be empty", ErrInvalidPolicy)
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("%w: duplicate proxy name %q", ErrInvalidPolicy, ep.Name)
		}
		seen[ep.Name] = struct{}{}
		if _, err := url.Parse(ep.URL); err != nil || ep.URL == "" {
			return fmt.Errorf("%w: proxy %q has invalid url", ErrInvalidPolicy, ep.Name)
		}
	}
	return nil
}

func (p Policy) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

func (p Policy) ExecTimeout() time.Duration {
	return time.Duration(p.ExecTimeoutSeconds) * time.Second
}

func (p Policy) ProbeInterval() time.Duration {
	return time.Duration(p.ProbeIntervalSeconds) * time.Second
}

func (p Policy) IdleProbeInterval() time.Duration {
	return time.Duration(p.IdleProbeIntervalSeconds) * time.Second
}

// Backoff returns the delay before refresh attempt+1, doubling from the
// base and capped at the configured maximum. attempt is 1-based: the
// schedule for base=30s is 30s, 60s, 120s, ...
func (p Policy) Backoff(attempt int) time.Duration {
	base := time.Duration(p.RefreshBackoffBaseSeconds) * time.Second
	max := time.Duration(p.RefreshBackoffMaxSeconds) * time.Second
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
