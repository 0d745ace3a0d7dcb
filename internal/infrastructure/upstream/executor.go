package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
)

const maxResponseBytes = 8 << 20

// Config holds the upstream endpoints the executor talks to. RegisterURL
// is optional; without it the pool cannot self-provision.
type Config struct {
	BaseURL     string
	RefreshURL  string
	RegisterURL string
	UserAgent   string
}

// Client is the HTTP implementation of ports.Executor. It keeps one
// transport per proxy so connection pools do not leak across egress
// paths, and it classifies every way an attempt can end into a
// domain.Outcome.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*http.Client),
	}
}

// Run posts the task to the upstream through the requested proxy and
// classifies the result. The context deadline is the execution deadline.
func (c *Client) Run(ctx context.Context, in ports.ExecuteInput) domain.Outcome {
	client, err := c.httpClient(in.ProxyURL)
	if err != nil {
		return domain.Failure(domain.OutcomeNetworkError, false, err)
	}

	endpoint := c.cfg.BaseURL
	if in.Task.Kind != "" {
		endpoint = strings.TrimRight(c.cfg.BaseURL, "/") + "/" + url.PathEscape(in.Task.Kind)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(in.Task.Payload))
	if err != nil {
		return domain.Failure(domain.OutcomeNetworkError, false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(in.Credential))
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(ctx, err)
	}
	return classifyResponse(resp.StatusCode, body)
}

// Refresh re-authenticates against the refresh endpoint and returns the
// replacement credential.
func (c *Client) Refresh(ctx context.Context, cred domain.Credential, proxyURL string) (domain.Credential, *time.Time, error) {
	if c.cfg.RefreshURL == "" {
		return "", nil, fmt.Errorf("refresh endpoint not configured")
	}
	client, err := c.httpClient(proxyURL)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RefreshURL, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+string(cred))
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("refresh: upstream status %d", resp.StatusCode)
	}

	var payload struct {
		Credential string `json:"credential"`
		ExpiresAt  string `json:"expires_at"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return "", nil, fmt.Errorf("refresh: decode response: %w", err)
	}
	if payload.Credential == "" {
		return "", nil, fmt.Errorf("refresh: upstream returned no credential")
	}
	return domain.Credential(payload.Credential), c.parseExpiry(payload.ExpiresAt), nil
}

// Register provisions a new account from the provisioning endpoint.
func (c *Client) Register(ctx context.Context, proxyURL string) (*domain.Account, error) {
	if c.cfg.RegisterURL == "" {
		return nil, ports.ErrRegisterUnavailable
	}
	client, err := c.httpClient(proxyURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RegisterURL, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("register: upstream status %d", resp.StatusCode)
	}

	var payload struct {
		ID         string `json:"id"`
		Label      string `json:"label"`
		Credential string `json:"credential"`
		Proxy      string `json:"proxy"`
		ExpiresAt  string `json:"expires_at"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("register: decode response: %w", err)
	}
	if payload.Credential == "" {
		return nil, fmt.Errorf("register: upstream returned no credential")
	}
	return &domain.Account{
		ID:         payload.ID,
		Label:      payload.Label,
		Credential: domain.Credential(payload.Credential),
		Proxy:      payload.Proxy,
		Status:     domain.StatusPending,
		ExpiresAt:  c.parseExpiry(payload.ExpiresAt),
	}, nil
}

// httpClient returns the cached client for a proxy, building its
// transport on first use. The empty key is direct egress.
func (c *Client) httpClient(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxyURL]; ok {
		return client, nil
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	client := &http.Client{Transport: transport}
	c.clients[proxyURL] = client
	return client, nil
}

func (c *Client) parseExpiry(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.logger.Warn().Str("expires_at", raw).Msg("unparseable expiry ignored")
		return nil
	}
	return &t
}

// classifyTransport maps transport-level failures: a spent deadline is a
// timeout, everything else implicates the egress path.
func classifyTransport(ctx context.Context, err error) domain.Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Failure(domain.OutcomeTimeout, false, err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.Failure(domain.OutcomeTimeout, false, err)
	}
	return domain.Failure(domain.OutcomeNetworkError, false, err)
}

// classifyResponse maps upstream status codes onto the outcome set.
// 5xx is transient except 501; remaining 4xx and stray 3xx are permanent
// rejections of this particular request.
func classifyResponse(status int, body []byte) domain.Outcome {
	switch {
	case status >= 200 && status < 300:
		return domain.Success(body)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.Failure(domain.OutcomeAuthExpired, false, fmt.Errorf("upstream status %d", status))
	case status == http.StatusTooManyRequests:
		return domain.Failure(domain.OutcomeRateLimited, false, fmt.Errorf("upstream status %d", status))
	case status >= 500:
		return domain.Failure(domain.OutcomeUpstreamError, status != http.StatusNotImplemented, fmt.Errorf("upstream status %d", status))
	default:
		return domain.Failure(domain.OutcomeUpstreamError, false, fmt.Errorf("upstream status %d", status))
	}
}
