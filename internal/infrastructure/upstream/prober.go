package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const probeTimeout = 10 * time.Second

// HTTPProber checks proxy liveness by fetching a small, always-available
// target through the proxy.
type HTTPProber struct {
	probeURL string
}

func NewProber(probeURL string) *HTTPProber {
	return &HTTPProber{probeURL: probeURL}
}

// Probe fetches the probe target through proxyURL. Any transport error or
// a status >= 400 keeps the proxy Down. The transport is transient; a
// probe must not hold connections to a proxy that may be dead.
func (p *HTTPProber) Probe(ctx context.Context, proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	transport := &http.Transport{Proxy: http.ProxyURL(u)}
	defer transport.CloseIdleConnections()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
