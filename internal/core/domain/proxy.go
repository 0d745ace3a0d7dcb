package domain

import (
	"errors"
	"time"
)

var ErrNoProxyAvailable = errors.New("no proxy available")
var ErrProxyNotFound = errors.New("proxy not found")

// ProxyEndpoint is a pool member as configured in the policy document.
type ProxyEndpoint struct {
	Name string `json:"name" bson:"name"`
	URL  string `json:"url" bson:"url"`
}

// Proxy is the runtime view of a pool member: configuration plus the
// liveness the orchestrator tracks. Liveness is never persisted; it is
// rebuilt from probing after a restart.
type Proxy struct {
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	Up            bool      `json:"up"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LastError     string    `json:"last_error,omitempty"`
}
