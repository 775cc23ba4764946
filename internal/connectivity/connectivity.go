// Package connectivity reports whether the remote chunk service is reachable.
package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

//go:generate mockgen -destination=mocks/mock_oracle.go -package=mocks -source=connectivity.go Oracle

// Oracle answers whether the process is currently online
type Oracle interface {
	IsOnline(ctx context.Context) bool
}

// Static is an Oracle whose answer is set explicitly by the host
type Static struct {
	online atomic.Bool
}

var _ Oracle = (*Static)(nil)

// NewStatic creates a Static oracle with the given initial state
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// IsOnline implements Oracle
func (s *Static) IsOnline(context.Context) bool {
	return s.online.Load()
}

// Set changes the reported state
func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// HTTPProbe reports online when a GET to URL completes with any response
// below 500. Network errors and timeouts mean offline.
type HTTPProbe struct {
	url    string
	client *http.Client
}

var _ Oracle = (*HTTPProbe)(nil)

// NewHTTPProbe creates a probe against url with the given timeout
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// IsOnline implements Oracle
func (p *HTTPProbe) IsOnline(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
