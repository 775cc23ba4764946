// Package httpremote implements remote.Service over the chunk service HTTP API.
package httpremote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/httpclient"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/internal/versions"
)

// API paths, relative to the endpoint
const (
	HealthPath     = "/health"
	ChunksPath     = "/api/v1/chunks"
	BatchPath      = ChunksPath + "/batch"
	statusHealthy  = "ok"
	defaultTimeout = httpclient.DefaultTimeout
)

// Client talks to a remote chunk service
type Client struct {
	endpoint   string
	http       httpclient.Client
	timeout    time.Duration
	minVersion string
}

var _ remote.Service = (*Client)(nil)

// Option is a functional option for configuring the Client
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(c httpclient.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

// WithMinServerVersion makes HealthCheck fail when the remote reports an
// older version
func WithMinServerVersion(v string) Option {
	return func(cl *Client) {
		cl.minVersion = v
	}
}

// New creates a client for the service at endpoint
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid remote endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote endpoint %q: scheme must be http or https", endpoint)
	}

	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.NewDefaultClient(c.timeout)
	}
	return c, nil
}

// HealthCheck implements remote.Service
func (c *Client) HealthCheck(ctx context.Context) error {
	var resp remote.HealthResponse
	if err := c.http.Do(ctx, http.MethodGet, c.endpoint+HealthPath, nil, &resp); err != nil {
		return fmt.Errorf("%w: %w", remote.ErrUnhealthy, err)
	}
	if resp.Status != statusHealthy {
		return fmt.Errorf("%w: status %q", remote.ErrUnhealthy, resp.Status)
	}
	if err := versions.CheckMinimum(resp.Version, c.minVersion); err != nil {
		return fmt.Errorf("%w: %w", remote.ErrUnhealthy, err)
	}
	return nil
}

// BatchCreate implements remote.Service
func (c *Client) BatchCreate(ctx context.Context, chunks []chunk.Chunk) ([]chunk.Chunk, error) {
	var resp remote.BatchCreateResponse
	err := c.http.Do(ctx, http.MethodPost, c.endpoint+BatchPath, remote.BatchCreateRequest{Chunks: chunks}, &resp)
	if err != nil {
		return nil, fmt.Errorf("batch create of %d chunks failed: %w", len(chunks), err)
	}
	return resp.Chunks, nil
}

// Update implements remote.Service
func (c *Client) Update(ctx context.Context, id string, ch chunk.Chunk) (*chunk.Chunk, error) {
	var out chunk.Chunk
	if err := c.http.Do(ctx, http.MethodPatch, c.chunkURL(id), ch, &out); err != nil {
		return nil, fmt.Errorf("update %s failed: %w", id, mapError(err))
	}
	return &out, nil
}

// Delete implements remote.Service
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.http.Do(ctx, http.MethodDelete, c.chunkURL(id), nil, nil); err != nil {
		return fmt.Errorf("delete %s failed: %w", id, mapError(err))
	}
	return nil
}

// Get implements remote.Service
func (c *Client) Get(ctx context.Context, id string) (*chunk.Chunk, error) {
	var out chunk.Chunk
	if err := c.http.Do(ctx, http.MethodGet, c.chunkURL(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get %s failed: %w", id, mapError(err))
	}
	return &out, nil
}

func (c *Client) chunkURL(id string) string {
	return c.endpoint + ChunksPath + "/" + url.PathEscape(id)
}

// mapError translates 404 responses into remote.ErrNotFound
func mapError(err error) error {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", remote.ErrNotFound, err)
	}
	return err
}
