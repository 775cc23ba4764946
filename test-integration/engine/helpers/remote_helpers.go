// Package helpers provides fixtures for the engine integration suite.
package helpers

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/onsi/gomega"

	"github.com/stacklok/chunksync/internal/api"
	"github.com/stacklok/chunksync/internal/app"
	"github.com/stacklok/chunksync/internal/config"
	"github.com/stacklok/chunksync/internal/connectivity"
	"github.com/stacklok/chunksync/internal/remote/inmemory"
)

// RemoteHelper runs the reference chunk service behind a real HTTP listener
type RemoteHelper struct {
	Service *inmemory.Service
	Server  *httptest.Server
}

// NewRemoteHelper starts a reference service reporting version
func NewRemoteHelper(version string, opts ...inmemory.Option) *RemoteHelper {
	svc := inmemory.New(append([]inmemory.Option{inmemory.WithVersion(version)}, opts...)...)
	server := httptest.NewServer(api.NewServer(svc, api.WithVersion(version), api.WithMiddlewares(api.LoggingMiddleware)))
	return &RemoteHelper{Service: svc, Server: server}
}

// URL returns the base URL of the service
func (r *RemoteHelper) URL() string {
	return r.Server.URL
}

// Close stops the listener
func (r *RemoteHelper) Close() {
	r.Server.Close()
}

// ConfigOptions shape the YAML written by WriteConfig
type ConfigOptions struct {
	Endpoint         string
	StateDir         string
	BatchSize        int
	MaxRetries       *int
	Policy           string
	Interval         string
	MinServerVersion string
}

// WriteConfig writes a config file with a file store under dir and returns its path
func WriteConfig(dir string, opts ConfigOptions) string {
	if opts.Policy == "" {
		opts.Policy = "local"
	}
	if opts.Interval == "" {
		opts.Interval = "1h"
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}

	retries := ""
	if opts.MaxRetries != nil {
		retries = fmt.Sprintf("\n  maxRetries: %d", *opts.MaxRetries)
	}

	content := fmt.Sprintf(`engine:
  batchSize: %d%s
  conflictPolicy: %s
  interval: %s
remote:
  endpoint: %s
  timeout: 5s
  minServerVersion: %q
store:
  type: file
  file:
    path: %s
`, opts.BatchSize, retries, opts.Policy, opts.Interval, opts.Endpoint, opts.MinServerVersion, opts.StateDir)

	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(content), 0600)).To(gomega.Succeed())
	return path
}

// NewEngine loads path and builds an engine whose connectivity is driven by oracle
func NewEngine(ctx context.Context, path string, oracle connectivity.Oracle) *app.EngineApp {
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	engine, err := app.NewEngineApp(ctx, app.WithConfig(cfg), app.WithOracle(oracle))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return engine
}
