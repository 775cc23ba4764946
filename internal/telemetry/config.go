// Package telemetry provides OpenTelemetry instrumentation for the sync engine.
// Traces and metrics are exported over OTLP; metrics can also be scraped
// through a Prometheus endpoint.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "chunksync"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling rate (5%)
	DefaultSampling = 0.05

	// DefaultPrometheusAddress is where the Prometheus scrape endpoint listens
	DefaultPrometheusAddress = ":9090"
)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to "chunksync"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion defaults to the build version
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint in "host:port" form
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows plain HTTP to the collector
	Insecure bool `yaml:"insecure,omitempty"`

	Tracing    *TracingConfig    `yaml:"tracing,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
	Prometheus *PrometheusConfig `yaml:"prometheus,omitempty"`
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the trace sampling ratio between 0.0 and 1.0
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig controls OTLP metric export
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PrometheusConfig controls the pull-based metrics endpoint
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address,omitempty"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if strings.TrimSpace(c.ServiceName) == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns the sampling ratio. Zero is treated as unset.
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// GetAddress returns the listen address for the scrape endpoint
func (c *PrometheusConfig) GetAddress() string {
	if c.Address == "" {
		return DefaultPrometheusAddress
	}
	return c.Address
}

// MetricsEnabled reports whether any metric reader is configured
func (c *Config) MetricsEnabled() bool {
	if c == nil || !c.Enabled {
		return false
	}
	return (c.Metrics != nil && c.Metrics.Enabled) || (c.Prometheus != nil && c.Prometheus.Enabled)
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if c.Tracing != nil && c.Tracing.Enabled {
		if c.Tracing.Sampling < 0 || c.Tracing.Sampling > 1.0 {
			errs = append(errs, fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %f", c.Tracing.Sampling))
		}
	}
	if c.Prometheus != nil && c.Prometheus.Enabled && c.Prometheus.Address != "" &&
		!strings.Contains(c.Prometheus.Address, ":") {
		errs = append(errs, fmt.Errorf("prometheus: address must be host:port, got %q", c.Prometheus.Address))
	}

	return errors.Join(errs...)
}
