// Package config loads, validates and watches the chunksync configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/status"
	pkgsync "github.com/stacklok/chunksync/internal/sync"
	"github.com/stacklok/chunksync/internal/telemetry"
)

const (
	// StoreTypeMemory keeps engine state in process memory only
	StoreTypeMemory = "memory"

	// StoreTypeFile keeps engine state as JSON files in a directory
	StoreTypeFile = "file"

	// StoreTypeSQLite keeps engine state in a SQLite database file
	StoreTypeSQLite = "sqlite"

	// StoreTypePostgres keeps engine state in a PostgreSQL table
	StoreTypePostgres = "postgres"
)

const (
	// EnvPrefix prefixes every environment override
	EnvPrefix = "CHUNKSYNC"

	// PasswordEnvVar holds the PostgreSQL password when no file is configured
	PasswordEnvVar = EnvPrefix + "_DATABASE_PASSWORD"

	defaultInterval             = 30 * time.Second
	defaultRemoteTimeout        = 10 * time.Second
	defaultConnectivityInterval = 15 * time.Second
)

// Option configures LoadConfig
type Option func(*loaderConfig) error

type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// EvalSymlinks also cleans the path
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}
		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Engine       EngineConfig       `yaml:"engine"`
	Remote       RemoteConfig       `yaml:"remote"`
	Store        StoreConfig        `yaml:"store"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Telemetry    *telemetry.Config  `yaml:"telemetry,omitempty"`
}

// EngineConfig holds the sync engine tunables
type EngineConfig struct {
	// BatchSize is the maximum number of chunks per bulk create. Defaults to 50.
	BatchSize int `yaml:"batchSize,omitempty"`

	// MaxRetries is the number of failures a change survives. Defaults to 3.
	// A pointer keeps an explicit 0 apart from unset.
	MaxRetries *int `yaml:"maxRetries,omitempty"`

	// ConflictPolicy is one of local, remote, merge or manual
	ConflictPolicy string `yaml:"conflictPolicy,omitempty"`

	// Interval is the auto-sync tick, e.g. "30s"
	Interval string `yaml:"interval,omitempty"`

	// StateKey is the key the engine state is stored under
	StateKey string `yaml:"stateKey,omitempty"`
}

// RemoteConfig points at the remote chunk service
type RemoteConfig struct {
	// Endpoint is the base URL of the chunk service
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds every request, e.g. "10s"
	Timeout string `yaml:"timeout,omitempty"`

	// MinServerVersion makes the health check fail for older servers
	MinServerVersion string `yaml:"minServerVersion,omitempty"`
}

// StoreConfig selects the persistent state store
type StoreConfig struct {
	Type     string             `yaml:"type"`
	File     *FileStoreConfig   `yaml:"file,omitempty"`
	SQLite   *SQLiteStoreConfig `yaml:"sqlite,omitempty"`
	Postgres *DatabaseConfig    `yaml:"postgres,omitempty"`
}

// FileStoreConfig configures the file store
type FileStoreConfig struct {
	// Path is the directory state files are written to
	Path string `yaml:"path"`
}

// SQLiteStoreConfig configures the SQLite store
type SQLiteStoreConfig struct {
	// Path is the database file
	Path string `yaml:"path"`
}

// DatabaseConfig defines PostgreSQL connection settings
type DatabaseConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// PasswordFile holds the password, with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	Database string `yaml:"database"`

	// SSLMode is one of disable, require, verify-ca, verify-full. Defaults to require.
	SSLMode string `yaml:"sslMode,omitempty"`

	// DynamicAuth replaces the static password with short-lived tokens
	DynamicAuth *DynamicAuthConfig `yaml:"dynamicAuth,omitempty"`
}

// DynamicAuthConfig selects a token-based authentication method
type DynamicAuthConfig struct {
	AWSRDSIAM *DynamicAuthAWSRDSIAM `yaml:"awsRdsIam,omitempty"`
}

// DynamicAuthAWSRDSIAM authenticates with AWS RDS IAM tokens
type DynamicAuthAWSRDSIAM struct {
	// Region is an AWS region, or "detect" to read it from instance metadata
	Region string `yaml:"region"`
}

// ConnectivityConfig configures the connectivity probe
type ConnectivityConfig struct {
	// ProbeURL defaults to the remote health endpoint
	ProbeURL string `yaml:"probeURL,omitempty"`

	// Interval between probes, e.g. "15s"
	Interval string `yaml:"interval,omitempty"`
}

// GetPassword reads PasswordFile if set, otherwise CHUNKSYNC_DATABASE_PASSWORD
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(d.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(PasswordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf("no database password configured: set passwordFile or %s", PasswordEnvVar)
}

// GetConnectionString builds a postgres:// URL with the password escaped.
// With dynamic auth the password is left out and supplied per connection.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	if d.DynamicAuth != nil {
		return d.BuildConnectionStringWithAuth(""), nil
	}

	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}
	return d.BuildConnectionStringWithAuth(password), nil
}

// BuildConnectionStringWithAuth builds the URL with an explicit password,
// omitting it when empty
func (d *DatabaseConfig) BuildConnectionStringWithAuth(password string) string {
	userInfo := url.QueryEscape(d.User)
	if password != "" {
		userInfo += ":" + url.QueryEscape(password)
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf(
		"postgres://%s@%s:%d/%s?sslmode=%s",
		userInfo,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)
}

// LoadConfig reads, defaults and validates the configuration file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = pkgsync.DefaultBatchSize
	}
	if c.Engine.MaxRetries == nil {
		retries := pkgsync.DefaultMaxRetries
		c.Engine.MaxRetries = &retries
	}
	if c.Engine.ConflictPolicy == "" {
		c.Engine.ConflictPolicy = string(conflict.PolicyLocal)
	}
	if c.Engine.StateKey == "" {
		c.Engine.StateKey = status.DefaultStateKey
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreTypeMemory
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if _, err := c.Engine.Settings(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := validateDuration(c.Engine.Interval); err != nil {
		errs = append(errs, fmt.Errorf("engine.interval: %w", err))
	}
	if err := c.Remote.validate(); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}
	if err := c.Store.validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := validateDuration(c.Connectivity.Interval); err != nil {
		errs = append(errs, fmt.Errorf("connectivity.interval: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

// Settings converts the engine block into sync settings
func (e EngineConfig) Settings() (pkgsync.Settings, error) {
	policy, err := conflict.ParsePolicy(e.ConflictPolicy)
	if err != nil {
		return pkgsync.Settings{}, err
	}

	s := pkgsync.Settings{
		BatchSize:  e.BatchSize,
		MaxRetries: pkgsync.DefaultMaxRetries,
		Policy:     policy,
	}
	if e.MaxRetries != nil {
		s.MaxRetries = *e.MaxRetries
	}
	if err := s.Validate(); err != nil {
		return pkgsync.Settings{}, err
	}
	return s, nil
}

// GetInterval returns the auto-sync tick
func (e EngineConfig) GetInterval() time.Duration {
	return parseDuration(e.Interval, defaultInterval)
}

// GetTimeout returns the per-request timeout
func (r RemoteConfig) GetTimeout() time.Duration {
	return parseDuration(r.Timeout, defaultRemoteTimeout)
}

// GetInterval returns the probe interval
func (c ConnectivityConfig) GetInterval() time.Duration {
	return parseDuration(c.Interval, defaultConnectivityInterval)
}

// GetProbeURL returns the URL probed for connectivity
func (c *Config) GetProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return strings.TrimSuffix(c.Remote.Endpoint, "/") + "/health"
}

func (r RemoteConfig) validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http or https, got %q", u.Scheme)
	}
	return validateDuration(r.Timeout)
}

func (s StoreConfig) validate() error {
	switch s.Type {
	case StoreTypeMemory:
		return nil
	case StoreTypeFile:
		if s.File == nil || s.File.Path == "" {
			return fmt.Errorf("file.path is required for the file store")
		}
	case StoreTypeSQLite:
		if s.SQLite == nil || s.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the sqlite store")
		}
	case StoreTypePostgres:
		if s.Postgres == nil {
			return fmt.Errorf("postgres settings are required for the postgres store")
		}
		if s.Postgres.Host == "" || s.Postgres.Database == "" || s.Postgres.User == "" {
			return fmt.Errorf("postgres host, database and user are required")
		}
	default:
		return fmt.Errorf("unsupported store type %q", s.Type)
	}
	return nil
}

func validateDuration(value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", value)
	}
	return nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
