package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager provides read-only access to a configuration file that may be
// replaced externally while the process runs. Invalid updates are rejected
// and the last good configuration stays active.
type Manager interface {
	// GetConfig returns a copy of the current configuration
	GetConfig() *Config

	// ReloadConfig reads the file and applies it if valid
	ReloadConfig() error

	// OnChange registers fn to run after every successful reload
	OnChange(fn func(*Config))

	// WatchConfig reloads on file changes until ctx is cancelled
	WatchConfig(ctx context.Context) error

	// Close releases the file watcher
	Close() error
}

// Validator checks a configuration beyond Config.Validate
type Validator interface {
	Validate(config *Config) error
}

type defaultValidator struct{}

func (defaultValidator) Validate(config *Config) error {
	return config.Validate()
}

type manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	validator  Validator
	listeners  []func(*Config)

	watcher   *fsnotify.Watcher
	watcherMu sync.Mutex
}

// ManagerOption customizes a Manager
type ManagerOption func(*manager)

// WithValidator adds a validator run on every load
func WithValidator(validator Validator) ManagerOption {
	return func(m *manager) {
		m.validator = validator
	}
}

// NewManager loads the initial configuration from configPath
func NewManager(configPath string, opts ...ManagerOption) (Manager, error) {
	m := &manager{
		configPath: configPath,
		validator:  defaultValidator{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.ReloadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	return m, nil
}

func (m *manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configCopy := *m.config
	return &configCopy
}

func (m *manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *manager) ReloadConfig() error {
	newConfig, err := LoadConfig(WithConfigPath(m.configPath))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := m.validator.Validate(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	first := m.config == nil
	m.config = newConfig
	listeners := append(([]func(*Config))(nil), m.listeners...)
	m.mu.Unlock()

	slog.Info("Configuration loaded", "path", m.configPath)
	if !first {
		for _, fn := range listeners {
			configCopy := *newConfig
			fn(&configCopy)
		}
	}
	return nil
}

func (m *manager) WatchConfig(ctx context.Context) error {
	m.watcherMu.Lock()
	if m.watcher != nil {
		m.watcherMu.Unlock()
		return fmt.Errorf("config watcher is already running")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watcherMu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	m.watcher = watcher
	m.watcherMu.Unlock()

	if err := watcher.Add(m.configPath); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", m.configPath, err)
	}

	slog.Info("Watching configuration file", "path", m.configPath)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping config file watcher")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := m.ReloadConfig(); err != nil {
					slog.Error("Failed to reload config, keeping previous", "error", err)
				}
			}

			// Atomic replacements remove the watched inode
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				slog.Debug("Config file replaced, re-watching", "path", m.configPath)
				if err := watcher.Add(m.configPath); err == nil {
					if err := m.ReloadConfig(); err != nil {
						slog.Error("Failed to reload config, keeping previous", "error", err)
					}
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (m *manager) Close() error {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close file watcher: %w", err)
		}
		m.watcher = nil
	}
	return nil
}
