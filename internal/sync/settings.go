package sync

import (
	"errors"
	"fmt"

	"github.com/stacklok/chunksync/internal/conflict"
)

const (
	// DefaultBatchSize is the maximum number of chunks per bulk create call
	DefaultBatchSize = 50

	// DefaultMaxRetries is the number of failures a change survives before eviction
	DefaultMaxRetries = 3
)

// Settings are the tunables read at the start of every pass
type Settings struct {
	BatchSize  int
	MaxRetries int
	Policy     conflict.Policy
}

// DefaultSettings returns batch size 50, three retries and the local policy
func DefaultSettings() Settings {
	return Settings{
		BatchSize:  DefaultBatchSize,
		MaxRetries: DefaultMaxRetries,
		Policy:     conflict.PolicyLocal,
	}
}

// Validate checks the settings
func (s Settings) Validate() error {
	var errs []error
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be at least 1, got %d", s.BatchSize))
	}
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", s.MaxRetries))
	}
	if _, err := conflict.ParsePolicy(string(s.Policy)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
