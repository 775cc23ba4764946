package kv

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	fileSuffix = ".json"

	// lockFileName guards the directory against other processes sharing it
	lockFileName = ".lock"

	lockRetryDelay = 50 * time.Millisecond
)

// fileEnvelope is the on-disk layout of one key
type fileEnvelope struct {
	Key       string          `json:"key"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// FileStore stores each key as a JSON file in a directory. Reads take a
// shared lock on the directory and writes an exclusive one, so a CLI and a
// running engine can share the same state path.
type FileStore struct {
	mu       sync.Mutex
	basePath string
	lock     *flock.Flock
	now      func() time.Time
}

// NewFileStore creates a file store rooted at basePath, creating the directory if needed
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", basePath, err)
	}
	return &FileStore{
		basePath: basePath,
		lock:     flock.New(filepath.Join(basePath, lockFileName)),
		now:      time.Now,
	}, nil
}

// Get implements Store
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.acquire(ctx, f.lock.TryRLockContext); err != nil {
		return nil, false, err
	}
	defer func() { _ = f.lock.Unlock() }()

	return f.read(key)
}

// Set implements Store
func (f *FileStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.acquire(ctx, f.lock.TryLockContext); err != nil {
		return err
	}
	defer func() { _ = f.lock.Unlock() }()

	return f.write(key, value, ttl)
}

// Update implements Updater. The exclusive directory lock is held from the
// read until the rename, so writers in other processes wait for it.
func (f *FileStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.acquire(ctx, f.lock.TryLockContext); err != nil {
		return err
	}
	defer func() { _ = f.lock.Unlock() }()

	current, ok, err := f.read(key)
	if err != nil {
		return err
	}
	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	return f.write(key, next, ttl)
}

func (f *FileStore) read(key string) ([]byte, bool, error) {
	// #nosec G304 -- path is derived from an encoded key under the configured directory
	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read state file for key '%s': %w", key, err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal state file for key '%s': %w", key, err)
	}
	if expired(f.now(), env.ExpiresAt) {
		return nil, false, nil
	}

	var value []byte
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return nil, false, fmt.Errorf("failed to decode value for key '%s': %w", key, err)
	}
	return value, true, nil
}

// write stores the file under a temporary path and renames it into place so
// readers never observe a partial write.
func (f *FileStore) write(key string, value []byte, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for key '%s': %w", key, err)
	}

	data, err := json.MarshalIndent(fileEnvelope{
		Key:       key,
		ExpiresAt: expiry(f.now(), ttl),
		Value:     encoded,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state file for key '%s': %w", key, err)
	}

	filePath := f.pathFor(key)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary state file for key '%s': %w", key, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename state file for key '%s': %w", key, err)
	}

	return nil
}

// Close implements Store
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lock.Close()
}

func (f *FileStore) acquire(ctx context.Context, try func(context.Context, time.Duration) (bool, error)) error {
	locked, err := try(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock state directory %s: %w", f.basePath, err)
	}
	if !locked {
		return fmt.Errorf("state directory %s is locked by another process", f.basePath)
	}
	return nil
}

// pathFor hex-encodes the key so arbitrary key strings map to safe file names
func (f *FileStore) pathFor(key string) string {
	return filepath.Join(f.basePath, hex.EncodeToString([]byte(key))+fileSuffix)
}
