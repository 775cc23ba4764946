package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/chunksync/database"
)

// exerciseStore runs the behaviour every Store implementation shares
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "chunksync.engine.state", []byte(`{"pendingChanges":[]}`), 0))
	value, ok, err := s.Get(ctx, "chunksync.engine.state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"pendingChanges":[]}`, string(value))

	require.NoError(t, s.Set(ctx, "chunksync.engine.state", []byte("second"), 0))
	value, ok, err = s.Get(ctx, "chunksync.engine.state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(value))

	require.NoError(t, s.Set(ctx, "with/odd:chars", []byte{0x00, 0xff}, time.Hour))
	value, ok, err = s.Get(ctx, "with/odd:chars")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xff}, value)
}

type updatableStore interface {
	Store
	Updater
}

// exerciseUpdate runs the read-modify-write behaviour every Updater shares
func exerciseUpdate(t *testing.T, s updatableStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "counter", 0, func(current []byte, ok bool) ([]byte, error) {
		assert.False(t, ok)
		assert.Nil(t, current)
		return []byte("1"), nil
	}))
	require.NoError(t, s.Update(ctx, "counter", 0, func(current []byte, ok bool) ([]byte, error) {
		assert.True(t, ok)
		assert.Equal(t, "1", string(current))
		return []byte("2"), nil
	}))

	errAbort := errors.New("abort")
	err := s.Update(ctx, "counter", 0, func([]byte, bool) ([]byte, error) {
		return nil, errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	value, ok, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(value), "a failed update writes nothing")
}

// increment adds one to the decimal counter stored under key
func increment(t *testing.T, s Updater) {
	t.Helper()
	err := s.Update(context.Background(), "counter", 0, func(current []byte, ok bool) ([]byte, error) {
		n := 0
		if ok {
			var err error
			if n, err = strconv.Atoi(string(current)); err != nil {
				return nil, err
			}
		}
		return []byte(strconv.Itoa(n + 1)), nil
	})
	assert.NoError(t, err)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	exerciseStore(t, s)
	exerciseUpdate(t, s)
}

func TestMemoryStore_TTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Closed(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, _, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil, 0), ErrClosed)
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	input := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", input, 0))
	input[0] = 'x'

	value, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(value))
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	exerciseStore(t, s)
	exerciseUpdate(t, s)

	entries, err := os.ReadDir(filepath.Join(dir, "state"))
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		assert.Equal(t, fileSuffix, filepath.Ext(e.Name()), "no temporary files left behind")
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "k", []byte("persisted"), 0))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	value, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(value))
}

func TestFileStore_UpdatesFromTwoHandlesDoNotInterleave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := NewFileStore(dir)
	require.NoError(t, err)
	second, err := NewFileStore(dir)
	require.NoError(t, err)

	const rounds = 20
	var wg sync.WaitGroup
	for _, s := range []*FileStore{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				increment(t, s)
			}
		}()
	}
	wg.Wait()

	value, ok, err := first.Get(context.Background(), "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(2*rounds), string(value))
}

func TestFileStore_WaitsForDirectoryLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	other := flock.New(filepath.Join(dir, lockFileName))
	require.NoError(t, other.Lock())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = s.Set(ctx, "k", []byte("v"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, other.Unlock())
	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), 0))
	require.NoError(t, s.Close())
}

func TestFileStore_TTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))
	now = now.Add(2 * time.Second)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.pathFor("k"), []byte("not json"), 0600))

	_, _, err = s.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
	exerciseUpdate(t, s)
}

func TestWithImmediateTx(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "state.db", want: "state.db?_txlock=immediate"},
		{path: "file:state.db?cache=shared", want: "file:state.db?cache=shared&_txlock=immediate"},
		{path: "state.db?_txlock=exclusive", want: "state.db?_txlock=exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, withImmediateTx(tt.path))
		})
	}
}

func TestSQLiteStore_TTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Hour)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	pool, _ := database.SetupTestDB(t)
	s := NewPostgresStoreFromPool(pool)
	exerciseStore(t, s)
	exerciseUpdate(t, s)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				increment(t, s)
			}
		}()
	}
	wg.Wait()
	value, _, err := s.Get(context.Background(), "counter")
	require.NoError(t, err)
	assert.Equal(t, "22", string(value))

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "expiring", []byte("v"), time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	_, ok, err := s.Get(ctx, "expiring")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewPostgresStore_ConnectsAndMigrates(t *testing.T) {
	t.Parallel()

	_, connStr := database.SetupTestDB(t)
	s, err := NewPostgresStore(context.Background(), connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}
