package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsync/internal/util"
	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/storage/postgres"
	"github.com/jmcleod/ironsync/storage/sqlite"
)

// exercise runs the same write, reopen and isolation checks against any
// backend.
func exercise(t *testing.T, backend Backend, opts ...Option) {
	t.Helper()
	ctx := t.Context()

	s, err := Open(ctx, backend, "alice", opts...)
	require.NoError(t, err)
	assert.Empty(t, s.ClusterURL())
	w, ts := s.Keys()
	assert.Nil(t, w)
	assert.Zero(t, ts)

	require.NoError(t, s.SetClusterURL(ctx, "https://node1.example/"))
	require.NoError(t, s.SetKeys(ctx, &record.WBO{ID: "keys", Payload: "sealed"}, 1000))
	require.NoError(t, s.SetRemoteTimestamp(ctx, "bookmarks", 2000))
	require.NoError(t, s.SetLocalTimestamp(ctx, "bookmarks", 3000))
	until := time.UnixMilli(5_000_000)
	require.NoError(t, s.SetBackoffUntil(ctx, until))

	err = s.SetRemoteTimestamp(ctx, "bookmarks", 1999)
	require.ErrorIs(t, err, ErrTimestampRegression)
	re, ok := errors.AsType[RegressionError](err)
	require.True(t, ok)
	assert.Equal(t, int64(2000), re.Current)
	assert.Equal(t, int64(1999), re.Proposed)
	assert.Equal(t, int64(2000), s.RemoteTimestamp("bookmarks"))

	reopened, err := Open(ctx, backend, "alice", opts...)
	require.NoError(t, err)
	assert.Equal(t, "https://node1.example/", reopened.ClusterURL())
	w, ts = reopened.Keys()
	require.NotNil(t, w)
	assert.Equal(t, "sealed", w.Payload)
	assert.Equal(t, int64(1000), ts)
	assert.Equal(t, int64(2000), reopened.RemoteTimestamp("bookmarks"))
	assert.Equal(t, int64(3000), reopened.LocalTimestamp("bookmarks"))
	assert.True(t, until.Equal(reopened.BackoffUntil()))

	other, err := Open(ctx, backend, "bob", opts...)
	require.NoError(t, err)
	assert.Empty(t, other.ClusterURL())
}

func TestMemoryBackend(t *testing.T) {
	exercise(t, NewMemoryBackend())
}

func TestBoltBackend(t *testing.T) {
	b, err := NewBoltBackendFromFile(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.db.Close() })
	exercise(t, b)
}

func TestSQLBackend(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	exercise(t, NewSQLBackend(store.DB()))
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("IRONSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IRONSYNC_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))
	pool.Exec(ctx, "DELETE FROM sync_state") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM sync_state") //nolint:errcheck
		pool.Close()
	})
	exercise(t, NewPostgresBackend(pool))
}

func TestSealed(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)
	backend := NewMemoryBackend()
	exercise(t, backend, WithSealKey(key))

	raw, err := backend.Load(t.Context(), "alice")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "node1.example")

	same, err := Open(t.Context(), backend, "alice", WithSealKey(key))
	require.NoError(t, err)
	assert.False(t, same.Rekeyed())

	// A blob sealed for one name does not open under another.
	require.NoError(t, backend.Save(t.Context(), "mallory", raw))
	moved, err := Open(t.Context(), backend, "mallory", WithSealKey(key))
	require.NoError(t, err)
	assert.True(t, moved.Rekeyed())
	assert.Empty(t, moved.ClusterURL())
}

func TestSealKeyChange(t *testing.T) {
	ctx := t.Context()
	backend := NewMemoryBackend()
	oldKey, err := util.NewAESKey()
	require.NoError(t, err)
	newKey, err := util.NewAESKey()
	require.NoError(t, err)

	s, err := Open(ctx, backend, "alice", WithSealKey(oldKey))
	require.NoError(t, err)
	require.NoError(t, s.SetClusterURL(ctx, "https://node1.example/"))
	require.NoError(t, s.SetKeys(ctx, &record.WBO{ID: "keys", Payload: "p"}, 10))
	require.NoError(t, s.SetRemoteTimestamp(ctx, "tabs", 20))

	s, err = Open(ctx, backend, "alice", WithSealKey(newKey))
	require.NoError(t, err)
	assert.True(t, s.Rekeyed())
	assert.Empty(t, s.ClusterURL())
	w, _ := s.Keys()
	assert.Nil(t, w)
	assert.Zero(t, s.RemoteTimestamp("tabs"))

	// The first write reseals under the new key.
	require.NoError(t, s.SetClusterURL(ctx, "https://node2.example/"))
	s, err = Open(ctx, backend, "alice", WithSealKey(newKey))
	require.NoError(t, err)
	assert.False(t, s.Rekeyed())
	assert.Equal(t, "https://node2.example/", s.ClusterURL())
}

func TestTruncatedSealedState(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)
	backend := NewMemoryBackend()
	require.NoError(t, backend.Save(t.Context(), "alice", []byte{1, 2, 3}))
	_, err = Open(t.Context(), backend, "alice", WithSealKey(key))
	assert.ErrorIs(t, err, util.ErrShortCiphertext)
}

func TestClusterChangeResets(t *testing.T) {
	ctx := t.Context()
	s, err := Open(ctx, NewMemoryBackend(), "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetClusterURL(ctx, "https://node1.example/"))
	require.NoError(t, s.SetKeys(ctx, &record.WBO{ID: "keys", Payload: "p"}, 10))
	require.NoError(t, s.SetRemoteTimestamp(ctx, "tabs", 20))

	require.NoError(t, s.SetClusterURL(ctx, "https://node1.example/"))
	assert.Equal(t, int64(20), s.RemoteTimestamp("tabs"))

	require.NoError(t, s.SetClusterURL(ctx, "https://node2.example/"))
	w, _ := s.Keys()
	assert.Nil(t, w)
	assert.Zero(t, s.RemoteTimestamp("tabs"))
}

func TestResetTimestamps(t *testing.T) {
	ctx := t.Context()
	s, err := Open(ctx, NewMemoryBackend(), "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteTimestamp(ctx, "tabs", 20))
	require.NoError(t, s.SetLocalTimestamp(ctx, "history", 30))

	require.NoError(t, s.ResetTimestamps(ctx, "tabs"))
	assert.Zero(t, s.RemoteTimestamp("tabs"))
	assert.Equal(t, int64(30), s.LocalTimestamp("history"))
	require.NoError(t, s.SetRemoteTimestamp(ctx, "tabs", 5))

	require.NoError(t, s.ResetTimestamps(ctx))
	assert.Zero(t, s.LocalTimestamp("history"))

	require.NoError(t, s.SetBackoffUntil(ctx, time.UnixMilli(100)))
	require.NoError(t, s.SetBackoffUntil(ctx, time.UnixMilli(50)))
	assert.Equal(t, int64(100), s.BackoffUntil().UnixMilli())
	require.NoError(t, s.SetBackoffUntil(ctx, time.Time{}))
	assert.True(t, s.BackoffUntil().IsZero())

	require.NoError(t, s.SetClusterURL(ctx, "https://node1.example/"))
	require.NoError(t, s.Reset(ctx))
	assert.Empty(t, s.ClusterURL())
}

type failingBackend struct{ *MemoryBackend }

func (f *failingBackend) Save(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestFailedWriteLeavesState(t *testing.T) {
	ctx := t.Context()
	s, err := Open(ctx, &failingBackend{NewMemoryBackend()}, "alice")
	require.NoError(t, err)
	assert.Error(t, s.SetRemoteTimestamp(ctx, "tabs", 20))
	assert.Zero(t, s.RemoteTimestamp("tabs"))
}
