package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsync/storage"
	"github.com/jmcleod/ironsync/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.db")
	ctx := t.Context()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "forms", &storage.Item{GUID: "g", Modified: 9, Deleted: true, Payload: []byte("{}")}))
	require.NoError(t, s.Close())

	// Reopening applies the schema again without error.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "forms", "g")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, []byte("{}"), got.Payload)
}
