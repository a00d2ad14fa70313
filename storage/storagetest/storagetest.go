// Package storagetest holds the behavior every storage.Store backend must
// share. Backends call Run from their own tests.
package storagetest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsync/storage"
)

// Run exercises newStore against the storage.Store contract. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("PutAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		item := &storage.Item{GUID: "g1", Modified: 1000, SortIndex: 3, Payload: []byte(`{"id":"g1"}`)}
		require.NoError(t, s.Put(ctx, "bookmarks", item))

		got, err := s.Get(ctx, "bookmarks", "g1")
		require.NoError(t, err)
		assert.Equal(t, item, got)

		// Mutating the returned item does not affect the store.
		got.Payload[0] = 'X'
		again, err := s.Get(ctx, "bookmarks", "g1")
		require.NoError(t, err)
		assert.Equal(t, byte('{'), again.Payload[0])
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Put(ctx, "c", &storage.Item{GUID: "g", Modified: 1, Payload: []byte("a")}))
		require.NoError(t, s.Put(ctx, "c", &storage.Item{GUID: "g", Modified: 2, Payload: []byte("b"), Deleted: true}))
		got, err := s.Get(ctx, "c", "g")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got.Payload)
		assert.True(t, got.Deleted)
		assert.Equal(t, int64(2), got.Modified)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		_, err := s.Get(ctx, "nope", "g")
		assert.True(t, errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCollectionNotFound), "got %v", err)

		require.NoError(t, s.Put(ctx, "c", &storage.Item{GUID: "g", Payload: []byte("x")}))
		_, err = s.Get(ctx, "c", "other")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("RejectInvalid", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Put(t.Context(), "c", &storage.Item{}), storage.ErrInvalidItem)
	})

	t.Run("SinceOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		for i, m := range []int64{300, 100, 200, 200, 50} {
			guid := fmt.Sprintf("g%d", i)
			require.NoError(t, s.Put(ctx, "history", &storage.Item{GUID: guid, Modified: m, Payload: []byte(guid)}))
		}
		require.NoError(t, s.Put(ctx, "other", &storage.Item{GUID: "x", Modified: 999, Payload: []byte("x")}))

		items, err := s.Since(ctx, "history", 50)
		require.NoError(t, err)
		var guids []string
		for _, it := range items {
			guids = append(guids, it.GUID)
		}
		assert.Equal(t, []string{"g1", "g2", "g3", "g0"}, guids)

		items, err = s.Since(ctx, "history", 300)
		require.NoError(t, err)
		assert.Empty(t, items)

		items, err = s.Since(ctx, "empty", 0)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Put(ctx, "c", &storage.Item{GUID: "g", Payload: []byte("x")}))
		require.NoError(t, s.Delete(ctx, "c", "g"))
		_, err := s.Get(ctx, "c", "g")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "c", "g"), storage.ErrNotFound)
	})

	t.Run("WipeAndCollections", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Put(ctx, "a", &storage.Item{GUID: "1", Modified: 10, Payload: []byte("x")}))
		require.NoError(t, s.Put(ctx, "a", &storage.Item{GUID: "2", Modified: 30, Payload: []byte("x")}))
		require.NoError(t, s.Put(ctx, "b", &storage.Item{GUID: "1", Modified: 20, Payload: []byte("x")}))

		cols, err := s.Collections(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"a": 30, "b": 20}, cols)

		require.NoError(t, s.Wipe(ctx, "a"))
		require.NoError(t, s.Wipe(ctx, "never-existed"))
		cols, err = s.Collections(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"b": 20}, cols)

		items, err := s.Since(ctx, "a", 0)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Put(ctx, "c", &storage.Item{GUID: "old", Payload: []byte("x")}))
		err := s.Batch(ctx, "c", func(tx storage.BatchTx) error {
			if err := tx.Put(&storage.Item{GUID: "n1", Modified: 1, Payload: []byte("1")}); err != nil {
				return err
			}
			if err := tx.Put(&storage.Item{GUID: "n2", Modified: 2, Payload: []byte("2")}); err != nil {
				return err
			}
			return tx.Delete("old")
		})
		require.NoError(t, err)

		items, err := s.Since(ctx, "c", -1)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "n1", items[0].GUID)
		assert.Equal(t, "n2", items[1].GUID)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Put(ctx, "c", &storage.Item{GUID: "keep", Modified: 5, Payload: []byte("x")}))
		boom := errors.New("boom")
		err := s.Batch(ctx, "c", func(tx storage.BatchTx) error {
			if err := tx.Put(&storage.Item{GUID: "n1", Modified: 1, Payload: []byte("1")}); err != nil {
				return err
			}
			if err := tx.Delete("keep"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.Get(ctx, "c", "n1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := s.Get(ctx, "c", "keep")
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got.Payload)

		// A failed batch on a new collection leaves no trace.
		err = s.Batch(ctx, "fresh", func(tx storage.BatchTx) error {
			if err := tx.Put(&storage.Item{GUID: "n", Payload: []byte("1")}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		cols, err := s.Collections(ctx)
		require.NoError(t, err)
		assert.NotContains(t, cols, "fresh")
	})

	t.Run("BatchDeleteMissing", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Put(ctx, "c", &storage.Item{GUID: "a", Payload: []byte("x")}))
		err := s.Batch(ctx, "c", func(tx storage.BatchTx) error {
			return tx.Delete("missing")
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
