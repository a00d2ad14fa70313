package storage_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icrypto "github.com/jmcleod/ironsync/internal/crypto"
	"github.com/jmcleod/ironsync/internal/util"
	"github.com/jmcleod/ironsync/storage"
	"github.com/jmcleod/ironsync/storage/memory"
	"github.com/jmcleod/ironsync/storage/storagetest"
)

func TestEnvelope(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)
	plain := []byte("top secret")
	aad := icrypto.AADItem("bookmarks", "g1", 1)

	env, err := storage.SealRecord(key, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Ver)
	assert.Len(t, env.Nonce, 12)

	decrypted, err := storage.OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := storage.OpenRecord(key, env, icrypto.AADItem("bookmarks", "g2", 1))
		assert.Error(t, err)
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		bad := *env
		bad.Ver = 2
		_, err := storage.OpenRecord(key, &bad, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		bad := *env
		bad.Scheme = "rot13"
		_, err := storage.OpenRecord(key, &bad, aad)
		assert.Error(t, err)
	})
}

func TestSealedStore(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := storage.NewSealedStore(memory.New(), key)
		require.NoError(t, err)
		return s
	})

	t.Run("PayloadsSealedAtRest", func(t *testing.T) {
		ctx := t.Context()
		inner := memory.New()
		s, err := storage.NewSealedStore(inner, key)
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, "passwords", &storage.Item{GUID: "g", Modified: 7, Payload: []byte(`{"password":"hunter2"}`)}))

		raw, err := inner.Get(ctx, s.Namespace("passwords"), "g")
		require.NoError(t, err)
		assert.NotContains(t, string(raw.Payload), "hunter2")
		assert.Equal(t, int64(7), raw.Modified)
		var env storage.Envelope
		require.NoError(t, json.Unmarshal(raw.Payload, &env))

		// An item moved to another GUID fails to open.
		require.NoError(t, inner.Put(ctx, s.Namespace("passwords"), &storage.Item{GUID: "moved", Payload: raw.Payload}))
		_, err = s.Get(ctx, "passwords", "moved")
		assert.Error(t, err)
	})

	t.Run("KeyChange", func(t *testing.T) {
		ctx := t.Context()
		inner := memory.New()
		first, err := storage.NewSealedStore(inner, key)
		require.NoError(t, err)
		require.NoError(t, first.Put(ctx, "tabs", &storage.Item{GUID: "g", Modified: 5, Payload: []byte(`{"url":"a"}`)}))

		otherKey, err := util.NewAESKey()
		require.NoError(t, err)
		second, err := storage.NewSealedStore(inner, otherKey)
		require.NoError(t, err)
		assert.NotEqual(t, first.Namespace("tabs"), second.Namespace("tabs"))

		items, err := second.Since(ctx, "tabs", 0)
		require.NoError(t, err)
		assert.Empty(t, items)
		cols, err := second.Collections(ctx)
		require.NoError(t, err)
		assert.Empty(t, cols)
		require.NoError(t, second.Put(ctx, "tabs", &storage.Item{GUID: "h", Modified: 6, Payload: []byte(`{"url":"b"}`)}))

		items, err = first.Since(ctx, "tabs", 0)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, []byte(`{"url":"a"}`), items[0].Payload)
	})

	t.Run("RejectShortKey", func(t *testing.T) {
		_, err := storage.NewSealedStore(memory.New(), []byte("short"))
		assert.Error(t, err)
	})
}
