package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	icrypto "github.com/jmcleod/ironsync/internal/crypto"
	"github.com/jmcleod/ironsync/internal/util"
)

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
)

// Envelope is a payload sealed with AES-256-GCM for storage at rest.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope under key, bound to aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.SealGCM(plaintext, key, aad)
	if err != nil {
		return nil, err
	}
	// SealGCM returns nonce || ciphertext.
	return &Envelope{
		Ver:        envelopeVer,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
	}, nil
}

// OpenRecord decrypts an Envelope.
func OpenRecord(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
	sealed := make([]byte, 0, len(env.Nonce)+len(env.Ciphertext))
	sealed = append(sealed, env.Nonce...)
	sealed = append(sealed, env.Ciphertext...)
	return util.OpenGCM(sealed, key, aad)
}

// SealedStore wraps a Store so item payloads are sealed before they reach
// the backend. Metadata (GUID, timestamps, tombstone flag) stays in the
// clear so the backend can order and filter.
//
// Each key gets its own namespace in the inner store. Items sealed under a
// different key are invisible rather than unreadable, and become visible
// again when that key is back in use.
type SealedStore struct {
	inner  Store
	key    []byte
	prefix string
}

var _ Store = (*SealedStore)(nil)

// NewSealedStore returns a Store sealing payloads under key, which must be
// 32 bytes. See icrypto.DeriveLocalStoreKey.
func NewSealedStore(inner Store, key []byte) (*SealedStore, error) {
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("sealed store key: got %d bytes, want %d", len(key), util.AESKeySize)
	}
	return &SealedStore{
		inner:  inner,
		key:    util.CopyBytes(key),
		prefix: icrypto.KeyFingerprint(key) + "/",
	}, nil
}

// Namespace returns the name collection is kept under in the inner store.
func (s *SealedStore) Namespace(collection string) string {
	return s.prefix + collection
}

func (s *SealedStore) seal(collection string, item *Item) (*Item, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	env, err := SealRecord(s.key, item.Payload, icrypto.AADItem(collection, item.GUID, envelopeVer))
	if err != nil {
		return nil, fmt.Errorf("sealing %s/%s: %w", collection, item.GUID, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := item.Clone()
	out.Payload = data
	return out, nil
}

func (s *SealedStore) open(collection string, item *Item) (*Item, error) {
	var env Envelope
	if err := json.Unmarshal(item.Payload, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope %s/%s: %w", collection, item.GUID, err)
	}
	plaintext, err := OpenRecord(s.key, &env, icrypto.AADItem(collection, item.GUID, envelopeVer))
	if err != nil {
		return nil, fmt.Errorf("opening %s/%s: %w", collection, item.GUID, err)
	}
	out := item.Clone()
	out.Payload = plaintext
	return out, nil
}

func (s *SealedStore) Put(ctx context.Context, collection string, item *Item) error {
	sealed, err := s.seal(collection, item)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, s.Namespace(collection), sealed)
}

func (s *SealedStore) Get(ctx context.Context, collection, guid string) (*Item, error) {
	item, err := s.inner.Get(ctx, s.Namespace(collection), guid)
	if err != nil {
		return nil, err
	}
	return s.open(collection, item)
}

func (s *SealedStore) Since(ctx context.Context, collection string, since int64) ([]*Item, error) {
	items, err := s.inner.Since(ctx, s.Namespace(collection), since)
	if err != nil {
		return nil, err
	}
	out := make([]*Item, 0, len(items))
	for _, item := range items {
		opened, err := s.open(collection, item)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

func (s *SealedStore) Delete(ctx context.Context, collection, guid string) error {
	return s.inner.Delete(ctx, s.Namespace(collection), guid)
}

func (s *SealedStore) Wipe(ctx context.Context, collection string) error {
	return s.inner.Wipe(ctx, s.Namespace(collection))
}

// Collections lists only the collections sealed under this store's key.
func (s *SealedStore) Collections(ctx context.Context) (map[string]int64, error) {
	all, err := s.inner.Collections(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for name, modified := range all {
		if c, ok := strings.CutPrefix(name, s.prefix); ok {
			out[c] = modified
		}
	}
	return out, nil
}

func (s *SealedStore) Batch(ctx context.Context, collection string, fn func(tx BatchTx) error) error {
	return s.inner.Batch(ctx, s.Namespace(collection), func(tx BatchTx) error {
		return fn(&sealedBatchTx{store: s, collection: collection, inner: tx})
	})
}

type sealedBatchTx struct {
	store      *SealedStore
	collection string
	inner      BatchTx
}

func (tx *sealedBatchTx) Put(item *Item) error {
	sealed, err := tx.store.seal(tx.collection, item)
	if err != nil {
		return err
	}
	return tx.inner.Put(sealed)
}

func (tx *sealedBatchTx) Delete(guid string) error {
	return tx.inner.Delete(guid)
}
