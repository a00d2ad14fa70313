// Package keys holds the per-collection keyring that is stored, encrypted
// with the sync key bundle, in the crypto/keys record.
package keys

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/jmcleod/ironsync/crypto"
	"github.com/jmcleod/ironsync/internal/util"
	"github.com/jmcleod/ironsync/record"
)

const (
	// Collection and ID locate the keys record on the server.
	Collection = "crypto"
	ID         = "keys"
)

// CollectionKeys maps collection names to key bundles with a default for
// every other name. Values are immutable; With returns a new keyring.
type CollectionKeys struct {
	def         *crypto.KeyBundle
	collections map[string]*crypto.KeyBundle
}

// New returns a keyring holding only a default bundle.
func New(def *crypto.KeyBundle) (*CollectionKeys, error) {
	if def == nil {
		return nil, ErrNoKeysSet
	}
	return &CollectionKeys{def: def, collections: map[string]*crypto.KeyBundle{}}, nil
}

// Generate returns a keyring with a random default bundle.
func Generate() (*CollectionKeys, error) {
	kb, err := crypto.GenerateKeyBundle()
	if err != nil {
		return nil, fmt.Errorf("generating default bundle: %w", err)
	}
	return New(kb)
}

// With returns a copy of k with name bound to kb.
func (k *CollectionKeys) With(name string, kb *crypto.KeyBundle) *CollectionKeys {
	next := &CollectionKeys{def: k.def, collections: maps.Clone(k.collections)}
	next.collections[name] = kb
	return next
}

// KeyBundleFor returns the bundle for name, or the default.
func (k *CollectionKeys) KeyBundleFor(name string) *crypto.KeyBundle {
	if kb, ok := k.collections[name]; ok {
		return kb
	}
	return k.def
}

func (k *CollectionKeys) Default() *crypto.KeyBundle {
	return k.def
}

// Collections lists names with their own bundle, sorted.
func (k *CollectionKeys) Collections() []string {
	return slices.Sorted(maps.Keys(k.collections))
}

// Equal reports whether both keyrings hold the same bundles.
func (k *CollectionKeys) Equal(other *CollectionKeys) bool {
	if k == nil || other == nil {
		return k == other
	}
	if !k.def.Equal(other.def) || len(k.collections) != len(other.collections) {
		return false
	}
	for name, kb := range k.collections {
		o, ok := other.collections[name]
		if !ok || !kb.Equal(o) {
			return false
		}
	}
	return true
}

type bootstrapPayload struct {
	ID          string              `json:"id"`
	Collection  string              `json:"collection"`
	Default     []string            `json:"default"`
	Collections map[string][]string `json:"collections"`
}

// FromBootstrapPayload parses the decrypted keys record body.
func FromBootstrapPayload(cleartext []byte) (*CollectionKeys, error) {
	var p bootstrapPayload
	if err := json.Unmarshal(cleartext, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeys, err)
	}
	if p.Default == nil {
		return nil, fmt.Errorf("%w: missing default", ErrMalformedKeys)
	}
	def, err := bundleFromPair(p.Default)
	if err != nil {
		return nil, fmt.Errorf("%w: default: %v", ErrMalformedKeys, err)
	}

	k := &CollectionKeys{def: def, collections: make(map[string]*crypto.KeyBundle, len(p.Collections))}
	for name, pair := range p.Collections {
		kb, err := bundleFromPair(pair)
		if err != nil {
			return nil, fmt.Errorf("%w: collection %q: %v", ErrMalformedKeys, name, err)
		}
		k.collections[name] = kb
	}
	return k, nil
}

func bundleFromPair(pair []string) (*crypto.KeyBundle, error) {
	if len(pair) != 2 {
		return nil, fmt.Errorf("want 2 keys, got %d", len(pair))
	}
	return crypto.KeyBundleFromBase64(pair[0], pair[1])
}

// Payload renders the cleartext keys record body.
func (k *CollectionKeys) Payload() ([]byte, error) {
	d := k.def.Base64()
	p := bootstrapPayload{
		ID:          ID,
		Collection:  Collection,
		Default:     d[:],
		Collections: make(map[string][]string, len(k.collections)),
	}
	for name, kb := range k.collections {
		pair := kb.Base64()
		p.Collections[name] = pair[:]
	}
	return json.Marshal(p)
}

// FromKeysRecord decrypts an encrypted keys record with the sync key bundle
// and parses it. Decryption failures keep their crypto error class.
func FromKeysRecord(cr *record.CryptoRecord, syncBundle *crypto.KeyBundle) (*CollectionKeys, error) {
	if syncBundle == nil {
		return nil, crypto.ErrMissingKeyBundle
	}
	cr.SetKeyBundle(syncBundle)
	if err := cr.Decrypt(); err != nil {
		return nil, fmt.Errorf("decrypting keys record: %w", err)
	}
	return FromBootstrapPayload(cr.Payload())
}

// ToKeysRecord returns the keyring as an encrypted record ready to upload.
func (k *CollectionKeys) ToKeysRecord(syncBundle *crypto.KeyBundle) (*record.CryptoRecord, error) {
	payload, err := k.Payload()
	if err != nil {
		return nil, fmt.Errorf("marshaling keys: %w", err)
	}
	cr := record.NewCryptoRecord(Collection, ID, payload)
	cr.SetKeyBundle(syncBundle)
	if err := cr.Encrypt(); err != nil {
		return nil, fmt.Errorf("encrypting keys record: %w", err)
	}
	return cr, nil
}

// MatchesSyncKeyBundle checks that an encrypted keys record authenticates
// under syncBundle without decrypting it. A false result means persisted
// keys predate a credential change and must be refetched.
func MatchesSyncKeyBundle(w *record.WBO, syncBundle *crypto.KeyBundle) bool {
	if w == nil || syncBundle == nil {
		return false
	}
	var env record.Envelope
	if err := json.Unmarshal([]byte(w.Payload), &env); err != nil {
		return false
	}
	mac, err := util.HexDecode(env.HMAC)
	if err != nil {
		return false
	}
	ct, err := util.B64Decode(env.Ciphertext)
	if err != nil {
		return false
	}
	return crypto.Verify(&crypto.CryptoInfo{Message: ct, HMAC: mac, Keys: syncBundle}) == nil
}
