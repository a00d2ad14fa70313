package crypto

import (
	"crypto/subtle"
	"fmt"

	"github.com/jmcleod/ironsync/internal/util"
)

const (
	KeySize = 32

	syncKeyInfo = "Sync-AES_256_CBC-HMAC256"
)

// KeyBundle pairs an AES-256 encryption key with an HMAC-SHA256 key. A
// KeyBundle is immutable after construction and safe for concurrent reads.
type KeyBundle struct {
	enc [KeySize]byte
	mac [KeySize]byte
}

// NewKeyBundle copies the given keys into a new bundle.
func NewKeyBundle(encKey, hmacKey []byte) (*KeyBundle, error) {
	if len(encKey) != KeySize || len(hmacKey) != KeySize {
		return nil, fmt.Errorf("%w: got %d and %d bytes, want %d", ErrInvalidKeyLength, len(encKey), len(hmacKey), KeySize)
	}
	kb := &KeyBundle{}
	copy(kb.enc[:], encKey)
	copy(kb.mac[:], hmacKey)
	return kb, nil
}

// GenerateKeyBundle returns a bundle of fresh random keys.
func GenerateKeyBundle() (*KeyBundle, error) {
	b, err := util.RandomBytes(2 * KeySize)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(b)
	return NewKeyBundle(b[:KeySize], b[KeySize:])
}

// KeyBundleFromBase64 decodes a bundle in the [enc, hmac] form used by the
// keys record.
func KeyBundleFromBase64(encKey, hmacKey string) (*KeyBundle, error) {
	enc, err := util.B64Decode(encKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	mac, err := util.B64Decode(hmacKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hmac key: %w", err)
	}
	defer util.WipeBytes(enc)
	defer util.WipeBytes(mac)
	return NewKeyBundle(enc, mac)
}

// SyncKeyBundle derives the account-wide bundle that protects the keys
// record. The raw sync key is used directly as the HKDF pseudorandom key and
// the info string is the fixed prefix followed by the username.
func SyncKeyBundle(username string, syncKey []byte) (*KeyBundle, error) {
	if len(syncKey) != SyncKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSyncKey, len(syncKey), SyncKeySize)
	}
	out, err := Expand(SHA256, syncKey, []byte(syncKeyInfo+username), 2*KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving sync key bundle: %w", err)
	}
	defer util.WipeBytes(out)
	return NewKeyBundle(out[:KeySize], out[KeySize:])
}

// SyncKeyBundleFromFriendly decodes a user-facing sync key and derives the
// bundle for username.
func SyncKeyBundleFromFriendly(username, friendly string) (*KeyBundle, error) {
	raw, err := DecodeSyncKey(friendly)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return SyncKeyBundle(username, raw)
}

// EncryptionKey returns a copy of the encryption key.
func (kb *KeyBundle) EncryptionKey() []byte {
	return util.CopyBytes(kb.enc[:])
}

// HMACKey returns a copy of the HMAC key.
func (kb *KeyBundle) HMACKey() []byte {
	return util.CopyBytes(kb.mac[:])
}

// Base64 returns the keys in the [enc, hmac] form used by the keys record.
func (kb *KeyBundle) Base64() [2]string {
	return [2]string{util.B64Encode(kb.enc[:]), util.B64Encode(kb.mac[:])}
}

// Equal compares two bundles in constant time.
func (kb *KeyBundle) Equal(other *KeyBundle) bool {
	if kb == nil || other == nil {
		return kb == other
	}
	return subtle.ConstantTimeCompare(kb.enc[:], other.enc[:])&
		subtle.ConstantTimeCompare(kb.mac[:], other.mac[:]) == 1
}

// Wipe zeroes the key material. The bundle must not be used afterwards.
func (kb *KeyBundle) Wipe() {
	util.WipeArray32(&kb.enc)
	util.WipeArray32(&kb.mac)
}
