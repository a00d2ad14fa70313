package icrypto

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/jmcleod/ironsync/internal/util"
)

const (
	localStoreInfo  = "ironsync:local-store:v1"
	localStateInfo  = "ironsync:local-state:v1"
	fingerprintInfo = "ironsync:key-fingerprint:v1"
)

// DeriveLocalStoreKey derives the AES-256-GCM key that seals records at
// rest in a local store. The sync key bundle's HMAC key is the usual input.
func DeriveLocalStoreKey(secret []byte, salt []byte) ([]byte, error) {
	prk := util.HKDFExtract(sha256.New, salt, secret)
	defer util.WipeBytes(prk)
	return util.HKDFExpand(sha256.New, prk, []byte(localStoreInfo), util.AESKeySize)
}

// DeriveLocalStateKey derives the key that seals persisted sync state.
func DeriveLocalStateKey(secret []byte, salt []byte) ([]byte, error) {
	prk := util.HKDFExtract(sha256.New, salt, secret)
	defer util.WipeBytes(prk)
	return util.HKDFExpand(sha256.New, prk, []byte(localStateInfo), util.AESKeySize)
}

// KeyFingerprint is a short public name for key. It identifies which key
// sealed a set of values without revealing anything about the key.
func KeyFingerprint(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(fingerprintInfo))
	return util.HexEncode(mac.Sum(nil)[:6])
}
