package crypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"github.com/jmcleod/ironsync/internal/util"
)

// Hash selects the HMAC hash used for key derivation.
type Hash int

const (
	SHA256 Hash = iota
	// SHA1 is retained for accounts provisioned with the legacy derivation.
	SHA1
)

func (h Hash) New() func() hash.Hash {
	if h == SHA1 {
		return sha1.New
	}
	return sha256.New
}

func (h Hash) Size() int {
	return h.New()().Size()
}

func (h Hash) String() string {
	if h == SHA1 {
		return "sha1"
	}
	return "sha256"
}

// Extract computes HMAC(salt, ikm). An empty salt is treated as Size() zero
// bytes.
func Extract(h Hash, salt, ikm []byte) []byte {
	return util.HKDFExtract(h.New(), salt, ikm)
}

// Expand produces length bytes of keystream from prk, where block i is
// HMAC(prk, T(i-1) || info || i). Shorter outputs are prefixes of longer
// ones for the same inputs.
func Expand(h Hash, prk, info []byte, length int) ([]byte, error) {
	return util.HKDFExpand(h.New(), prk, info, length)
}

// Derive runs Extract then Expand.
func Derive(h Hash, ikm, salt, info []byte, length int) ([]byte, error) {
	prk := Extract(h, salt, ikm)
	defer util.WipeBytes(prk)
	return Expand(h, prk, info, length)
}
