package util

import (
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFExtract runs the extract step. An empty salt is replaced by HashLen
// zero bytes inside x/crypto/hkdf.
func HKDFExtract(h func() hash.Hash, salt, ikm []byte) []byte {
	return hkdf.Extract(h, ikm, salt)
}

// HKDFExpand stretches prk into length bytes of output keying material.
func HKDFExpand(h func() hash.Hash, prk, info []byte, length int) ([]byte, error) {
	if max := 255 * h().Size(); length > max {
		return nil, fmt.Errorf("hkdf: requested %d bytes, limit is %d", length, max)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h, prk, info), out); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return out, nil
}
