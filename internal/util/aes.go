package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	AESKeySize = 32
)

var (
	ErrShortCiphertext = errors.New("ciphertext shorter than nonce size")
	// ErrUnseal means a sealed value failed authentication: wrong key,
	// wrong AAD, or tampered bytes.
	ErrUnseal = errors.New("sealed value failed authentication")
)

// SealGCM encrypts plainText under AES-256-GCM with a random nonce. The
// nonce is prefixed to the returned ciphertext.
func SealGCM(plainText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plainText, aad), nil
}

// OpenGCM reverses SealGCM.
func OpenGCM(sealed, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, ErrShortCiphertext
	}

	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plainText, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnseal, err)
	}
	return plainText, nil
}

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func NewAESKey() ([]byte, error) {
	return RandomBytes(AESKeySize)
}
