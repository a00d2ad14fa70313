package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/jmcleod/ironsync/internal/util"
)

// CryptoInfo carries the inputs and outputs of one encrypt or decrypt call.
// Message holds ciphertext before Decrypt and after Encrypt. Keys is
// borrowed, never owned.
type CryptoInfo struct {
	Message []byte
	IV      []byte
	HMAC    []byte
	Keys    *KeyBundle
}

type EncryptOption func(*encryptOptions)

type encryptOptions struct {
	iv []byte
}

// WithIV fixes the IV instead of generating a fresh one. Only tests and
// known-answer checks should use it.
func WithIV(iv []byte) EncryptOption {
	return func(o *encryptOptions) {
		o.iv = iv
	}
}

// Encrypt encrypts plaintext under kb with AES-256-CBC and computes the HMAC
// over the base64 text of the ciphertext.
func Encrypt(plaintext []byte, kb *KeyBundle, opts ...EncryptOption) (*CryptoInfo, error) {
	if kb == nil {
		return nil, ErrMissingKeyBundle
	}
	var o encryptOptions
	for _, opt := range opts {
		opt(&o)
	}
	iv := o.iv
	if iv == nil {
		var err error
		if iv, err = util.RandomBytes(aes.BlockSize); err != nil {
			return nil, err
		}
	}

	ct, err := util.EncryptCBC(plaintext, kb.enc[:], iv)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return &CryptoInfo{
		Message: ct,
		IV:      util.CopyBytes(iv),
		HMAC:    ComputeHMAC(ct, kb),
		Keys:    kb,
	}, nil
}

// ComputeHMAC returns HMAC-SHA256 over base64(ciphertext). The MAC covers
// the base64 text, not the raw bytes, to match the wire format.
func ComputeHMAC(ciphertext []byte, kb *KeyBundle) []byte {
	m := hmac.New(sha256.New, kb.mac[:])
	m.Write([]byte(util.B64Encode(ciphertext)))
	return m.Sum(nil)
}

// Verify checks info.HMAC against the ciphertext in constant time.
func Verify(info *CryptoInfo) error {
	if info.Keys == nil {
		return ErrMissingKeyBundle
	}
	if !hmac.Equal(ComputeHMAC(info.Message, info.Keys), info.HMAC) {
		return ErrAuthenticationFailed
	}
	return nil
}

// Decrypt verifies the HMAC and only then decrypts. The HMAC does not
// cover the IV, so a modified IV passes verification and changes the first
// block of the returned plaintext; callers that need that block protected
// must check it themselves.
func Decrypt(info *CryptoInfo) ([]byte, error) {
	if err := Verify(info); err != nil {
		return nil, err
	}
	pt, err := util.DecryptCBC(info.Message, info.Keys.enc[:], info.IV)
	if err != nil {
		// Padding, block size and IV length all land here.
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return pt, nil
}
