package crypto

import "errors"

var (
	// ErrAuthenticationFailed is returned when a ciphertext's HMAC does not
	// match. Decryption is never attempted in that case.
	ErrAuthenticationFailed = errors.New("crypto: HMAC verification failed")
	// ErrMalformedCiphertext is returned when a ciphertext that passed HMAC
	// verification fails to decrypt or unpad. It usually means corrupt key
	// material or a protocol version mismatch.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
	ErrInvalidKeyLength    = errors.New("crypto: invalid key length")
	ErrMissingKeyBundle    = errors.New("crypto: no key bundle")
	ErrInvalidSyncKey      = errors.New("crypto: invalid sync key")
)
