package keys

import "errors"

var (
	// ErrNoKeysSet means no keyring has been installed. There is no
	// partially populated state: a keyring always has a default bundle.
	ErrNoKeysSet     = errors.New("keys: no keys set")
	ErrMalformedKeys = errors.New("keys: malformed keys record")
	// ErrStaleKeys means the keys record was not encrypted with the current
	// sync key bundle, typically after a credential change.
	ErrStaleKeys = errors.New("keys: keys record does not match sync key")
)
