package crypto

import (
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmcleod/ironsync/internal/util"
)

const (
	SyncKeySize = 16
	// syncKeyChars is the friendly encoding length of SyncKeySize bytes.
	syncKeyChars = 26
)

var plainUsernameRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// GenerateSyncKey returns a new random sync key in friendly form.
func GenerateSyncKey() (string, error) {
	raw, err := util.RandomBytes(SyncKeySize)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(raw)
	return EncodeSyncKey(raw)
}

// EncodeSyncKey renders a raw sync key as x-xxxxx-xxxxx-xxxxx-xxxxx-xxxxx.
func EncodeSyncKey(raw []byte) (string, error) {
	if len(raw) != SyncKeySize {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSyncKey, len(raw), SyncKeySize)
	}
	s := util.FriendlyBase32Encode(raw)
	var sb strings.Builder
	sb.WriteString(s[:1])
	for i := 1; i < len(s); i += 5 {
		sb.WriteByte('-')
		sb.WriteString(s[i:min(i+5, len(s))])
	}
	return sb.String(), nil
}

// DecodeSyncKey accepts a friendly sync key with or without dashes, in any
// case, and returns the raw 16 bytes.
func DecodeSyncKey(friendly string) ([]byte, error) {
	s := strings.ReplaceAll(strings.TrimSpace(friendly), "-", "")
	if len(s) != syncKeyChars {
		return nil, fmt.Errorf("%w: got %d characters, want %d", ErrInvalidSyncKey, len(s), syncKeyChars)
	}
	raw, err := util.FriendlyBase32Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSyncKey, err)
	}
	if len(raw) != SyncKeySize {
		return nil, fmt.Errorf("%w: decoded %d bytes", ErrInvalidSyncKey, len(raw))
	}
	return raw, nil
}

// UsernameFromAccount maps an account name to the storage username. Plain
// usernames pass through; anything else (typically an email address) is
// lowercased, hashed with SHA-1 and base32 encoded.
func UsernameFromAccount(account string) string {
	if plainUsernameRE.MatchString(account) {
		return account
	}
	sum := sha1.Sum([]byte(strings.ToLower(util.Normalize(account))))
	return strings.ToLower(base32.StdEncoding.EncodeToString(sum[:]))
}
