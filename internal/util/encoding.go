package util

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC so visually identical account names compare equal.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func B64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func B64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// FriendlyBase32Encode emits lowercase base32 without padding, writing '8'
// in place of 'l' and '9' in place of 'o' so the output never contains the
// letters most easily misread as '1' and '0'.
func FriendlyBase32Encode(b []byte) string {
	s := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	s = strings.ToLower(s)
	return strings.NewReplacer("l", "8", "o", "9").Replace(s)
}

// FriendlyBase32Decode accepts friendly base32 in either case, with or
// without dashes between groups.
func FriendlyBase32Decode(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "-", "")
	// A Caser is stateful, so each call gets its own.
	s = cases.Upper(language.Und).String(s)
	s = strings.NewReplacer("8", "L", "9", "O").Replace(s)
	if rem := len(s) % 8; rem != 0 {
		s += strings.Repeat("=", 8-rem)
	}
	return base32.StdEncoding.DecodeString(s)
}
