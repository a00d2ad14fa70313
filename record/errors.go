package record

import "errors"

var (
	ErrNotEncrypted     = errors.New("record: payload is not encrypted")
	ErrAlreadyEncrypted = errors.New("record: payload is already encrypted")
	// ErrWrongDirection is returned when a record that has been decrypted is
	// encrypted again, or the reverse.
	ErrWrongDirection = errors.New("record: record already used in the other direction")
	ErrIDMismatch     = errors.New("record: cleartext id does not match envelope id")
	ErrMalformedWBO   = errors.New("record: malformed WBO")
)
