package repository

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotActive    = errors.New("repository: session not begun")
	ErrSessionAlreadyBegun = errors.New("repository: session already begun")
	ErrSessionFinished     = errors.New("repository: session already finished")
	ErrNotCryptoRecord     = errors.New("repository: record is not a crypto record")
)

// RecordError reports a failure that affects a single record. A fetch
// delivers it to the FetchFunc and carries on with the next record.
type RecordError struct {
	GUID string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.GUID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
