package state

import (
	"errors"
	"fmt"
)

var (
	// ErrTimestampRegression is returned when a high-water mark would move
	// backwards. Reset the collection's timestamps first to start over.
	ErrTimestampRegression = errors.New("state: timestamp regression")
	// ErrUnsupportedVersion is returned for a persisted state written by a
	// newer release.
	ErrUnsupportedVersion = errors.New("state: unsupported version")
)

// RegressionError carries the rejected timestamp.
type RegressionError struct {
	Collection string
	Kind       string
	Current    int64
	Proposed   int64
}

func (e RegressionError) Error() string {
	return fmt.Sprintf("state: %s timestamp for %s would move from %d back to %d",
		e.Kind, e.Collection, e.Current, e.Proposed)
}

func (e RegressionError) Unwrap() error {
	return ErrTimestampRegression
}
