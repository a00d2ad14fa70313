// Package uuid generates random identifiers for sessions and log lines.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.Must(uuid.NewRandom()).String()
}
