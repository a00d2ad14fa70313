// Package repository defines record stores as seen by the sync core: a
// Repository hands out Sessions that are begun, used for fetches and
// stores, and finished or aborted exactly once.
package repository

import (
	"context"

	"github.com/jmcleod/ironsync/record"
)

// FetchFunc receives each fetched record, or a *RecordError for a record
// that could not be produced. Returning an error stops the fetch and the
// error is returned from the fetch call.
type FetchFunc func(rec record.Record, err error) error

// Repository creates sessions against one collection.
type Repository interface {
	CreateSession(ctx context.Context) (Session, error)
}

// Session is one open connection to a record store. Fetch and Store may run
// from different goroutines; implementations synchronize their own state.
type Session interface {
	Begin(ctx context.Context) error
	// FetchSince streams records modified after since, in modification
	// order, and returns the timestamp to use as the next since.
	FetchSince(ctx context.Context, since int64, fn FetchFunc) (int64, error)
	Fetch(ctx context.Context, guids []string, fn FetchFunc) error
	GUIDsSince(ctx context.Context, since int64) ([]string, error)
	// Store persists rec and returns once it has been accepted. Stores may
	// be buffered until StoreDone.
	Store(ctx context.Context, rec record.Record) error
	// StoreDone flushes buffered stores and returns the newest timestamp
	// assigned to a stored record.
	StoreDone(ctx context.Context) (int64, error)
	Finish(ctx context.Context) error
	Abort(ctx context.Context) error
}
