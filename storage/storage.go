// Package storage provides the local record store abstraction shared by the
// memory, bbolt, sqlite and postgres backends.
package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	ErrNotFound           = errors.New("item not found")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrInvalidItem        = errors.New("invalid item")
)

// Item is one stored record. Modified is in milliseconds. Deleted items
// are tombstones and are returned by Since so deletions replicate.
type Item struct {
	GUID      string `json:"guid"`
	Modified  int64  `json:"modified"`
	Deleted   bool   `json:"deleted,omitempty"`
	SortIndex int    `json:"sortindex,omitempty"`
	Payload   []byte `json:"payload"`
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	c.Payload = append([]byte(nil), i.Payload...)
	return &c
}

// Validate checks the fields every backend relies on.
func (i *Item) Validate() error {
	if i == nil || i.GUID == "" {
		return ErrInvalidItem
	}
	return nil
}

// BatchTx writes within one collection inside an atomic transaction.
type BatchTx interface {
	Put(item *Item) error
	Delete(guid string) error
}

// Store is a collection-scoped record store.
type Store interface {
	Put(ctx context.Context, collection string, item *Item) error
	Get(ctx context.Context, collection, guid string) (*Item, error)
	// Since returns items modified strictly after since, ordered by
	// modification time and then GUID.
	Since(ctx context.Context, collection string, since int64) ([]*Item, error)
	Delete(ctx context.Context, collection, guid string) error
	// Wipe removes a collection and all its items.
	Wipe(ctx context.Context, collection string) error
	// Collections maps each non-empty collection to its newest Modified.
	Collections(ctx context.Context) (map[string]int64, error)
	Batch(ctx context.Context, collection string, fn func(tx BatchTx) error) error
}

// SortItems orders items by Modified then GUID, the order Since returns.
func SortItems(items []*Item) {
	slices.SortFunc(items, func(a, b *Item) int {
		if a.Modified != b.Modified {
			if a.Modified < b.Modified {
				return -1
			}
			return 1
		}
		return strings.Compare(a.GUID, b.GUID)
	})
}
