// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironsync/storage"
)

// rootBucket holds one nested bucket per collection so the database file
// can be shared with the sync state store.
var rootBucket = []byte("collections")

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// Open opens a BBolt database at path and returns a new Store.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying database.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucket(tx *bbolt.Tx, collection string) *bbolt.Bucket {
	root := tx.Bucket(rootBucket)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(collection))
}

func createBucket(tx *bbolt.Tx, collection string) (*bbolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(rootBucket)
	if err != nil {
		return nil, err
	}
	return root.CreateBucketIfNotExists([]byte(collection))
}

func putItem(b *bbolt.Bucket, item *storage.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return b.Put([]byte(item.GUID), data)
}

func deleteItem(b *bbolt.Bucket, guid string) error {
	if b.Get([]byte(guid)) == nil {
		return fmt.Errorf("%s: %w", guid, storage.ErrNotFound)
	}
	return b.Delete([]byte(guid))
}

func (s *Store) Put(_ context.Context, collection string, item *storage.Item) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := createBucket(tx, collection)
		if err != nil {
			return err
		}
		return putItem(b, item)
	})
}

func (s *Store) Get(_ context.Context, collection, guid string) (*storage.Item, error) {
	var item storage.Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := bucket(tx, collection)
		if b == nil {
			return fmt.Errorf("%s: %w", collection, storage.ErrCollectionNotFound)
		}
		data := b.Get([]byte(guid))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", collection, guid, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) Since(_ context.Context, collection string, since int64) ([]*storage.Item, error) {
	var out []*storage.Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := bucket(tx, collection)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var item storage.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Modified > since {
				out = append(out, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortItems(out)
	return out, nil
}

func (s *Store) Delete(_ context.Context, collection, guid string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := bucket(tx, collection)
		if b == nil {
			return fmt.Errorf("%s: %w", collection, storage.ErrCollectionNotFound)
		}
		return deleteItem(b, guid)
	})
}

func (s *Store) Wipe(_ context.Context, collection string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		err := root.DeleteBucket([]byte(collection))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *Store) Collections(_ context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(name []byte) error {
			return root.Bucket(name).ForEach(func(_, v []byte) error {
				var item storage.Item
				if err := json.Unmarshal(v, &item); err != nil {
					return err
				}
				if m, seen := out[string(name)]; !seen || item.Modified > m {
					out[string(name)] = item.Modified
				}
				return nil
			})
		})
	})
	return out, err
}

type batchTx struct {
	bucket *bbolt.Bucket
}

func (tx *batchTx) Put(item *storage.Item) error {
	return putItem(tx.bucket, item)
}

func (tx *batchTx) Delete(guid string) error {
	return deleteItem(tx.bucket, guid)
}

// Batch runs fn inside a single bbolt write transaction.
func (s *Store) Batch(_ context.Context, collection string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := createBucket(tx, collection)
		if err != nil {
			return err
		}
		return fn(&batchTx{bucket: b})
	})
}
