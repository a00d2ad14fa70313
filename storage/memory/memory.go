// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/jmcleod/ironsync/storage"
)

// Store is a thread-safe in-memory storage.Store. Suitable for tests,
// demos and the development server.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Item
}

var _ storage.Store = (*Store)(nil)

// New creates a new empty in-memory Store.
func New() *Store {
	return &Store{data: make(map[string]map[string]*storage.Item)}
}

func (s *Store) Put(_ context.Context, collection string, item *storage.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, item)
	return nil
}

func (s *Store) putLocked(collection string, item *storage.Item) {
	if _, ok := s.data[collection]; !ok {
		s.data[collection] = make(map[string]*storage.Item)
	}
	s.data[collection][item.GUID] = item.Clone()
}

func (s *Store) Get(_ context.Context, collection, guid string) (*storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items, ok := s.data[collection]
	if !ok {
		return nil, storage.ErrCollectionNotFound
	}
	item, ok := items[guid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return item.Clone(), nil
}

func (s *Store) Since(_ context.Context, collection string, since int64) ([]*storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Item
	for _, item := range s.data[collection] {
		if item.Modified > since {
			out = append(out, item.Clone())
		}
	}
	storage.SortItems(out)
	return out, nil
}

func (s *Store) Delete(_ context.Context, collection, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(collection, guid)
}

func (s *Store) deleteLocked(collection, guid string) error {
	items, ok := s.data[collection]
	if !ok {
		return storage.ErrCollectionNotFound
	}
	if _, ok := items[guid]; !ok {
		return storage.ErrNotFound
	}
	delete(items, guid)
	return nil
}

func (s *Store) Wipe(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, collection)
	return nil
}

func (s *Store) Collections(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.data))
	for name, items := range s.data {
		for _, item := range items {
			if _, seen := out[name]; !seen || item.Modified > out[name] {
				out[name] = item.Modified
			}
		}
	}
	return out, nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (s *Store) Batch(_ context.Context, collection string, fn func(tx storage.BatchTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, existed := s.data[collection]
	if existed {
		snapshot = maps.Clone(snapshot)
	}

	if err := fn(&batchTx{store: s, collection: collection}); err != nil {
		if existed {
			s.data[collection] = snapshot
		} else {
			delete(s.data, collection)
		}
		return err
	}
	return nil
}

type batchTx struct {
	store      *Store
	collection string
}

func (tx *batchTx) Put(item *storage.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	tx.store.putLocked(tx.collection, item)
	return nil
}

func (tx *batchTx) Delete(guid string) error {
	return tx.store.deleteLocked(tx.collection, guid)
}
