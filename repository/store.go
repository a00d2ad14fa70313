package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/storage"
)

// StoreRepository is the local, plaintext repository for one collection
// over any storage.Store.
//
// Items written by Store are stamped with the local clock and remembered
// for the lifetime of the repository, so a later FetchSince on the same
// repository does not hand records that just arrived from the server
// straight back for upload.
type StoreRepository struct {
	store      storage.Store
	collection string
	factory    record.Factory
	logger     *slog.Logger
	now        func() int64

	mu      sync.Mutex
	tracked map[string]int64
}

var _ Repository = (*StoreRepository)(nil)

// NewStoreRepository returns a Repository over store for collection.
func NewStoreRepository(store storage.Store, collection string, factory record.Factory, opts ...Option) *StoreRepository {
	r := &StoreRepository{
		store:      store,
		collection: collection,
		factory:    factory,
		logger:     slog.Default(),
		now:        record.NowMillis,
		tracked:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("collection", collection))
	return r
}

func (r *StoreRepository) CreateSession(_ context.Context) (Session, error) {
	return &storeSession{repo: r}, nil
}

func (r *StoreRepository) track(guid string, modified int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[guid] = modified
}

// isEcho reports whether item is unchanged since this repository wrote it.
func (r *StoreRepository) isEcho(item *storage.Item) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tracked[item.GUID]
	return ok && m == item.Modified
}

type storeSession struct {
	Lifecycle
	repo *StoreRepository

	mu        sync.Mutex
	storedEnd int64
}

func (s *storeSession) Begin(_ context.Context) error {
	return s.Lifecycle.Begin()
}

func (s *storeSession) toRecord(item *storage.Item) (record.Record, error) {
	cr := record.NewCryptoRecord(s.repo.collection, item.GUID, item.Payload)
	if item.Deleted && len(item.Payload) == 0 {
		cr = record.NewTombstone(s.repo.collection, item.GUID)
	}
	cr.SetLastModified(item.Modified)
	cr.SetSortIndex(item.SortIndex)
	return s.repo.factory.FromCryptoRecord(cr)
}

func (s *storeSession) deliver(item *storage.Item, fn FetchFunc) error {
	rec, err := s.toRecord(item)
	if err != nil {
		s.repo.logger.Warn("skipping unreadable local record", slog.String("guid", item.GUID), slog.Any("error", err))
		return fn(nil, &RecordError{GUID: item.GUID, Err: err})
	}
	return fn(rec, nil)
}

func (s *storeSession) FetchSince(ctx context.Context, since int64, fn FetchFunc) (int64, error) {
	if err := s.Active(); err != nil {
		return 0, err
	}
	items, err := s.repo.store.Since(ctx, s.repo.collection, since)
	if err != nil {
		return 0, fmt.Errorf("reading %s since %d: %w", s.repo.collection, since, err)
	}

	end := since
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end = max(end, item.Modified)
		if s.repo.isEcho(item) {
			continue
		}
		if err := s.deliver(item, fn); err != nil {
			return 0, err
		}
	}
	return end, nil
}

func (s *storeSession) Fetch(ctx context.Context, guids []string, fn FetchFunc) error {
	if err := s.Active(); err != nil {
		return err
	}
	for _, guid := range guids {
		item, err := s.repo.store.Get(ctx, s.repo.collection, guid)
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCollectionNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s/%s: %w", s.repo.collection, guid, err)
		}
		if err := s.deliver(item, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeSession) GUIDsSince(ctx context.Context, since int64) ([]string, error) {
	if err := s.Active(); err != nil {
		return nil, err
	}
	items, err := s.repo.store.Since(ctx, s.repo.collection, since)
	if err != nil {
		return nil, err
	}
	guids := make([]string, 0, len(items))
	for _, item := range items {
		guids = append(guids, item.GUID)
	}
	return guids, nil
}

// Store writes rec unless the local copy is identical or was modified
// after rec.
func (s *storeSession) Store(ctx context.Context, rec record.Record) error {
	if err := s.Active(); err != nil {
		return err
	}
	cr, err := rec.CryptoRecord()
	if err != nil {
		return &RecordError{GUID: rec.GUID(), Err: err}
	}
	if cr.IsEncrypted() {
		return &RecordError{GUID: rec.GUID(), Err: record.ErrAlreadyEncrypted}
	}
	payload := cr.Payload()

	existing, err := s.repo.store.Get(ctx, s.repo.collection, rec.GUID())
	switch {
	case err == nil:
		if existing.Deleted == rec.Deleted() && bytes.Equal(existing.Payload, payload) {
			s.repo.track(existing.GUID, existing.Modified)
			return nil
		}
		if existing.Modified > rec.LastModified() && rec.LastModified() != 0 {
			s.repo.logger.Debug("local copy is newer, keeping it", slog.String("guid", rec.GUID()))
			return nil
		}
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCollectionNotFound):
	default:
		return fmt.Errorf("reading %s/%s: %w", s.repo.collection, rec.GUID(), err)
	}

	item := &storage.Item{
		GUID:      rec.GUID(),
		Modified:  s.repo.now(),
		Deleted:   rec.Deleted(),
		SortIndex: cr.SortIndex(),
		Payload:   payload,
	}
	if err := s.repo.store.Put(ctx, s.repo.collection, item); err != nil {
		return fmt.Errorf("writing %s/%s: %w", s.repo.collection, item.GUID, err)
	}
	s.repo.track(item.GUID, item.Modified)

	s.mu.Lock()
	s.storedEnd = max(s.storedEnd, item.Modified)
	s.mu.Unlock()
	return nil
}

func (s *storeSession) StoreDone(_ context.Context) (int64, error) {
	if err := s.Active(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storedEnd, nil
}

func (s *storeSession) Finish(_ context.Context) error {
	return s.End()
}

func (s *storeSession) Abort(_ context.Context) error {
	return s.End()
}
