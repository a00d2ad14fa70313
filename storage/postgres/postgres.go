// Package postgres implements storage.Store backed by PostgreSQL.
//
// The items table is keyed by (collection, guid), the same key space the
// bbolt and in-memory backends use. The sync_state table holds named blobs
// for state.PostgresBackend.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironsync/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool, for sharing with the sync
// state backend.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// execer abstracts both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func putItem(ctx context.Context, e execer, collection string, item *storage.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	payload := item.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := e.Exec(ctx,
		`INSERT INTO items (collection, guid, modified, deleted, sortindex, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (collection, guid)
		 DO UPDATE SET modified = $3, deleted = $4, sortindex = $5, payload = $6`,
		collection, item.GUID, item.Modified, item.Deleted, item.SortIndex, payload)
	return err
}

func deleteItem(ctx context.Context, e execer, collection, guid string) error {
	tag, err := e.Exec(ctx,
		`DELETE FROM items WHERE collection = $1 AND guid = $2`, collection, guid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, guid, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, collection string, item *storage.Item) error {
	return putItem(ctx, s.pool, collection, item)
}

func (s *Store) Get(ctx context.Context, collection, guid string) (*storage.Item, error) {
	item := storage.Item{GUID: guid}
	err := s.pool.QueryRow(ctx,
		`SELECT modified, deleted, sortindex, payload
		 FROM items WHERE collection = $1 AND guid = $2`,
		collection, guid).Scan(&item.Modified, &item.Deleted, &item.SortIndex, &item.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, guid, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) Since(ctx context.Context, collection string, since int64) ([]*storage.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT guid, modified, deleted, sortindex, payload
		 FROM items WHERE collection = $1 AND modified > $2
		 ORDER BY modified, guid`,
		collection, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Item
	for rows.Next() {
		var item storage.Item
		if err := rows.Scan(&item.GUID, &item.Modified, &item.Deleted, &item.SortIndex, &item.Payload); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, collection, guid string) error {
	return deleteItem(ctx, s.pool, collection, guid)
}

func (s *Store) Wipe(ctx context.Context, collection string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM items WHERE collection = $1`, collection)
	return err
}

func (s *Store) Collections(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT collection, MAX(modified) FROM items GROUP BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var modified int64
		if err := rows.Scan(&name, &modified); err != nil {
			return nil, err
		}
		out[name] = modified
	}
	return out, rows.Err()
}

func (s *Store) Batch(ctx context.Context, collection string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&batchTx{ctx: ctx, tx: tx, collection: collection}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type batchTx struct {
	ctx        context.Context
	tx         pgx.Tx
	collection string
}

var _ storage.BatchTx = (*batchTx)(nil)

func (b *batchTx) Put(item *storage.Item) error {
	return putItem(b.ctx, b.tx, b.collection, item)
}

func (b *batchTx) Delete(guid string) error {
	return deleteItem(b.ctx, b.tx, b.collection, guid)
}
