// Package sqlite provides a SQLite-backed storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jmcleod/ironsync/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Store on a single SQLite file in WAL mode.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens a SQLite database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	return nil
}

// DB returns the underlying database, for sharing with the sync state
// backend.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putItem(ctx context.Context, e execer, collection string, item *storage.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO items (collection, guid, modified, deleted, sortindex, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, guid) DO UPDATE SET
			modified = excluded.modified,
			deleted = excluded.deleted,
			sortindex = excluded.sortindex,
			payload = excluded.payload
	`, collection, item.GUID, item.Modified, item.Deleted, item.SortIndex, payloadOrEmpty(item.Payload))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, item.GUID, err)
	}
	return nil
}

func deleteItem(ctx context.Context, e execer, collection, guid string) error {
	res, err := e.ExecContext(ctx, `DELETE FROM items WHERE collection = ? AND guid = ?`, collection, guid)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, guid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, guid, storage.ErrNotFound)
	}
	return nil
}

func payloadOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (s *Store) Put(ctx context.Context, collection string, item *storage.Item) error {
	return putItem(ctx, s.db, collection, item)
}

func (s *Store) Get(ctx context.Context, collection, guid string) (*storage.Item, error) {
	item := storage.Item{GUID: guid}
	err := s.db.QueryRowContext(ctx, `
		SELECT modified, deleted, sortindex, payload
		FROM items WHERE collection = ? AND guid = ?
	`, collection, guid).Scan(&item.Modified, &item.Deleted, &item.SortIndex, &item.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, guid, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, guid, err)
	}
	return &item, nil
}

func (s *Store) Since(ctx context.Context, collection string, since int64) ([]*storage.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, modified, deleted, sortindex, payload
		FROM items WHERE collection = ? AND modified > ?
		ORDER BY modified, guid
	`, collection, since)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
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
	return deleteItem(ctx, s.db, collection, guid)
}

func (s *Store) Wipe(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE collection = ?`, collection)
	return err
}

func (s *Store) Collections(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collection, MAX(modified) FROM items GROUP BY collection`)
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

type batchTx struct {
	ctx        context.Context
	tx         *sql.Tx
	collection string
}

func (b *batchTx) Put(item *storage.Item) error {
	return putItem(b.ctx, b.tx, b.collection, item)
}

func (b *batchTx) Delete(guid string) error {
	return deleteItem(b.ctx, b.tx, b.collection, guid)
}

// Batch runs fn inside a SQL transaction.
func (s *Store) Batch(ctx context.Context, collection string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&batchTx{ctx: ctx, tx: tx, collection: collection}); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}
