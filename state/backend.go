package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironsync/internal/util"
)

// MemoryBackend keeps blobs in memory. Suitable for tests and one-shot
// syncs.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return util.CopyBytes(m.blobs[name]), nil
}

func (m *MemoryBackend) Save(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = util.CopyBytes(data)
	return nil
}

var stateBucket = []byte("__sync_state")

// BoltBackend persists blobs in a dedicated bucket, usually in the same
// database as the bbolt record store.
type BoltBackend struct {
	db *bbolt.DB
}

var _ Backend = (*BoltBackend)(nil)

func NewBoltBackend(db *bbolt.DB) (*BoltBackend, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating state bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// NewBoltBackendFromFile opens a bbolt database at path.
func NewBoltBackendFromFile(path string, options *bbolt.Options) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltBackend(db)
}

func (b *BoltBackend) Load(_ context.Context, name string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get([]byte(name)); v != nil {
			out = util.CopyBytes(v)
		}
		return nil
	})
	return out, err
}

func (b *BoltBackend) Save(_ context.Context, name string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(name), data)
	})
}

// SQLBackend stores blobs in the sync_state table of a database/sql
// database, as created by the sqlite record store's schema.
type SQLBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLBackend)(nil)

func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) Load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM sync_state WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (b *SQLBackend) Save(ctx context.Context, name string, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO sync_state (name, data) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = excluded.data`, name, data)
	return err
}

// PostgresBackend stores blobs in the sync_state table created by the
// postgres record store's schema.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.pool.QueryRow(ctx, `SELECT data FROM sync_state WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (b *PostgresBackend) Save(ctx context.Context, name string, data []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO sync_state (name, data) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET data = $2`, name, data)
	return err
}
