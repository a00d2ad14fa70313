package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/ironsync/config"
	"github.com/jmcleod/ironsync/state"
	"github.com/jmcleod/ironsync/storage"
	bboltstorage "github.com/jmcleod/ironsync/storage/bbolt"
	"github.com/jmcleod/ironsync/storage/memory"
	"github.com/jmcleod/ironsync/storage/postgres"
	"github.com/jmcleod/ironsync/storage/sqlite"
)

// backend is an opened record store plus the state backend sharing its
// database.
type backend struct {
	store storage.Store
	state state.Backend
	close func() error
}

func openBackend(ctx context.Context, kind, dataDir, dsn, name string) (*backend, error) {
	if kind == config.BackendBolt || kind == config.BackendSQLite {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	switch kind {
	case config.BackendMemory:
		return &backend{
			store: memory.New(),
			state: state.NewMemoryBackend(),
			close: func() error { return nil },
		}, nil

	case config.BackendBolt:
		s, err := bboltstorage.Open(filepath.Join(dataDir, name+".db"), nil)
		if err != nil {
			return nil, err
		}
		sb, err := state.NewBoltBackend(s.DB())
		if err != nil {
			s.Close()
			return nil, err
		}
		return &backend{store: s, state: sb, close: s.Close}, nil

	case config.BackendSQLite:
		s, err := sqlite.Open(filepath.Join(dataDir, name+".sqlite"))
		if err != nil {
			return nil, err
		}
		return &backend{store: s, state: state.NewSQLBackend(s.DB()), close: s.Close}, nil

	case config.BackendPostgres:
		s, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: s,
			state: state.NewPostgresBackend(s.Pool()),
			close: func() error { s.Close(); return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}
