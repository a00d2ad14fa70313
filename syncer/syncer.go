// Package syncer runs sync sessions: a fixed sequence of stages that
// locates the storage node, installs the collection keys and replicates
// each configured collection in both directions.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jmcleod/ironsync/account"
	"github.com/jmcleod/ironsync/channel"
	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository"
	"github.com/jmcleod/ironsync/repository/server"
	"github.com/jmcleod/ironsync/state"
	"github.com/jmcleod/ironsync/transport"
)

// DefaultDeadline bounds a whole session.
const DefaultDeadline = 5 * time.Minute

// Collection pairs a collection name with its local repository. Factory
// turns decrypted server records into the local record type.
type Collection struct {
	Name    string
	Local   repository.Repository
	Factory record.Factory
}

// Syncer owns what outlives a session: collaborators, configured
// collections and the gate. Each call to Sync runs a fresh Session.
type Syncer struct {
	accounts    account.Store
	client      transport.Client
	state       *state.State
	collections []Collection
	gate        *Gate
	deadline    time.Duration
	idleTimeout time.Duration
	batchSize   int
	logger      *slog.Logger
	now         func() time.Time
	stages      map[StageName]Stage
}

type Option func(*Syncer)

// WithCollection adds a collection. Collections sync in the order added.
func WithCollection(name string, local repository.Repository, factory record.Factory) Option {
	return func(s *Syncer) {
		if factory == nil {
			factory = record.BasicFactory{}
		}
		s.collections = append(s.collections, Collection{Name: name, Local: local, Factory: factory})
	}
}

// WithGate shares a gate with other syncers. A nil gate is ignored.
func WithGate(g *Gate) Option {
	return func(s *Syncer) {
		if g != nil {
			s.gate = g
		}
	}
}

// WithDeadline bounds every session. Non-positive values are ignored.
func WithDeadline(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.deadline = d
		}
	}
}

// WithIdleTimeout is passed to every channel.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Syncer) {
		s.idleTimeout = d
	}
}

// WithBatchSize sets how many records each upload POST carries.
func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		s.batchSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// WithStage replaces the implementation of one stage.
func WithStage(name StageName, stage Stage) Option {
	return func(s *Syncer) {
		s.stages[name] = stage
	}
}

// New returns a Syncer. client must authenticate its requests as the
// account accounts returns.
func New(accounts account.Store, client transport.Client, st *state.State, opts ...Option) *Syncer {
	s := &Syncer{
		accounts:    accounts,
		client:      client,
		state:       st,
		gate:        NewGate(),
		deadline:    DefaultDeadline,
		idleTimeout: channel.DefaultIdleTimeout,
		batchSize:   server.DefaultBatchSize,
		logger:      slog.Default(),
		now:         time.Now,
		stages:      make(map[StageName]Stage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collections returns the configured collection names in sync order.
func (s *Syncer) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for _, c := range s.collections {
		names = append(names, c.Name)
	}
	return names
}

func (s *Syncer) collection(name string) (Collection, bool) {
	i := slices.IndexFunc(s.collections, func(c Collection) bool { return c.Name == name })
	if i < 0 {
		return Collection{}, false
	}
	return s.collections[i], true
}

func (s *Syncer) stageFor(name StageName) (Stage, error) {
	if st, ok := s.stages[name]; ok {
		return st, nil
	}
	switch name {
	case StageCheckPreconditions:
		return CheckPreconditions{}, nil
	case StageEnsureClusterURL:
		return EnsureClusterURL{}, nil
	case StageFetchInfoCollections:
		return FetchInfoCollections{}, nil
	case StageEnsureKeys:
		return EnsureKeys{}, nil
	case StageCompleted:
		return Completed{}, nil
	}
	if c, ok := name.Collection(); ok {
		col, ok := s.collection(c)
		if !ok {
			return nil, &NoSuchStageError{Stage: name, Err: fmt.Errorf("%w: %s", ErrUnknownCollection, c)}
		}
		return CollectionSync{Collection: col}, nil
	}
	return nil, &NoSuchStageError{Stage: name}
}

// Sync waits for the gate and runs one session. On failure the error is a
// *SyncError naming the stage, the cause and a reason.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, &SyncError{Stage: StageUninitialized, Cause: CauseCanceled, Reason: "waiting for another sync", Err: err}
	}
	defer release()
	return s.newSession().run(ctx)
}

// TrySync is Sync without waiting: it fails with ErrSyncInProgress when
// another sync holds the gate.
func (s *Syncer) TrySync(ctx context.Context) (*Result, error) {
	release, err := s.gate.TryAcquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return s.newSession().run(ctx)
}
