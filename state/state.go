// Package state persists what a sync client remembers between sessions:
// the cluster URL, the encrypted keys record and its server timestamp,
// per-collection high-water marks, and any server-requested backoff.
//
// State is a write-through cache. Reads come from memory; every write is
// persisted to the Backend before the in-memory copy changes, so a failed
// write leaves both unchanged.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	icrypto "github.com/jmcleod/ironsync/internal/crypto"
	"github.com/jmcleod/ironsync/internal/util"
	"github.com/jmcleod/ironsync/record"
)

const stateVersion = 1

const (
	kindRemote = "remote"
	kindLocal  = "local"
)

// Backend stores opaque named blobs.
type Backend interface {
	// Load returns nil data and no error when name has never been saved.
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}

type snapshot struct {
	Ver          int              `json:"ver"`
	ClusterURL   string           `json:"cluster_url,omitempty"`
	Keys         *record.WBO      `json:"keys,omitempty"`
	KeysModified int64            `json:"keys_modified,omitempty"`
	Remote       map[string]int64 `json:"remote,omitempty"`
	Local        map[string]int64 `json:"local,omitempty"`
	BackoffUntil int64            `json:"backoff_until,omitempty"`
}

func (s snapshot) clone() snapshot {
	c := s
	if s.Keys != nil {
		k := *s.Keys
		c.Keys = &k
	}
	c.Remote = maps.Clone(s.Remote)
	c.Local = maps.Clone(s.Local)
	if c.Remote == nil {
		c.Remote = make(map[string]int64)
	}
	if c.Local == nil {
		c.Local = make(map[string]int64)
	}
	return c
}

// State is the persisted sync state for one account.
type State struct {
	backend Backend
	name    string
	sealKey []byte
	logger  *slog.Logger
	rekeyed bool

	mu   sync.RWMutex
	data snapshot
}

type Option func(*State)

// WithSealKey seals the persisted blob with AES-256-GCM under key.
func WithSealKey(key []byte) Option {
	return func(s *State) {
		s.sealKey = util.CopyBytes(key)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *State) {
		s.logger = logger
	}
}

// Open loads the state saved under name, or starts empty. State sealed
// under a different key is discarded: it belongs to credentials that are no
// longer in use, and everything in it can be fetched from the server again.
// Rekeyed reports when that happened.
func Open(ctx context.Context, backend Backend, name string, opts ...Option) (*State, error) {
	s := &State{backend: backend, name: name, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := backend.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading state %q: %w", name, err)
	}
	data := snapshot{Ver: stateVersion}
	if raw != nil {
		if s.sealKey != nil {
			opened, err := util.OpenGCM(raw, s.sealKey, icrypto.AADState(name, stateVersion))
			switch {
			case errors.Is(err, util.ErrUnseal):
				s.logger.Warn("persisted state was sealed under other credentials, starting over",
					slog.String("name", name))
				s.rekeyed = true
				s.data = data.clone()
				return s, nil
			case err != nil:
				return nil, fmt.Errorf("unsealing state %q: %w", name, err)
			}
			raw = opened
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decoding state %q: %w", name, err)
		}
		if data.Ver > stateVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data.Ver)
		}
	}
	s.data = data.clone()
	return s, nil
}

// update applies fn to a copy of the state, persists it, and only then
// makes it current.
func (s *State) update(ctx context.Context, fn func(d *snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.Ver = stateVersion

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if s.sealKey != nil {
		sealed, err := util.SealGCM(raw, s.sealKey, icrypto.AADState(s.name, stateVersion))
		util.WipeBytes(raw)
		if err != nil {
			return fmt.Errorf("sealing state: %w", err)
		}
		raw = sealed
	}
	if err := s.backend.Save(ctx, s.name, raw); err != nil {
		return fmt.Errorf("saving state %q: %w", s.name, err)
	}
	s.data = next
	return nil
}

// Rekeyed reports whether Open found state sealed under another key and
// started empty instead.
func (s *State) Rekeyed() bool {
	return s.rekeyed
}

func (s *State) ClusterURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ClusterURL
}

// SetClusterURL records a node assignment. Moving to a different cluster
// invalidates the keys and every timestamp, since they describe the old
// node's storage.
func (s *State) SetClusterURL(ctx context.Context, u string) error {
	return s.update(ctx, func(d *snapshot) error {
		if d.ClusterURL != "" && d.ClusterURL != u {
			s.logger.Info("cluster changed, resetting sync state",
				slog.String("from", d.ClusterURL), slog.String("to", u))
			d.Keys, d.KeysModified = nil, 0
			clear(d.Remote)
			clear(d.Local)
		}
		d.ClusterURL = u
		return nil
	})
}

// Keys returns the persisted encrypted keys record and its server
// timestamp, or nil.
func (s *State) Keys() (*record.WBO, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Keys == nil {
		return nil, 0
	}
	k := *s.data.Keys
	return &k, s.data.KeysModified
}

func (s *State) SetKeys(ctx context.Context, w *record.WBO, modified int64) error {
	k := *w
	return s.update(ctx, func(d *snapshot) error {
		d.Keys = &k
		d.KeysModified = modified
		return nil
	})
}

func (s *State) ClearKeys(ctx context.Context) error {
	return s.update(ctx, func(d *snapshot) error {
		d.Keys, d.KeysModified = nil, 0
		return nil
	})
}

// RemoteTimestamp is the server high-water mark for collection: the next
// remote fetch asks for records newer than this.
func (s *State) RemoteTimestamp(collection string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Remote[collection]
}

// LocalTimestamp is the local high-water mark for collection.
func (s *State) LocalTimestamp(collection string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Local[collection]
}

func (s *State) SetRemoteTimestamp(ctx context.Context, collection string, ts int64) error {
	return s.setTimestamp(ctx, kindRemote, collection, ts)
}

func (s *State) SetLocalTimestamp(ctx context.Context, collection string, ts int64) error {
	return s.setTimestamp(ctx, kindLocal, collection, ts)
}

func (s *State) setTimestamp(ctx context.Context, kind, collection string, ts int64) error {
	return s.update(ctx, func(d *snapshot) error {
		m := d.Remote
		if kind == kindLocal {
			m = d.Local
		}
		if cur := m[collection]; ts < cur {
			return RegressionError{Collection: collection, Kind: kind, Current: cur, Proposed: ts}
		}
		m[collection] = ts
		return nil
	})
}

// ResetTimestamps forgets the high-water marks of the named collections, or
// of all collections when none are named, so the next sync starts over.
func (s *State) ResetTimestamps(ctx context.Context, collections ...string) error {
	return s.update(ctx, func(d *snapshot) error {
		if len(collections) == 0 {
			clear(d.Remote)
			clear(d.Local)
			return nil
		}
		for _, c := range collections {
			delete(d.Remote, c)
			delete(d.Local, c)
		}
		return nil
	})
}

// BackoffUntil is the earliest time the server asked to be contacted again.
func (s *State) BackoffUntil() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.BackoffUntil == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.data.BackoffUntil)
}

// SetBackoffUntil only ever extends the backoff window, except that the
// zero time clears it.
func (s *State) SetBackoffUntil(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(d *snapshot) error {
		if t.IsZero() {
			d.BackoffUntil = 0
			return nil
		}
		d.BackoffUntil = max(d.BackoffUntil, t.UnixMilli())
		return nil
	})
}

// Reset forgets everything, as after a credential change.
func (s *State) Reset(ctx context.Context) error {
	return s.update(ctx, func(d *snapshot) error {
		*d = snapshot{Remote: map[string]int64{}, Local: map[string]int64{}}
		return nil
	})
}
