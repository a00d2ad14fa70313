package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/ironsync/account"
	"github.com/jmcleod/ironsync/crypto"
	"github.com/jmcleod/ironsync/internal/uuid"
	"github.com/jmcleod/ironsync/keys"
	"github.com/jmcleod/ironsync/state"
	"github.com/jmcleod/ironsync/transport"
)

// Result is the outcome of a successful session.
type Result struct {
	SessionID   string
	Collections []CollectionResult
	Elapsed     time.Duration
}

// CollectionResult reports one collection's two flows. The timestamps are
// the high-water marks persisted for the next session.
type CollectionResult struct {
	Name             string
	Downloaded       int64
	DownloadFailures int64
	Uploaded         int64
	UploadFailures   int64
	// DownloadSkipped is set when info/collections showed nothing new.
	DownloadSkipped bool
	RemoteTimestamp int64
	LocalTimestamp  int64
}

// Session carries the state one sync accumulates as its stages run. Stages
// read and write it only through its methods and must not keep it after
// Execute returns. A Session runs once.
type Session struct {
	id      string
	syncer  *Syncer
	seq     Sequence
	client  *observingClient
	logger  *slog.Logger
	started time.Time

	stage      StageName
	creds      *account.Credentials
	syncBundle *crypto.KeyBundle
	clusterURL string
	info       map[string]int64
	keys       *keys.CollectionKeys
	results    []CollectionResult
}

func (s *Syncer) newSession() *Session {
	id := uuid.New()
	return &Session{
		id:     id,
		syncer: s,
		seq:    NewSequence(s.Collections()...),
		client: &observingClient{Client: s.client},
		logger: s.logger.With(slog.String("session", id)),
		stage:  StageUninitialized,
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Stage() StageName { return s.stage }
func (s *Session) Logger() *slog.Logger { return s.logger }
func (s *Session) State() *state.State { return s.syncer.state }
func (s *Session) Now() time.Time { return s.syncer.now() }
func (s *Session) Sequence() Sequence { return s.seq }
func (s *Session) ClusterURL() string { return s.clusterURL }
func (s *Session) Client() transport.Client { return s.client }

// Credentials is set by the precondition stage.
func (s *Session) Credentials() *account.Credentials {
	return s.creds
}

// SyncKeyBundle is the bundle derived from the account's sync key. It only
// ever decrypts the keys record.
func (s *Session) SyncKeyBundle() *crypto.KeyBundle {
	return s.syncBundle
}

// Endpoint addresses the assigned storage node.
func (s *Session) Endpoint() transport.Endpoint {
	return transport.NewEndpoint(s.clusterURL, s.creds.Username())
}

// InfoCollections returns the server's last-modified time for name, in
// milliseconds.
func (s *Session) InfoCollections(name string) (int64, bool) {
	ts, ok := s.info[name]
	return ts, ok
}

// CollectionKeys fails with keys.ErrNoKeysSet until the keys stage has
// installed a keyring.
func (s *Session) CollectionKeys() (*keys.CollectionKeys, error) {
	if s.keys == nil {
		return nil, keys.ErrNoKeysSet
	}
	return s.keys, nil
}

func (s *Session) run(ctx context.Context) (*Result, error) {
	if s.stage != StageUninitialized {
		return nil, &SyncError{Stage: s.stage, Cause: CauseProtocol, Reason: "session already ran"}
	}
	s.started = time.Now()
	ctx, cancel := context.WithTimeoutCause(ctx, s.syncer.deadline, ErrSessionDeadline)
	defer cancel()

	s.logger.Info("sync session started", slog.Int("stages", len(s.seq.names)))
	err := s.runStages(ctx)
	s.persistBackoff(context.WithoutCancel(ctx))
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	res := &Result{
		SessionID:   s.id,
		Collections: s.results,
		Elapsed:     time.Since(s.started),
	}
	s.logger.Info("sync session completed",
		slog.Int("collections", len(res.Collections)),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (s *Session) runStages(ctx context.Context) error {
	name, err := s.seq.Next(StageUninitialized)
	for err == nil {
		s.stage = name
		var stage Stage
		if stage, err = s.syncer.stageFor(name); err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		s.logger.Debug("executing stage", slog.String("stage", string(name)))
		if err = stage.Execute(ctx, s); err != nil {
			return err
		}
		if name == StageCompleted {
			return nil
		}
		name, err = s.seq.Next(name)
	}
	return err
}

// fail turns a stage error into the session's single *SyncError and drops
// persisted keys when they are the problem.
func (s *Session) fail(ctx context.Context, err error) *SyncError {
	if cause := context.Cause(ctx); errors.Is(cause, ErrSessionDeadline) && !errors.Is(err, ErrSessionDeadline) {
		err = fmt.Errorf("%w: %w", ErrSessionDeadline, err)
	}

	out := &SyncError{Stage: s.stage, Cause: classify(err), Err: err}
	if se, ok := errors.AsType[*SyncError](err); ok {
		out.Reason, out.Err = se.Reason, se.Err
		if se.Stage != "" {
			out.Stage = se.Stage
		}
	}
	if out.Reason == "" {
		out.Reason = defaultReason(out.Cause)
	}

	if out.Cause == CauseKeyRefetch {
		if err := s.State().ClearKeys(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("clearing persisted keys", slog.Any("error", err))
		}
	}
	s.logger.Warn("sync session failed",
		slog.String("stage", string(out.Stage)),
		slog.String("cause", out.Cause.String()),
		slog.String("reason", out.Reason),
		slog.Any("error", out.Err))
	return out
}

func defaultReason(c Cause) string {
	switch c {
	case CauseReauthenticate:
		return "server rejected the account credentials"
	case CauseKeyRefetch:
		return "key material is missing or does not match the sync key"
	case CauseTransient:
		return "temporary failure"
	case CauseCanceled:
		return "sync canceled"
	default:
		return "unexpected server response"
	}
}

func (s *Session) persistBackoff(ctx context.Context) {
	d := s.client.backoff()
	if d <= 0 {
		return
	}
	until := s.Now().Add(d)
	s.logger.Warn("server requested backoff", slog.Duration("backoff", d), slog.Time("until", until))
	if err := s.State().SetBackoffUntil(ctx, until); err != nil {
		s.logger.Error("persisting backoff", slog.Any("error", err))
	}
}

// observingClient remembers the longest backoff any response asked for.
type observingClient struct {
	transport.Client

	mu  sync.Mutex
	max time.Duration
}

func (c *observingClient) observe(resp *transport.Response, err error) (*transport.Response, error) {
	var d time.Duration
	if resp != nil {
		d = resp.Backoff()
	}
	if he, ok := errors.AsType[*transport.HTTPError](err); ok {
		d = max(d, he.Backoff)
	}
	if d > 0 {
		c.mu.Lock()
		c.max = max(c.max, d)
		c.mu.Unlock()
	}
	return resp, err
}

func (c *observingClient) backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func (c *observingClient) Get(ctx context.Context, url string, header http.Header) (*transport.Response, error) {
	return c.observe(c.Client.Get(ctx, url, header))
}

func (c *observingClient) Put(ctx context.Context, url string, body []byte, header http.Header) (*transport.Response, error) {
	return c.observe(c.Client.Put(ctx, url, body, header))
}

func (c *observingClient) Post(ctx context.Context, url string, body []byte, header http.Header) (*transport.Response, error) {
	return c.observe(c.Client.Post(ctx, url, body, header))
}

func (c *observingClient) Delete(ctx context.Context, url string, header http.Header) (*transport.Response, error) {
	return c.observe(c.Client.Delete(ctx, url, header))
}
