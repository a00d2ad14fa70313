package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsync/account"
	"github.com/jmcleod/ironsync/api"
	"github.com/jmcleod/ironsync/channel"
	"github.com/jmcleod/ironsync/crypto"
	"github.com/jmcleod/ironsync/keys"
	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository"
	"github.com/jmcleod/ironsync/state"
	"github.com/jmcleod/ironsync/storage"
	"github.com/jmcleod/ironsync/storage/memory"
	"github.com/jmcleod/ironsync/transport"
)

const testPassword = "correct horse"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	a := api.New(memory.New(), api.WithAuthenticator(func(_, pass string) bool { return pass == testPassword }))
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return srv
}

// countingClient counts requests per method and path.
type countingClient struct {
	transport.Client

	mu     sync.Mutex
	counts map[string]int
	hook   func(url string, resp *transport.Response)
}

func (c *countingClient) count(method, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	i := strings.Index(url, "/1.1/")
	if i < 0 {
		i = 0
	}
	c.counts[method+" "+strings.SplitN(url[i:], "?", 2)[0]]++
}

func (c *countingClient) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func (c *countingClient) Get(ctx context.Context, url string, header http.Header) (*transport.Response, error) {
	c.count(http.MethodGet, url)
	resp, err := c.Client.Get(ctx, url, header)
	if c.hook != nil && resp != nil {
		c.hook(url, resp)
	}
	return resp, err
}

type client struct {
	syncer *Syncer
	state  *state.State
	local  storage.Store
	http   *countingClient
}

func newClient(t *testing.T, serverURL, password, syncKey string, opts ...Option) *client {
	t.Helper()
	creds, err := account.NewCredentials("alice", password, syncKey, serverURL)
	require.NoError(t, err)
	t.Cleanup(creds.Destroy)

	st, err := state.Open(t.Context(), state.NewMemoryBackend(), "alice")
	require.NoError(t, err)

	hc := &countingClient{Client: transport.NewHTTPClient(transport.WithAuthenticator(creds))}
	local := memory.New()
	opts = append([]Option{
		WithCollection("tabs", repository.NewStoreRepository(local, "tabs", record.BasicFactory{}), record.BasicFactory{}),
		WithIdleTimeout(10 * time.Millisecond),
	}, opts...)
	return &client{
		syncer: New(account.NewStaticStore(creds), hc, st, opts...),
		state:  st,
		local:  local,
		http:   hc,
	}
}

func putLocal(t *testing.T, s storage.Store, guid string, fields map[string]any) {
	t.Helper()
	payload, err := record.EncodeCleartext(guid, fields)
	require.NoError(t, err)
	require.NoError(t, s.Put(t.Context(), "tabs", &storage.Item{GUID: guid, Modified: record.NowMillis(), Payload: payload}))
}

func syncErr(t *testing.T, err error) *SyncError {
	t.Helper()
	require.Error(t, err)
	se, ok := errors.AsType[*SyncError](err)
	require.True(t, ok, "want *SyncError, got %T: %v", err, err)
	return se
}

func TestSyncBetweenTwoClients(t *testing.T) {
	srv := newServer(t)
	syncKey, err := crypto.GenerateSyncKey()
	require.NoError(t, err)

	a := newClient(t, srv.URL, testPassword, syncKey)
	b := newClient(t, srv.URL, testPassword, syncKey)

	for i := range 3 {
		putLocal(t, a.local, fmt.Sprintf("tab%09d", i), map[string]any{"title": fmt.Sprintf("Tab %d", i)})
	}

	res, err := a.syncer.Sync(t.Context())
	require.NoError(t, err)
	require.Len(t, res.Collections, 1)
	assert.Equal(t, "tabs", res.Collections[0].Name)
	assert.Equal(t, int64(3), res.Collections[0].Uploaded)
	assert.True(t, res.Collections[0].DownloadSkipped)
	assert.NotEmpty(t, res.SessionID)

	w, _ := a.state.Keys()
	require.NotNil(t, w, "fresh start persists the uploaded keys")
	assert.Equal(t, srv.URL+"/", a.state.ClusterURL())

	res, err = b.syncer.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Collections[0].Downloaded)
	assert.Zero(t, res.Collections[0].DownloadFailures)

	for i := range 3 {
		guid := fmt.Sprintf("tab%09d", i)
		want, err := a.local.Get(t.Context(), "tabs", guid)
		require.NoError(t, err)
		got, err := b.local.Get(t.Context(), "tabs", guid)
		require.NoError(t, err)
		assert.JSONEq(t, string(want.Payload), string(got.Payload))
	}

	// B's keys are now persisted and unchanged on the server.
	before := b.http.get("GET /1.1/alice/storage/crypto/keys")
	_, err = b.syncer.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, before, b.http.get("GET /1.1/alice/storage/crypto/keys"))

	// A change made on B reaches A. Local timestamps have 10ms resolution.
	time.Sleep(20 * time.Millisecond)
	putLocal(t, b.local, "tab000000001", map[string]any{"title": "Renamed"})
	_, err = b.syncer.Sync(t.Context())
	require.NoError(t, err)
	_, err = a.syncer.Sync(t.Context())
	require.NoError(t, err)
	item, err := a.local.Get(t.Context(), "tabs", "tab000000001")
	require.NoError(t, err)
	assert.Contains(t, string(item.Payload), "Renamed")
}

func TestSyncWrongSyncKey(t *testing.T) {
	srv := newServer(t)
	key1, err := crypto.GenerateSyncKey()
	require.NoError(t, err)
	key2, err := crypto.GenerateSyncKey()
	require.NoError(t, err)

	_, err = newClient(t, srv.URL, testPassword, key1).syncer.Sync(t.Context())
	require.NoError(t, err)

	c := newClient(t, srv.URL, testPassword, key2)
	_, err = c.syncer.Sync(t.Context())
	se := syncErr(t, err)
	assert.Equal(t, StageEnsureKeys, se.Stage)
	assert.Equal(t, CauseKeyRefetch, se.Cause)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)

	w, _ := c.state.Keys()
	assert.Nil(t, w)
}

// sealedClient builds a client whose state and local records are sealed
// with keys derived from syncKey, over backends shared between calls.
func sealedClient(t *testing.T, serverURL, syncKey string, backend state.Backend, inner storage.Store) (*Syncer, *storage.SealedStore, *state.State) {
	t.Helper()
	creds, err := account.NewCredentials("alice", testPassword, syncKey, serverURL)
	require.NoError(t, err)
	t.Cleanup(creds.Destroy)

	stateKey, err := creds.LocalStateKey()
	require.NoError(t, err)
	st, err := state.Open(t.Context(), backend, "alice", state.WithSealKey(stateKey))
	require.NoError(t, err)

	storeKey, err := creds.LocalStoreKey()
	require.NoError(t, err)
	local, err := storage.NewSealedStore(inner, storeKey)
	require.NoError(t, err)

	s := New(account.NewStaticStore(creds), transport.NewHTTPClient(transport.WithAuthenticator(creds)), st,
		WithCollection("tabs", repository.NewStoreRepository(local, "tabs", record.BasicFactory{}), record.BasicFactory{}),
		WithIdleTimeout(10*time.Millisecond))
	return s, local, st
}

func TestSyncKeyChangeWithSealedState(t *testing.T) {
	ctx := t.Context()
	srv := newServer(t)
	oldKey, err := crypto.GenerateSyncKey()
	require.NoError(t, err)
	newKey, err := crypto.GenerateSyncKey()
	require.NoError(t, err)
	backend := state.NewMemoryBackend()
	inner := memory.New()

	s, local, _ := sealedClient(t, srv.URL, oldKey, backend, inner)
	putLocal(t, local, "tab000000001", map[string]any{"url": "https://go.dev"})
	_, err = s.Sync(ctx)
	require.NoError(t, err)

	// Nothing sealed under the old key opens with the new one.
	s, local, st := sealedClient(t, srv.URL, newKey, backend, inner)
	assert.True(t, st.Rekeyed())
	items, err := local.Since(ctx, "tabs", 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = s.Sync(ctx)
	se := syncErr(t, err)
	assert.Equal(t, StageEnsureKeys, se.Stage)
	assert.Equal(t, CauseKeyRefetch, se.Cause)
	w, _ := st.Keys()
	assert.Nil(t, w)

	// Going back to the old key finds the local records where they were.
	s, local, st = sealedClient(t, srv.URL, oldKey, backend, inner)
	assert.True(t, st.Rekeyed())
	_, err = local.Get(ctx, "tabs", "tab000000001")
	require.NoError(t, err)
	_, err = s.Sync(ctx)
	require.NoError(t, err)
	w, _ = st.Keys()
	assert.NotNil(t, w)
}

func TestSyncUnauthorized(t *testing.T) {
	srv := newServer(t)
	key, err := crypto.GenerateSyncKey()
	require.NoError(t, err)

	_, err = newClient(t, srv.URL, "wrong", key).syncer.Sync(t.Context())
	se := syncErr(t, err)
	assert.Equal(t, StageEnsureClusterURL, se.Stage)
	assert.Equal(t, CauseReauthenticate, se.Cause)
	assert.True(t, transport.IsUnauthorized(err))
}

func TestSyncBackoff(t *testing.T) {
	srv := newServer(t)
	key, err := crypto.GenerateSyncKey()
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := newClient(t, srv.URL, testPassword, key, WithClock(func() time.Time { return now }))
	c.http.hook = func(url string, resp *transport.Response) {
		if strings.HasSuffix(url, "/info/collections") {
			resp.Header.Set(transport.HeaderBackoff, "60")
		}
	}

	_, err = c.syncer.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), c.state.BackoffUntil().UnixMilli())

	_, err = c.syncer.Sync(t.Context())
	se := syncErr(t, err)
	assert.Equal(t, StageCheckPreconditions, se.Stage)
	assert.Equal(t, CauseTransient, se.Cause)
	be, ok := errors.AsType[*BackoffError](err)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), be.Until.UnixMilli())
}

func TestStageOrderAndAbort(t *testing.T) {
	st, err := state.Open(t.Context(), state.NewMemoryBackend(), "x")
	require.NoError(t, err)

	var visited []StageName
	visit := func(name StageName) Stage {
		return StageFunc(func(_ context.Context, s *Session) error {
			assert.Equal(t, name, s.Stage())
			visited = append(visited, name)
			return nil
		})
	}
	seq := NewSequence("tabs", "bookmarks")
	opts := []Option{
		WithCollection("tabs", nil, nil),
		WithCollection("bookmarks", nil, nil),
	}
	for _, name := range seq.Names() {
		opts = append(opts, WithStage(name, visit(name)))
	}

	s := New(nil, nil, st, opts...)
	_, err = s.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, seq.Names(), visited)

	boom := errors.New("boom")
	visited = nil
	s = New(nil, nil, st, append(opts, WithStage(StageFetchInfoCollections, StageFunc(func(context.Context, *Session) error {
		return Abort(CauseProtocol, "bad reply", boom)
	})))...)
	_, err = s.Sync(t.Context())
	se := syncErr(t, err)
	assert.Equal(t, StageFetchInfoCollections, se.Stage)
	assert.Equal(t, CauseProtocol, se.Cause)
	assert.Equal(t, "bad reply", se.Reason)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []StageName{StageCheckPreconditions, StageEnsureClusterURL}, visited)
}

func TestSessionDeadline(t *testing.T) {
	st, err := state.Open(t.Context(), state.NewMemoryBackend(), "x")
	require.NoError(t, err)
	s := New(nil, nil, st,
		WithDeadline(20*time.Millisecond),
		WithStage(StageCheckPreconditions, StageFunc(func(ctx context.Context, _ *Session) error {
			<-ctx.Done()
			return ctx.Err()
		})))

	_, err = s.Sync(t.Context())
	se := syncErr(t, err)
	assert.Equal(t, CauseTransient, se.Cause)
	assert.ErrorIs(t, err, ErrSessionDeadline)
}

func TestSessionCanceled(t *testing.T) {
	st, err := state.Open(t.Context(), state.NewMemoryBackend(), "x")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(t.Context())
	s := New(nil, nil, st, WithStage(StageCheckPreconditions, StageFunc(func(context.Context, *Session) error {
		cancel()
		return nil
	})))

	_, err = s.Sync(ctx)
	se := syncErr(t, err)
	assert.Equal(t, CauseCanceled, se.Cause)
	assert.Equal(t, StageEnsureClusterURL, se.Stage)
}

func TestSessionRunsOnce(t *testing.T) {
	st, err := state.Open(t.Context(), state.NewMemoryBackend(), "x")
	require.NoError(t, err)
	noop := StageFunc(func(context.Context, *Session) error { return nil })
	var opts []Option
	for _, name := range NewSequence().Names() {
		opts = append(opts, WithStage(name, noop))
	}
	sess := New(nil, nil, st, opts...).newSession()
	_, err = sess.run(t.Context())
	require.NoError(t, err)
	_, err = sess.run(t.Context())
	assert.Equal(t, CauseProtocol, syncErr(t, err).Cause)
}

func TestSequence(t *testing.T) {
	seq := NewSequence("tabs")
	want := []StageName{
		StageCheckPreconditions,
		StageEnsureClusterURL,
		StageFetchInfoCollections,
		StageEnsureKeys,
		"sync_tabs",
		StageCompleted,
	}
	assert.Equal(t, want, seq.Names())

	cur := StageUninitialized
	for _, name := range want {
		next, err := seq.Next(cur)
		require.NoError(t, err)
		assert.Equal(t, name, next)
		cur = next
	}

	_, err := seq.Next(StageCompleted)
	nse, ok := errors.AsType[*NoSuchStageError](err)
	require.True(t, ok)
	assert.Equal(t, StageCompleted, nse.Stage)

	_, err = seq.Next("sync_bookmarks")
	assert.Error(t, err)

	c, ok := CollectionStage("tabs").Collection()
	assert.True(t, ok)
	assert.Equal(t, "tabs", c)
	_, ok = StageEnsureKeys.Collection()
	assert.False(t, ok)
}

func TestUnknownStage(t *testing.T) {
	_, err := New(nil, nil, nil).stageFor(CollectionStage("history"))
	_, ok := errors.AsType[*NoSuchStageError](err)
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrUnknownCollection)
	assert.ErrorContains(t, err, "history")
	assert.Equal(t, CauseProtocol, classify(err))

	_, err = New(nil, nil, nil).stageFor("bogus")
	_, ok = errors.AsType[*NoSuchStageError](err)
	assert.True(t, ok)
	assert.NotErrorIs(t, err, ErrUnknownCollection)
}

func TestWithGateNil(t *testing.T) {
	s := New(nil, nil, nil, WithGate(nil))
	require.NotNil(t, s.gate)
	release, err := s.gate.TryAcquire()
	require.NoError(t, err)
	release()

	shared := NewGate()
	assert.Same(t, shared, New(nil, nil, nil, WithGate(shared)).gate)
}

func TestGate(t *testing.T) {
	g := NewGate()
	release, err := g.TryAcquire()
	require.NoError(t, err)

	_, err = g.TryAcquire()
	assert.ErrorIs(t, err, ErrSyncInProgress)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	release2, err := g.TryAcquire()
	require.NoError(t, err)
	release2()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Cause
	}{
		{"Unauthorized", &transport.HTTPError{StatusCode: http.StatusUnauthorized}, CauseReauthenticate},
		{"ServerError", &transport.HTTPError{StatusCode: http.StatusServiceUnavailable}, CauseTransient},
		{"TooManyRequests", &transport.HTTPError{StatusCode: http.StatusTooManyRequests}, CauseTransient},
		{"BadRequest", &transport.HTTPError{StatusCode: http.StatusBadRequest}, CauseProtocol},
		{"Network", fmt.Errorf("%w: dial tcp: refused", transport.ErrTransport), CauseTransient},
		{"HMAC", fmt.Errorf("decrypting: %w", crypto.ErrAuthenticationFailed), CauseKeyRefetch},
		{"Padding", crypto.ErrMalformedCiphertext, CauseKeyRefetch},
		{"NoKeys", keys.ErrNoKeysSet, CauseKeyRefetch},
		{"Canceled", context.Canceled, CauseCanceled},
		{"ChannelAborted", &channel.FlowError{Kind: channel.KindAborted, Err: channel.ErrAborted}, CauseCanceled},
		{"FlowFetch401", &channel.FlowError{Kind: channel.KindFetchFailed, Err: &transport.HTTPError{StatusCode: 401}}, CauseReauthenticate},
		{"Deadline", fmt.Errorf("%w: %w", ErrSessionDeadline, context.DeadlineExceeded), CauseTransient},
		{"NoSuchStage", &NoSuchStageError{Stage: StageCompleted}, CauseProtocol},
		{"Explicit", Abort(CauseKeyRefetch, "x", nil), CauseKeyRefetch},
		{"Other", errors.New("?"), CauseProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestResetChangedCollections(t *testing.T) {
	st, err := state.Open(t.Context(), state.NewMemoryBackend(), "x")
	require.NoError(t, err)
	s := New(nil, nil, st, WithCollection("tabs", nil, nil), WithCollection("bookmarks", nil, nil))
	sess := s.newSession()

	for _, c := range []string{"tabs", "bookmarks"} {
		require.NoError(t, st.SetRemoteTimestamp(t.Context(), c, 500))
	}
	prev, err := keys.Generate()
	require.NoError(t, err)
	kb, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	next := prev.With("bookmarks", kb)

	require.NoError(t, resetChangedCollections(t.Context(), sess, prev, next))
	assert.Equal(t, int64(500), st.RemoteTimestamp("tabs"))
	assert.Zero(t, st.RemoteTimestamp("bookmarks"))
}
