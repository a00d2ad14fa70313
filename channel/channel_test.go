package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository"
	"github.com/jmcleod/ironsync/storage"
	"github.com/jmcleod/ironsync/storage/memory"
)

type fakeRepo struct {
	createErr error
	beginErr  error
	fetch     func(ctx context.Context, fn repository.FetchFunc) (int64, error)
	store     func(ctx context.Context, rec record.Record) error
	storeEnd  int64

	mu       sync.Mutex
	sessions []*fakeSession
}

func (r *fakeRepo) CreateSession(context.Context) (repository.Session, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	s := &fakeSession{repo: r}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, nil
}

func (r *fakeRepo) session(t *testing.T) *fakeSession {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.sessions, 1)
	return r.sessions[0]
}

type fakeSession struct {
	repository.Lifecycle
	repo     *fakeRepo
	finished atomic.Bool
	aborted  atomic.Bool
}

func (s *fakeSession) Begin(context.Context) error {
	if s.repo.beginErr != nil {
		return s.repo.beginErr
	}
	return s.Lifecycle.Begin()
}

func (s *fakeSession) FetchSince(ctx context.Context, _ int64, fn repository.FetchFunc) (int64, error) {
	if s.repo.fetch == nil {
		return 0, nil
	}
	return s.repo.fetch(ctx, fn)
}

func (s *fakeSession) Fetch(context.Context, []string, repository.FetchFunc) error { return nil }

func (s *fakeSession) GUIDsSince(context.Context, int64) ([]string, error) { return nil, nil }

func (s *fakeSession) Store(ctx context.Context, rec record.Record) error {
	if s.repo.store == nil {
		return nil
	}
	return s.repo.store(ctx, rec)
}

func (s *fakeSession) StoreDone(context.Context) (int64, error) { return s.repo.storeEnd, nil }

func (s *fakeSession) Finish(context.Context) error {
	s.finished.Store(true)
	return s.End()
}

func (s *fakeSession) Abort(context.Context) error {
	s.aborted.Store(true)
	return s.End()
}

func records(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.NewBasicRecord("tabs", map[string]any{"i": i})
	}
	return out
}

func emitAll(recs []record.Record, end int64) func(context.Context, repository.FetchFunc) (int64, error) {
	return func(_ context.Context, fn repository.FetchFunc) (int64, error) {
		for _, r := range recs {
			if err := fn(r, nil); err != nil {
				return 0, err
			}
		}
		return end, nil
	}
}

func assertFinished(t *testing.T, repos ...*fakeRepo) {
	t.Helper()
	for _, r := range repos {
		s := r.session(t)
		assert.True(t, s.finished.Load(), "session should be finished")
		assert.False(t, s.aborted.Load(), "session should not be aborted")
	}
}

func TestFlowOrdering(t *testing.T) {
	recs := records(200)
	source := &fakeRepo{
		// Deliver from another goroutine, as a streaming transport would.
		fetch: func(ctx context.Context, fn repository.FetchFunc) (int64, error) {
			done := make(chan error, 1)
			go func() {
				_, err := emitAll(recs, 0)(ctx, fn)
				done <- err
			}()
			return 4242, <-done
		},
	}

	var (
		mu       sync.Mutex
		got      []string
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	sink := &fakeRepo{
		storeEnd: 99,
		store: func(_ context.Context, rec record.Record) error {
			if inFlight.Inc() > 1 {
				overlap.Store(true)
			}
			defer inFlight.Dec()
			mu.Lock()
			got = append(got, rec.GUID())
			mu.Unlock()
			return nil
		},
	}

	res, err := New(source, sink).Flow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(4242), res.End)
	assert.Equal(t, int64(99), res.StoreEnd)
	assert.Equal(t, int64(200), res.Fetched)
	assert.Equal(t, int64(200), res.Stored)
	assert.False(t, overlap.Load(), "stores must never overlap")

	want := make([]string, len(recs))
	for i, r := range recs {
		want[i] = r.GUID()
	}
	assert.Equal(t, want, got)
	assertFinished(t, source, sink)
}

func TestAbortDiscardsQueue(t *testing.T) {
	recs := records(10)
	source := &fakeRepo{fetch: emitAll(recs, 1)}

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sink := &fakeRepo{
		store: func(context.Context, record.Record) error {
			if calls.Inc() == 1 {
				close(started)
				<-release
			}
			return nil
		},
	}

	ch := New(source, sink)
	errc := make(chan error, 1)
	go func() {
		_, err := ch.Flow(t.Context())
		errc <- err
	}()

	<-started
	ch.Abort()
	ch.Abort()
	close(release)

	err := <-errc
	require.Error(t, err)
	assert.Equal(t, KindAborted, KindOf(err))
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, int32(1), calls.Load(), "no queued record may be stored after abort")
	assertFinished(t, source, sink)
}

func TestFetchFailureStopsImmediately(t *testing.T) {
	recs := records(5)
	fetchErr := errors.New("connection reset")
	started := make(chan struct{})
	source := &fakeRepo{
		fetch: func(ctx context.Context, fn repository.FetchFunc) (int64, error) {
			if _, err := emitAll(recs, 0)(ctx, fn); err != nil {
				return 0, err
			}
			<-started
			return 0, fetchErr
		},
	}
	var calls atomic.Int32
	sink := &fakeRepo{
		store: func(ctx context.Context, _ record.Record) error {
			if calls.Inc() == 1 {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}

	_, err := New(source, sink).Flow(t.Context())
	require.Error(t, err)
	assert.Equal(t, KindFetchFailed, KindOf(err))
	assert.ErrorIs(t, err, fetchErr)
	assert.Equal(t, int32(1), calls.Load())
	assertFinished(t, source, sink)
}

func TestStoreFailure(t *testing.T) {
	storeErr := errors.New("disk full")
	source := &fakeRepo{fetch: emitAll(records(5), 1)}
	var calls atomic.Int32
	sink := &fakeRepo{
		store: func(context.Context, record.Record) error {
			if calls.Inc() == 2 {
				return storeErr
			}
			return nil
		},
	}

	_, err := New(source, sink).Flow(t.Context())
	require.Error(t, err)
	assert.Equal(t, KindStoreFailed, KindOf(err))
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, int32(2), calls.Load())
	assertFinished(t, source, sink)
}

func TestRecordFailuresDoNotStopFlow(t *testing.T) {
	recs := records(3)
	source := &fakeRepo{
		fetch: func(_ context.Context, fn repository.FetchFunc) (int64, error) {
			assert.NoError(t, fn(recs[0], nil))
			assert.NoError(t, fn(nil, &repository.RecordError{GUID: "broken", Err: errors.New("hmac")}))
			assert.NoError(t, fn(recs[1], nil))
			assert.NoError(t, fn(recs[2], nil))
			return 7, nil
		},
	}
	sink := &fakeRepo{
		store: func(_ context.Context, rec record.Record) error {
			if rec.GUID() == recs[1].GUID() {
				return &repository.RecordError{GUID: rec.GUID(), Err: errors.New("encrypt")}
			}
			return nil
		},
	}

	res, err := New(source, sink).Flow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Fetched)
	assert.Equal(t, int64(1), res.FetchFailures)
	assert.Equal(t, int64(2), res.Stored)
	assert.Equal(t, int64(1), res.StoreFailures)
	assert.Equal(t, int64(7), res.End)
}

func TestBeginFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("Source", func(t *testing.T) {
		source := &fakeRepo{beginErr: boom}
		sink := &fakeRepo{}
		_, err := New(source, sink).Flow(t.Context())
		assert.Equal(t, KindSourceBeginFailed, KindOf(err))
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, sink.sessions)
	})

	t.Run("SourceCreate", func(t *testing.T) {
		_, err := New(&fakeRepo{createErr: boom}, &fakeRepo{}).Flow(t.Context())
		assert.Equal(t, KindSourceBeginFailed, KindOf(err))
	})

	t.Run("Sink", func(t *testing.T) {
		source := &fakeRepo{}
		sink := &fakeRepo{beginErr: boom}
		_, err := New(source, sink).Flow(t.Context())
		assert.Equal(t, KindSinkBeginFailed, KindOf(err))
		assert.True(t, source.session(t).finished.Load(), "begun source must be finished")
	})
}

func TestIdleWait(t *testing.T) {
	recs := records(4)
	source := &fakeRepo{
		fetch: func(_ context.Context, fn repository.FetchFunc) (int64, error) {
			for _, r := range recs {
				time.Sleep(20 * time.Millisecond)
				if err := fn(r, nil); err != nil {
					return 0, err
				}
			}
			return 1, nil
		},
	}
	var stored atomic.Int32
	sink := &fakeRepo{
		store: func(context.Context, record.Record) error {
			stored.Inc()
			return nil
		},
	}

	res, err := New(source, sink, WithIdleTimeout(time.Millisecond)).Flow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Stored)
	assert.Equal(t, int32(4), stored.Load())
}

func TestAbortBeforeFlow(t *testing.T) {
	source := &fakeRepo{}
	ch := New(source, &fakeRepo{})
	ch.Abort()
	_, err := ch.Flow(t.Context())
	assert.Equal(t, KindAborted, KindOf(err))
	assert.Empty(t, source.sessions)

	_, err = ch.Flow(t.Context())
	assert.ErrorIs(t, err, ErrAlreadyFlowed)
}

func TestContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	source := &fakeRepo{
		fetch: func(ctx context.Context, _ repository.FetchFunc) (int64, error) {
			cancel()
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	sink := &fakeRepo{}
	_, err := New(source, sink).Flow(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assertFinished(t, source, sink)
}

func TestFlowBetweenStoreRepositories(t *testing.T) {
	ctx := t.Context()
	src := memory.New()
	for i := range 3 {
		guid := fmt.Sprintf("guid%08d", i)
		payload, err := record.EncodeCleartext(guid, map[string]any{"n": i})
		require.NoError(t, err)
		require.NoError(t, src.Put(ctx, "tabs", &storage.Item{GUID: guid, Modified: int64(100 * (i + 1)), Payload: payload}))
	}
	dst := memory.New()

	res, err := New(
		repository.NewStoreRepository(src, "tabs", record.BasicFactory{}),
		repository.NewStoreRepository(dst, "tabs", record.BasicFactory{}),
		WithSince(100),
	).Flow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Stored)
	assert.Equal(t, int64(300), res.End)

	items, err := dst.Since(ctx, "tabs", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "guid00000001", items[0].GUID)
}

func TestQueue(t *testing.T) {
	q := newRecordQueue()
	recs := records(3)
	for _, r := range recs {
		require.True(t, q.Enqueue(r))
	}
	assert.Equal(t, 3, q.Len())

	got, ok, drained := q.TryDequeue()
	require.True(t, ok)
	assert.False(t, drained)
	assert.Equal(t, recs[0].GUID(), got.GUID())

	q.Close()
	assert.False(t, q.Enqueue(recs[0]))
	got, ok, _ = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, recs[1].GUID(), got.GUID())

	assert.Equal(t, 1, q.Discard())
	_, ok, drained = q.TryDequeue()
	assert.False(t, ok)
	assert.True(t, drained)

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue should signal waiters")
	}
}
