// Package channel moves records from one repository session to another.
//
// A Channel begins a session on its source and its sink, fetches from the
// source into an unbounded queue, and stores from the queue into the sink
// on a single worker goroutine, one record at a time. Fetch completion
// drains the queue before the flow finishes; a fetch or store failure, or
// Abort, discards whatever is still queued.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository"
)

// DefaultIdleTimeout is how long the store worker parks on an empty queue
// before re-checking.
const DefaultIdleTimeout = 5 * time.Second

var errHalted = errors.New("channel: halted")

// Result summarizes a completed flow.
type Result struct {
	// End is the source's high-water mark: pass it as the since of the next
	// flow in the same direction.
	End int64
	// StoreEnd is the newest timestamp the sink assigned.
	StoreEnd      int64
	Fetched       int64
	Stored        int64
	FetchFailures int64
	StoreFailures int64
	Elapsed       time.Duration
}

// Channel is a one-shot pipeline. Create a new Channel for every flow.
type Channel struct {
	source      repository.Repository
	sink        repository.Repository
	since       int64
	idleTimeout time.Duration
	logger      *slog.Logger

	started   atomic.Bool
	aborted   atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelCauseFunc

	fetched       atomic.Int64
	stored        atomic.Int64
	fetchFailures atomic.Int64
	storeFailures atomic.Int64
}

type Option func(*Channel)

// WithSince fetches records modified after ms.
func WithSince(ms int64) Option {
	return func(c *Channel) {
		c.since = ms
	}
}

// WithIdleTimeout sets how long the worker waits on an empty queue between
// checks. Non-positive values are ignored.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New returns a channel from source to sink.
func New(source, sink repository.Repository, opts ...Option) *Channel {
	c := &Channel{
		source:      source,
		sink:        sink,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
		abortCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Abort stops a running flow as soon as the worker and fetch callback
// notice. Records still queued are never stored. Sessions that were begun
// are finished, not aborted. Abort is safe to call any number of times,
// before, during or after Flow.
func (c *Channel) Abort() {
	c.abortOnce.Do(func() {
		c.aborted.Store(true)
		close(c.abortCh)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel(ErrAborted)
		}
	})
}

// Flow runs the pipeline to completion. On failure the error is a
// *FlowError and the Result is nil.
func (c *Channel) Flow(ctx context.Context) (*Result, error) {
	if c.started.Swap(true) {
		return nil, ErrAlreadyFlowed
	}
	start := time.Now()
	finishCtx := context.WithoutCancel(ctx)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if c.aborted.Load() {
		return nil, &FlowError{Kind: KindAborted, Err: ErrAborted}
	}

	src, err := begin(ctx, c.source)
	if err != nil {
		return nil, c.failed(&FlowError{Kind: KindSourceBeginFailed, Err: err})
	}
	sink, err := begin(ctx, c.sink)
	if err != nil {
		c.finish(finishCtx, "source", src)
		return nil, c.failed(&FlowError{Kind: KindSinkBeginFailed, Err: err})
	}

	end, flowErr := c.run(ctx, src, sink)

	var storeEnd int64
	if flowErr == nil {
		if storeEnd, err = sink.StoreDone(ctx); err != nil {
			flowErr = c.classify(KindStoreFailed, err)
		}
	}
	if err := c.finish(finishCtx, "sink", sink); err != nil && flowErr == nil {
		flowErr = &FlowError{Kind: KindFinishFailed, Err: err}
	}
	if err := c.finish(finishCtx, "source", src); err != nil && flowErr == nil {
		flowErr = &FlowError{Kind: KindFinishFailed, Err: err}
	}
	if flowErr != nil {
		return nil, c.failed(flowErr)
	}

	res := &Result{
		End:           end,
		StoreEnd:      storeEnd,
		Fetched:       c.fetched.Load(),
		Stored:        c.stored.Load(),
		FetchFailures: c.fetchFailures.Load(),
		StoreFailures: c.storeFailures.Load(),
		Elapsed:       time.Since(start),
	}
	c.logger.Info("flow completed",
		slog.Int64("fetched", res.Fetched),
		slog.Int64("stored", res.Stored),
		slog.Int64("fetch_failures", res.FetchFailures),
		slog.Int64("store_failures", res.StoreFailures),
		slog.Int64("end", res.End),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

func begin(ctx context.Context, repo repository.Repository) (repository.Session, error) {
	s, err := repo.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Begin(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Channel) finish(ctx context.Context, side string, s repository.Session) error {
	err := s.Finish(ctx)
	if err != nil {
		c.logger.Warn("finishing session", slog.String("side", side), slog.Any("error", err))
	}
	return err
}

func (c *Channel) failed(err error) error {
	c.logger.Warn("flow failed",
		slog.String("kind", KindOf(err).String()),
		slog.Int64("fetched", c.fetched.Load()),
		slog.Int64("stored", c.stored.Load()),
		slog.Any("error", errors.Unwrap(err)))
	return err
}

// classify reports an abort as such, whatever error it surfaced as.
func (c *Channel) classify(kind Kind, err error) *FlowError {
	if c.aborted.Load() {
		return &FlowError{Kind: KindAborted, Err: ErrAborted}
	}
	return &FlowError{Kind: kind, Err: err}
}

func (c *Channel) run(ctx context.Context, src, sink repository.Session) (int64, error) {
	q := newRecordQueue()
	var halt atomic.Bool
	stopNow := func() {
		if !halt.Swap(true) {
			if n := q.Discard(); n > 0 {
				c.logger.Debug("discarded queued records", slog.Int("records", n))
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.consume(gctx, q, sink, &halt, stopNow)
	})

	var end int64
	g.Go(func() error {
		var err error
		end, err = src.FetchSince(gctx, c.since, func(rec record.Record, err error) error {
			if halt.Load() || c.aborted.Load() {
				return errHalted
			}
			if err != nil {
				c.fetchFailures.Inc()
				c.logger.Warn("fetched record failed", slog.Any("error", err))
				return nil
			}
			c.fetched.Inc()
			q.Enqueue(rec)
			return nil
		})
		if err != nil {
			if halt.Load() && !c.aborted.Load() {
				// The worker stopped the flow and reports why.
				return nil
			}
			stopNow()
			return c.classify(KindFetchFailed, err)
		}
		q.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if c.aborted.Load() {
		return 0, &FlowError{Kind: KindAborted, Err: ErrAborted}
	}
	return end, nil
}

// consume stores records one at a time until the queue is drained or the
// flow is halted.
func (c *Channel) consume(ctx context.Context, q *recordQueue, sink repository.Session, halt *atomic.Bool, stopNow func()) error {
	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	for {
		if c.aborted.Load() {
			stopNow()
			return &FlowError{Kind: KindAborted, Err: ErrAborted}
		}
		if halt.Load() {
			return nil
		}

		rec, ok, drained := q.TryDequeue()
		if ok {
			if err := sink.Store(ctx, rec); err != nil {
				var re *repository.RecordError
				if errors.As(err, &re) && !c.aborted.Load() {
					c.storeFailures.Inc()
					c.logger.Warn("storing record failed", slog.String("guid", re.GUID), slog.Any("error", re.Err))
					continue
				}
				stopNow()
				return c.classify(KindStoreFailed, err)
			}
			c.stored.Inc()
			continue
		}
		if drained {
			return nil
		}

		idle.Reset(c.idleTimeout)
		select {
		case <-ctx.Done():
			stopNow()
			return c.classify(KindFetchFailed, context.Cause(ctx))
		case <-c.abortCh:
		case <-q.Wait():
		case <-idle.C:
			c.logger.Debug("store worker idle", slog.Int("queued", q.Len()))
		}
	}
}
