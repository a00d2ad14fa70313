package channel

import (
	"sync"

	"github.com/jmcleod/ironsync/record"
)

// recordQueue is an unbounded FIFO between the fetch callback and the store
// worker. Any goroutine may enqueue; one worker dequeues.
//
// Waiting is done on a buffered signal channel so the worker can select on
// it together with cancellation and its idle timer.
type recordQueue struct {
	mu      sync.Mutex
	records []record.Record
	closed  bool
	signal  chan struct{}
}

func newRecordQueue() *recordQueue {
	return &recordQueue{
		records: make([]record.Record, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends rec. It returns false once the queue is closed.
func (q *recordQueue) Enqueue(rec record.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.records = append(q.records, rec)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest record without blocking. drained is true when
// the queue is empty and closed, meaning nothing more will arrive.
func (q *recordQueue) TryDequeue() (rec record.Record, ok, drained bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return nil, false, q.closed
	}
	rec = q.records[0]
	q.records[0] = nil
	if len(q.records) == 1 {
		q.records = q.records[:0]
	} else {
		q.records = q.records[1:]
	}
	return rec, true, false
}

// Wait returns a channel that signals when records may be available.
func (q *recordQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *recordQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Close marks the end of input. Records already queued stay available.
func (q *recordQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Discard drops every queued record and closes the queue. It returns how
// many records were dropped.
func (q *recordQueue) Discard() int {
	q.mu.Lock()
	n := len(q.records)
	clear(q.records)
	q.records = q.records[:0]
	q.mu.Unlock()
	q.Close()
	return n
}
