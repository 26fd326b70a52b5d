// Package delivery implements the ordered, cancellable channel that carries
// synthesized audio units from the pipeline to playback.
//
// Units are keyed by (run id, index). The producer may finish synthesis out
// of order; the [Queue] holds early arrivals in a min-heap and hands units to
// the output callback strictly in index order. An index that failed
// synthesis is marked with [Queue.Skip] so delivery continues past it. A
// cancelled run is cleared at once and nothing more is delivered for it.
//
// The queue is bounded: a producer putting a unit that cannot be delivered
// next blocks while the queue is full, which throttles synthesis to the pace
// of playback.
package delivery

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the number of undelivered units held per run before
// producers block.
const DefaultCapacity = 8

var (
	// ErrCancelled is returned by Put for units of a run that was cancelled,
	// has already drained, or was never begun.
	ErrCancelled = errors.New("delivery: run cancelled")

	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("delivery: queue closed")
)

// Unit is one synthesized audio unit.
type Unit struct {
	RunID string
	Index int
	Audio []byte
}

// Stats summarises a drained run.
type Stats struct {
	RunID     string
	Delivered int
	Skipped   int
}

// OutputFunc receives units in order from the dispatch goroutine. ctx is
// cancelled when the unit's run is cancelled; playback should stop promptly
// when that happens. OutputFunc must not call [Queue.Cancel].
type OutputFunc func(ctx context.Context, u Unit)

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithCapacity sets the per-run bound on undelivered units.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// Queue delivers the units of one run at a time. All exported methods are
// safe for concurrent use.
type Queue struct {
	output   OutputFunc
	capacity int

	mu        sync.Mutex
	run       string
	active    bool
	runCtx    context.Context
	runCancel context.CancelFunc
	next      int
	total     int // -1 until Finish
	pending   unitHeap
	skipped   map[int]struct{}
	seq       uint64
	stats     Stats
	space     chan struct{} // closed and replaced whenever room may have opened
	onDrained func(Stats)

	// deliverMu is held for the duration of every output call so that Cancel
	// can wait for an in-flight unit to finish.
	deliverMu sync.Mutex

	notify chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a Queue that hands units to output. The queue starts a
// background dispatch goroutine immediately; call [Queue.Close] to stop it.
func New(output OutputFunc, opts ...Option) *Queue {
	q := &Queue{
		output:   output,
		capacity: DefaultCapacity,
		total:    -1,
		space:    make(chan struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// OnDrained registers the callback invoked once per run after its last unit
// has been delivered or skipped. Only one handler is active at a time. The
// handler runs on the dispatch goroutine and must not block.
func (q *Queue) OnDrained(fn func(Stats)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrained = fn
}

// Begin starts accepting units for runID. A previous run that is still
// active is cancelled first.
func (q *Queue) Begin(runID string) {
	q.mu.Lock()
	if q.active {
		q.abortLocked()
	}
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.run = runID
	q.active = true
	q.runCtx, q.runCancel = context.WithCancel(context.Background())
	q.next = 0
	q.total = -1
	q.skipped = make(map[int]struct{})
	q.stats = Stats{RunID: runID}
	q.mu.Unlock()
}

// Put enqueues the audio for index. It blocks while the queue is full and
// the unit is not the next one due. Units for indices that were already
// delivered or skipped are ignored.
func (q *Queue) Put(ctx context.Context, runID string, index int, audio []byte) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if !q.active || q.run != runID {
			q.mu.Unlock()
			return ErrCancelled
		}
		if index < q.next {
			q.mu.Unlock()
			return nil
		}
		if index == q.next || q.pending.Len() < q.capacity {
			break
		}
		wait := q.space
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrClosed
		case <-wait:
		}
		q.mu.Lock()
	}

	q.seq++
	heap.Push(&q.pending, entry{unit: Unit{RunID: runID, Index: index, Audio: audio}, seq: q.seq})
	q.mu.Unlock()
	q.wake()
	return nil
}

// Skip marks index as failed so delivery continues with the next index.
func (q *Queue) Skip(runID string, index int) {
	q.mu.Lock()
	if q.active && q.run == runID && index >= q.next {
		q.skipped[index] = struct{}{}
	}
	q.mu.Unlock()
	q.wake()
}

// Finish declares that the run has exactly total units. The drained callback
// fires once all of them were delivered or skipped.
func (q *Queue) Finish(runID string, total int) {
	q.mu.Lock()
	if q.active && q.run == runID {
		q.total = total
	}
	q.mu.Unlock()
	q.wake()
}

// Cancel clears all undelivered units of runID, cancels the context of an
// in-flight output call and waits for that call to return. After Cancel
// returns no unit of runID is delivered. It reports whether the run was
// active; cancelling an unknown or finished run is a no-op.
func (q *Queue) Cancel(runID string) bool {
	q.mu.Lock()
	if !q.active || q.run != runID {
		q.mu.Unlock()
		return false
	}
	q.abortLocked()
	q.mu.Unlock()

	// Wait for an in-flight output call to return.
	q.deliverMu.Lock()
	q.deliverMu.Unlock() //nolint:staticcheck // SA2001: empty critical section is a barrier

	return true
}

// Active returns the id of the run currently accepting units, or "".
func (q *Queue) Active() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active {
		return ""
	}
	return q.run
}

// Close stops the dispatch goroutine and drops everything queued. Close is
// idempotent: subsequent calls are no-ops and return nil.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.active {
		q.abortLocked()
	}
	q.mu.Unlock()

	close(q.done)
	return nil
}

// abortLocked deactivates the current run. Must be called with q.mu held.
func (q *Queue) abortLocked() {
	q.active = false
	if q.runCancel != nil {
		q.runCancel()
	}
	q.pending = q.pending[:0]
	q.skipped = nil
	q.broadcastSpaceLocked()
}

func (q *Queue) broadcastSpaceLocked() {
	close(q.space)
	q.space = make(chan struct{})
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dispatch is the background goroutine that moves units from the heap to the
// output callback. It runs until Close.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			u, ctx, drained, handler, ok := q.dequeue()
			if handler != nil {
				handler(drained)
			}
			if !ok {
				break
			}
			q.deliver(ctx, u)
		}
	}
}

// dequeue returns the next due unit. When the run has just drained it
// returns the stats and the handler to call instead.
func (q *Queue) dequeue() (u Unit, ctx context.Context, drained Stats, handler func(Stats), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.active {
		if _, skip := q.skipped[q.next]; skip {
			delete(q.skipped, q.next)
			q.next++
			q.stats.Skipped++
			continue
		}
		top, has := q.pending.peek()
		if has && top.unit.Index < q.next {
			heap.Pop(&q.pending) // duplicate
			continue
		}
		if has && top.unit.Index == q.next {
			heap.Pop(&q.pending)
			q.next++
			q.broadcastSpaceLocked()
			return top.unit, q.runCtx, Stats{}, nil, true
		}
		if q.total >= 0 && q.next >= q.total {
			q.active = false
			q.runCancel()
			return Unit{}, nil, q.stats, q.onDrained, false
		}
		break
	}
	return Unit{}, nil, Stats{}, nil, false
}

// deliver hands u to the output callback unless its run was cancelled after
// it was dequeued.
func (q *Queue) deliver(ctx context.Context, u Unit) {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	q.mu.Lock()
	live := q.active && q.run == u.RunID && ctx.Err() == nil
	q.mu.Unlock()
	if !live {
		return
	}

	q.output(ctx, u)

	q.mu.Lock()
	if q.run == u.RunID {
		q.stats.Delivered++
	}
	q.mu.Unlock()
}
