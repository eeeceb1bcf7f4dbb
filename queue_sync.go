package syncq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncq-dev/syncq/internal/opt"
)

// SharedOps supplies the shared-mode transition predicates of a
// synchronizer built on QueueSync. The predicates are invoked by
// the substrate; they must mutate state only through the owning
// QueueSync's CompareAndSwapState.
type SharedOps[R any] interface {
	// TryAcquireShared attempts one non-blocking acquisition.
	// Negative means the caller must wait; zero means acquired;
	// positive means acquired and downstream waiters may also
	// succeed (the substrate propagates the wakeup).
	TryAcquireShared(req R) int

	// TryReleaseShared attempts one release. True means the state
	// returned to fully free, which wakes queued contenders.
	TryReleaseShared(req R) bool
}

// ExclusiveOps supplies the exclusive-mode predicates. The same
// signaling convention applies: TryRelease returns true only when
// the state is fully released.
type ExclusiveOps[R any] interface {
	TryAcquire(req R) bool
	TryRelease(req R) bool

	// HeldExclusively reports whether the principal identified by
	// req holds the synchronizer exclusively. Conditions use it to
	// reject operations by non-holders.
	HeldExclusively(req R) bool
}

// waiter is one parked acquirer in the wait queue. wake carries at
// most one pending signal; notified mirrors it under the queue lock
// so a cancelled waiter can pass an unconsumed signal to its
// successor.
type waiter struct {
	prev, next *waiter
	wake       chan struct{}
	notified   bool
}

// QueueSync is the queue-based synchronizer substrate: a single
// 32-bit state word mutated only by compare-and-swap, and a FIFO
// queue of blocked acquirers. The meaning of "acquire" is supplied
// by the SharedOps/ExclusiveOps predicates of the embedding
// primitive; the substrate only queues contenders and wakes them.
//
// The substrate is non-fair. A releaser wakes the queue head after
// the state-clearing CAS, but an unqueued contender may barge in
// before the woken waiter re-runs its predicate, so every wakeup
// revalidates.
type QueueSync[R any] struct {
	_     noCopy
	state atomic.Uint32
	// Keep the CAS-contended word off the cache line of the queue
	// lock.
	_ [(opt.CacheLineSize_ - 4%opt.CacheLineSize_) % opt.CacheLineSize_]byte

	shared SharedOps[R]
	excl   ExclusiveOps[R]

	qmu        sync.Mutex
	head, tail *waiter
}

// Init supplies the transition predicates. Either argument may be
// nil when the embedding primitive does not use that path.
func (q *QueueSync[R]) Init(shared SharedOps[R], excl ExclusiveOps[R]) {
	q.shared = shared
	q.excl = excl
}

// State returns the current value of the state word.
func (q *QueueSync[R]) State() uint32 {
	return q.state.Load()
}

// CompareAndSwapState is the only mutation path for the state word.
func (q *QueueSync[R]) CompareAndSwapState(old, new uint32) bool {
	return q.state.CompareAndSwap(old, new)
}

// AcquireShared blocks, uninterruptibly, until the shared predicate
// succeeds.
func (q *QueueSync[R]) AcquireShared(req R) {
	q.acquire(context.Background(), q.sharedTry(req), nil)
}

// AcquireSharedContext blocks until the shared predicate succeeds
// or ctx is cancelled, in which case it returns ctx.Err() with the
// state untouched.
func (q *QueueSync[R]) AcquireSharedContext(ctx context.Context, req R) error {
	_, err := q.acquire(ctx, q.sharedTry(req), nil)
	return err
}

// TryAcquireSharedOnce runs the shared predicate once and never
// suspends.
func (q *QueueSync[R]) TryAcquireSharedOnce(req R) bool {
	return q.shared.TryAcquireShared(req) >= 0
}

// TryAcquireSharedFor blocks for at most timeout. It returns
// (false, nil) when the timeout elapses and (false, ctx.Err()) on
// cancellation.
func (q *QueueSync[R]) TryAcquireSharedFor(ctx context.Context, req R, timeout time.Duration) (bool, error) {
	return q.acquireTimed(ctx, q.sharedTry(req), timeout)
}

// ReleaseShared runs the shared release predicate and reports
// whether the state is now fully released; if so, queued contenders
// are woken.
func (q *QueueSync[R]) ReleaseShared(req R) bool {
	if q.shared.TryReleaseShared(req) {
		q.signalNext()
		return true
	}
	return false
}

// AcquireExclusive blocks, uninterruptibly, until the exclusive
// predicate succeeds.
func (q *QueueSync[R]) AcquireExclusive(req R) {
	q.acquire(context.Background(), q.exclTry(req), nil)
}

// AcquireExclusiveContext is the cancellable form of
// AcquireExclusive.
func (q *QueueSync[R]) AcquireExclusiveContext(ctx context.Context, req R) error {
	_, err := q.acquire(ctx, q.exclTry(req), nil)
	return err
}

// TryAcquireOnce runs the exclusive predicate once and never
// suspends.
func (q *QueueSync[R]) TryAcquireOnce(req R) bool {
	return q.excl.TryAcquire(req)
}

// TryAcquireFor is the bounded form of AcquireExclusive.
func (q *QueueSync[R]) TryAcquireFor(ctx context.Context, req R, timeout time.Duration) (bool, error) {
	return q.acquireTimed(ctx, q.exclTry(req), timeout)
}

// ReleaseExclusive runs the exclusive release predicate and reports
// whether the state is now fully released; if so, queued contenders
// are woken.
func (q *QueueSync[R]) ReleaseExclusive(req R) bool {
	if q.excl.TryRelease(req) {
		q.signalNext()
		return true
	}
	return false
}

// sharedTry adapts the shared predicate to (acquired, propagate).
func (q *QueueSync[R]) sharedTry(req R) func() (bool, bool) {
	return func() (bool, bool) {
		r := q.shared.TryAcquireShared(req)
		return r >= 0, r > 0
	}
}

func (q *QueueSync[R]) exclTry(req R) func() (bool, bool) {
	return func() (bool, bool) {
		return q.excl.TryAcquire(req), false
	}
}

func (q *QueueSync[R]) acquireTimed(ctx context.Context, try func() (bool, bool), timeout time.Duration) (bool, error) {
	if ok, _ := try(); ok {
		return true, nil
	}
	if timeout <= 0 {
		return false, ctx.Err()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return q.acquire(ctx, try, timer.C)
}

// acquire is the blocking core shared by every acquisition variant.
// A nil expired channel means no timeout. The waiter stays queued
// across failed revalidations; it leaves the queue on success,
// cancellation, or timeout.
func (q *QueueSync[R]) acquire(ctx context.Context, try func() (bool, bool), expired <-chan time.Time) (bool, error) {
	if ok, _ := try(); ok {
		return true, nil
	}
	w := q.enqueue()
	for {
		// Revalidate before parking: a release that ran between the
		// failed attempt and the enqueue has already signalled the
		// queue head, which may not be us.
		if ok, propagate := try(); ok {
			q.dequeue(w, propagate)
			return true, nil
		}
		select {
		case <-w.wake:
			q.consume(w)
		case <-ctx.Done():
			q.abandon(w)
			return false, ctx.Err()
		case <-expired:
			q.abandon(w)
			return false, nil
		}
	}
}

func (q *QueueSync[R]) enqueue() *waiter {
	w := &waiter{wake: make(chan struct{}, 1)}
	q.qmu.Lock()
	if q.tail == nil {
		q.head = w
	} else {
		w.prev = q.tail
		q.tail.next = w
	}
	q.tail = w
	q.qmu.Unlock()
	return w
}

// dequeue removes a waiter that acquired; propagate forwards a
// shared wakeup to the next waiter.
func (q *QueueSync[R]) dequeue(w *waiter, propagate bool) {
	q.qmu.Lock()
	q.unlink(w)
	if propagate {
		q.signalLocked()
	}
	q.qmu.Unlock()
}

// consume marks a delivered signal as used so later releases will
// signal this waiter again.
func (q *QueueSync[R]) consume(w *waiter) {
	q.qmu.Lock()
	w.notified = false
	q.qmu.Unlock()
}

// abandon removes a cancelled or timed-out waiter. A signal that
// was delivered but never consumed is passed to the next waiter so
// the wakeup is not lost.
func (q *QueueSync[R]) abandon(w *waiter) {
	q.qmu.Lock()
	pass := w.notified
	q.unlink(w)
	if pass {
		q.signalLocked()
	}
	q.qmu.Unlock()
}

func (q *QueueSync[R]) unlink(w *waiter) {
	if w.prev == nil {
		q.head = w.next
	} else {
		w.prev.next = w.next
	}
	if w.next == nil {
		q.tail = w.prev
	} else {
		w.next.prev = w.prev
	}
	w.prev, w.next = nil, nil
}

func (q *QueueSync[R]) signalNext() {
	q.qmu.Lock()
	q.signalLocked()
	q.qmu.Unlock()
}

// signalLocked wakes the queue head. At most one signal is
// outstanding per waiter; the buffered channel holds it until the
// waiter's next select.
func (q *QueueSync[R]) signalLocked() {
	if w := q.head; w != nil && !w.notified {
		w.notified = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}
