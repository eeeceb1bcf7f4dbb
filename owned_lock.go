package syncq

import (
	"context"
	"sync/atomic"
	"time"
)

// OwnedLock generalizes the owner of a reentrant exclusive lock
// from the calling goroutine to an arbitrary application value:
// LockFor(owner) acquisitions nest, regardless of which goroutine
// or handle performs them, as long as the owner matches. Non-fair,
// interruptible, with condition support.
//
// The state word is the reentrancy depth; the owner identity rides
// inside the substrate request, so there is no ambient owner slot
// to set or clear around calls.
type OwnedLock[T comparable] struct {
	s *ownedSync[T]
}

// NewOwnedLock returns an unlocked OwnedLock.
func NewOwnedLock[T comparable]() *OwnedLock[T] {
	s := &ownedSync[T]{}
	s.Init(nil, s)
	return &OwnedLock[T]{s: s}
}

// LockFor returns an exclusive, reentrant lock handle bound to the
// given owner. Handles sharing an owner are interchangeable.
func (l *OwnedLock[T]) LockFor(owner T) Lock {
	return ownedHandle[T]{s: l.s, owner: owner}
}

// ownedRequest carries the asking owner alongside the acquisition
// or release count.
type ownedRequest[T comparable] struct {
	owner T
	n     uint32
}

type ownedSync[T comparable] struct {
	QueueSync[ownedRequest[T]]
	// Holder of the lock; nil while the state is zero.
	owner atomic.Pointer[T]
}

func (s *ownedSync[T]) TryAcquire(req ownedRequest[T]) bool {
	if s.CompareAndSwapState(0, req.n) {
		owner := req.owner
		s.owner.Store(&owner)
		return true
	}
	if !s.HeldExclusively(req) {
		return false
	}
	for {
		st := s.State()
		if st+req.n < st {
			panic(ErrMaxCount)
		}
		if s.CompareAndSwapState(st, st+req.n) {
			return true
		}
	}
}

func (s *ownedSync[T]) TryRelease(req ownedRequest[T]) bool {
	if !s.HeldExclusively(req) {
		panic(ErrNotHeld)
	}
	for {
		st := s.State()
		if st == req.n {
			// Clear the owner before the state goes free so the
			// next acquirer's owner store cannot be overwritten.
			s.owner.Store(nil)
			s.CompareAndSwapState(st, 0)
			return true
		}
		if s.CompareAndSwapState(st, st-req.n) {
			return false
		}
	}
}

func (s *ownedSync[T]) HeldExclusively(req ownedRequest[T]) bool {
	if s.State() == 0 {
		return false
	}
	owner := s.owner.Load()
	return owner != nil && *owner == req.owner
}

type ownedHandle[T comparable] struct {
	s     *ownedSync[T]
	owner T
}

func (h ownedHandle[T]) req(n uint32) ownedRequest[T] {
	return ownedRequest[T]{owner: h.owner, n: n}
}

func (h ownedHandle[T]) Lock() {
	h.s.AcquireExclusive(h.req(1))
}

func (h ownedHandle[T]) LockContext(ctx context.Context) error {
	return h.s.AcquireExclusiveContext(ctx, h.req(1))
}

func (h ownedHandle[T]) TryLock() bool {
	return h.s.TryAcquireOnce(h.req(1))
}

func (h ownedHandle[T]) TryLockFor(ctx context.Context, timeout time.Duration) (bool, error) {
	return h.s.TryAcquireFor(ctx, h.req(1), timeout)
}

func (h ownedHandle[T]) Unlock() {
	h.s.ReleaseExclusive(h.req(1))
}

// NewCondition returns a condition bound to this handle's owner;
// its operations carry the owner exactly as the lock operations do.
func (h ownedHandle[T]) NewCondition() Condition {
	return newCondition(&h.s.QueueSync, func(saved uint32) ownedRequest[T] {
		return h.req(saved)
	})
}
