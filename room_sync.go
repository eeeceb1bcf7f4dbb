package syncq

import (
	"context"
	"math/bits"
	"time"

	"github.com/llxisdsh/pb"
)

// RoomSynchronizer implements room synchronization over a fixed set
// of rooms: each room offers a reentrant shared lock, any number of
// goroutines may occupy one room concurrently, and no two rooms are
// ever occupied at the same time.
//
// There are no guarantees about acquisition order. Conditions are
// not supported.
//
// The state word packs the origin-1 index of the occupied room,
// bit-reversed flush-left, together with a flush-right count of the
// unlocks still needed to empty it. The index mask is fixed at
// construction as the minimum number of leading bits needed to
// represent the highest index.
type RoomSynchronizer[K comparable] struct {
	s     *roomSync
	rooms pb.MapOf[K, roomHandle]
}

// NewRoomSynchronizer assigns indices 1..N to the given room keys
// in order.
func NewRoomSynchronizer[K comparable](rooms []K) *RoomSynchronizer[K] {
	s := &roomSync{}
	s.Init(s, nil)
	r := &RoomSynchronizer[K]{s: s}
	n := uint32(1)
	for _, room := range rooms {
		r.rooms.Store(room, roomHandle{q: &s.QueueSync, index: bits.Reverse32(n)})
		n++
	}
	s.mask = roomIndexMask(n - 1)
	return r
}

// LockFor returns the lock associated with the given room. It
// panics with ErrUnknownRoom for keys not passed at construction.
func (r *RoomSynchronizer[K]) LockFor(room K) Lock {
	h, ok := r.rooms.Load(room)
	if !ok {
		panic(ErrUnknownRoom)
	}
	return h
}

// roomIndexMask returns a mask with ones in the leftmost positions,
// as many bits as needed to represent max.
func roomIndexMask(max uint32) uint32 {
	return bits.Reverse32(highestOneBit(max)<<1 - 1)
}

func highestOneBit(x uint32) uint32 {
	if x == 0 {
		return 0
	}
	return 1 << (31 - bits.LeadingZeros32(x))
}

// roomSync has no exclusive path; handles pass their bit-reversed
// index as the request.
type roomSync struct {
	QueueSync[uint32]
	mask uint32
}

// TryAcquireShared succeeds when the lock is free or already held
// by the requested room. Incrementing the count must not carry into
// the index bits.
func (s *roomSync) TryAcquireShared(index uint32) int {
	for {
		st := s.State()
		if st != 0 && st&s.mask != index {
			return -1
		}
		var ns uint32
		if st == 0 {
			ns = index | 1
		} else {
			ns = st + 1
			if ns&s.mask != index {
				panic(ErrMaxCount)
			}
		}
		if s.CompareAndSwapState(st, ns) {
			return 1
		}
	}
}

// TryReleaseShared decrements the count; when it reaches zero the
// state returns to plain zero, waking contenders of other rooms.
func (s *roomSync) TryReleaseShared(index uint32) bool {
	for {
		st := s.State()
		if st&s.mask != index {
			panic(ErrNotHeld)
		}
		ns := st - 1
		if ns&^s.mask == 0 {
			ns = 0
		}
		if s.CompareAndSwapState(st, ns) {
			return ns == 0
		}
	}
}

// roomHandle is the shared reentrant lock of one room. The index it
// carries is opaque to the handle; the synchronizer's predicates
// give it meaning.
type roomHandle struct {
	q     *QueueSync[uint32]
	index uint32
}

func (h roomHandle) Lock() {
	h.q.AcquireShared(h.index)
}

func (h roomHandle) LockContext(ctx context.Context) error {
	return h.q.AcquireSharedContext(ctx, h.index)
}

func (h roomHandle) TryLock() bool {
	return h.q.TryAcquireSharedOnce(h.index)
}

func (h roomHandle) TryLockFor(ctx context.Context, timeout time.Duration) (bool, error) {
	return h.q.TryAcquireSharedFor(ctx, h.index, timeout)
}

func (h roomHandle) Unlock() {
	h.q.ReleaseShared(h.index)
}

func (h roomHandle) NewCondition() Condition {
	panic(ErrNoCondition)
}
