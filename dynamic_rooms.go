package syncq

import (
	"math/bits"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// Strategy selects how a DynamicRooms synchronizer copes with the
// index mask widening underneath an acquisition when a new room is
// registered concurrently.
type Strategy uint8

const (
	// StrategyConservative reads the mask once per acquisition and
	// re-reads it after a successful compare-and-swap; if the mask
	// changed in between, the acquisition is released under the new
	// mask and retried. Two volatile reads per uncontended
	// acquisition, no matter the contention. The default.
	StrategyConservative Strategy = iota + 1

	// StrategySimple reloads the mask on every loop iteration of
	// acquire and release, with no post-success re-check. Simpler,
	// but may do many reads under heavy contention.
	StrategySimple

	// StrategyDirect is a single-shot attempt under the current
	// mask: it either succeeds immediately or reports failure,
	// leaving retries to the substrate's queueing (or the caller,
	// for TryLock).
	StrategyDirect
)

// DynamicRooms is a RoomSynchronizer whose room set is discovered
// lazily: the first request for a key mints a new room index, and
// the index mask widens as the room count crosses power-of-two
// boundaries. Even under concurrent registration no two rooms are
// ever occupied simultaneously.
type DynamicRooms[K comparable] struct {
	s     *dynSync
	rooms pb.MapOf[K, roomHandle]
}

// NewDynamicRooms returns a DynamicRooms using the given mask
// strategy; zero selects StrategyConservative.
func NewDynamicRooms[K comparable](strategy Strategy) *DynamicRooms[K] {
	if strategy == 0 {
		strategy = StrategyConservative
	}
	s := &dynSync{strategy: strategy}
	s.nrooms.Store(1) // next index to assign
	s.Init(s, nil)
	return &DynamicRooms[K]{s: s}
}

// LockFor returns the lock for the given room key, registering the
// room on first sight.
func (d *DynamicRooms[K]) LockFor(room K) Lock {
	if h, ok := d.rooms.Load(room); ok {
		return h
	}
	h, _ := d.rooms.ProcessEntry(room,
		func(e *pb.EntryOf[K, roomHandle]) (*pb.EntryOf[K, roomHandle], roomHandle, bool) {
			if e != nil {
				return e, e.Value, true
			}
			index := d.s.nrooms.Add(1) - 1
			nh := roomHandle{q: &d.s.QueueSync, index: index}
			return &pb.EntryOf[K, roomHandle]{Value: nh}, nh, false
		},
	)
	return h
}

// dynSync uses the same state layout as roomSync, except that
// handles carry plain indices (the bit reversal happens in the
// combine/extract helpers) and the index mask is recomputed from
// the live room counter instead of being fixed at construction.
type dynSync struct {
	QueueSync[uint32]
	nrooms   atomic.Uint32
	strategy Strategy
}

// indexMask returns a right-aligned mask wide enough for the
// highest index assigned so far.
func (s *dynSync) indexMask() uint32 {
	return highestOneBit(s.nrooms.Load()-1)<<1 - 1
}

func (s *dynSync) TryAcquireShared(index uint32) int {
	switch s.strategy {
	case StrategySimple:
		for {
			mask := s.indexMask()
			st := s.State()
			if !dynCanAcquire(index, st, mask) {
				return -1
			}
			if s.CompareAndSwapState(st, dynAcquiredState(index, st, mask)) {
				return 1
			}
		}
	case StrategyDirect:
		mask := s.indexMask()
		st := s.State()
		if !dynCanAcquire(index, st, mask) {
			return -1
		}
		if s.CompareAndSwapState(st, dynAcquiredState(index, st, mask)) {
			return 1
		}
		return -1
	default: // StrategyConservative
		mask := s.indexMask()
		for {
			st := s.State()
			if !dynCanAcquire(index, st, mask) {
				return -1
			}
			if s.CompareAndSwapState(st, dynAcquiredState(index, st, mask)) {
				omask := mask
				mask = s.indexMask()
				if omask == mask {
					return 1
				}
				// A room was registered during the acquisition and
				// the mask widened; the installed state may encode
				// a stale index. Undo under the new mask and retry.
				for {
					st = s.State()
					ns := dynReleasedState(st, mask)
					if s.CompareAndSwapState(st, ns) {
						break
					}
				}
			}
		}
	}
}

func (s *dynSync) TryReleaseShared(index uint32) bool {
	mask := s.indexMask()
	for {
		if s.strategy == StrategySimple {
			mask = s.indexMask()
		}
		st := s.State()
		if !dynCanRelease(index, st, mask) {
			panic(ErrNotHeld)
		}
		ns := dynReleasedState(st, mask)
		if s.CompareAndSwapState(st, ns) {
			return ns == 0
		}
	}
}

// State 0 is always acquirable; otherwise the extracted index must
// match the acquirer's.
func dynCanAcquire(index, st, mask uint32) bool {
	return st == 0 || dynExtractIndex(st, mask) == index
}

func dynCanRelease(index, st, mask uint32) bool {
	return dynExtractIndex(st, mask) == index
}

func dynAcquiredState(index, st, mask uint32) uint32 {
	if st == 0 {
		return dynCombine(index, 1)
	}
	ns := st + 1
	if dynExtractIndex(ns, mask) != index {
		panic(ErrMaxCount) // count carried into the index bits
	}
	return ns
}

func dynReleasedState(st, mask uint32) uint32 {
	ns := st - 1
	if dynExtractCount(ns, mask) == 0 {
		return 0
	}
	return ns
}

// Count is stored flush-right; the index is stored bit-reversed,
// flush-left, so widening the mask only extends the index region.
func dynCombine(index, count uint32) uint32 {
	return count | bits.Reverse32(index)
}

func dynExtractIndex(st, mask uint32) uint32 {
	return bits.Reverse32(st) & mask
}

func dynExtractCount(st, mask uint32) uint32 {
	return st &^ bits.Reverse32(mask)
}
