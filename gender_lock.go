package syncq

import (
	"math/bits"

	"github.com/llxisdsh/pb"
)

// GenderLock is a RoomSynchronizer whose rooms may each carry an
// exit handler: an action run exactly when the room's hold count
// drops back to zero, on the goroutine performing the final unlock,
// after the compare-and-swap that cleared the state. A handler
// panic propagates to that Unlock caller.
type GenderLock[K comparable] struct {
	s        *roomSync
	rooms    pb.MapOf[K, genderHandle]
	handlers pb.MapOf[uint32, func()]
}

// NewGenderLock assigns indices 1..N to the given room keys in
// order.
func NewGenderLock[K comparable](rooms []K) *GenderLock[K] {
	s := &roomSync{}
	s.Init(s, nil)
	g := &GenderLock[K]{s: s}
	n := uint32(1)
	for _, room := range rooms {
		h := genderHandle{
			roomHandle: roomHandle{q: &s.QueueSync, index: bits.Reverse32(n)},
			handlers:   &g.handlers,
		}
		g.rooms.Store(room, h)
		n++
	}
	s.mask = roomIndexMask(n - 1)
	return g
}

// LockFor returns the lock associated with the given room. It
// panics with ErrUnknownRoom for keys not passed at construction.
func (g *GenderLock[K]) LockFor(room K) Lock {
	h, ok := g.rooms.Load(room)
	if !ok {
		panic(ErrUnknownRoom)
	}
	return h
}

// SetExitHandler associates handler with the given room, replacing
// any previous registration. A nil handler clears it.
func (g *GenderLock[K]) SetExitHandler(room K, handler func()) {
	h, ok := g.rooms.Load(room)
	if !ok {
		panic(ErrUnknownRoom)
	}
	if handler == nil {
		g.handlers.Delete(h.index)
		return
	}
	g.handlers.Store(h.index, handler)
}

// genderHandle is a room handle whose final release runs the room's
// exit handler.
type genderHandle struct {
	roomHandle
	handlers *pb.MapOf[uint32, func()]
}

func (h genderHandle) Unlock() {
	if h.q.ReleaseShared(h.index) {
		if handler, ok := h.handlers.Load(h.index); ok {
			handler()
		}
	}
}
