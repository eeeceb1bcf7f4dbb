package syncq

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestOwnedLock_ReentrantSameOwner(t *testing.T) {
	type session struct{ id int }
	l := NewOwnedLock[*session]()
	o1 := &session{1}
	o2 := &session{2}

	l.LockFor(o1).Lock()
	l.LockFor(o1).Lock() // same owner, different handle: nests
	if got := l.s.State(); got != 2 {
		t.Fatalf("depth = %d, want 2", got)
	}

	// Same goroutine, different owner: must fail.
	if l.LockFor(o2).TryLock() {
		t.Fatal("different owner acquired on the holding goroutine")
	}

	l.LockFor(o1).Unlock()
	l.LockFor(o1).Unlock()
	if got := l.s.State(); got != 0 {
		t.Fatalf("depth = %d after releases, want 0", got)
	}
	if l.s.owner.Load() != nil {
		t.Fatal("owner not cleared at full release")
	}

	if !l.LockFor(o2).TryLock() {
		t.Fatal("free lock refused a new owner")
	}
	l.LockFor(o2).Unlock()
}

func TestOwnedLock_OwnerAcrossGoroutines(t *testing.T) {
	// The owner, not the goroutine, is the principal: a second
	// goroutine with the same owner nests into the held lock.
	l := NewOwnedLock[string]()
	l.LockFor("tx-17").Lock()

	done := make(chan bool)
	go func() {
		done <- l.LockFor("tx-17").TryLock()
	}()
	if !<-done {
		t.Fatal("same owner refused from another goroutine")
	}

	l.LockFor("tx-17").Unlock()
	l.LockFor("tx-17").Unlock()
}

func TestOwnedLock_UnlockWrongOwner(t *testing.T) {
	l := NewOwnedLock[string]()
	l.LockFor("a").Lock()
	defer l.LockFor("a").Unlock()

	defer func() {
		if recover() != ErrNotHeld {
			t.Error("expected ErrNotHeld panic")
		}
	}()
	l.LockFor("b").Unlock()
}

func TestOwnedLock_BlockingHandoff(t *testing.T) {
	l := NewOwnedLock[string]()
	l.LockFor("a").Lock()

	acquired := make(chan struct{})
	go func() {
		l.LockFor("b").Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("owner b acquired while a held")
	case <-time.After(10 * time.Millisecond):
	}

	l.LockFor("a").Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("owner b never acquired")
	}
	l.LockFor("b").Unlock()
}

func TestOwnedLock_ContextCancel(t *testing.T) {
	l := NewOwnedLock[int]()
	l.LockFor(1).Lock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.LockFor(2).LockContext(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := l.s.State(); got != 1 {
		t.Fatalf("depth = %d after cancelled waiter, want 1", got)
	}
	l.LockFor(1).Unlock()
}

func TestOwnedLock_Condition(t *testing.T) {
	l := NewOwnedLock[string]()
	h := l.LockFor("worker")
	cond := h.NewCondition()

	var ready bool
	woke := make(chan uint32, 1)
	go func() {
		h.Lock()
		h.Lock() // await saves and restores depth 2
		for !ready {
			cond.Wait()
		}
		woke <- l.s.State()
		h.Unlock()
		h.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	other := l.LockFor("signaller")
	other.Lock() // possible only because await fully released

	// A condition is bound to its handle's owner: the signaller's
	// handle must use its own condition, and this one rejects it.
	func() {
		defer func() {
			if recover() != ErrNotHeld {
				t.Error("expected ErrNotHeld for signal by another owner")
			}
		}()
		cond.Signal()
	}()
	other.Unlock()

	h.Lock()
	ready = true
	cond.Signal()
	h.Unlock()

	select {
	case st := <-woke:
		if st != 2 {
			t.Fatalf("restored depth = %d, want 2", st)
		}
	case <-time.After(time.Second):
		t.Fatal("condition waiter never woke")
	}
	if l.s.State() != 0 {
		t.Errorf("depth = %d after drain", l.s.State())
	}
}

func TestOwnedLock_ConditionWaitFor(t *testing.T) {
	l := NewOwnedLock[string]()
	h := l.LockFor("o")
	cond := h.NewCondition()

	h.Lock()
	signaled, err := cond.WaitFor(context.Background(), 20*time.Millisecond)
	if signaled || err != nil {
		t.Fatalf("WaitFor = %v, %v, want timeout", signaled, err)
	}
	// The lock is held again after the timeout.
	if got := l.s.State(); got != 1 {
		t.Fatalf("depth = %d after timed-out wait, want 1", got)
	}
	h.Unlock()
}

func TestOwnedLock_EquivalentHandles(t *testing.T) {
	l := NewOwnedLock[string]()
	var wg sync.WaitGroup
	var counter int

	// Handles minted independently for the same owner guard the
	// same critical section; distinct owners exclude each other.
	wg.Add(2)
	for _, owner := range []string{"a", "b"} {
		go func() {
			defer wg.Done()
			for range 500 {
				h := l.LockFor(owner)
				h.Lock()
				counter++
				h.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 1000 {
		t.Errorf("counter = %d, want 1000 (lost updates)", counter)
	}
}
