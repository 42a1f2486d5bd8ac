// Package alock implements an array-based queue lock: a cache-line-padded
// flag array indexed by a monotonically increasing ticket. Each goroutine
// spins on its own slot, so handoff touches only the releasing and the next
// slot's cache lines.
//
// The array-based lock provides several benefits:
//   - Fair FIFO ordering among goroutines that have taken a ticket
//   - Bounded memory usage fixed at construction
//   - Each goroutine spins on its own dedicated flag, reducing contention
//
// A secondary in-use flag per slot detects oversubscription: when more than
// n goroutines hold or wait on the lock at once, tickets wrap around onto an
// occupied slot and the late arrival is refused with ErrSlotsExceeded.
//
// Example usage:
//
//	mu := alock.New(4) // support up to 4 goroutines
//
//	if err := mu.Lock(); err != nil {
//	    // more than 4 concurrent goroutines
//	}
//	// ... critical section ...
//	mu.Unlock()
//
// The lock does not support timeouts; see the clh package for a timed
// variant built on the same slot-pool idea.
package alock

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"
)

// ErrSlotsExceeded reports that more goroutines contended for the lock than
// it has slots. It wraps unix.EBUSY ("device or resource busy") so callers
// can match the kind with errors.Is.
var ErrSlotsExceeded = fmt.Errorf("alock: slots exceeded: %w", unix.EBUSY)

// slot is one cell of the flag array. granted hands the lock to the slot's
// current occupant; inUse marks the slot occupied from grant acceptance
// until the holder of the preceding slot releases and grants it again. Padding keeps each slot on its own cache line so
// a spinning goroutine does not interfere with its neighbors.
type slot struct {
	granted atomic.Bool
	inUse   atomic.Bool
	_       cpu.CacheLinePad
}

// Mutex is an array-based queue lock.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	slots []slot

	// Tracks the last taken ticket. Allowed to exceed the slot count to
	// avoid a CAS loop; reduce modulo len(slots) before indexing.
	tail atomic.Uint64

	// Slot granted exclusive access. Read and written only by the holder.
	active uint64
}

// New creates a Mutex with n slots. n bounds the number of goroutines that
// may concurrently hold or wait on the lock, and must be a power of two so
// tickets reduce to slot indexes with a mask. New panics otherwise.
func New(n uint64) *Mutex {
	if n == 0 || n&(n-1) != 0 {
		panic("alock: number of slots must be a power of 2")
	}

	m := &Mutex{slots: make([]slot, n)}
	m.slots[0].granted.Store(true)

	return m
}

// Lock acquires the mutex, blocking until this goroutine's slot is granted.
// It returns ErrSlotsExceeded when the taken ticket lands on a slot that is
// still occupied, which means more than n goroutines are holding or waiting.
// Detection is best-effort: it happens when the overflowing goroutine
// reaches its slot, not at ticket issue.
func (m *Mutex) Lock() error {
	ticket := m.tail.Add(1) - 1
	s := ticket & uint64(len(m.slots)-1)

	for !m.slots[s].granted.Load() {
		runtime.Gosched()
	}

	if m.slots[s].inUse.Swap(true) {
		return ErrSlotsExceeded
	}

	m.active = s
	return nil
}

// Unlock releases the mutex, granting the next slot in the circular queue.
// It must only be called by the goroutine whose Lock succeeded.
func (m *Mutex) Unlock() {
	s := m.active
	next := (s + 1) & uint64(len(m.slots)-1)

	m.slots[s].granted.Store(false)
	m.slots[next].inUse.Store(false)
	m.slots[next].granted.Store(true)
}
