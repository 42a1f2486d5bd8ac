// Package clh implements a bounded, fair, timed mutex modeled on the CLH
// queue lock. Unlike a textbook CLH lock, which allocates a queue node per
// acquire, this mutex owns a fixed pool of nodes and recycles them through a
// lock-free free queue, so locking never allocates. Waiters may carry a
// deadline and abandon the wait chain when it expires; successors skip over
// abandoned nodes and recycle them.
//
// The lock provides several guarantees:
//   - Mutual exclusion: at most one goroutine holds the lock at a time
//   - FCFS fairness among goroutines that have successfully enqueued
//   - Bounded memory: n concurrent waiters share a pool of n+2 nodes
//   - No per-acquire allocation
//
// Example usage:
//
//	mu := clh.New(4) // support up to 4 concurrent waiters
//
//	if err := mu.Lock(); err != nil {
//	    // pool exhausted under the Die policy
//	}
//	// ... critical section ...
//	mu.Unlock()
//
//	// Timed acquisition
//	if ok, _ := mu.TryLockFor(100 * time.Millisecond); ok {
//	    // ... critical section ...
//	    mu.Unlock()
//	}
//
// Goroutines racing to enqueue have no guaranteed order; fairness applies
// from the moment a waiter wins the tail swap. The lock spins rather than
// parking, so it is intended for short critical sections with roughly as
// many active goroutines as the pool size.
package clh

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"

	"github.com/ahrav/go-exclusive/clock"
)

// ErrSlotsExceeded reports that more goroutines contended for the lock than
// the node pool supports. It wraps unix.EBUSY ("device or resource busy")
// so callers can match the kind with errors.Is.
var ErrSlotsExceeded = fmt.Errorf("clh: node pool exhausted: %w", unix.EBUSY)

// FailurePolicy selects the behavior when the free queue is empty at
// acquire time.
type FailurePolicy int

const (
	// Retry keeps polling the free queue until a node appears or the
	// deadline passes.
	Retry FailurePolicy = iota

	// Die reports ErrSlotsExceeded as soon as the free queue is observed
	// empty before the deadline.
	Die
)

// Option configures a Mutex.
type Option func(*Mutex)

// WithFailurePolicy sets the behavior when no pool node is available at
// acquire time. The default is Retry.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(m *Mutex) { m.policy = p }
}

// WithClock sets the clock used for deadline checks. The default is the
// system clock. Tests substitute a clock.Fake to drive timeouts
// deterministically.
func WithClock(c clock.Clock) Option {
	return func(m *Mutex) { m.clock = c }
}

// Mutex is a CLH queue lock over a fixed node pool.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	// Pool backing the queue nodes. One extra node seeds the tail and one
	// serves as the free queue sentinel, leaving n nodes for waiters.
	pool []node

	// Free queue of currently unused nodes.
	free freeQueue

	_ cpu.CacheLinePad

	// The most recently enqueued node. Enqueuers swap themselves in and
	// spin on the node they displaced.
	tail atomic.Pointer[node]

	_ cpu.CacheLinePad

	// Node granted exclusive access. Read and written only by the holder.
	active *node

	// Number of successful enqueues since construction.
	queueCount atomic.Uint32

	clock  clock.Clock
	policy FailurePolicy
}

// A time.Time cannot be infinite, so Lock waits against a finite deadline
// far beyond any plausible run and re-issues the acquire if it passes.
const effectivelyForever = 100 * 365 * 24 * time.Hour

// New creates a Mutex supporting n concurrent waiters. It panics if n is
// not positive.
func New(n int, opts ...Option) *Mutex {
	if n <= 0 {
		panic("clh: number of nodes must be greater than 0")
	}

	m := &Mutex{
		pool:  make([]node, n+2),
		clock: clock.System(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.free.init(m.pool)

	// Seed the tail with a released node so the first enqueuer's spin
	// falls through immediately.
	first := m.free.tryPop()
	m.tail.Store(first)

	return m
}

// Lock acquires the mutex, blocking until it is available. Under the Die
// policy it returns ErrSlotsExceeded when the node pool is exhausted.
func (m *Mutex) Lock() error {
	for {
		ok, err := m.TryLockFor(effectivelyForever)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// TryLock attempts to acquire the mutex without blocking. An exhausted node
// pool reads as the lock being unavailable.
func (m *Mutex) TryLock() bool {
	ok, _ := m.TryLockFor(0)
	return ok
}

// TryLockFor attempts to acquire the mutex, giving up once d has elapsed.
// Non-positive durations are legal and still succeed against an
// uncontended mutex.
func (m *Mutex) TryLockFor(d time.Duration) (bool, error) {
	return m.TryLockUntil(m.clock.Now().Add(d))
}

// TryLockUntil attempts to acquire the mutex, giving up once the clock
// reaches deadline. It returns false on timeout; under the Die policy an
// exhausted node pool returns ErrSlotsExceeded instead of waiting.
func (m *Mutex) TryLockUntil(deadline time.Time) (bool, error) {
	n, err := m.reserveNode(deadline)
	if err != nil {
		return false, err
	}
	if n == nil {
		return false, nil
	}

	// Signal intent to acquire the lock.
	n.locked.Store(true)

	// Swap ourselves into the tail, becoming the predecessor for the next
	// goroutine. Whoever we displaced is the node we wait on.
	pred := m.tail.Load()
	for !m.tail.CompareAndSwap(pred, n) {
		if !m.clock.Now().Before(deadline) {
			// Never published, so no successor can recycle it for us.
			m.free.push(n)
			return false, nil
		}
		pred = m.tail.Load()
	}

	// Counter for fairness observation in tests.
	m.queueCount.Add(1)

	for {
		// Spin on the predecessor until it releases.
		for pred.locked.Load() {
			if !m.clock.Now().Before(deadline) {
				// Propagate the predecessor to denote abandonment. Our
				// successor reads it after observing the release below and
				// takes over both waiting on pred and recycling this node.
				n.pred = pred
				n.locked.Store(false)
				return false, nil
			}
			runtime.Gosched()
		}

		// Save pred's pred in case it needs to be waited upon.
		abandoned := pred.pred

		// The predecessor has released and nothing else can touch it;
		// recycling is the successor's job.
		m.free.push(pred)

		if abandoned == nil {
			break
		}
		pred = abandoned
	}

	m.active = n
	return true, nil
}

// Unlock releases the mutex. It must only be called by the goroutine whose
// acquire succeeded; the lock does not detect misuse.
func (m *Mutex) Unlock() {
	// The holder never abandoned, but its node may have been recycled from
	// an abandoner, so clear the marker before handing off.
	m.active.pred = nil
	m.active.locked.Store(false)
}

// QueueCount reports the number of times a goroutine has queued for the
// lock since construction. It exists for fairness observation and test
// synchronization.
func (m *Mutex) QueueCount() uint32 { return m.queueCount.Load() }

// reserveNode pops a node from the free queue, retrying until the deadline.
// tryPop can fail spuriously under ABA: if, after another consumer loads
// the head but before it loads head.next, the whole queue turns over, the
// queue can transiently read as empty. Retrying covers both that and real
// exhaustion; the Die policy instead treats an empty observation as
// oversubscription.
func (m *Mutex) reserveNode(deadline time.Time) (*node, error) {
	n := m.free.tryPop()

	for n == nil && m.clock.Now().Before(deadline) {
		if m.policy == Die {
			return nil, ErrSlotsExceeded
		}
		runtime.Gosched()
		n = m.free.tryPop()
	}

	return n, nil
}
