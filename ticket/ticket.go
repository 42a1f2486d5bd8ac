// Package ticket provides a fair mutual exclusion lock based on ticket
// numbers. Arriving goroutines take the next ticket and are served strictly
// in ticket order, giving FIFO fairness without any queue storage beyond two
// counters.
//
// Unlike the clh and alock packages, the ticket lock has no bound on the
// number of contenders and can never refuse an acquire, so Lock always
// returns a nil error. It exists as the unbounded member of the family and
// satisfies the same contract the shared package binds resources to.
package ticket

import (
	"sync/atomic"
	"time"
)

// Mutex is a ticket lock. The lock is free when head == tail+1; head is the
// ticket currently served and tail the last ticket issued.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	head uint32 // ticket currently being served
	tail uint32 // last ticket issued
}

// New creates a ticket Mutex.
func New() *Mutex { return &Mutex{head: 1, tail: 0} }

const (
	baseWait uint32 = 10
	nextWait        = 5
)

// Lock acquires the mutex. Goroutines spin proportionally to their distance
// from the served ticket and fall back to sleeping when far back in line,
// trading a little latency for much less wasted CPU. The returned error is
// always nil; it exists to satisfy the shared-resource contract.
func (m *Mutex) Lock() error {
	ticket := atomic.AddUint32(&m.tail, 1)

	// Fast path for the uncontended case.
	if atomic.LoadUint32(&m.head) == ticket {
		return nil
	}

	wait := baseWait
	distancePrev := uint32(1)

	for {
		cur := atomic.LoadUint32(&m.head)
		if cur == ticket {
			return nil
		}

		distance := subAbs(cur, ticket)

		if distance > 1 {
			if distance != distancePrev {
				distancePrev = distance
				wait = baseWait
			}

			// Spin proportionally to the distance from the head.
			for range distance * wait {
				// Empty spin loop.
			}
		} else {
			for range nextWait {
				// Empty spin loop.
			}
		}

		if distance > 20 { // Sleep if we're far back in the queue.
			time.Sleep(time.Millisecond)
		}
	}
}

// TryLock attempts to acquire the mutex without blocking. It succeeds only
// when the lock is free and no other goroutine races the ticket counter.
func (m *Mutex) TryLock() bool {
	me := atomic.LoadUint32(&m.tail)
	if atomic.LoadUint32(&m.head) != me+1 {
		return false
	}
	// The lock was free; taking the next ticket acquires it unless another
	// goroutine got there first.
	return atomic.CompareAndSwapUint32(&m.tail, me, me+1)
}

// Unlock releases the mutex, serving the next ticket.
func (m *Mutex) Unlock() { atomic.AddUint32(&m.head, 1) }

// isFree reports whether the lock is currently free.
func (m *Mutex) isFree() bool { return (m.head - m.tail) == 1 }

func subAbs(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
