package clh

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// node is one cell of the mutex's fixed pool. A thread acquires the lock by
// spinning on its predecessor's node, so each node is written by at most two
// goroutines at well-separated points of its lifecycle:
//
//   - next is read and written only while the node sits on the free queue
//   - pred is written by the owning goroutine when it abandons a timed wait,
//     and cleared by the holder on unlock; it is read by the successor only
//     after observing locked go false
//   - locked is the handoff flag: true while the owner wants or holds the
//     lock, false once it released or abandoned
//
// The trailing pad keeps neighboring pool entries off the same cache line.
type node struct {
	// Intrusive pointer to the next node. Used while the node is available.
	next atomic.Pointer[node]

	// The predecessor to wait on. Set if the node was abandoned on timeout.
	pred *node

	// Set while a goroutine intends to acquire or holds the lock.
	locked atomic.Bool

	_ cpu.CacheLinePad // avoid false sharing between adjacent pool nodes
}

// freeQueue is a Michael-Scott style FIFO holding the currently unused pool
// nodes. The head node is a sentinel: tryPop returns the old head and its
// successor becomes the new head, so a queue of k nodes yields k-1 pops.
type freeQueue struct {
	head atomic.Pointer[node]
	_    cpu.CacheLinePad // head and tail are written by different goroutines
	tail atomic.Pointer[node]
	_    cpu.CacheLinePad
}

// init threads the pool through the queue. Requires at least one node.
func (q *freeQueue) init(nodes []node) {
	q.head.Store(&nodes[0])

	prev := &nodes[0]
	for i := 1; i < len(nodes); i++ {
		prev.next.Store(&nodes[i])
		prev = &nodes[i]
	}

	prev.next.Store(nil)
	q.tail.Store(prev)
}

// push publishes n as the new tail. Normally only the lock holder recycles
// nodes, but a goroutine that reserved a node and then timed out before
// enqueuing also returns it here, so publication must tolerate concurrent
// producers: the tail swap hands each producer a distinct predecessor to
// link through. A consumer racing the link observes a nil next and treats
// the queue as transiently empty.
func (q *freeQueue) push(n *node) {
	n.next.Store(nil)
	t := q.tail.Swap(n)
	t.next.Store(n)
}

// tryPop attempts to dequeue a node. It returns nil when only the sentinel
// remains, and may return nil spuriously when racing a concurrent push.
func (q *freeQueue) tryPop() *node {
	h := q.head.Load()

	for {
		next := h.next.Load()
		if next == nil {
			return nil
		}

		if q.head.CompareAndSwap(h, next) {
			return h
		}

		h = q.head.Load()
	}
}
