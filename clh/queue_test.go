package clh

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeQueuePopOrder(t *testing.T) {
	nodes := make([]node, 4)
	var q freeQueue
	q.init(nodes)

	// The last node is the sentinel and is never handed out, so k nodes
	// yield k-1 pops in FIFO order.
	for i := 0; i < len(nodes)-1; i++ {
		n := q.tryPop()
		require.NotNil(t, n)
		assert.Same(t, &nodes[i], n)
	}
	assert.Nil(t, q.tryPop())
}

func TestFreeQueuePushPopRoundTrip(t *testing.T) {
	nodes := make([]node, 2)
	var q freeQueue
	q.init(nodes)

	for range 100 {
		n := q.tryPop()
		require.NotNil(t, n)
		assert.Nil(t, q.tryPop(), "only the sentinel should remain")
		q.push(n)
	}
}

// Concurrent consumers race to drain the queue: every node but the sentinel
// is handed out exactly once.
func TestFreeQueueConcurrentConsumers(t *testing.T) {
	const numGoroutines = 4
	const numNodes = 1024

	nodes := make([]node, numNodes)
	var q freeQueue
	q.init(nodes)

	popped := make(chan *node, numNodes)
	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for {
				n := q.tryPop()
				if n == nil {
					return
				}
				popped <- n
			}
		}()
	}
	wg.Wait()
	close(popped)

	seen := make(map[*node]bool)
	for n := range popped {
		assert.False(t, seen[n], "node handed out twice")
		seen[n] = true
	}
	assert.Len(t, seen, numNodes-1)
}
