package shared_test

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ahrav/go-exclusive/alock"
	"github.com/ahrav/go-exclusive/clh"
	"github.com/ahrav/go-exclusive/shared"
	"github.com/ahrav/go-exclusive/ticket"
)

func incrementN(r *shared.Resource[int], n int) error {
	for range n {
		a, err := r.Access()
		if err != nil {
			return err
		}
		*a.Get()++
		a.Release()
	}
	return nil
}

func finalCount(t *testing.T, r *shared.Resource[int]) int {
	t.Helper()
	a, err := r.Access()
	require.NoError(t, err)
	defer a.Release()
	return *a.Get()
}

func TestAccessFromMultipleGoroutinesArrayMutex(t *testing.T) {
	const n = 1000

	r := shared.New[int](alock.New(4))

	var g errgroup.Group
	for range 4 {
		g.Go(func() error { return incrementN(r, n) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 4*n, finalCount(t, r))
}

func TestAccessFromMultipleGoroutinesClhMutex(t *testing.T) {
	const n = 1000

	r := shared.New[int](clh.New(4))

	var g errgroup.Group
	for range 4 {
		g.Go(func() error { return incrementN(r, n) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 4*n, finalCount(t, r))
}

func TestAccessFromMultipleGoroutinesTicketMutex(t *testing.T) {
	const n = 1000

	r := shared.New[int](ticket.New())

	var g errgroup.Group
	for range 4 {
		g.Go(func() error { return incrementN(r, n) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 4*n, finalCount(t, r))
}

// With more goroutines holding access than the array mutex has slots, at
// least one contender is refused with the busy error kind.
func TestArrayMutexSlotsExceeded(t *testing.T) {
	r := shared.New[int](alock.New(2))

	var busy atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(3)
	for range 3 {
		go func() {
			defer wg.Done()
			a, err := r.Access()
			if err != nil {
				assert.ErrorIs(t, err, unix.EBUSY)
				busy.Add(1)
				return
			}
			<-release
			a.Release()
		}()
	}

	for busy.Load() == 0 {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()

	got := busy.Load()
	assert.GreaterOrEqual(t, got, int32(1))
	assert.LessOrEqual(t, got, int32(2))
}

func TestAccessWithinFailsWhileHeld(t *testing.T) {
	r := shared.New[int](clh.New(2))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		a, err := r.Access()
		if err != nil {
			t.Error(err)
			return
		}
		close(held)
		<-release
		a.Release()
	}()
	<-held

	a, ok, err := r.AccessWithin(0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, a)

	close(release)
	<-done

	a, ok, err = r.AccessWithin(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	*a.Get()++
	a.Release()

	assert.Equal(t, 1, finalCount(t, r))
}

func TestAccessWithinPanicsOnUntimedMutex(t *testing.T) {
	r := shared.New[int](alock.New(2))

	assert.Panics(t, func() { _, _, _ = r.AccessWithin(time.Millisecond) })
}
