// Package shared binds a value to a mutex and hands out scoped access
// tokens, so the value can only be reached while the mutex is held.
//
// Any lock in this module can guard a resource; the façade only asks for
// Lock/Unlock, and timed access additionally for TryLockFor.
//
// Example usage:
//
//	r := shared.New[int](clh.New(4))
//
//	a, err := r.Access()
//	if err != nil {
//	    // pool exhausted under the Die policy
//	}
//	*a.Get()++
//	a.Release()
//
//	// Timed access
//	if a, ok, _ := r.AccessWithin(time.Millisecond); ok {
//	    defer a.Release()
//	    *a.Get()++
//	}
package shared

import "time"

// Locker is the contract a mutex must meet to guard a resource. Lock blocks
// until the mutex is held and reports only oversubscription errors; Unlock
// requires the caller to hold the mutex.
type Locker interface {
	Lock() error
	Unlock()
}

// TimedLocker is the contract required for deadline-bounded access.
type TimedLocker interface {
	Locker

	// TryLockFor reports whether the mutex was acquired before the
	// duration elapsed.
	TryLockFor(time.Duration) (bool, error)
}

// Resource owns a value of type T and the mutex guarding it. The zero value
// of T is the initial resource value.
//
// A Resource must not be copied after construction: the bound mutex needs a
// stable address.
type Resource[T any] struct {
	value T
	mu    Locker
}

// New creates a Resource guarded by mu.
func New[T any](mu Locker) *Resource[T] {
	return &Resource[T]{mu: mu}
}

// Access acquires the mutex and returns a token for the guarded value,
// blocking until the mutex is held. The error is non-nil only when the
// mutex refuses the acquire (oversubscription).
func (r *Resource[T]) Access() (*Access[T], error) {
	if err := r.mu.Lock(); err != nil {
		return nil, err
	}
	return &Access[T]{r: r}, nil
}

// AccessWithin acquires the mutex, giving up once d has elapsed. The middle
// result reports success; a deadline miss is not an error. It panics if the
// bound mutex does not support timed acquisition.
func (r *Resource[T]) AccessWithin(d time.Duration) (*Access[T], bool, error) {
	tm, ok := r.mu.(TimedLocker)
	if !ok {
		panic("shared: mutex does not support timed access")
	}

	acquired, err := tm.TryLockFor(d)
	if err != nil || !acquired {
		return nil, false, err
	}
	return &Access[T]{r: r}, true, nil
}

// Access is a scoped token for a guarded value. It is only valid between
// the call that produced it and Release.
type Access[T any] struct {
	r *Resource[T]
}

// Get returns the guarded value. Callers must not retain the pointer past
// Release.
func (a *Access[T]) Get() *T { return &a.r.value }

// Release releases the mutex. Call it exactly once, normally deferred at
// the access site.
func (a *Access[T]) Release() { a.r.mu.Unlock() }
