// Package pool provides generic object pooling used to cut per-request
// allocations; the DoT front-end draws its client/upstream copy buffers
// from it.
package pool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// NewBytes creates a Pool of byte slices of a fixed capacity, created with
// zero length. Get returns a slice as it was Put; its length is not reset.
func NewBytes(capacity int) *Pool[[]byte] {
	return New(func() []byte {
		return make([]byte, 0, capacity)
	})
}
