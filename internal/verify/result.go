package verify

import (
	"context"
	"sync"
)

// Result is the pending outcome of a session operation.
type Result[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

func (r *Result[T]) complete(v T, err error) {
	r.once.Do(func() {
		r.val, r.err = v, err
		close(r.done)
	})
}

// Done is closed once the operation has finished and its event was delivered.
func (r *Result[T]) Done() <-chan struct{} { return r.done }

// Wait blocks until the operation finishes or ctx is done.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
