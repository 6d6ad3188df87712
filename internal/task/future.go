// Package task runs background I/O and hands results back to a coordinating
// loop.
package task

import (
	"context"
	"fmt"
	"sync"
)

// Poster queues a function for execution, typically on a loop.Loop.
type Poster interface {
	Post(fn func()) bool
}

// Future is the eventual result of a background operation.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error

	mu        sync.Mutex
	callbacks []func()
}

// Go runs fn on a new goroutine. A panic in fn becomes the future's error.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		var (
			value T
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
			f.complete(value, err)
		}()
		value, err = fn(ctx)
	}()
	return f
}

// Completed returns a future that already holds value and err.
func Completed[T any](value T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.complete(value, err)
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the result if it is available.
func (f *Future[T]) Result() (T, error, bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then posts fn with the result to p once it is available. If the future has
// already completed, fn is posted immediately. fn is dropped if p refuses it.
func (f *Future[T]) Then(p Poster, fn func(T, error)) {
	deliver := func() {
		p.Post(func() { fn(f.value, f.err) })
	}
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		deliver()
		return
	default:
	}
	f.callbacks = append(f.callbacks, deliver)
	f.mu.Unlock()
}

func (f *Future[T]) complete(value T, err error) {
	f.mu.Lock()
	f.value, f.err = value, err
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(fn func()) bool

// Post calls p(fn).
func (p PosterFunc) Post(fn func()) bool {
	return p(fn)
}

// Inline is a Poster that runs functions on the calling goroutine.
var Inline Poster = PosterFunc(func(fn func()) bool {
	fn()
	return true
})
