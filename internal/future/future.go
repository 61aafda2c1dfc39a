package future

import (
	"context"
	"fmt"
	"sync"

	"github.com/Amund211/datasource/internal/domain"
)

// Future is a value that is both awaitable and synchronously inspectable.
//
// A future is in exactly one of three states: pending, succeeded or failed.
// Once resolved, the state never changes again and Ready() is closed.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	// value and err are written once before done is closed
	value T
	err   error
}

// Resolver completes a future created with Pending. Only the first call has an effect.
type Resolver[T any] struct {
	f *Future[T]
}

func (r Resolver[T]) Resolve(value T) {
	r.f.resolve(value, nil)
}

func (r Resolver[T]) Reject(err error) {
	var zero T
	r.f.resolve(zero, err)
}

// Settle resolves with value if err is nil, and rejects with err otherwise
func (r Resolver[T]) Settle(value T, err error) {
	r.f.resolve(value, err)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Pending returns an unresolved future together with the means to resolve it
func Pending[T any]() (*Future[T], Resolver[T]) {
	f := newFuture[T]()
	return f, Resolver[T]{f: f}
}

// New runs fn on its own goroutine and resolves the future with its result
func New[T any](fn func() (T, error)) *Future[T] {
	f, resolver := Pending[T]()
	go func() {
		resolver.Settle(call(fn))
	}()
	return f
}

// Now returns an already succeeded future
func Now[T any](value T) *Future[T] {
	f := newFuture[T]()
	f.resolve(value, nil)
	return f
}

// Err returns an already failed future
func Err[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

func call[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = fmt.Errorf("%w: %v", domain.ErrPanicked, r)
		}
	}()
	return fn()
}

func (f *Future[T]) isResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future[T]) Loading() bool {
	return !f.isResolved()
}

func (f *Future[T]) OK() bool {
	return f.isResolved() && f.err == nil
}

func (f *Future[T]) Failed() bool {
	return f.isResolved() && f.err != nil
}

// Value returns the resolved value, or the zero value if the future is pending or failed
func (f *Future[T]) Value() T {
	if !f.OK() {
		var zero T
		return zero
	}
	return f.value
}

// Error returns the failure, or nil if the future is pending or succeeded
func (f *Future[T]) Error() error {
	if !f.isResolved() {
		return nil
	}
	return f.err
}

// Read returns the current state without blocking.
// A pending future reads as domain.ErrPending.
func (f *Future[T]) Read() (T, error) {
	if !f.isResolved() {
		var zero T
		return zero, domain.ErrPending
	}
	return f.value, f.err
}

// Ready is closed once the future has resolved
func (f *Future[T]) Ready() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx is done
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnReady calls fn once the future has resolved.
// fn runs synchronously if the future is already resolved.
func (f *Future[T]) OnReady(fn func()) {
	if f.isResolved() {
		fn()
		return
	}
	go func() {
		<-f.done
		fn()
	}()
}

// Map transforms the value of f.
//
// If f has already succeeded, fn runs synchronously and the returned future is
// already resolved. If f has already failed, the failure is carried over.
// Otherwise the returned future resolves after f does.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	if f.isResolved() {
		if f.err != nil {
			return Err[U](f.err)
		}
		value, err := call(func() (U, error) { return fn(f.value) })
		if err != nil {
			return Err[U](err)
		}
		return Now(value)
	}

	mapped, resolver := Pending[U]()
	go func() {
		<-f.done
		if f.err != nil {
			resolver.Reject(f.err)
			return
		}
		resolver.Settle(call(func() (U, error) { return fn(f.value) }))
	}()
	return mapped
}

// From narrows an untyped future to T
func From[T any](f *Future[any]) *Future[T] {
	return Map(f, func(v any) (T, error) {
		typed, ok := v.(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: got %T, want %T", domain.ErrUnexpectedType, v, zero)
		}
		return typed, nil
	})
}

// Erase widens f to an untyped future
func Erase[T any](f *Future[T]) *Future[any] {
	return Map(f, func(v T) (any, error) { return v, nil })
}
