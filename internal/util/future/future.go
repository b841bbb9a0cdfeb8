package future

import (
	"context"
	"sync"
	"time"
)

type result[T any] struct {
	v   T
	err error
}

// Future is a single-shot result that completes exactly once.
type Future[T any] struct {
	doneChannel chan struct{}
	res         result[T]
	once        sync.Once
}

// NewCompletable returns a Future completed by whoever holds it, typically an
// actor answering a request.
func NewCompletable[T any]() *Future[T] {
	return &Future[T]{doneChannel: make(chan struct{})}
}

// New runs fn in a goroutine and completes the Future when fn returns.
func New[T any](fn func() (T, error)) *Future[T] {
	f := NewCompletable[T]()
	go func() {
		v, err := fn()
		f.complete(v, err)
	}()
	return f
}

// FromValue creates an already-completed Future with a value.
func FromValue[T any](v T) *Future[T] {
	f := NewCompletable[T]()
	f.complete(v, nil)
	return f
}

// FromError creates an already-completed Future with an error.
func FromError[T any](err error) *Future[T] {
	f := NewCompletable[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// Complete sets the value. Only the first Complete or Fail takes effect; the
// result reports whether this call did.
func (f *Future[T]) Complete(v T) bool { return f.complete(v, nil) }

func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.complete(zero, err)
}

// Await blocks until completion and returns the result.
func (f *Future[T]) Await() (T, error) {
	<-f.doneChannel
	return f.res.v, f.res.err
}

// AwaitContext is Await bounded by ctx; it returns ctx.Err() if ctx ends
// first.
func (f *Future[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.doneChannel:
		return f.res.v, f.res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitTimeout waits up to d for completion.
// Returns (value, err, ok). ok=false if timed out.
func (f *Future[T]) AwaitTimeout(d time.Duration) (T, error, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.doneChannel:
		return f.res.v, f.res.err, true
	case <-timer.C:
		var zero T
		return zero, nil, false
	}
}

// Done returns a channel closed when the Future completes.
func (f *Future[T]) Done() <-chan struct{} { return f.doneChannel }

func (f *Future[T]) complete(v T, err error) bool {
	done := false
	f.once.Do(func() {
		f.res = result[T]{v: v, err: err}
		close(f.doneChannel)
		done = true
	})
	return done
}
