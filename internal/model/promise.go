package model

import (
	"context"
	"sync"
)

// Promise is a one-shot result slot: the first Complete wins, later calls are ignored.
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewPromise returns an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete resolves the promise and reports whether this call did so.
func (p *Promise[T]) Complete(v T) bool {
	completed := false
	p.once.Do(func() {
		p.value = v
		completed = true
		close(p.done)
	})
	return completed
}

// Done is closed once the promise resolves.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Value returns the resolved value without blocking.
func (p *Promise[T]) Value() (T, bool) {
	select {
	case <-p.done:
		return p.value, true
	default:
		var zero T
		return zero, false
	}
}

// Await blocks until the promise resolves or ctx ends.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// BatchPromise carries the results of one batch attempt.
type BatchPromise = Promise[*TestBatchResults]
