package store

import (
	"context"
	"sync"
)

// Await bridges a callback style operation into a blocking call.
//
// start receives a completion function that may be called from any goroutine;
// only the first call counts. Await returns when the operation completes or
// ctx ends, whichever happens first. A completion arriving after ctx ended is
// discarded.
func Await[T any](ctx context.Context, start func(complete func(T, error))) (T, error) {
	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	var once sync.Once
	start(func(value T, err error) {
		once.Do(func() {
			results <- result{value: value, err: err}
		})
	})

	select {
	case r := <-results:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
