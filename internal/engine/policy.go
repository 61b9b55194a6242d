package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/compose/internal/ir"
)

// Default transport retry settings. Zero retries means one attempt.
const (
	DefaultTransportRetries = 0
	DefaultInitialInterval  = 100 * time.Millisecond
	DefaultMaxRetryInterval = 2 * time.Second
	DefaultBaselineRetries  = 0
	DefaultBaselineTimeout  = time.Duration(0) // wait forever
)

// retryPolicy bounds retries of a fallible call with exponential backoff.
type retryPolicy struct {
	retries int
	initial time.Duration
	max     time.Duration
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.initial > 0 {
		eb.InitialInterval = p.initial
	}
	if p.max > 0 {
		eb.MaxInterval = p.max
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// baselinePolicy bounds each attempt of an asynchronous baseline loader.
// A zero timeout waits forever, leaving the channel loading for as long as
// the loader does.
type baselinePolicy struct {
	retryPolicy
	timeout time.Duration
}

type loadResult struct {
	value ir.Value
	err   error
}

// call runs load once, giving up after the timeout even if load ignores
// its context.
func (p baselinePolicy) call(ctx context.Context, load func(context.Context) (ir.Value, error)) (ir.Value, error) {
	if p.timeout <= 0 {
		return load(ctx)
	}

	lctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan loadResult, 1)
	go func() {
		v, err := load(lctx)
		done <- loadResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-lctx.Done():
		return nil, lctx.Err()
	}
}
