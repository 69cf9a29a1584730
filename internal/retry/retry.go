// Package retry runs collaborator calls with a per-call timeout and bounded
// exponential backoff. Only transient errors are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"tenderline/internal/failure"
)

const (
	DefaultAttempts = 3
	DefaultBase     = 2 * time.Second
	DefaultMax      = 30 * time.Second
)

// Policy bounds one retried call.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Timeout applies to each attempt; zero disables it.
	Timeout time.Duration
	// Jitter adds up to half of each delay at random.
	Jitter bool
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the stage retry policy with the given per-call timeout.
func Default(timeout time.Duration) Policy {
	return Policy{
		Attempts: DefaultAttempts,
		Base:     DefaultBase,
		Max:      DefaultMax,
		Timeout:  timeout,
		Jitter:   true,
	}
}

// Backoff returns the delay before attempt n (n starts at 1 for the first retry).
func (p Policy) Backoff(n int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Do calls fn until it succeeds, returns a non-transient error, or the attempts run out.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Backoff(attempt - 1)
			if p.Jitter && delay > 0 {
				delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		err := call(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !failure.IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return failure.Transient(fmt.Errorf("timed out after %s: %w", timeout, err))
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
