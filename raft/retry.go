package raft

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the transport retries of a peer link.
type RetryPolicy struct {
	// Timeout applies to each attempt.
	Timeout     time.Duration
	MaxAttempts int
	// Backoff is multiplied by the attempt number before each retry.
	Backoff time.Duration
}

// Do calls fn until it succeeds, attempts run out or ctx is done. Exhausted
// retries are reported as ErrPeerUnreachable.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff * time.Duration(i)):
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
}
