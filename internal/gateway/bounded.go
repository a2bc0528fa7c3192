package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"misorachat/internal/models"
)

// Bounded puts a deadline on every call of the wrapped gateway and retries
// failures up to retries extra times with exponential backoff. Cancellation
// by the caller is never retried.
type Bounded struct {
	next    Gateway
	timeout time.Duration
	retries int
	initial time.Duration
}

func NewBounded(next Gateway, timeout time.Duration, retries int) *Bounded {
	if retries < 0 {
		retries = 0
	}
	return &Bounded{next: next, timeout: timeout, retries: retries, initial: backoff.DefaultInitialInterval}
}

func (b *Bounded) Generate(ctx context.Context, history []models.Message) (string, error) {
	op := func() (string, error) {
		if err := ctx.Err(); err != nil {
			return "", backoff.Permanent(err)
		}
		callCtx, cancel := b.withTimeout(ctx)
		defer cancel()
		answer, err := b.next.Generate(callCtx, history)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return answer, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initial
	answer, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(b.retries+1)),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", upstreamError("deadline exceeded", err)
		}
		return "", upstreamError("", err)
	}
	return answer, nil
}

func (b *Bounded) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}
