// Package retry bounds and retries idempotent reads against slow collaborators.
//
// Only reads go through here. Writes with side effects (the ballot claim above
// all) are attempted exactly once by their callers.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/sentinel"
)

// Policy bounds a read: each attempt gets Timeout, at most Attempts are made,
// and waits between attempts grow exponentially from Base up to Max.
type Policy struct {
	Attempts int
	Timeout  time.Duration
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{
	Attempts: 3,
	Timeout:  2 * time.Second,
	Base:     50 * time.Millisecond,
	Max:      500 * time.Millisecond,
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy.Timeout
	}
	if p.Base <= 0 {
		p.Base = DefaultPolicy.Base
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sentinel.ErrUnavailable) ||
		dErrors.HasCode(err, dErrors.CodeTimeout) ||
		dErrors.HasCode(err, dErrors.CodeUnavailable)
}

// Read runs fn under the policy. Non-transient errors and cancellation of the
// parent context stop immediately.
func Read[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Max
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.Attempts-1))
	b = backoff.WithContext(b, ctx)

	op := func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.RetryWithData(op, b)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !dErrors.HasCode(err, dErrors.CodeTimeout) {
		return v, dErrors.Wrap(err, dErrors.CodeTimeout, "dependency timed out")
	}
	return v, err
}

// Do is Read for operations without a result.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Read(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
