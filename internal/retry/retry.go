// Package retry runs calls to external services under one bounded
// retry/backoff policy shared by the OCR, AI and store stages.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy bounds the attempts made for one external call.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the backoff before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff. Zero means no cap.
	MaxDelay time.Duration
	// CallTimeout bounds each attempt. Zero means no per-call timeout.
	CallTimeout time.Duration
	// Retryable classifies errors; nil treats every error as permanent.
	Retryable func(error) bool
}

// Default returns the policy used when nothing else is configured.
func Default(retryable func(error) bool) Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    20 * time.Second,
		CallTimeout: 60 * time.Second,
		Retryable:   retryable,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy's retries are used up. It returns the number of attempts made.
// The returned error is op's last error, unwrapped.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	backoff := p.BaseDelay
	attempts := 0

	for {
		attempts++
		err := p.call(ctx, op)
		if err == nil {
			return attempts, nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return attempts, err
		}
		if attempts > p.MaxRetries {
			slog.Error("Call failed after all retries.", "call", name, "attempts", attempts, "error", err)
			return attempts, err
		}

		wait := p.jitter(backoff)
		slog.Warn(
			"Call failed, will retry.",
			"call", name,
			"attempt", attempts,
			"maxRetries", p.MaxRetries,
			"backoff", wait.String(),
			"error", err,
		)

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return attempts, fmt.Errorf("%s: retry aborted: %w", name, ctx.Err())
			}
		} else if ctx.Err() != nil {
			return attempts, fmt.Errorf("%s: retry aborted: %w", name, ctx.Err())
		}

		backoff *= 2
		if p.MaxDelay > 0 && backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}
}

func (p Policy) call(ctx context.Context, op func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return op(callCtx)
}

// jitter picks a delay in [d/2, d] so that concurrent pages do not retry in lockstep.
func (p Policy) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}
