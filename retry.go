package agentloop

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy configures Retry/Backoff. Zero value is invalid; use
// DefaultRetryPolicy.
type RetryPolicy struct {
	BaseDelay   time.Duration
	CapDelay    time.Duration
	MaxAttempts int

	// RefreshAuth, if set, is invoked once when a KindAuthExpired error is
	// classified, before the single permitted auth retry.
	RefreshAuth func(ctx context.Context) error
}

// DefaultRetryPolicy matches §4.3: base 500ms, cap 30s, 4 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		CapDelay:    30 * time.Second,
		MaxAttempts: 4,
	}
}

// backoff computes the capped-exponential-with-full-jitter delay for the
// given zero-based attempt index, honoring a provider retryAfter hint
// (milliseconds) by taking the max of the two.
func backoff(attempt int, policy RetryPolicy, retryAfterMS int64) time.Duration {
	exp := policy.BaseDelay << attempt
	if exp <= 0 || exp > policy.CapDelay {
		exp = policy.CapDelay
	}
	jittered := time.Duration(rand.Int63n(int64(exp) + 1))
	if hint := time.Duration(retryAfterMS) * time.Millisecond; hint > jittered {
		jittered = hint
	}
	return jittered
}

// sleepOrCancel waits d or returns early (with the invocation-cancelled
// error) if ctx is done first, per §4.3's "each attempt checks cancellation
// before sleep".
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &InvocationCancelled{}
	case <-t.C:
		return nil
	}
}

// chatStreamWithRetry wraps client.ChatStream with Retry/Backoff
// classification per §4.3: Transient retries with jitter, AuthExpired
// retries once after RefreshAuth, ValidationException and Fatal surface
// immediately. A retried call opens a brand new stream; nothing from a
// failed attempt is reused.
func chatStreamWithRetry(ctx context.Context, client ModelClient, req ChatRequest, policy RetryPolicy) (<-chan Delta, error) {
	authRefreshed := false

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &InvocationCancelled{}
		}

		deltas, err := client.ChatStream(ctx, req)
		if err == nil {
			return deltas, nil
		}

		var merr *ModelError
		if !errors.As(err, &merr) {
			return nil, &ModelFatal{Detail: "unclassified model error", Cause: err}
		}

		switch merr.Kind {
		case KindValidation:
			return nil, &ModelValidation{Detail: merr.Message, Cause: merr}
		case KindAuthExpired:
			if authRefreshed {
				return nil, &ModelAuth{Detail: merr.Message, Cause: merr}
			}
			authRefreshed = true
			if policy.RefreshAuth != nil {
				if rerr := policy.RefreshAuth(ctx); rerr != nil {
					return nil, &ModelAuth{Detail: "refresh failed: " + rerr.Error(), Cause: rerr}
				}
			}
			continue
		case KindTransient:
			if attempt >= policy.MaxAttempts-1 {
				return nil, &ModelFatal{Detail: "max retries exceeded: " + merr.Message, Cause: merr}
			}
			if serr := sleepOrCancel(ctx, backoff(attempt, policy, merr.RetryAfter)); serr != nil {
				return nil, serr
			}
			continue
		default: // KindFatal and anything unrecognized
			return nil, &ModelFatal{Detail: merr.Message, Cause: merr}
		}
	}
}
