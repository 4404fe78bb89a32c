package agentloop

import (
	"context"
	"sync"
	"time"
)

// rateLimitedClient wraps a ModelClient with proactive rate limiting.
// ChatStream blocks until the rate budget allows the call to proceed.
type rateLimitedClient struct {
	inner ModelClient
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs. Token
	// counts are recorded from the Delta.Usage carried on DeltaMessageStop,
	// so the budget only reflects calls that actually completed.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rate-limited ModelClient.
type RateLimitOption func(*rateLimitedClient)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitedClient) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined). This is
// a soft limit: the call that exceeds the budget still completes, but
// subsequent calls block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitedClient) { r.tpm = n }
}

// WithRateLimit wraps client with proactive rate limiting. Compose with
// other ModelClient decorators:
//
//	chatModel := agentloop.WithRateLimit(client, agentloop.RPM(60))
//	chatModel := agentloop.WithRateLimit(client, agentloop.RPM(60), agentloop.TPM(100000))
func WithRateLimit(client ModelClient, opts ...RateLimitOption) ModelClient {
	r := &rateLimitedClient{inner: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitedClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, &InvocationCancelled{}
	}
	deltas, err := r.inner.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.tpm <= 0 {
		return deltas, nil
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		for d := range deltas {
			if d.Type == DeltaMessageStop {
				r.recordUsage(d.Usage)
			}
			out <- d
		}
	}()
	return out, nil
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitedClient) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *rateLimitedClient) recordUsage(u Usage) {
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ ModelClient = (*rateLimitedClient)(nil)
