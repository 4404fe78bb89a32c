package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubResult is one queued response for stubModelClient.ChatStream: either a
// *ModelError or a channel of Deltas to return as success.
type stubResult struct {
	err    *ModelError
	deltas []Delta
}

type stubModelClient struct {
	results []stubResult
	calls   int
}

var _ ModelClient = (*stubModelClient)(nil)

func (s *stubModelClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	if s.calls >= len(s.results) {
		return nil, &ModelError{Kind: KindFatal, Message: "stubModelClient: out of queued results"}
	}
	r := s.results[s.calls]
	s.calls++
	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan Delta, len(r.deltas))
	for _, d := range r.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Millisecond,
		CapDelay:    10 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func TestChatStreamWithRetry_SucceedsFirstAttempt(t *testing.T) {
	client := &stubModelClient{results: []stubResult{
		{deltas: []Delta{{Type: DeltaMessageStop}}},
	}}
	deltas, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, fastPolicy(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("expected 1 call, got %d", client.calls)
	}
	d, ok := <-deltas
	if !ok || d.Type != DeltaMessageStop {
		t.Errorf("expected one message_stop delta, got %+v ok=%v", d, ok)
	}
}

func TestChatStreamWithRetry_RetriesOnTransient(t *testing.T) {
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindTransient, Message: "503"}},
		{err: &ModelError{Kind: KindTransient, Message: "503"}},
		{deltas: []Delta{{Type: DeltaMessageStop}}},
	}}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, fastPolicy(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("expected 3 calls, got %d", client.calls)
	}
}

func TestChatStreamWithRetry_DoesNotRetryOnValidation(t *testing.T) {
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindValidation, Message: "request too large"}},
	}}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, fastPolicy(4))
	var verr *ModelValidation
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ModelValidation, got %T: %v", err, err)
	}
	if client.calls != 1 {
		t.Errorf("expected no retry, got %d calls", client.calls)
	}
}

func TestChatStreamWithRetry_DoesNotRetryOnFatal(t *testing.T) {
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindFatal, Message: "boom"}},
	}}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, fastPolicy(4))
	var ferr *ModelFatal
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *ModelFatal, got %T: %v", err, err)
	}
	if client.calls != 1 {
		t.Errorf("expected no retry, got %d calls", client.calls)
	}
}

func TestChatStreamWithRetry_ExhaustsMaxAttempts(t *testing.T) {
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindTransient, Message: "503"}},
		{err: &ModelError{Kind: KindTransient, Message: "503"}},
		{err: &ModelError{Kind: KindTransient, Message: "503"}},
	}}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, fastPolicy(3))
	var ferr *ModelFatal
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *ModelFatal after exhaustion, got %T: %v", err, err)
	}
	if client.calls != 3 {
		t.Errorf("expected exactly MaxAttempts=3 calls, got %d", client.calls)
	}
}

func TestChatStreamWithRetry_RetriesAuthExpiredOnce(t *testing.T) {
	refreshCalls := 0
	policy := fastPolicy(4)
	policy.RefreshAuth = func(ctx context.Context) error {
		refreshCalls++
		return nil
	}
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindAuthExpired, Message: "expired"}},
		{deltas: []Delta{{Type: DeltaMessageStop}}},
	}}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshCalls != 1 {
		t.Errorf("expected RefreshAuth called once, got %d", refreshCalls)
	}
	if client.calls != 2 {
		t.Errorf("expected 2 calls, got %d", client.calls)
	}
}

func TestChatStreamWithRetry_AuthExpiredTwiceFails(t *testing.T) {
	policy := fastPolicy(4)
	policy.RefreshAuth = func(ctx context.Context) error { return nil }
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindAuthExpired, Message: "expired"}},
		{err: &ModelError{Kind: KindAuthExpired, Message: "expired again"}},
	}}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, policy)
	var aerr *ModelAuth
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *ModelAuth, got %T: %v", err, err)
	}
	if client.calls != 2 {
		t.Errorf("expected 2 calls (no second refresh attempt), got %d", client.calls)
	}
}

func TestChatStreamWithRetry_AuthRefreshFailureSurfaces(t *testing.T) {
	policy := fastPolicy(4)
	refreshErr := errors.New("refresh token rejected")
	policy.RefreshAuth = func(ctx context.Context) error { return refreshErr }
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindAuthExpired, Message: "expired"}},
	}}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, policy)
	var aerr *ModelAuth
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *ModelAuth, got %T: %v", err, err)
	}
	if !errors.Is(err, refreshErr) {
		t.Errorf("expected ModelAuth to wrap the refresh error, got %v", err)
	}
	if client.calls != 1 {
		t.Errorf("expected 1 call, got %d", client.calls)
	}
}

func TestChatStreamWithRetry_RespectsRetryAfter(t *testing.T) {
	client := &stubModelClient{results: []stubResult{
		{err: &ModelError{Kind: KindTransient, Message: "throttled", RetryAfter: 50}},
		{deltas: []Delta{{Type: DeltaMessageStop}}},
	}}
	policy := RetryPolicy{BaseDelay: time.Millisecond, CapDelay: time.Millisecond, MaxAttempts: 4}

	start := time.Now()
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, policy)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("expected RetryAfter hint to lengthen the wait to >=50ms, got %v", elapsed)
	}
}

func TestChatStreamWithRetry_UnclassifiedErrorIsFatal(t *testing.T) {
	client := &unclassifiedModelClient{}
	_, err := chatStreamWithRetry(context.Background(), client, ChatRequest{}, fastPolicy(4))
	var ferr *ModelFatal
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *ModelFatal, got %T: %v", err, err)
	}
}

// unclassifiedModelClient always returns a plain error, never a *ModelError,
// to exercise the errors.As failure branch in chatStreamWithRetry.
type unclassifiedModelClient struct{}

var _ ModelClient = (*unclassifiedModelClient)(nil)

func (unclassifiedModelClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	return nil, errors.New("some opaque transport error")
}

func TestChatStreamWithRetry_CancelledBeforeCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &stubModelClient{results: []stubResult{
		{deltas: []Delta{{Type: DeltaMessageStop}}},
	}}
	_, err := chatStreamWithRetry(ctx, client, ChatRequest{}, fastPolicy(4))
	var cerr *InvocationCancelled
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *InvocationCancelled, got %T: %v", err, err)
	}
	if client.calls != 0 {
		t.Errorf("expected no calls after cancellation, got %d", client.calls)
	}
}

func TestSleepOrCancel_ReturnsEarlyOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := sleepOrCancel(ctx, time.Second)
	elapsed := time.Since(start)

	var cerr *InvocationCancelled
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *InvocationCancelled, got %v", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("expected early return, took %v", elapsed)
	}
}

func TestSleepOrCancel_ReturnsNilAfterDelay(t *testing.T) {
	err := sleepOrCancel(context.Background(), time.Millisecond)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBackoff_NeverExceedsCapPlusRetryAfter(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, CapDelay: 10 * time.Millisecond, MaxAttempts: 10}
	for attempt := 0; attempt < 20; attempt++ {
		d := backoff(attempt, policy, 0)
		if d > policy.CapDelay {
			t.Errorf("attempt %d: backoff %v exceeded cap %v", attempt, d, policy.CapDelay)
		}
		if d < 0 {
			t.Errorf("attempt %d: backoff negative: %v", attempt, d)
		}
	}
}

func TestBackoff_HonorsRetryAfterHint(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, CapDelay: time.Millisecond, MaxAttempts: 4}
	d := backoff(0, policy, 100)
	if d < 100*time.Millisecond {
		t.Errorf("expected backoff to honor the 100ms retryAfter hint, got %v", d)
	}
}
