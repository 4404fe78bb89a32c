package agentloop

import "fmt"

// InvocationCancelled is returned by Run/RunStream when the caller's context
// was cancelled before a terminal state was otherwise reached.
type InvocationCancelled struct {
	Cycle int
}

func (e *InvocationCancelled) Error() string {
	return fmt.Sprintf("agentloop: invocation cancelled at cycle %d", e.Cycle)
}

// CycleBudgetExceeded is informational: the loop ran AgentConfig.MaxCycles
// cycles with an evaluator still requesting Continue. FinalText is still the
// best available answer and is returned alongside this error by Run.
type CycleBudgetExceeded struct {
	MaxCycles int
	FinalText string
}

func (e *CycleBudgetExceeded) Error() string {
	return fmt.Sprintf("agentloop: cycle budget of %d exceeded", e.MaxCycles)
}

// ModelValidation indicates the model rejected the request as malformed or
// too large. Not retried; the caller or a summarization hook may repair the
// Conversation and retry.
type ModelValidation struct {
	Detail string
	Cause  error
}

func (e *ModelValidation) Error() string { return "agentloop: model validation: " + e.Detail }
func (e *ModelValidation) Unwrap() error { return e.Cause }

// ModelAuth indicates credentials could not be refreshed; surfaced after one
// refresh attempt per the retry policy.
type ModelAuth struct {
	Detail string
	Cause  error
}

func (e *ModelAuth) Error() string { return "agentloop: model auth: " + e.Detail }
func (e *ModelAuth) Unwrap() error { return e.Cause }

// ModelFatal wraps any non-retryable, non-validation, non-auth model error.
type ModelFatal struct {
	Detail string
	Cause  error
}

func (e *ModelFatal) Error() string { return "agentloop: model fatal: " + e.Detail }
func (e *ModelFatal) Unwrap() error { return e.Cause }

// StreamCorrupt indicates the Streaming Aggregator observed a protocol
// violation: the channel closed before MessageStop, a ToolUseStart had no
// matching BlockEnd, or an input delta or BlockEnd named an unopened
// tool-use id.
type StreamCorrupt struct {
	Detail string
}

func (e *StreamCorrupt) Error() string { return "agentloop: stream corrupt: " + e.Detail }

// ToolInputCorrupt indicates the concatenated JSON fragments for a tool-use
// id did not parse as a JSON value.
type ToolInputCorrupt struct {
	ToolUseID string
	Detail    string
}

func (e *ToolInputCorrupt) Error() string {
	return fmt.Sprintf("agentloop: tool input corrupt for %s: %s", e.ToolUseID, e.Detail)
}

// TimeoutExpired bounds the whole-invocation timeout only; a per-tool
// timeout surfaces as a failed ToolResult, and a per-cycle timeout surfaces
// as *InvocationCancelled.
type TimeoutExpired struct {
	Scope string
}

func (e *TimeoutExpired) Error() string { return "agentloop: timeout expired: " + e.Scope }

// InternalInvariant indicates a bug: an invariant the loop is supposed to
// maintain internally (message ordering, single-writer claim, ...) was
// violated.
type InternalInvariant struct {
	Detail string
}

func (e *InternalInvariant) Error() string {
	return "agentloop: internal invariant violated: " + e.Detail
}

// ModelErrorKind classifies a ModelClient error for the Retry/Backoff
// component. Classification is provider-neutral; ModelClient
// implementations are responsible for mapping their wire-level errors onto
// one of these kinds.
type ModelErrorKind string

const (
	// KindTransient covers network I/O, timeouts, HTTP 429/5xx, throttling.
	KindTransient ModelErrorKind = "transient"
	// KindValidation covers malformed or oversized requests. Not retried.
	KindValidation ModelErrorKind = "validation"
	// KindAuthExpired covers expired/invalid credentials. Retried once after
	// a refresh hook runs.
	KindAuthExpired ModelErrorKind = "auth_expired"
	// KindFatal covers everything else. Surfaced immediately.
	KindFatal ModelErrorKind = "fatal"
)

// ModelError is the typed error ModelClient implementations must surface so
// Retry/Backoff can classify it without inspecting wire-level detail.
type ModelError struct {
	Kind       ModelErrorKind
	Provider   string
	Message    string
	RetryAfter int64 // milliseconds; 0 means no provider hint
	Cause      error
}

func (e *ModelError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("agentloop: %s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("agentloop: %s: %s", e.Kind, e.Message)
}

func (e *ModelError) Unwrap() error { return e.Cause }

// IsRetryable reports whether Retry/Backoff should attempt this error again.
func (e *ModelError) IsRetryable() bool {
	return e.Kind == KindTransient || e.Kind == KindAuthExpired
}
