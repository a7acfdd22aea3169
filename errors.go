package cireilclaw

import (
	"fmt"
	"time"
)

// ErrProvider reports a logical failure from a chat provider (malformed
// response, missing choices, unparseable tool-call arguments).
type ErrProvider struct {
	Provider string
	Message  string
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from a provider endpoint. RetryAfter is
// the parsed Retry-After header, or zero when absent.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// FailureKind classifies why a turn could not complete.
type FailureKind string

const (
	// ContentFiltered means the provider ended the completion with a
	// content_filter finish reason.
	ContentFiltered FailureKind = "content_filtered"
	// UnexpectedFinish means the provider finished without tool calls even
	// though tool use was required.
	UnexpectedFinish FailureKind = "unexpected_finish"
)

// TurnError aborts a turn. The caller rolls session history back to its
// pre-turn length and reports best-effort.
type TurnError struct {
	Kind   FailureKind
	Detail string
}

func (e *TurnError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
