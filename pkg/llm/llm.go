// Package llm routes generation and refinement calls across providers.
// The router owns profiles, quota failover, retry policy, and the stable
// prompt prefix that keeps provider-side caches warm.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Normalized error kinds. Provider adapters classify their SDK errors into
// these; nothing provider-specific escapes the router.
var (
	// ErrQuotaExhausted means every model in the fallback chain is over
	// its daily budget.
	ErrQuotaExhausted = errors.New("daily quota exhausted")
	// ErrRateLimited triggers immediate failover, no retry.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrMalformedResponse means the provider returned no usable text.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// TransientError wraps provider failures worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Message is one turn in a completion request.
type Message struct {
	Role    string
	Content string
}

// Request is a normalized completion request.
type Request struct {
	Model       string
	System      string
	// CacheSystem marks the system block for provider-side prompt caching.
	CacheSystem bool
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Result is a normalized completion response.
type Result struct {
	Text         string
	TokensIn     int
	TokensOut    int
	CachedTokens int
	Model        string
}

// Provider is one upstream LLM vendor.
type Provider interface {
	// Name identifies the provider in logs and model routing.
	Name() string
	// Complete executes one completion. Errors are pre-classified into
	// the kinds above.
	Complete(ctx context.Context, req Request) (*Result, error)
}
