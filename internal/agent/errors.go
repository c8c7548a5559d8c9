package agent

import (
	"errors"
	"time"

	"github.com/haasonsaas/hermes/internal/providers"
)

// ErrInterrupted marks a turn ended by user cancellation. The loop
// appends "[Interrupted]" and exits cleanly; callers should not retry.
var ErrInterrupted = errors.New("turn interrupted")

// FatalProviderError wraps an unretryable provider failure (auth,
// malformed request). The turn terminates with a user-visible message.
type FatalProviderError struct {
	Provider string
	Err      error
}

func (e *FatalProviderError) Error() string {
	return "provider " + e.Provider + " rejected the request: " + e.Err.Error()
}

func (e *FatalProviderError) Unwrap() error { return e.Err }

// retryable reports whether a provider error is worth backing off on.
func retryable(err error) bool {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Unknown transport failures are treated as transient.
	var fatal *FatalProviderError
	return !errors.As(err, &fatal)
}

const (
	// maxProviderAttempts bounds retries of transient provider errors.
	maxProviderAttempts = 6

	// maxBackoff caps the exponential retry delay.
	maxBackoff = 60 * time.Second
)

// backoffDelay is 2^attempt seconds capped at maxBackoff.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
