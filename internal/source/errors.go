package source

import (
	"errors"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
)

// Fetch failure kinds. Match them with errors.Is.
var (
	// ErrRateLimited means the source refused the call for budget reasons.
	ErrRateLimited = fmt.Errorf("source: %w", apperrors.ErrRateLimited)
	// ErrTransient covers network failures, timeouts, 5xx and other
	// unexpected statuses, and an open circuit breaker.
	ErrTransient = fmt.Errorf("source: %w", apperrors.ErrUnavailable)
	// ErrMalformed means a page body could not be decoded.
	ErrMalformed = errors.New("source: malformed response")
)

// FetchError annotates a failed page request.
type FetchError struct {
	Kind       error
	StatusCode int
	Offset     int
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s at offset %d", msg, e.Offset)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Outcome names the kind of err for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "transient"
	}
}
