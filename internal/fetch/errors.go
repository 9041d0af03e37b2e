package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnreachable covers network errors, timeouts and open breakers.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamRejected is a non-2xx answer.
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrMalformedPayload means the body did not carry the fields an adapter consumes.
	ErrMalformedPayload = errors.New("malformed upstream payload")
	// ErrAllSourcesExhausted is returned once every candidate or attempt failed.
	ErrAllSourcesExhausted = errors.New("all upstream sources exhausted")
	// errCoolingDown marks a candidate skipped because it asked us to back off.
	errCoolingDown = errors.New("upstream cooling down")
)

// RejectedError carries the status code of a non-2xx response.
type RejectedError struct {
	Source string
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Source, e.Status)
}

func (e *RejectedError) Unwrap() error { return ErrUpstreamRejected }

// ExhaustedError is returned after every candidate failed. Last is the final
// error observed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrAllSourcesExhausted, e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last upstream error.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrAllSourcesExhausted, e.Last}
}

// Malformed wraps a decode problem as ErrMalformedPayload.
func Malformed(source string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", source, ErrMalformedPayload)
	}
	return fmt.Errorf("%s: %w: %v", source, ErrMalformedPayload, err)
}

// Outcome classifies an attempt error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUpstreamRejected):
		return "rejected"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	default:
		return "unreachable"
	}
}
