package llm

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// TransientError is a failure that may succeed on retry (rate limit, 5xx,
// network).
type TransientError struct{ err error }

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// FatalError is a failure that retrying will not fix (bad request, auth).
type FatalError struct{ err error }

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// classify wraps err from the OpenAI client as transient or fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &FatalError{err: err}
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == 0:
		// transport level: connection refused, reset, EOF
		return &TransientError{err: err}
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return &TransientError{err: err}
	default:
		return &FatalError{err: err}
	}
}
