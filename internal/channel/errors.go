package channel

import (
	"errors"
	"fmt"
)

// ErrSignature is returned when webhook signature verification fails.
var ErrSignature = errors.New("webhook signature verification failed")

// Send error codes shared across adapters.
const (
	CodeRateLimited      = "rate_limited"
	CodeTimeout          = "timeout"
	CodeUpstream         = "upstream_error"
	CodeTokenRevoked     = "token_revoked"
	CodePermissionDenied = "permission_denied"
	CodeInvalidRecipient = "invalid_recipient"
)

// SendError is the adapter-level send failure taxonomy. Retryable errors are
// retried with backoff by the dispatcher; permanent ones are recorded on the
// message and surfaced.
type SendError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("send failed (%s)", e.Code)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as a transient send failure.
func NewRetryableError(code string, err error) *SendError {
	return &SendError{Code: code, Retryable: true, Err: err}
}

// NewPermanentError wraps err as a non-retryable send failure.
func NewPermanentError(code string, err error) *SendError {
	return &SendError{Code: code, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a transient send failure. Errors outside
// the taxonomy (network-level failures) are treated as retryable.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// ErrorCode extracts the taxonomy code from err, or "unknown".
func ErrorCode(err error) string {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code
	}
	return "unknown"
}

// ClassifyStatus maps an HTTP status from a platform API to the taxonomy.
func ClassifyStatus(status int, err error) *SendError {
	switch {
	case status == 429:
		return NewRetryableError(CodeRateLimited, err)
	case status == 401:
		return NewPermanentError(CodeTokenRevoked, err)
	case status == 403:
		return NewPermanentError(CodePermissionDenied, err)
	case status == 400 || status == 404:
		return NewPermanentError(CodeInvalidRecipient, err)
	case status >= 500:
		return NewRetryableError(CodeUpstream, err)
	default:
		return NewRetryableError(CodeUpstream, err)
	}
}
