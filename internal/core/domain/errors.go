package domain

import (
	"errors"
	"fmt"
)

// Error kinds follow the extraction failure taxonomy: classification drives
// retry policy, not concrete error types.
var (
	ErrNetwork    = errors.New("network failure")
	ErrTimeout    = errors.New("timeout")
	ErrValidation = errors.New("validation failure")
	ErrService    = errors.New("service failure")
	ErrParsing    = errors.New("parsing failure")
	ErrUnknown    = errors.New("unknown failure")

	ErrJobNotFound = errors.New("processing job not found")
	ErrQuotaDenied = errors.New("quota exceeded")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsTransient reports whether an error is worth retrying with backoff.
// Validation and parsing failures are deterministic and never retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrService)
}

// Remediation returns the user-facing suggestion paired with a failure kind.
func Remediation(err error) string {
	switch {
	case IsKind(err, ErrValidation):
		return "Check the file size and format, then upload the document again."
	case IsKind(err, ErrParsing):
		return "The document could not be read. Re-scan or re-export it and upload again."
	case IsKind(err, ErrNetwork), IsKind(err, ErrTimeout), IsKind(err, ErrService):
		return "The service is temporarily unavailable. Wait a moment and retry."
	case IsKind(err, ErrQuotaDenied):
		return "The daily processing allowance is used up. Retry after the quota resets."
	default:
		return "An unexpected error occurred. Retry, and contact support if it persists."
	}
}
