package eri

import (
	"errors"
	"fmt"
)

// Category normalizes government gateway failures into the taxonomy the
// orchestrator acts on. Each category maps to a distinct recovery path.
type Category string

const (
	// CategoryAuth indicates the ERI session is invalid or expired. The
	// session manager re-authenticates; the end user never sees this unless
	// re-login also fails.
	CategoryAuth Category = "auth"

	// CategorySigning indicates the payload could not be signed. Fatal,
	// configuration-level: halts all operations until the DSC is fixed.
	CategorySigning Category = "signing"

	// CategoryValidation indicates the gateway rejected the request shape
	// (bad PAN/DOB format, malformed body).
	CategoryValidation Category = "validation"

	// CategoryRemote indicates a business-rule rejection by the service.
	CategoryRemote Category = "remote"

	// CategoryOTPExpired indicates the transaction window elapsed before the
	// OTP was submitted. The originating step must be restarted.
	CategoryOTPExpired Category = "otp_expired"

	// CategoryOTPMismatch indicates a wrong OTP code. Retryable up to the
	// configured attempt bound.
	CategoryOTPMismatch Category = "otp_mismatch"

	// CategoryTransport indicates a network-level failure. Retried with
	// backoff for idempotent calls; surfaced immediately otherwise.
	CategoryTransport Category = "transport"

	// CategorySubmission indicates an attempted resubmission of an
	// already-submitted return.
	CategorySubmission Category = "submission"

	// CategoryVerificationExpired indicates the EVC request window elapsed.
	CategoryVerificationExpired Category = "verification_expired"
)

// APIError wraps gateway failures with normalized categorization.
type APIError struct {
	Category   Category
	Op         string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Op, e.Category, e.Message)
}

func (e *APIError) Unwrap() error { return e.Underlying }

func newError(category Category, op, message string, underlying error) *APIError {
	return &APIError{
		Category:   category,
		Op:         op,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == CategoryTransport,
	}
}

// IsCategory reports whether err is an APIError of the given category.
func IsCategory(err error, category Category) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == category
	}
	return false
}

// GetCategory extracts the category from an error, defaulting to remote.
func GetCategory(err error) Category {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return CategoryRemote
}
