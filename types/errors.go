package types

import (
	"errors"
	"fmt"
)

// Error codes for the payment flow. Structural errors are never retried:
// a missing route or an unsupported scheme will not appear on a retry.
const (
	ErrCodeUnsupportedScheme   = "unsupported_payment_scheme"
	ErrCodeInvalidRequirements = "invalid_payment_requirements"
	ErrCodeInsufficientBalance = "insufficient_balance_after_conversion"
	ErrCodeNoRoute             = "no_route_available"
	ErrCodeConversionFailed    = "conversion_failed"
	ErrCodeTransactionTimeout  = "transaction_timeout"
	ErrCodeTransport           = "transport_error"
	ErrCodeCancelled           = "cancelled"
	ErrCodeMissingRecipient    = "missing_recipient"
)

// AutoPayError is the typed error surfaced by every component.
type AutoPayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AutoPayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AutoPayError) Unwrap() error { return e.Err }

// NewError builds an AutoPayError wrapping err.
func NewError(code, message string, err error) *AutoPayError {
	return &AutoPayError{Code: code, Message: message, Err: err}
}

// Errorf builds an AutoPayError with a formatted message and no cause.
func Errorf(code, format string, args ...any) *AutoPayError {
	return &AutoPayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is (or wraps, at any depth) an
// AutoPayError with the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if ape, ok := err.(*AutoPayError); ok && ape.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// CancelledOr maps context cancellation to the cancelled error code so
// callers can distinguish an aborted flow from a timed-out transaction.
func CancelledOr(ctxErr error, fallback *AutoPayError) *AutoPayError {
	if ctxErr != nil {
		return NewError(ErrCodeCancelled, "flow cancelled", ctxErr)
	}
	return fallback
}
