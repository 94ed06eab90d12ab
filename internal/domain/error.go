package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrConflict           = errors.New("conflicting update")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Subscription / payment errors
	ErrAlreadyEntitled    = errors.New("subscriber already has an active subscription for this course and year")
	ErrPaymentInProgress  = errors.New("a payment for this course and year is already being initiated")
	ErrRateLimited        = errors.New("too many payment attempts, try again later")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrGatewayRejected    = errors.New("payment provider rejected the request")
	ErrGatewayUnavailable = errors.New("payment provider unavailable, try again")
	ErrCallbackMalformed  = errors.New("malformed payment callback")

	ErrCredentialUnavailable = errors.New("credential acquisition failed")
)

// FieldError describes a single caller-supplied field that failed validation.
type FieldError struct {
	Field   string
	Problem string
}

func NewFieldError(field, problem string) *FieldError {
	return &FieldError{Field: field, Problem: problem}
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Problem)
}

func (e *FieldError) Unwrap() error { return ErrInvalidArgument }

// GatewayError is returned by payment provider adapters. Kind is either
// ErrGatewayRejected or ErrGatewayUnavailable so callers can decide whether a
// retry makes sense; Code/Message keep the provider's own words.
type GatewayError struct {
	Kind    error
	Op      string
	Status  int
	Code    string
	Message string
	Raw     string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %v: [%s] %s", e.Op, e.Kind, e.Code, msg)
	}
	if msg != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *GatewayError) Unwrap() []error {
	out := []error{e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Rejected reports whether err is a provider-side rejection.
func Rejected(err error) bool { return errors.Is(err, ErrGatewayRejected) }

// ProviderMessage returns the provider's message from a GatewayError, or the
// error text for anything else.
func ProviderMessage(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Message != "" {
		return ge.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
