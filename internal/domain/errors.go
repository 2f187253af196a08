package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrTooManyOrders   = errors.New("active order limit reached")
	ErrCooldown        = errors.New("symbol and side are cooling down")
	ErrOrderTerminal   = errors.New("order already in terminal state")
	ErrStateCorruption = errors.New("state corruption")
	ErrTimeoutExpired  = errors.New("order timeout expired")
)

// ValidationError rejects bad input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// RateLimitedError is returned when the rate limiter denies admission.
type RateLimitedError struct {
	Symbol     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Symbol, e.RetryAfter)
}

// InsufficientBalanceError is a failed balance precondition.
type InsufficientBalanceError struct {
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: need %s, have %s", e.Asset, e.Required, e.Available)
}

// TransportError reports a failure on every transport that was tried.
type TransportError struct {
	Op       string
	Attempts []TransportAttempt
}

// TransportAttempt is one transport's failure.
type TransportAttempt struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Transport, a.Err))
	}
	return fmt.Sprintf("%s failed on all transports (%s)", e.Op, strings.Join(parts, "; "))
}

func (e *TransportError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
