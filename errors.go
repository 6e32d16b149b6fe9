package tally

import (
	"errors"
	"fmt"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/gateway"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/webhook"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")

	// ErrConflictingWrite means a concurrent mutation won the race. The
	// caller retries the whole operation.
	ErrConflictingWrite = errors.New("tally: conflicting write")

	// Plan errors
	ErrPlanNotFound = errors.New("tally: plan not found")
	ErrPlanInUse    = errors.New("tally: plan price is locked by live subscriptions")
	ErrPlanArchived = errors.New("tally: plan is archived")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("tally: subscription not found")
	ErrSubscriptionExists   = errors.New("tally: user already has a live subscription")
	ErrSubscriptionCanceled = subscription.ErrSubscriptionCanceled
	ErrInvalidTransition    = subscription.ErrInvalidTransition

	// Dunning errors
	ErrDunningCaseNotFound = errors.New("tally: dunning case not found")
	ErrCaseNotActive       = dunning.ErrCaseNotActive

	// Usage errors
	ErrPeriodClosed   = meter.ErrPeriodClosed
	ErrInvalidUsage   = meter.ErrInvalidUsage
	ErrPeriodMismatch = meter.ErrPeriodMismatch

	// Money errors
	ErrUnsupportedCurrency     = money.ErrUnsupportedCurrency
	ErrUnsupportedJurisdiction = money.ErrUnsupportedJurisdiction

	// Event errors
	ErrVerificationFailed = webhook.ErrVerificationFailed
	ErrMalformedEvent     = webhook.ErrMalformedEvent
	// ErrOrphanEvent marks a fact that references no local entity. Orphans
	// are logged and acknowledged.
	ErrOrphanEvent = errors.New("tally: event references unknown entity")

	// Gateway errors
	ErrGatewayUnavailable = gateway.ErrUnavailable
	ErrPaymentDeclined    = gateway.ErrDeclined
	ErrNoProvider         = errors.New("tally: no payment provider configured")
	ErrNoVerifier         = errors.New("tally: no webhook verifier configured")

	// Lock errors
	ErrLockNotAcquired = lock.ErrNotAcquired
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "tally: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("tally: %d errors occurred: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Err returns nil when empty, else the MultiError itself.
func (e MultiError) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrDunningCaseNotFound)
}

// IsRetryable returns true if the error is temporary and the whole
// operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictingWrite) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrLockNotAcquired)
}
