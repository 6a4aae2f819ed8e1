/**
 * @description
 * Typed error kinds for the payment-service. Each failure mode the callers need to
 * distinguish gets its own type or sentinel so the API layer can map them to precise
 * HTTP statuses with errors.Is/errors.As instead of string matching.
 */

package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidAmount is returned for a negative task price. It is surfaced to the caller
// synchronously and never reaches the provider.
var ErrInvalidAmount = errors.New("task price must be a non-negative amount in minor units")

// ErrAccountNotFound is returned when a payee has no connected account on record.
var ErrAccountNotFound = errors.New("connected account not found")

// ConfigError indicates required configuration (provider secrets) is missing. It is
// raised at bootstrap so the service fails fast instead of silently disabling payments.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("required configuration %s is not set", e.Key)
}

// PayeeNotOnboardedError rejects a checkout build for a payee whose connected account
// cannot yet receive funds. It carries the full status snapshot so the caller can show
// which requirement is outstanding.
type PayeeNotOnboardedError struct {
	Status OnboardingStatus
}

func (e *PayeeNotOnboardedError) Error() string {
	return fmt.Sprintf(
		"payee account %s is not fully onboarded (details_submitted=%t charges_enabled=%t payouts_enabled=%t)",
		e.Status.AccountID, e.Status.DetailsSubmitted, e.Status.ChargesEnabled, e.Status.PayoutsEnabled,
	)
}

// SignatureVerificationError marks a webhook delivery whose signature did not verify
// against the raw body. The payload must never be trusted after this error.
type SignatureVerificationError struct {
	Err error
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.Err)
}

func (e *SignatureVerificationError) Unwrap() error { return e.Err }

// RateLimitedError rejects a checkout attempt that exceeded the per-payer creation
// limit. RetryAfterSeconds feeds the Retry-After response header.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many checkout attempts, retry after %ds", e.RetryAfterSeconds)
}

// ProviderError wraps any upstream provider API failure with the operation that was
// being performed.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
