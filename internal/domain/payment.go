/**
 * @description
 * This file defines the core domain models for the payment-service. These structs
 * represent the monetary breakdown of a task payment, the provider-hosted checkout
 * session, connected payee accounts, and the results of webhook processing.
 *
 * @notes
 * - All monetary amounts are `int64` values in minor currency units (cents), which
 *   avoids floating-point inaccuracies with financial data.
 * - Provider-side state (onboarding status) is never treated as locally authoritative;
 *   the structs here are snapshots fetched on demand.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PaymentBreakdown is the full monetary split for one task payment.
//
// Invariants (enforced by the fee calculator):
//
//	TotalChargeMinor   = TaskPriceMinor + PayerFeeMinor
//	PlatformFeeMinor   = PayerFeeMinor + PayeeCommissionMinor
//	PayeeReceivesMinor = TaskPriceMinor - PayeeCommissionMinor
type PaymentBreakdown struct {
	TaskPriceMinor       int64  `json:"task_price_minor"`
	PayerFeeMinor        int64  `json:"payer_fee_minor"`
	PayeeCommissionMinor int64  `json:"payee_commission_minor"`
	TotalChargeMinor     int64  `json:"total_charge_minor"`
	PlatformFeeMinor     int64  `json:"platform_fee_minor"`
	PayeeReceivesMinor   int64  `json:"payee_receives_minor"`
	Currency             string `json:"currency"`
}

// OnboardingRequirements mirrors the provider's outstanding requirement lists for a
// connected account.
type OnboardingRequirements struct {
	CurrentlyDue        []string `json:"currently_due"`
	EventuallyDue       []string `json:"eventually_due"`
	PastDue             []string `json:"past_due"`
	PendingVerification []string `json:"pending_verification"`
}

// OnboardingStatus is a point-in-time snapshot of a payee account's eligibility to
// receive funds. IsFullyOnboarded is always derived from the three capability flags,
// never supplied by the provider directly.
type OnboardingStatus struct {
	AccountID        string                 `json:"account_id"`
	DetailsSubmitted bool                   `json:"details_submitted"`
	ChargesEnabled   bool                   `json:"charges_enabled"`
	PayoutsEnabled   bool                   `json:"payouts_enabled"`
	Requirements     OnboardingRequirements `json:"requirements"`
	IsFullyOnboarded bool                   `json:"is_fully_onboarded"`
}

// ConnectedAccount links a marketplace payee to their provider sub-account. Created at
// most once per payee; the capability flags are a mirror refreshed from webhooks and
// must not be used as the source of truth for gating.
type ConnectedAccount struct {
	ID               uuid.UUID `json:"id"`
	PayeeID          string    `json:"payee_id"`
	AccountID        string    `json:"account_id"`
	DetailsSubmitted bool      `json:"details_submitted"`
	ChargesEnabled   bool      `json:"charges_enabled"`
	PayoutsEnabled   bool      `json:"payouts_enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CheckoutParams carries everything needed to build one provider-hosted checkout
// session for a task payment.
type CheckoutParams struct {
	TaskID         string `json:"task_id"`
	TaskTitle      string `json:"task_title"`
	TaskPriceMinor int64  `json:"task_price_minor"`
	PayerID        string `json:"payer_id"`
	PayeeID        string `json:"payee_id"`
	PayeeAccountID string `json:"payee_account_id"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
	PayerEmail     string `json:"payer_email,omitempty"`
	Currency       string `json:"currency,omitempty"`
	// AttemptNonce distinguishes deliberate new payment attempts for the same
	// task/payee pair. Retries of the same attempt reuse the nonce so the derived
	// idempotency key collapses them into a single provider session.
	AttemptNonce string `json:"attempt_nonce,omitempty"`
}

// CheckoutSession is the result of a successful build: one created, immutable provider
// transaction the payer is redirected to.
type CheckoutSession struct {
	SessionID   string           `json:"session_id"`
	CheckoutURL string           `json:"checkout_url"`
	Breakdown   PaymentBreakdown `json:"breakdown"`
}

// PaymentRecord is the local ledger row written when a session is created and advanced
// by webhook handlers. Status is one of 'created', 'processing', 'settled', 'failed'.
type PaymentRecord struct {
	ID                   uuid.UUID `json:"id"`
	TaskID               string    `json:"task_id"`
	PayerID              string    `json:"payer_id"`
	PayeeID              string    `json:"payee_id"`
	PayeeAccountID       string    `json:"payee_account_id"`
	SessionID            string    `json:"session_id"`
	PaymentIntentID      *string   `json:"payment_intent_id,omitempty"`
	TaskPriceMinor       int64     `json:"task_price_minor"`
	PayerFeeMinor        int64     `json:"payer_fee_minor"`
	PayeeCommissionMinor int64     `json:"payee_commission_minor"`
	TotalChargeMinor     int64     `json:"total_charge_minor"`
	PlatformFeeMinor     int64     `json:"platform_fee_minor"`
	PayeeReceivesMinor   int64     `json:"payee_receives_minor"`
	Currency             string    `json:"currency"`
	Status               string    `json:"status"`
	FailureReason        *string   `json:"failure_reason,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ProviderEvent is one verified notification from the payment provider. Payload holds
// the raw JSON of the event's data object; handlers decode the slice they need.
type ProviderEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WebhookResult summarizes processing of one delivery. Success=false with a 2xx HTTP
// response is the soft-failure case: the provider is acknowledged while the failure is
// escalated for manual reconciliation.
type WebhookResult struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Message   string `json:"message,omitempty"`
}

// ProviderCheckoutRequest is the provider-agnostic shape of a hosted checkout create
// call. The provider client translates it into the vendor SDK's parameter types.
type ProviderCheckoutRequest struct {
	TaskTitle          string
	TaskPriceMinor     int64
	PayerFeeMinor      int64
	PlatformFeeMinor   int64
	Currency           string
	DestinationAccount string
	SuccessURL         string
	CancelURL          string
	PayerEmail         string
	Metadata           map[string]string
	IdempotencyKey     string
}

// ProviderCheckoutSession is the provider's view of a created or retrieved session.
type ProviderCheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
	PaymentStatus   string
	Metadata        map[string]string
}

// CreateConnectedAccountParams configures a new provider sub-account for a payee.
type CreateConnectedAccountParams struct {
	PayeeID        string
	Email          string
	Country        string
	PayoutSchedule string
}

// ProviderAccount is the provider's view of a connected account, as returned by the
// retrieve call. The resolver derives OnboardingStatus from it.
type ProviderAccount struct {
	ID               string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
	Requirements     OnboardingRequirements
}
