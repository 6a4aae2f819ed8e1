/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access the
 * payment-service needs: connected-account records, payment records correlated with
 * provider sessions, and the durable webhook dedupe ledger. Keeping it an interface
 * decouples the business logic from PostgreSQL and lets tests substitute fakes.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/taskorilla/payment-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Connected account methods
	FindConnectedAccountByPayeeID(ctx context.Context, payeeID string) (*domain.ConnectedAccount, error)
	// CreateConnectedAccount inserts the account unless the payee already has one, in
	// which case the existing row is returned. Concurrent creators converge on one row.
	CreateConnectedAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error)
	// UpdateConnectedAccountStatus refreshes the locally mirrored capability flags from
	// a webhook snapshot. The mirror is informational; gating always re-reads the provider.
	UpdateConnectedAccountStatus(ctx context.Context, accountID string, detailsSubmitted, chargesEnabled, payoutsEnabled bool) error

	// Payment record methods. Status updates never regress a terminal record: once a
	// record is 'settled' or 'failed' it stays there, because webhook deliveries are
	// unordered and a late event must not reopen a closed payment.
	CreatePaymentRecord(ctx context.Context, record *domain.PaymentRecord) error
	UpdatePaymentStatusBySessionID(ctx context.Context, sessionID, status string, failureReason *string) error
	UpdatePaymentStatusByIntentID(ctx context.Context, paymentIntentID, status string, failureReason *string) error
	SetPaymentIntentForSession(ctx context.Context, sessionID, paymentIntentID string) error

	// Webhook dedupe ledger methods.
	// ClaimWebhookEvent atomically records the event id and reports whether this call
	// won the claim. A false return means the event was already processed (or is being
	// processed) and the delivery must be acknowledged without re-running handlers.
	ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
	RecordWebhookOutcome(ctx context.Context, eventID, status string, message *string) error
}
