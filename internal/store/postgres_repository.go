/**
 * @description
 * PostgreSQL implementation of the Repository interface using the pgx connection pool.
 * Three tables back this service:
 *
 *   connected_accounts (id, payee_id UNIQUE, account_id UNIQUE, details_submitted,
 *                       charges_enabled, payouts_enabled, created_at, updated_at)
 *   payment_records    (id, task_id, payer_id, payee_id, payee_account_id,
 *                       session_id UNIQUE, payment_intent_id, task_price_minor,
 *                       payer_fee_minor, payee_commission_minor, total_charge_minor,
 *                       platform_fee_minor, payee_receives_minor, currency, status,
 *                       failure_reason, created_at, updated_at)
 *   webhook_events     (event_id PRIMARY KEY, event_type, status, message, processed_at)
 *
 * The webhook_events primary key is the dedupe ledger: claiming an event is a single
 * INSERT ... ON CONFLICT DO NOTHING, so concurrent redeliveries serialize on the
 * unique constraint rather than on a read-then-write.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskorilla/payment-service/internal/domain"
)

// PostgresRepository implements Repository backed by a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository instance.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const connectedAccountColumns = `
	id, payee_id, account_id, details_submitted, charges_enabled, payouts_enabled,
	created_at, updated_at`

func scanConnectedAccount(row pgx.Row) (*domain.ConnectedAccount, error) {
	var account domain.ConnectedAccount
	err := row.Scan(
		&account.ID,
		&account.PayeeID,
		&account.AccountID,
		&account.DetailsSubmitted,
		&account.ChargesEnabled,
		&account.PayoutsEnabled,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindConnectedAccountByPayeeID looks up the payee's provider account reference.
func (r *PostgresRepository) FindConnectedAccountByPayeeID(ctx context.Context, payeeID string) (*domain.ConnectedAccount, error) {
	query := `SELECT` + connectedAccountColumns + ` FROM connected_accounts WHERE payee_id = $1`
	account, err := scanConnectedAccount(r.db.QueryRow(ctx, query, payeeID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find connected account for payee %s: %w", payeeID, err)
	}
	return account, nil
}

// CreateConnectedAccount inserts a new account row, or returns the existing one when
// the payee already has an account. The unique constraint on payee_id makes concurrent
// first-time creators converge on a single row.
func (r *PostgresRepository) CreateConnectedAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	query := `
		INSERT INTO connected_accounts (id, payee_id, account_id, details_submitted, charges_enabled, payouts_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payee_id) DO NOTHING
		RETURNING` + connectedAccountColumns
	created, err := scanConnectedAccount(r.db.QueryRow(ctx, query,
		account.ID,
		account.PayeeID,
		account.AccountID,
		account.DetailsSubmitted,
		account.ChargesEnabled,
		account.PayoutsEnabled,
	))
	if err == nil {
		return created, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to create connected account for payee %s: %w", account.PayeeID, err)
	}

	// Lost the insert race; hand back the row that won.
	return r.FindConnectedAccountByPayeeID(ctx, account.PayeeID)
}

// UpdateConnectedAccountStatus refreshes the mirrored capability flags for an account.
func (r *PostgresRepository) UpdateConnectedAccountStatus(ctx context.Context, accountID string, detailsSubmitted, chargesEnabled, payoutsEnabled bool) error {
	query := `
		UPDATE connected_accounts
		SET details_submitted = $2, charges_enabled = $3, payouts_enabled = $4, updated_at = NOW()
		WHERE account_id = $1`
	tag, err := r.db.Exec(ctx, query, accountID, detailsSubmitted, chargesEnabled, payoutsEnabled)
	if err != nil {
		return fmt.Errorf("failed to update status for account %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// CreatePaymentRecord writes the local ledger row for a newly created session.
func (r *PostgresRepository) CreatePaymentRecord(ctx context.Context, record *domain.PaymentRecord) error {
	query := `
		INSERT INTO payment_records (
			id, task_id, payer_id, payee_id, payee_account_id, session_id, payment_intent_id,
			task_price_minor, payer_fee_minor, payee_commission_minor, total_charge_minor,
			platform_fee_minor, payee_receives_minor, currency, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.db.Exec(ctx, query,
		record.ID,
		record.TaskID,
		record.PayerID,
		record.PayeeID,
		record.PayeeAccountID,
		record.SessionID,
		record.PaymentIntentID,
		record.TaskPriceMinor,
		record.PayerFeeMinor,
		record.PayeeCommissionMinor,
		record.TotalChargeMinor,
		record.PlatformFeeMinor,
		record.PayeeReceivesMinor,
		record.Currency,
		record.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment record for session %s: %w", record.SessionID, err)
	}
	return nil
}

// UpdatePaymentStatusBySessionID advances the payment record correlated with a session.
// Terminal statuses ('settled', 'failed') are final: webhook deliveries arrive unordered,
// and a late 'processing' write must not regress a record a faster event already closed.
func (r *PostgresRepository) UpdatePaymentStatusBySessionID(ctx context.Context, sessionID, status string, failureReason *string) error {
	query := `
		UPDATE payment_records
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = NOW()
		WHERE session_id = $1 AND status NOT IN ('settled', 'failed')`
	_, err := r.db.Exec(ctx, query, sessionID, status, failureReason)
	if err != nil {
		return fmt.Errorf("failed to update payment status for session %s: %w", sessionID, err)
	}
	return nil
}

// UpdatePaymentStatusByIntentID advances the payment record correlated with a payment
// intent, with the same terminal-status guard as the session variant.
func (r *PostgresRepository) UpdatePaymentStatusByIntentID(ctx context.Context, paymentIntentID, status string, failureReason *string) error {
	query := `
		UPDATE payment_records
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = NOW()
		WHERE payment_intent_id = $1 AND status NOT IN ('settled', 'failed')`
	_, err := r.db.Exec(ctx, query, paymentIntentID, status, failureReason)
	if err != nil {
		return fmt.Errorf("failed to update payment status for intent %s: %w", paymentIntentID, err)
	}
	return nil
}

// SetPaymentIntentForSession links the payment intent id once the provider reports it.
func (r *PostgresRepository) SetPaymentIntentForSession(ctx context.Context, sessionID, paymentIntentID string) error {
	query := `
		UPDATE payment_records
		SET payment_intent_id = $2, updated_at = NOW()
		WHERE session_id = $1 AND (payment_intent_id IS NULL OR payment_intent_id = $2)`
	_, err := r.db.Exec(ctx, query, sessionID, paymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to link payment intent %s to session %s: %w", paymentIntentID, sessionID, err)
	}
	return nil
}

// ClaimWebhookEvent atomically records an event id in the dedupe ledger. It returns
// true when this call inserted the row, false when the event was already claimed.
func (r *PostgresRepository) ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, status)
		VALUES ($1, $2, 'processing')
		ON CONFLICT (event_id) DO NOTHING`
	tag, err := r.db.Exec(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event %s: %w", eventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordWebhookOutcome stores the terminal result for a claimed event.
func (r *PostgresRepository) RecordWebhookOutcome(ctx context.Context, eventID, status string, message *string) error {
	query := `
		UPDATE webhook_events
		SET status = $2, message = $3, processed_at = NOW()
		WHERE event_id = $1`
	_, err := r.db.Exec(ctx, query, eventID, status, message)
	if err != nil {
		return fmt.Errorf("failed to record webhook outcome for event %s: %w", eventID, err)
	}
	return nil
}
