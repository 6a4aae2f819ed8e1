/**
 * @description
 * The checkout session builder. Orchestrates the onboarding gate, the fee calculator,
 * and the provider client to create one hosted checkout session whose settled funds
 * are split atomically: the provider routes the payee's share to their connected
 * account and withholds the platform fee in the same operation, so no second transfer
 * step can be missed or double-applied.
 *
 * Retry safety: the provider call carries an idempotency key derived deterministically
 * from (taskID, payeeID, attemptNonce), so a network retry or double-click cannot
 * create a duplicate session for the same attempt.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskorilla/payment-service/internal/domain"
)

// checkoutIdempotencyNamespace scopes derived idempotency keys to this service.
var checkoutIdempotencyNamespace = uuid.MustParse("9c1f2b74-46a5-4c0e-9d31-7a8262dfb1a4")

// deriveIdempotencyKey maps one payment attempt to one provider-side key. The same
// task/payee/nonce triple always yields the same key; a new nonce starts a new attempt.
func deriveIdempotencyKey(taskID, payeeID, attemptNonce string) string {
	seed := fmt.Sprintf("%s:%s:%s", taskID, payeeID, attemptNonce)
	return uuid.NewSHA1(checkoutIdempotencyNamespace, []byte(seed)).String()
}

// composeSuccessURL appends the provider's session-id placeholder, joining with '&'
// when the URL already carries a query string and '?' otherwise. The cancel URL is
// used unmodified.
func composeSuccessURL(successURL string) string {
	separator := "?"
	if strings.Contains(successURL, "?") {
		separator = "&"
	}
	return successURL + separator + "session_id={CHECKOUT_SESSION_ID}"
}

// BuildCheckoutSession creates exactly one provider-hosted checkout session for a task
// payment. Order matters: the onboarding gate and amount validation run before any
// money-adjacent provider call, so an invalid request never creates remote state.
func (s *Service) BuildCheckoutSession(ctx context.Context, params domain.CheckoutParams) (*domain.CheckoutSession, error) {
	if s.rateLimiter != nil && s.settings.CheckoutRateLimitPerMinute > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "checkout", params.PayerID, s.settings.CheckoutRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=payments msg=\"checkout rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > s.settings.CheckoutRateLimitPerMinute {
			return nil, &domain.RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	if params.PayeeAccountID == "" {
		account, err := s.repo.FindConnectedAccountByPayeeID(ctx, params.PayeeID)
		if err != nil {
			return nil, err
		}
		params.PayeeAccountID = account.AccountID
	}

	// 1. Gate on the payee's current onboarding status, fetched fresh.
	status, err := s.ResolveOnboardingStatus(ctx, params.PayeeAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payee onboarding status: %w", err)
	}
	if !status.IsFullyOnboarded {
		return nil, &domain.PayeeNotOnboardedError{Status: status}
	}

	// 2. Compute the breakdown. Invalid amounts surface here, before the provider call.
	breakdown, err := s.ComputeBreakdown(params.TaskPriceMinor, params.Currency)
	if err != nil {
		return nil, err
	}

	// 3. Reconciliation metadata: ids plus every breakdown amount, attached to both the
	// session and its payment intent so webhook handlers can reconstruct intent without
	// a second lookup.
	metadata := map[string]string{
		"task_id":                params.TaskID,
		"payer_id":               params.PayerID,
		"payee_id":               params.PayeeID,
		"payee_account_id":       params.PayeeAccountID,
		"task_price_minor":       strconv.FormatInt(breakdown.TaskPriceMinor, 10),
		"payer_fee_minor":        strconv.FormatInt(breakdown.PayerFeeMinor, 10),
		"payee_commission_minor": strconv.FormatInt(breakdown.PayeeCommissionMinor, 10),
		"total_charge_minor":     strconv.FormatInt(breakdown.TotalChargeMinor, 10),
		"platform_fee_minor":     strconv.FormatInt(breakdown.PlatformFeeMinor, 10),
		"payee_receives_minor":   strconv.FormatInt(breakdown.PayeeReceivesMinor, 10),
		"currency":               breakdown.Currency,
	}

	session, err := s.provider.CreateCheckoutSession(ctx, domain.ProviderCheckoutRequest{
		TaskTitle:          params.TaskTitle,
		TaskPriceMinor:     breakdown.TaskPriceMinor,
		PayerFeeMinor:      breakdown.PayerFeeMinor,
		PlatformFeeMinor:   breakdown.PlatformFeeMinor,
		Currency:           breakdown.Currency,
		DestinationAccount: params.PayeeAccountID,
		SuccessURL:         composeSuccessURL(params.SuccessURL),
		CancelURL:          params.CancelURL,
		PayerEmail:         params.PayerEmail,
		Metadata:           metadata,
		IdempotencyKey:     deriveIdempotencyKey(params.TaskID, params.PayeeID, params.AttemptNonce),
	})
	if err != nil {
		return nil, err
	}

	record := &domain.PaymentRecord{
		ID:                   uuid.New(),
		TaskID:               params.TaskID,
		PayerID:              params.PayerID,
		PayeeID:              params.PayeeID,
		PayeeAccountID:       params.PayeeAccountID,
		SessionID:            session.ID,
		TaskPriceMinor:       breakdown.TaskPriceMinor,
		PayerFeeMinor:        breakdown.PayerFeeMinor,
		PayeeCommissionMinor: breakdown.PayeeCommissionMinor,
		TotalChargeMinor:     breakdown.TotalChargeMinor,
		PlatformFeeMinor:     breakdown.PlatformFeeMinor,
		PayeeReceivesMinor:   breakdown.PayeeReceivesMinor,
		Currency:             breakdown.Currency,
		Status:               "created",
	}
	if session.PaymentIntentID != "" {
		record.PaymentIntentID = &session.PaymentIntentID
	}
	if err := s.repo.CreatePaymentRecord(ctx, record); err != nil {
		// The remote session exists; losing the local row is a reconciliation problem,
		// not a reason to fail the payer who can still complete checkout.
		log.Printf("level=error component=payments msg=\"failed to store payment record\" session_id=%s err=%v", session.ID, err)
		s.publishEvent(ctx, "payment.reconciliation.required", map[string]string{
			"session_id": session.ID,
			"task_id":    params.TaskID,
			"reason":     "payment record write failed",
		})
	}

	log.Printf("level=info component=payments msg=\"checkout session created\" session_id=%s task_id=%s payee_id=%s total_minor=%d", session.ID, params.TaskID, params.PayeeID, breakdown.TotalChargeMinor)

	return &domain.CheckoutSession{
		SessionID:   session.ID,
		CheckoutURL: session.URL,
		Breakdown:   breakdown,
	}, nil
}

// GetCheckoutStatus reports the provider's current view of a session. The success
// redirect lands with only the session id placeholder filled in, so the task flow
// calls this to learn whether the payment is already paid or still pending.
func (s *Service) GetCheckoutStatus(ctx context.Context, sessionID string) (*domain.ProviderCheckoutSession, error) {
	session, err := s.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session, nil
}
