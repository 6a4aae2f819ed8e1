/**
 * @description
 * The webhook processor. Every inbound provider delivery moves through the same
 * pipeline: verify the signature against the raw body, refetch the canonical event by
 * id (the delivered payload is only a pointer, never a trusted source), claim the
 * event id in the durable dedupe ledger, route by type, handle, and record the
 * outcome.
 *
 * Delivery is at-least-once and may be concurrent; the ledger's unique constraint is
 * the single serialization point. Handler failures after the claim become soft
 * failures: the provider still gets a 2xx (no redelivery storm) while a
 * payment.reconciliation.required event escalates the miss for manual follow-up. Only
 * a signature failure may reject the delivery outright.
 *
 * @dependencies
 * - context, encoding/json, log: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and the dedupe ledger.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/taskorilla/payment-service/internal/domain"
)

type webhookHandler func(ctx context.Context, event *domain.ProviderEvent) error

func (s *Service) webhookRoutes() map[string]webhookHandler {
	return map[string]webhookHandler{
		"account.updated":                          s.handleAccountUpdated,
		"capability.updated":                       s.handleCapabilityUpdated,
		"checkout.session.completed":               s.handleCheckoutCompleted,
		"checkout.session.async_payment_succeeded": s.handleCheckoutAsyncPaymentSucceeded,
		"checkout.session.async_payment_failed":    s.handleCheckoutAsyncPaymentFailed,
		"payment_intent.succeeded":                 s.handlePaymentIntentSucceeded,
		"payment_intent.payment_failed":            s.handlePaymentIntentFailed,
		"transfer.created":                         s.handleTransferCreated,
		"payout.paid":                              s.handlePayoutPaid,
		"payout.failed":                            s.handlePayoutFailed,
	}
}

// ProcessWebhook runs one delivery through the verification pipeline. The returned
// error is non-nil only for pre-verification failures; everything after the signature
// check resolves to a WebhookResult the HTTP boundary acknowledges with a 2xx.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.WebhookResult, error) {
	// 1. Verify. Nothing in the payload is trusted before this succeeds.
	delivered, err := s.provider.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"signature verification failed\" err=%v", err)
		return domain.WebhookResult{}, err
	}

	// 2. Refetch the canonical event; the delivery is only trusted for its id.
	event, err := s.provider.GetEvent(ctx, delivered.ID)
	if err != nil {
		// Verified but unfetchable: acknowledge and escalate rather than invite a
		// redelivery storm for an event the provider already signed.
		log.Printf("level=error component=webhook msg=\"canonical event refetch failed\" event_id=%s err=%v", delivered.ID, err)
		return s.escalate(ctx, delivered.ID, delivered.Type, fmt.Sprintf("event refetch failed: %v", err)), nil
	}

	// 3. Dedupe. Winning the claim is atomic; redelivery of a claimed id is a no-op.
	claimed, err := s.repo.ClaimWebhookEvent(ctx, event.ID, event.Type)
	if err != nil {
		log.Printf("level=error component=webhook msg=\"dedupe ledger unavailable\" event_id=%s err=%v", event.ID, err)
		return s.escalate(ctx, event.ID, event.Type, fmt.Sprintf("dedupe claim failed: %v", err)), nil
	}
	if !claimed {
		log.Printf("level=info component=webhook msg=\"duplicate event ignored\" event_id=%s event_type=%s", event.ID, event.Type)
		return domain.WebhookResult{Success: true, Duplicate: true, EventID: event.ID, EventType: event.Type, Message: "duplicate event ignored"}, nil
	}

	// 4. Route. Unrecognized types are acknowledged, not errors.
	handler, known := s.webhookRoutes()[event.Type]
	if !known {
		log.Printf("level=info component=webhook msg=\"unhandled event type acknowledged\" event_id=%s event_type=%s", event.ID, event.Type)
		s.recordOutcome(ctx, event.ID, "ignored", "unhandled event type")
		return domain.WebhookResult{Success: true, EventID: event.ID, EventType: event.Type, Message: "unhandled event type"}, nil
	}

	// 5. Handle and record. A handler error is a soft failure.
	if err := s.runHandler(ctx, handler, event); err != nil {
		log.Printf("level=error component=webhook msg=\"handler failed\" event_id=%s event_type=%s err=%v", event.ID, event.Type, err)
		s.recordOutcome(ctx, event.ID, "failed", err.Error())
		return s.escalate(ctx, event.ID, event.Type, err.Error()), nil
	}

	s.recordOutcome(ctx, event.ID, "processed", "")
	return domain.WebhookResult{Success: true, EventID: event.ID, EventType: event.Type}, nil
}

// runHandler invokes a handler, converting panics into errors so one malformed event
// cannot take the delivery loop down.
func (s *Service) runHandler(ctx context.Context, handler webhookHandler, event *domain.ProviderEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

func (s *Service) escalate(ctx context.Context, eventID, eventType, message string) domain.WebhookResult {
	s.publishEvent(ctx, "payment.reconciliation.required", map[string]string{
		"event_id":   eventID,
		"event_type": eventType,
		"reason":     message,
	})
	return domain.WebhookResult{Success: false, EventID: eventID, EventType: eventType, Message: message}
}

func (s *Service) recordOutcome(ctx context.Context, eventID, status, message string) {
	var msg *string
	if message != "" {
		msg = &message
	}
	if err := s.repo.RecordWebhookOutcome(ctx, eventID, status, msg); err != nil {
		log.Printf("level=warn component=webhook msg=\"failed to record event outcome\" event_id=%s err=%v", eventID, err)
	}
}

// accountSnapshot is the slice of the provider account object the capability handlers
// need. Flags are read as a whole snapshot; no transition order is assumed.
type accountSnapshot struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

// handleAccountUpdated mirrors the payee's capability flags and announces onboarding
// progress to the marketplace.
func (s *Service) handleAccountUpdated(ctx context.Context, event *domain.ProviderEvent) error {
	var snapshot accountSnapshot
	if err := json.Unmarshal(event.Payload, &snapshot); err != nil {
		return fmt.Errorf("failed to decode account snapshot: %w", err)
	}
	if snapshot.ID == "" {
		return fmt.Errorf("account snapshot missing id")
	}
	return s.applyAccountSnapshot(ctx, snapshot)
}

// handleCapabilityUpdated carries only a capability object; the account snapshot is
// re-read from the provider so the mirror is derived from current state, not from an
// assumed monotonic transition.
func (s *Service) handleCapabilityUpdated(ctx context.Context, event *domain.ProviderEvent) error {
	var capability struct {
		Account json.RawMessage `json:"account"`
	}
	if err := json.Unmarshal(event.Payload, &capability); err != nil {
		return fmt.Errorf("failed to decode capability payload: %w", err)
	}

	var accountID string
	if err := json.Unmarshal(capability.Account, &accountID); err != nil {
		var accountRef struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(capability.Account, &accountRef); err != nil || accountRef.ID == "" {
			return fmt.Errorf("capability payload missing account reference")
		}
		accountID = accountRef.ID
	}

	account, err := s.provider.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to refetch account %s: %w", accountID, err)
	}
	return s.applyAccountSnapshot(ctx, accountSnapshot{
		ID:               account.ID,
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
	})
}

func (s *Service) applyAccountSnapshot(ctx context.Context, snapshot accountSnapshot) error {
	err := s.repo.UpdateConnectedAccountStatus(ctx, snapshot.ID, snapshot.DetailsSubmitted, snapshot.ChargesEnabled, snapshot.PayoutsEnabled)
	if err != nil {
		return fmt.Errorf("failed to mirror account status for %s: %w", snapshot.ID, err)
	}

	fullyOnboarded := snapshot.DetailsSubmitted && snapshot.ChargesEnabled && snapshot.PayoutsEnabled
	log.Printf("level=info component=webhook msg=\"account capabilities updated\" account_id=%s details_submitted=%t charges_enabled=%t payouts_enabled=%t", snapshot.ID, snapshot.DetailsSubmitted, snapshot.ChargesEnabled, snapshot.PayoutsEnabled)
	s.publishEvent(ctx, "payee.onboarding.updated", map[string]interface{}{
		"account_id":         snapshot.ID,
		"details_submitted":  snapshot.DetailsSubmitted,
		"charges_enabled":    snapshot.ChargesEnabled,
		"payouts_enabled":    snapshot.PayoutsEnabled,
		"is_fully_onboarded": fullyOnboarded,
	})
	return nil
}

// checkoutSessionPayload is the slice of the checkout session object the settlement
// handlers need. payment_intent may arrive as a string id or an expanded object.
type checkoutSessionPayload struct {
	ID            string            `json:"id"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

func (p checkoutSessionPayload) paymentIntentID() string {
	if len(p.PaymentIntent) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(p.PaymentIntent, &id); err == nil {
		return id
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.PaymentIntent, &ref); err == nil {
		return ref.ID
	}
	return ""
}

// handleCheckoutCompleted settles card payments immediately; delayed payment methods
// stay in 'processing' until the async payment events arrive.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *domain.ProviderEvent) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Payload, &session); err != nil {
		return fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if session.ID == "" {
		return fmt.Errorf("checkout session payload missing id")
	}

	if intentID := session.paymentIntentID(); intentID != "" {
		if err := s.repo.SetPaymentIntentForSession(ctx, session.ID, intentID); err != nil {
			return err
		}
	}

	if session.PaymentStatus == "paid" {
		return s.settleSession(ctx, session, "checkout completed")
	}

	if err := s.repo.UpdatePaymentStatusBySessionID(ctx, session.ID, "processing", nil); err != nil {
		return err
	}
	log.Printf("level=info component=webhook msg=\"checkout completed, payment pending\" session_id=%s payment_status=%s", session.ID, session.PaymentStatus)
	return nil
}

func (s *Service) handleCheckoutAsyncPaymentSucceeded(ctx context.Context, event *domain.ProviderEvent) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Payload, &session); err != nil {
		return fmt.Errorf("failed to decode checkout session: %w", err)
	}
	return s.settleSession(ctx, session, "async payment succeeded")
}

func (s *Service) handleCheckoutAsyncPaymentFailed(ctx context.Context, event *domain.ProviderEvent) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Payload, &session); err != nil {
		return fmt.Errorf("failed to decode checkout session: %w", err)
	}

	reason := "async payment failed"
	if err := s.repo.UpdatePaymentStatusBySessionID(ctx, session.ID, "failed", &reason); err != nil {
		return err
	}
	s.publishEvent(ctx, "payment.failed", map[string]string{
		"session_id": session.ID,
		"task_id":    session.Metadata["task_id"],
		"payer_id":   session.Metadata["payer_id"],
		"payee_id":   session.Metadata["payee_id"],
		"reason":     reason,
	})
	return nil
}

func (s *Service) settleSession(ctx context.Context, session checkoutSessionPayload, via string) error {
	if err := s.repo.UpdatePaymentStatusBySessionID(ctx, session.ID, "settled", nil); err != nil {
		return err
	}
	log.Printf("level=info component=webhook msg=\"payment settled\" session_id=%s task_id=%s via=%q", session.ID, session.Metadata["task_id"], via)
	s.publishEvent(ctx, "payment.settled", map[string]string{
		"session_id":         session.ID,
		"task_id":            session.Metadata["task_id"],
		"payer_id":           session.Metadata["payer_id"],
		"payee_id":           session.Metadata["payee_id"],
		"total_charge_minor": session.Metadata["total_charge_minor"],
		"platform_fee_minor": session.Metadata["platform_fee_minor"],
	})
	return nil
}

// paymentIntentPayload is the slice of the payment intent object the intent handlers
// need; metadata mirrors the session's reconciliation metadata.
type paymentIntentPayload struct {
	ID               string            `json:"id"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, event *domain.ProviderEvent) error {
	var intent paymentIntentPayload
	if err := json.Unmarshal(event.Payload, &intent); err != nil {
		return fmt.Errorf("failed to decode payment intent: %w", err)
	}
	if err := s.repo.UpdatePaymentStatusByIntentID(ctx, intent.ID, "settled", nil); err != nil {
		return err
	}
	log.Printf("level=info component=webhook msg=\"payment intent succeeded\" payment_intent_id=%s task_id=%s", intent.ID, intent.Metadata["task_id"])
	return nil
}

func (s *Service) handlePaymentIntentFailed(ctx context.Context, event *domain.ProviderEvent) error {
	var intent paymentIntentPayload
	if err := json.Unmarshal(event.Payload, &intent); err != nil {
		return fmt.Errorf("failed to decode payment intent: %w", err)
	}

	reason := "payment failed"
	if intent.LastPaymentError != nil && intent.LastPaymentError.Message != "" {
		reason = intent.LastPaymentError.Message
	}
	if err := s.repo.UpdatePaymentStatusByIntentID(ctx, intent.ID, "failed", &reason); err != nil {
		return err
	}
	s.publishEvent(ctx, "payment.failed", map[string]string{
		"payment_intent_id": intent.ID,
		"task_id":           intent.Metadata["task_id"],
		"payer_id":          intent.Metadata["payer_id"],
		"payee_id":          intent.Metadata["payee_id"],
		"reason":            reason,
	})
	return nil
}

// handleTransferCreated observes the destination transfer the provider created for a
// settled payment; it is informational, the split already happened atomically.
func (s *Service) handleTransferCreated(ctx context.Context, event *domain.ProviderEvent) error {
	var transfer struct {
		ID          string `json:"id"`
		Amount      int64  `json:"amount"`
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(event.Payload, &transfer); err != nil {
		return fmt.Errorf("failed to decode transfer: %w", err)
	}
	log.Printf("level=info component=webhook msg=\"destination transfer created\" transfer_id=%s amount_minor=%d destination=%s", transfer.ID, transfer.Amount, transfer.Destination)
	return nil
}

type payoutPayload struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	FailureMessage string `json:"failure_message"`
}

func (s *Service) handlePayoutPaid(ctx context.Context, event *domain.ProviderEvent) error {
	var payout payoutPayload
	if err := json.Unmarshal(event.Payload, &payout); err != nil {
		return fmt.Errorf("failed to decode payout: %w", err)
	}
	log.Printf("level=info component=webhook msg=\"payout paid\" payout_id=%s amount_minor=%d", payout.ID, payout.Amount)
	s.publishEvent(ctx, "payout.paid", map[string]interface{}{
		"payout_id":    payout.ID,
		"amount_minor": payout.Amount,
	})
	return nil
}

func (s *Service) handlePayoutFailed(ctx context.Context, event *domain.ProviderEvent) error {
	var payout payoutPayload
	if err := json.Unmarshal(event.Payload, &payout); err != nil {
		return fmt.Errorf("failed to decode payout: %w", err)
	}
	log.Printf("level=warn component=webhook msg=\"payout failed\" payout_id=%s amount_minor=%d reason=%q", payout.ID, payout.Amount, payout.FailureMessage)
	s.publishEvent(ctx, "payout.failed", map[string]interface{}{
		"payout_id":    payout.ID,
		"amount_minor": payout.Amount,
		"reason":       payout.FailureMessage,
	})
	return nil
}
