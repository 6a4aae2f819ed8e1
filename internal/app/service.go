/**
 * @description
 * This file contains the core business logic wiring for the payment-service. The
 * `Service` struct orchestrates the payment settlement flows, coordinating between the
 * database repository, the payment provider client, and the message broker.
 *
 * Key features:
 * - Declares the ProviderClient interface: the only surface of the external payment
 *   provider this service calls, implemented by pkg/stripeclient and mockable in tests.
 * - Connected-account lifecycle: created at most once per payee, provider remains the
 *   source of truth for onboarding state.
 * - Publishes settlement events to RabbitMQ for asynchronous processing by the rest of
 *   the marketplace.
 *
 * @dependencies
 * - context, log: Standard Go libraries.
 * - github.com/google/uuid: For record ids and the deterministic idempotency key.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskorilla/payment-service/internal/domain"
	"github.com/taskorilla/payment-service/internal/store"
	"github.com/taskorilla/payment-service/pkg/rabbitmq"
)

// ProviderClient lists the payment-provider operations this service performs. Each
// method forwards to the vendor SDK in pkg/stripeclient; nothing else in the codebase
// may touch the SDK directly.
type ProviderClient interface {
	CreateConnectedAccount(ctx context.Context, params domain.CreateConnectedAccountParams) (*domain.ConnectedAccount, error)
	GetAccount(ctx context.Context, accountID string) (*domain.ProviderAccount, error)
	UpdateAccountMetadata(ctx context.Context, accountID string, metadata map[string]string) error
	CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	CreateLoginLink(ctx context.Context, accountID string) (string, error)
	CreateCheckoutSession(ctx context.Context, req domain.ProviderCheckoutRequest) (*domain.ProviderCheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*domain.ProviderCheckoutSession, error)
	GetEvent(ctx context.Context, eventID string) (*domain.ProviderEvent, error)
	VerifyWebhook(payload []byte, signatureHeader string) (*domain.ProviderEvent, error)
}

// RateLimiter is the optional distributed limiter applied to checkout creation.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Settings carries the fee and provider knobs the service needs from configuration.
type Settings struct {
	DefaultCurrency            string
	ConnectAccountCountry      string
	PayoutSchedule             string
	PayerFeeMinor              int64
	PayeeCommissionBps         int64
	EventExchange              string
	CheckoutRateLimitPerMinute int
}

// Service provides the core business logic for payment settlement.
type Service struct {
	repo        store.Repository
	provider    ProviderClient
	publisher   rabbitmq.Publisher
	settings    Settings
	rateLimiter RateLimiter
}

// NewService creates a new payment service instance.
func NewService(repo store.Repository, provider ProviderClient, publisher rabbitmq.Publisher, settings Settings) *Service {
	return &Service{
		repo:      repo,
		provider:  provider,
		publisher: publisher,
		settings:  settings,
	}
}

// SetRateLimiter attaches the optional checkout rate limiter (Redis-backed in
// production, absent in degraded mode).
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.rateLimiter = limiter
}

// EnsureConnectedAccount returns the payee's connected account, creating the provider
// sub-account on first need. The unique payee constraint in the store means concurrent
// first callers converge on a single account for the payee's lifetime.
func (s *Service) EnsureConnectedAccount(ctx context.Context, payeeID, email string) (*domain.ConnectedAccount, error) {
	existing, err := s.repo.FindConnectedAccountByPayeeID(ctx, payeeID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}

	created, err := s.provider.CreateConnectedAccount(ctx, domain.CreateConnectedAccountParams{
		PayeeID:        payeeID,
		Email:          email,
		Country:        s.settings.ConnectAccountCountry,
		PayoutSchedule: s.settings.PayoutSchedule,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider account for payee %s: %w", payeeID, err)
	}
	created.ID = uuid.New()

	stored, err := s.repo.CreateConnectedAccount(ctx, created)
	if err != nil {
		return nil, fmt.Errorf("failed to store connected account for payee %s: %w", payeeID, err)
	}
	if stored.AccountID != created.AccountID {
		// A concurrent caller created the account first; ours is now orphaned on the
		// provider side. Tag it so operators can clean it up.
		log.Printf("level=warn component=payments msg=\"duplicate provider account created; flagging orphan\" payee_id=%s kept=%s orphan=%s", payeeID, stored.AccountID, created.AccountID)
		if tagErr := s.provider.UpdateAccountMetadata(ctx, created.AccountID, map[string]string{"orphaned": "true"}); tagErr != nil {
			log.Printf("level=warn component=payments msg=\"failed to tag orphaned account\" account_id=%s err=%v", created.AccountID, tagErr)
		}
	}

	log.Printf("level=info component=payments msg=\"connected account ready\" payee_id=%s account_id=%s", payeeID, stored.AccountID)
	return stored, nil
}

// CreateOnboardingLink creates a fresh hosted onboarding link for the payee's account.
// Links are single-use and short-lived on the provider side, so one is minted per call.
func (s *Service) CreateOnboardingLink(ctx context.Context, payeeID, refreshURL, returnURL string) (string, error) {
	account, err := s.repo.FindConnectedAccountByPayeeID(ctx, payeeID)
	if err != nil {
		return "", err
	}
	return s.provider.CreateAccountLink(ctx, account.AccountID, refreshURL, returnURL)
}

// CreateLoginLink creates a provider-dashboard login link for an onboarded payee.
func (s *Service) CreateLoginLink(ctx context.Context, payeeID string) (string, error) {
	account, err := s.repo.FindConnectedAccountByPayeeID(ctx, payeeID)
	if err != nil {
		return "", err
	}
	return s.provider.CreateLoginLink(ctx, account.AccountID)
}

// publishEvent publishes to the marketplace topic exchange. Publication failures are
// logged, never allowed to fail a money-movement operation.
func (s *Service) publishEvent(ctx context.Context, routingKey string, body interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.settings.EventExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=payments msg=\"failed to publish event\" routing_key=%s err=%v", routingKey, err)
	}
}
