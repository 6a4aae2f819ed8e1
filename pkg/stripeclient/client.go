/**
 * @description
 * This package provides the client for the payment provider (Stripe). It is the single
 * component allowed to touch the vendor SDK: every operation the service needs is a
 * thin forwarding method that translates between the service's provider-agnostic
 * domain types and the SDK's parameter structs. The rest of the codebase consumes the
 * ProviderClient interface declared in internal/app, which keeps the SDK mockable.
 *
 * The client is constructed exactly once in main and injected; there is no lazily
 * initialized package-level handle. Per-call state lives entirely in the SDK.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v81: Stripe SDK (Connect accounts, Checkout, webhooks).
 * - internal/domain: Provider-agnostic request/response models and typed errors.
 */

package stripeclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/taskorilla/payment-service/internal/domain"
)

// Client wraps the Stripe API handle and the webhook signing secret.
type Client struct {
	api           *client.API
	webhookSecret string
}

// NewClient creates the provider client. A missing secret key is a configuration
// error: the service must fail fast rather than boot with payments silently disabled.
func NewClient(secretKey, webhookSecret string) (*Client, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, &domain.ConfigError{Key: "STRIPE_SECRET_KEY"}
	}

	api := &client.API{}
	api.Init(secretKey, nil)

	return &Client{api: api, webhookSecret: webhookSecret}, nil
}

func wrapErr(op string, err error) error {
	return &domain.ProviderError{Op: op, Err: err}
}

// CreateConnectedAccount creates an Express account for a payee, with card payments
// and transfers requested and the platform-controlled payout schedule applied.
func (c *Client) CreateConnectedAccount(ctx context.Context, p domain.CreateConnectedAccountParams) (*domain.ConnectedAccount, error) {
	params := &stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(p.Country),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		Settings: &stripe.AccountSettingsParams{
			Payouts: &stripe.AccountSettingsPayoutsParams{
				Schedule: &stripe.AccountSettingsPayoutsScheduleParams{
					Interval: stripe.String(p.PayoutSchedule),
				},
			},
		},
	}
	params.Context = ctx
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	params.AddMetadata("payee_id", p.PayeeID)

	account, err := c.api.Accounts.New(params)
	if err != nil {
		return nil, wrapErr("account_create", err)
	}

	return &domain.ConnectedAccount{
		PayeeID:          p.PayeeID,
		AccountID:        account.ID,
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
	}, nil
}

// GetAccount retrieves a connected account's current capability flags and
// outstanding requirements.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*domain.ProviderAccount, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	account, err := c.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return nil, wrapErr("account_retrieve", err)
	}

	result := &domain.ProviderAccount{
		ID:               account.ID,
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
	}
	if account.Requirements != nil {
		result.Requirements = domain.OnboardingRequirements{
			CurrentlyDue:        account.Requirements.CurrentlyDue,
			EventuallyDue:       account.Requirements.EventuallyDue,
			PastDue:             account.Requirements.PastDue,
			PendingVerification: account.Requirements.PendingVerification,
		}
	}
	return result, nil
}

// UpdateAccountMetadata attaches marketplace correlation metadata to an account.
func (c *Client) UpdateAccountMetadata(ctx context.Context, accountID string, metadata map[string]string) error {
	params := &stripe.AccountParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	if _, err := c.api.Accounts.Update(accountID, params); err != nil {
		return wrapErr("account_update", err)
	}
	return nil
}

// CreateAccountLink creates a hosted onboarding link for a connected account.
func (c *Client) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := c.api.AccountLinks.New(params)
	if err != nil {
		return "", wrapErr("account_link_create", err)
	}
	return link.URL, nil
}

// CreateLoginLink creates a provider-dashboard login link for a connected account.
func (c *Client) CreateLoginLink(ctx context.Context, accountID string) (string, error) {
	params := &stripe.LoginLinkParams{Account: stripe.String(accountID)}
	params.Context = ctx

	link, err := c.api.LoginLinks.New(params)
	if err != nil {
		return "", wrapErr("login_link_create", err)
	}
	return link.URL, nil
}

// CreateCheckoutSession creates a hosted checkout session with two priced line items
// (task price and service fee), a destination transfer routing settled funds to the
// payee account, and an application fee withholding the platform's cut atomically.
func (c *Client) CreateCheckoutSession(ctx context.Context, req domain.ProviderCheckoutRequest) (*domain.ProviderCheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.TaskPriceMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.TaskTitle),
					},
				},
			},
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.PayerFeeMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Service fee"),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			ApplicationFeeAmount: stripe.Int64(req.PlatformFeeMinor),
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(req.DestinationAccount),
			},
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx
	if req.PayerEmail != "" {
		params.CustomerEmail = stripe.String(req.PayerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapErr("checkout_session_create", err)
	}
	return toProviderSession(session), nil
}

// GetCheckoutSession retrieves a previously created session.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*domain.ProviderCheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	session, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapErr("checkout_session_retrieve", err)
	}
	return toProviderSession(session), nil
}

func toProviderSession(session *stripe.CheckoutSession) *domain.ProviderCheckoutSession {
	result := &domain.ProviderCheckoutSession{
		ID:            session.ID,
		URL:           session.URL,
		PaymentStatus: string(session.PaymentStatus),
		Metadata:      session.Metadata,
	}
	if session.PaymentIntent != nil {
		result.PaymentIntentID = session.PaymentIntent.ID
	}
	return result
}

// GetEvent fetches the canonical event object by id. Webhook processing trusts only
// this refetched copy, never the delivered payload body.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*domain.ProviderEvent, error) {
	params := &stripe.EventParams{}
	params.Context = ctx

	event, err := c.api.Events.Get(eventID, params)
	if err != nil {
		return nil, wrapErr("event_retrieve", err)
	}

	result := &domain.ProviderEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		result.Payload = event.Data.Raw
	}
	return result, nil
}

// VerifyWebhook validates the provider signature against the raw request body and
// returns the delivered event's id and type. Any mismatch is terminal for the
// delivery; the payload is not inspected further.
func (c *Client) VerifyWebhook(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	if c.webhookSecret == "" {
		return nil, &domain.ConfigError{Key: "STRIPE_WEBHOOK_SECRET"}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &domain.SignatureVerificationError{Err: err}
	}

	result := &domain.ProviderEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		result.Payload = event.Data.Raw
	}
	return result, nil
}

// String identifies the client in logs without exposing the key.
func (c *Client) String() string {
	return fmt.Sprintf("stripeclient.Client{webhook_secret_set=%t}", c.webhookSecret != "")
}
