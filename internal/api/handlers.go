/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API endpoints.
 * Handlers parse incoming requests, call the application service, and translate the
 * typed domain errors into precise HTTP statuses. The webhook handler is the HTTP
 * boundary of the settlement pipeline: it acknowledges every post-verification
 * outcome with a 2xx and rejects only signature failures.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain: Service logic, models, and typed errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/taskorilla/payment-service/internal/domain"
)

// PaymentService is the slice of the application service the handlers call.
type PaymentService interface {
	EnsureConnectedAccount(ctx context.Context, payeeID, email string) (*domain.ConnectedAccount, error)
	CreateOnboardingLink(ctx context.Context, payeeID, refreshURL, returnURL string) (string, error)
	CreateLoginLink(ctx context.Context, payeeID string) (string, error)
	ResolveOnboardingStatusForPayee(ctx context.Context, payeeID string) (domain.OnboardingStatus, error)
	BuildCheckoutSession(ctx context.Context, params domain.CheckoutParams) (*domain.CheckoutSession, error)
	GetCheckoutStatus(ctx context.Context, sessionID string) (*domain.ProviderCheckoutSession, error)
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.WebhookResult, error)
}

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service PaymentService
}

// NewPaymentHandlers creates the handler set.
func NewPaymentHandlers(service PaymentService) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// createCheckoutSessionRequest is the DTO for checkout creation. The payer id comes
// from the validated JWT, never from the body.
type createCheckoutSessionRequest struct {
	TaskID         string `json:"task_id"`
	TaskTitle      string `json:"task_title"`
	TaskPriceMinor int64  `json:"task_price_minor"`
	PayeeID        string `json:"payee_id"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
	PayerEmail     string `json:"payer_email,omitempty"`
	Currency       string `json:"currency,omitempty"`
	AttemptNonce   string `json:"attempt_nonce,omitempty"`
}

// CreateCheckoutSessionHandler builds one hosted checkout session for a task payment
// and returns the redirect URL along with the enforced breakdown.
func (h *PaymentHandlers) CreateCheckoutSessionHandler(w http.ResponseWriter, r *http.Request) {
	payerID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req createCheckoutSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.TaskID) == "" || strings.TrimSpace(req.PayeeID) == "" {
		h.writeError(w, http.StatusBadRequest, "task_id and payee_id are required")
		return
	}
	if strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "" {
		h.writeError(w, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}

	session, err := h.service.BuildCheckoutSession(r.Context(), domain.CheckoutParams{
		TaskID:         req.TaskID,
		TaskTitle:      req.TaskTitle,
		TaskPriceMinor: req.TaskPriceMinor,
		PayerID:        payerID,
		PayeeID:        req.PayeeID,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		PayerEmail:     req.PayerEmail,
		Currency:       req.Currency,
		AttemptNonce:   req.AttemptNonce,
	})
	if err != nil {
		h.respondDomainError(w, err, "build checkout session")
		return
	}

	h.writeJSON(w, http.StatusCreated, session)
}

// GetCheckoutSessionHandler reports the provider's current view of a session, so the
// success-redirect page can confirm the payment without waiting for the webhook.
func (h *PaymentHandlers) GetCheckoutSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := GetUserID(r.Context()); !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	session, err := h.service.GetCheckoutStatus(r.Context(), sessionID)
	if err != nil {
		h.respondDomainError(w, err, "retrieve checkout session")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":     session.ID,
		"payment_status": session.PaymentStatus,
		"task_id":        session.Metadata["task_id"],
	})
}

type ensureAccountRequest struct {
	Email string `json:"email,omitempty"`
}

// EnsureConnectedAccountHandler creates (or returns) the authenticated payee's
// connected account.
func (h *PaymentHandlers) EnsureConnectedAccountHandler(w http.ResponseWriter, r *http.Request) {
	payeeID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req ensureAccountRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	account, err := h.service.EnsureConnectedAccount(r.Context(), payeeID, req.Email)
	if err != nil {
		h.respondDomainError(w, err, "ensure connected account")
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

type onboardingLinkRequest struct {
	RefreshURL string `json:"refresh_url"`
	ReturnURL  string `json:"return_url"`
}

// CreateOnboardingLinkHandler mints a fresh hosted onboarding link for the
// authenticated payee.
func (h *PaymentHandlers) CreateOnboardingLinkHandler(w http.ResponseWriter, r *http.Request) {
	payeeID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req onboardingLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshURL) == "" || strings.TrimSpace(req.ReturnURL) == "" {
		h.writeError(w, http.StatusBadRequest, "refresh_url and return_url are required")
		return
	}

	url, err := h.service.CreateOnboardingLink(r.Context(), payeeID, req.RefreshURL, req.ReturnURL)
	if err != nil {
		h.respondDomainError(w, err, "create onboarding link")
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// CreateLoginLinkHandler mints a provider-dashboard login link for the authenticated
// payee.
func (h *PaymentHandlers) CreateLoginLinkHandler(w http.ResponseWriter, r *http.Request) {
	payeeID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	url, err := h.service.CreateLoginLink(r.Context(), payeeID)
	if err != nil {
		h.respondDomainError(w, err, "create login link")
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// GetOnboardingStatusHandler resolves a payee's current onboarding status. Mounted on
// the internal router so the task flow can gate bid acceptance server-side.
func (h *PaymentHandlers) GetOnboardingStatusHandler(w http.ResponseWriter, r *http.Request) {
	payeeID := chi.URLParam(r, "payeeID")
	if payeeID == "" {
		h.writeError(w, http.StatusBadRequest, "payeeID is required")
		return
	}

	status, err := h.service.ResolveOnboardingStatusForPayee(r.Context(), payeeID)
	if err != nil {
		h.respondDomainError(w, err, "resolve onboarding status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// MyOnboardingStatusHandler resolves the authenticated payee's own status.
func (h *PaymentHandlers) MyOnboardingStatusHandler(w http.ResponseWriter, r *http.Request) {
	payeeID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	status, err := h.service.ResolveOnboardingStatusForPayee(r.Context(), payeeID)
	if err != nil {
		h.respondDomainError(w, err, "resolve onboarding status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// WebhookHandler consumes provider notifications. The raw body is passed untouched to
// the processor because the signature covers the exact bytes on the wire. A non-2xx
// response is returned only when the signature fails; soft handler failures are still
// acknowledged so the provider does not redeliver into a known-bad state.
func (h *PaymentHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	result, err := h.service.ProcessWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var sigErr *domain.SignatureVerificationError
		if errors.As(err, &sigErr) {
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			log.Printf("level=error component=webhook msg=\"webhook misconfigured\" err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Webhook not configured")
			return
		}
		// Post-verification failures never bounce the delivery.
		log.Printf("level=error component=webhook msg=\"unexpected processing error acknowledged\" err=%v", err)
		h.writeJSON(w, http.StatusOK, domain.WebhookResult{Success: false, Message: "processing error"})
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// respondDomainError maps typed domain errors onto HTTP statuses.
func (h *PaymentHandlers) respondDomainError(w http.ResponseWriter, err error, op string) {
	var notOnboarded *domain.PayeeNotOnboardedError
	if errors.As(err, &notOnboarded) {
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "payee is not fully onboarded",
			"status": notOnboarded.Status,
		})
		return
	}

	var rateLimited *domain.RateLimitedError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many checkout attempts")
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "No connected account for payee")
	default:
		var providerErr *domain.ProviderError
		if errors.As(err, &providerErr) {
			log.Printf("level=error component=api msg=\"provider call failed\" op=%q provider_op=%s err=%v", op, providerErr.Op, err)
			h.writeError(w, http.StatusBadGateway, "Payment provider unavailable")
			return
		}
		log.Printf("level=error component=api msg=\"request failed\" op=%q err=%v", op, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("level=warn component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
