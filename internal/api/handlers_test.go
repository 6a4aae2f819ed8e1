package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/taskorilla/payment-service/internal/domain"
)

// stubService scripts the PaymentService surface for handler tests.
type stubService struct {
	account         *domain.ConnectedAccount
	link            string
	status          domain.OnboardingStatus
	session         *domain.CheckoutSession
	providerSession *domain.ProviderCheckoutSession
	result          domain.WebhookResult
	err             error
	lastParams      domain.CheckoutParams
	lastPayload     []byte
	lastSig         string
}

func (s *stubService) EnsureConnectedAccount(ctx context.Context, payeeID, email string) (*domain.ConnectedAccount, error) {
	return s.account, s.err
}

func (s *stubService) CreateOnboardingLink(ctx context.Context, payeeID, refreshURL, returnURL string) (string, error) {
	return s.link, s.err
}

func (s *stubService) CreateLoginLink(ctx context.Context, payeeID string) (string, error) {
	return s.link, s.err
}

func (s *stubService) ResolveOnboardingStatusForPayee(ctx context.Context, payeeID string) (domain.OnboardingStatus, error) {
	return s.status, s.err
}

func (s *stubService) BuildCheckoutSession(ctx context.Context, params domain.CheckoutParams) (*domain.CheckoutSession, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

func (s *stubService) GetCheckoutStatus(ctx context.Context, sessionID string) (*domain.ProviderCheckoutSession, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.providerSession, nil
}

func (s *stubService) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.WebhookResult, error) {
	s.lastPayload = payload
	s.lastSig = signatureHeader
	return s.result, s.err
}

func authedRequest(method, target string, body []byte, userID string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if userID != "" {
		req = req.WithContext(context.WithValue(req.Context(), userIDKey, userID))
	}
	return req
}

func checkoutBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"task_id":          "task-42",
		"task_title":       "Assemble wardrobe",
		"task_price_minor": 10000,
		"payee_id":         "user_payee",
		"success_url":      "https://app.example.com/done",
		"cancel_url":       "https://app.example.com/cancel",
	})
	return body
}

func TestCreateCheckoutSessionHandler(t *testing.T) {
	stub := &stubService{session: &domain.CheckoutSession{SessionID: "cs_1", CheckoutURL: "https://pay.example.com/cs_1"}}
	handlers := NewPaymentHandlers(stub)

	rr := httptest.NewRecorder()
	handlers.CreateCheckoutSessionHandler(rr, authedRequest(http.MethodPost, "/payments/checkout-sessions", checkoutBody(), "user_payer"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rr.Code, rr.Body.String())
	}
	if stub.lastParams.PayerID != "user_payer" {
		t.Errorf("payer id = %q, want the JWT subject user_payer", stub.lastParams.PayerID)
	}

	var resp domain.CheckoutSession
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionID != "cs_1" {
		t.Errorf("session id = %q, want cs_1", resp.SessionID)
	}
}

func TestCreateCheckoutSessionHandlerRequiresAuth(t *testing.T) {
	handlers := NewPaymentHandlers(&stubService{})

	rr := httptest.NewRecorder()
	handlers.CreateCheckoutSessionHandler(rr, authedRequest(http.MethodPost, "/payments/checkout-sessions", checkoutBody(), ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestCreateCheckoutSessionHandlerErrorMapping(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid amount", domain.ErrInvalidAmount, http.StatusBadRequest},
		{"payee not onboarded", &domain.PayeeNotOnboardedError{Status: domain.OnboardingStatus{AccountID: "acct_1"}}, http.StatusConflict},
		{"no account", domain.ErrAccountNotFound, http.StatusNotFound},
		{"provider down", &domain.ProviderError{Op: "create_checkout_session", Err: errors.New("503")}, http.StatusBadGateway},
		{"rate limited", &domain.RateLimitedError{RetryAfterSeconds: 30}, http.StatusTooManyRequests},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewPaymentHandlers(&stubService{err: tc.err})

			rr := httptest.NewRecorder()
			handlers.CreateCheckoutSessionHandler(rr, authedRequest(http.MethodPost, "/payments/checkout-sessions", checkoutBody(), "user_payer"))

			if rr.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tc.wantStatus)
			}
		})
	}
}

func TestCreateCheckoutSessionHandlerRateLimitHeader(t *testing.T) {
	handlers := NewPaymentHandlers(&stubService{err: &domain.RateLimitedError{RetryAfterSeconds: 45}})

	rr := httptest.NewRecorder()
	handlers.CreateCheckoutSessionHandler(rr, authedRequest(http.MethodPost, "/payments/checkout-sessions", checkoutBody(), "user_payer"))

	if got := rr.Header().Get("Retry-After"); got != "45" {
		t.Errorf("Retry-After = %q, want 45", got)
	}
}

func TestCreateCheckoutSessionHandlerValidatesBody(t *testing.T) {
	handlers := NewPaymentHandlers(&stubService{})

	body, _ := json.Marshal(map[string]string{"task_id": "task-42"})
	rr := httptest.NewRecorder()
	handlers.CreateCheckoutSessionHandler(rr, authedRequest(http.MethodPost, "/payments/checkout-sessions", body, "user_payer"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing fields", rr.Code)
	}
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetCheckoutSessionHandler(t *testing.T) {
	stub := &stubService{providerSession: &domain.ProviderCheckoutSession{
		ID:            "cs_1",
		PaymentStatus: "paid",
		Metadata:      map[string]string{"task_id": "task-42"},
	}}
	handlers := NewPaymentHandlers(stub)

	req := withURLParam(authedRequest(http.MethodGet, "/payments/checkout-sessions/cs_1", nil, "user_payer"), "sessionID", "cs_1")
	rr := httptest.NewRecorder()
	handlers.GetCheckoutSessionHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["payment_status"] != "paid" || resp["task_id"] != "task-42" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestGetCheckoutSessionHandlerProviderFailure(t *testing.T) {
	stub := &stubService{err: &domain.ProviderError{Op: "checkout_session_retrieve", Err: errors.New("503")}}
	handlers := NewPaymentHandlers(stub)

	req := withURLParam(authedRequest(http.MethodGet, "/payments/checkout-sessions/cs_x", nil, "user_payer"), "sessionID", "cs_x")
	rr := httptest.NewRecorder()
	handlers.GetCheckoutSessionHandler(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestWebhookHandlerSignatureFailure(t *testing.T) {
	stub := &stubService{err: &domain.SignatureVerificationError{Err: errors.New("bad signature")}}
	handlers := NewPaymentHandlers(stub)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rr := httptest.NewRecorder()
	handlers.WebhookHandler(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 on signature failure", rr.Code)
	}
}

func TestWebhookHandlerAcknowledgesSoftFailure(t *testing.T) {
	stub := &stubService{result: domain.WebhookResult{Success: false, EventID: "evt_1", Message: "handler failed"}}
	handlers := NewPaymentHandlers(stub)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=good")
	rr := httptest.NewRecorder()
	handlers.WebhookHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for soft failure", rr.Code)
	}

	var result domain.WebhookResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Success {
		t.Error("soft failure reported as success")
	}
}

func TestWebhookHandlerForwardsRawBodyAndHeader(t *testing.T) {
	stub := &stubService{result: domain.WebhookResult{Success: true}}
	handlers := NewPaymentHandlers(stub)

	rawBody := []byte(`{"id": "evt_1",   "object": "event"}`)
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(rawBody))
	req.Header.Set("Stripe-Signature", "t=99,v1=abc")
	rr := httptest.NewRecorder()
	handlers.WebhookHandler(rr, req)

	if !bytes.Equal(stub.lastPayload, rawBody) {
		t.Error("webhook body was not forwarded byte for byte")
	}
	if stub.lastSig != "t=99,v1=abc" {
		t.Errorf("signature header = %q, want t=99,v1=abc", stub.lastSig)
	}
}

func TestEnsureConnectedAccountHandler(t *testing.T) {
	stub := &stubService{account: &domain.ConnectedAccount{PayeeID: "user_1", AccountID: "acct_1"}}
	handlers := NewPaymentHandlers(stub)

	rr := httptest.NewRecorder()
	handlers.EnsureConnectedAccountHandler(rr, authedRequest(http.MethodPost, "/payments/account", []byte(`{"email":"p@example.com"}`), "user_1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestOnboardingLinkHandlerValidatesURLs(t *testing.T) {
	handlers := NewPaymentHandlers(&stubService{link: "https://connect.example.com/x"})

	rr := httptest.NewRecorder()
	handlers.CreateOnboardingLinkHandler(rr, authedRequest(http.MethodPost, "/payments/account/onboarding-link", []byte(`{}`), "user_1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing urls", rr.Code)
	}

	body, _ := json.Marshal(map[string]string{"refresh_url": "https://a", "return_url": "https://b"})
	rr = httptest.NewRecorder()
	handlers.CreateOnboardingLinkHandler(rr, authedRequest(http.MethodPost, "/payments/account/onboarding-link", body, "user_1"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	guarded := InternalAuthMiddleware("secret-key")(next)

	req := httptest.NewRequest(http.MethodGet, "/internal/payees/u/onboarding-status", nil)
	rr := httptest.NewRecorder()
	guarded.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status without key = %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/payees/u/onboarding-status", nil)
	req.Header.Set("X-Internal-API-Key", "wrong")
	rr = httptest.NewRecorder()
	guarded.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status with wrong key = %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/payees/u/onboarding-status", nil)
	req.Header.Set("X-Internal-API-Key", "secret-key")
	rr = httptest.NewRecorder()
	guarded.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status with correct key = %d, want 200", rr.Code)
	}

	unconfigured := InternalAuthMiddleware("")(next)
	req = httptest.NewRequest(http.MethodGet, "/internal/payees/u/onboarding-status", nil)
	rr = httptest.NewRecorder()
	unconfigured.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status without configured key = %d, want 503", rr.Code)
	}
}
