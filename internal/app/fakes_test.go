package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/taskorilla/payment-service/internal/domain"
)

// fakePaymentRow mirrors one payment_records row: a single record reachable by either
// the session id or the linked payment intent id.
type fakePaymentRow struct {
	sessionID string
	intentID  string
	status    string
	reason    *string
}

func terminalStatus(status string) bool {
	return status == "settled" || status == "failed"
}

// fakeRepository is an in-memory Repository for service tests.
type fakeRepository struct {
	mu sync.Mutex

	accountsByPayee  map[string]*domain.ConnectedAccount
	paymentRecords   []*domain.PaymentRecord
	claimedEvents    map[string]string
	outcomes         map[string]string
	statusUpdates    []string
	rows             map[string]*fakePaymentRow
	rowsByIntent     map[string]*fakePaymentRow
	claimErr         error
	createRecordErr  error
	updateStatusErr  error
	findAccountErr   error
	createAccountErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accountsByPayee: make(map[string]*domain.ConnectedAccount),
		claimedEvents:   make(map[string]string),
		outcomes:        make(map[string]string),
		rows:            make(map[string]*fakePaymentRow),
		rowsByIntent:    make(map[string]*fakePaymentRow),
	}
}

func (f *fakeRepository) rowForSession(sessionID string) *fakePaymentRow {
	row, ok := f.rows[sessionID]
	if !ok {
		row = &fakePaymentRow{sessionID: sessionID}
		f.rows[sessionID] = row
	}
	return row
}

func (f *fakeRepository) sessionStatus(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[sessionID]; ok {
		return row.status
	}
	return ""
}

func (f *fakeRepository) intentForSession(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[sessionID]; ok {
		return row.intentID
	}
	return ""
}

func (f *fakeRepository) FindConnectedAccountByPayeeID(ctx context.Context, payeeID string) (*domain.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findAccountErr != nil {
		return nil, f.findAccountErr
	}
	account, ok := f.accountsByPayee[payeeID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeRepository) CreateConnectedAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createAccountErr != nil {
		return nil, f.createAccountErr
	}
	if existing, ok := f.accountsByPayee[account.PayeeID]; ok {
		return existing, nil
	}
	f.accountsByPayee[account.PayeeID] = account
	return account, nil
}

func (f *fakeRepository) UpdateConnectedAccountStatus(ctx context.Context, accountID string, detailsSubmitted, chargesEnabled, payoutsEnabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateStatusErr != nil {
		return f.updateStatusErr
	}
	f.statusUpdates = append(f.statusUpdates, accountID)
	return nil
}

func (f *fakeRepository) CreatePaymentRecord(ctx context.Context, record *domain.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRecordErr != nil {
		return f.createRecordErr
	}
	f.paymentRecords = append(f.paymentRecords, record)
	row := f.rowForSession(record.SessionID)
	row.status = record.Status
	if record.PaymentIntentID != nil {
		row.intentID = *record.PaymentIntentID
		f.rowsByIntent[row.intentID] = row
	}
	return nil
}

// Terminal statuses are final, matching the repository's transition guard.
func applyStatus(row *fakePaymentRow, status string, failureReason *string) {
	if terminalStatus(row.status) {
		return
	}
	row.status = status
	if failureReason != nil {
		row.reason = failureReason
	}
}

func (f *fakeRepository) UpdatePaymentStatusBySessionID(ctx context.Context, sessionID, status string, failureReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	applyStatus(f.rowForSession(sessionID), status, failureReason)
	return nil
}

func (f *fakeRepository) UpdatePaymentStatusByIntentID(ctx context.Context, paymentIntentID, status string, failureReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rowsByIntent[paymentIntentID]
	if !ok {
		row = &fakePaymentRow{intentID: paymentIntentID}
		f.rowsByIntent[paymentIntentID] = row
		f.rows["intent:"+paymentIntentID] = row
	}
	applyStatus(row, status, failureReason)
	return nil
}

func (f *fakeRepository) SetPaymentIntentForSession(ctx context.Context, sessionID, paymentIntentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rowForSession(sessionID)
	if existing, ok := f.rowsByIntent[paymentIntentID]; ok && existing != row {
		// The intent was seen before the session event; fold the earlier state into
		// the session-keyed row, as both address the same payment_records row.
		if row.status == "" || (terminalStatus(existing.status) && !terminalStatus(row.status)) {
			row.status = existing.status
			row.reason = existing.reason
		}
	}
	row.intentID = paymentIntentID
	f.rowsByIntent[paymentIntentID] = row
	return nil
}

func (f *fakeRepository) ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if _, claimed := f.claimedEvents[eventID]; claimed {
		return false, nil
	}
	f.claimedEvents[eventID] = eventType
	return true, nil
}

func (f *fakeRepository) RecordWebhookOutcome(ctx context.Context, eventID, status string, message *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[eventID] = status
	return nil
}

// fakeProvider is a scriptable ProviderClient for service tests.
type fakeProvider struct {
	mu sync.Mutex

	account          *domain.ProviderAccount
	accountErr       error
	session          *domain.ProviderCheckoutSession
	sessionErr       error
	event            *domain.ProviderEvent
	eventErr         error
	verifyErr        error
	verified         *domain.ProviderEvent
	createdAccount   *domain.ConnectedAccount
	createAccountErr error

	checkoutCalls   []domain.ProviderCheckoutRequest
	getEventCalls   []string
	getAccountCalls []string
	getSessionCalls []string
	metadataCalls   []string
}

func (f *fakeProvider) CreateConnectedAccount(ctx context.Context, params domain.CreateConnectedAccountParams) (*domain.ConnectedAccount, error) {
	if f.createAccountErr != nil {
		return nil, f.createAccountErr
	}
	if f.createdAccount != nil {
		copied := *f.createdAccount
		copied.PayeeID = params.PayeeID
		return &copied, nil
	}
	return &domain.ConnectedAccount{PayeeID: params.PayeeID, AccountID: "acct_test"}, nil
}

func (f *fakeProvider) GetAccount(ctx context.Context, accountID string) (*domain.ProviderAccount, error) {
	f.mu.Lock()
	f.getAccountCalls = append(f.getAccountCalls, accountID)
	f.mu.Unlock()
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	if f.account == nil {
		return nil, errors.New("no account scripted")
	}
	return f.account, nil
}

func (f *fakeProvider) UpdateAccountMetadata(ctx context.Context, accountID string, metadata map[string]string) error {
	f.mu.Lock()
	f.metadataCalls = append(f.metadataCalls, accountID)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	return "https://connect.example.com/onboard/" + accountID, nil
}

func (f *fakeProvider) CreateLoginLink(ctx context.Context, accountID string) (string, error) {
	return "https://connect.example.com/login/" + accountID, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req domain.ProviderCheckoutRequest) (*domain.ProviderCheckoutSession, error) {
	f.mu.Lock()
	f.checkoutCalls = append(f.checkoutCalls, req)
	f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	if f.session != nil {
		return f.session, nil
	}
	return &domain.ProviderCheckoutSession{ID: "cs_test_123", URL: "https://checkout.example.com/cs_test_123"}, nil
}

func (f *fakeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*domain.ProviderCheckoutSession, error) {
	f.mu.Lock()
	f.getSessionCalls = append(f.getSessionCalls, sessionID)
	f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	if f.session != nil {
		return f.session, nil
	}
	return nil, errors.New("no session scripted")
}

func (f *fakeProvider) GetEvent(ctx context.Context, eventID string) (*domain.ProviderEvent, error) {
	f.mu.Lock()
	f.getEventCalls = append(f.getEventCalls, eventID)
	f.mu.Unlock()
	if f.eventErr != nil {
		return nil, f.eventErr
	}
	if f.event == nil {
		return nil, errors.New("no event scripted")
	}
	return f.event, nil
}

func (f *fakeProvider) VerifyWebhook(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verified != nil {
		return f.verified, nil
	}
	return nil, errors.New("no verified event scripted")
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) published(routingKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.routingKey == routingKey {
			count++
		}
	}
	return count
}

// fixedRateLimiter returns a scripted count, used to exercise the limiter branch.
type fixedRateLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (f *fixedRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return f.count, f.retryAfter, f.err
}

func testSettings() Settings {
	return Settings{
		DefaultCurrency:       "eur",
		ConnectAccountCountry: "IE",
		PayoutSchedule:        "manual",
		PayerFeeMinor:         200,
		PayeeCommissionBps:    1000,
		EventExchange:         "taskorilla.events",
	}
}

func newTestService(repo *fakeRepository, provider *fakeProvider, publisher *fakePublisher) *Service {
	return NewService(repo, provider, publisher, testSettings())
}

func onboardedAccount(accountID string) *domain.ProviderAccount {
	return &domain.ProviderAccount{
		ID:               accountID,
		DetailsSubmitted: true,
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
	}
}
