package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/certpeak/service-purchase/internal/adapter"
	"github.com/certpeak/service-purchase/internal/backend"
	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/certpeak/service-purchase/internal/domain/pricing"
	"github.com/certpeak/service-purchase/internal/domain/purchase"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memRepo is an in-memory purchase.FlowRepository for tests.
type memRepo struct {
	mu    sync.Mutex
	flows map[uuid.UUID]*purchase.Flow
}

func newMemRepo() *memRepo { return &memRepo{flows: make(map[uuid.UUID]*purchase.Flow)} }

func (r *memRepo) Save(ctx context.Context, f *purchase.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.ID()] = f
	return nil
}

func (r *memRepo) Update(ctx context.Context, f *purchase.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[f.ID()]; !ok {
		return apperrors.New(apperrors.KindNotFound, "flow not found")
	}
	r.flows[f.ID()] = f
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id uuid.UUID) (*purchase.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "flow not found")
	}
	return f, nil
}

func (r *memRepo) FindByIntentID(ctx context.Context, intentID string) (*purchase.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.flows {
		if f.PaymentIntentID() == intentID {
			return f, nil
		}
	}
	return nil, apperrors.New(apperrors.KindNotFound, "flow not found")
}

func (r *memRepo) ListAll(ctx context.Context, page, limit int) ([]*purchase.Flow, int64, error) {
	return nil, 0, nil
}

func (r *memRepo) ListByState(ctx context.Context, state purchase.State, limit int) ([]*purchase.Flow, error) {
	return nil, nil
}

func (r *memRepo) GetRevenueStats(ctx context.Context) (int64, map[string]int64, error) {
	return 0, nil, nil
}

// stubLedger counts calls and serves canned responses.
type stubLedger struct {
	intentCalls   atomic.Int64
	completeCalls atomic.Int64

	intentResp    backend.IntentResponse
	intentErr     error
	intentRelease chan struct{}

	completeErr   error
	completeDelay time.Duration
}

func (l *stubLedger) CreateIntent(ctx context.Context, req purchase.Request) (backend.IntentResponse, error) {
	l.intentCalls.Add(1)
	if l.intentRelease != nil {
		<-l.intentRelease
	}
	return l.intentResp, l.intentErr
}

func (l *stubLedger) CompletePurchase(ctx context.Context, req purchase.Request, intentID string) (backend.PurchaseRecord, error) {
	l.completeCalls.Add(1)
	if l.completeDelay > 0 {
		time.Sleep(l.completeDelay)
	}
	if l.completeErr != nil {
		return backend.PurchaseRecord{}, l.completeErr
	}
	return backend.PurchaseRecord{
		Kind:    req.Kind,
		Payload: json.RawMessage(`{"batchId":"b-1"}`),
	}, nil
}

func testReq() purchase.Request {
	return purchase.Request{
		Kind:           purchase.KindCertificateCodes,
		SubjectID:      "course-42",
		CourseID:       "course-42",
		Quantity:       5,
		UnitPriceCents: 10000,
		Currency:       "EUR",
	}
}

func testPriced() pricing.PricedAmount {
	return pricing.PricedAmount{BaseCents: 50000, FinalCents: 50000, Currency: "EUR"}
}

func okIntentResp() backend.IntentResponse {
	return backend.IntentResponse{
		Success:         true,
		ClientSecret:    "pi_1_secret_a",
		PaymentIntentID: "pi_1",
		FinalAmount:     50000,
		TotalAmount:     50000,
		Currency:        "EUR",
	}
}

func newTestCoordinator(ledger *stubLedger, prov adapter.ProviderAdapter, repo purchase.FlowRepository) *Coordinator {
	return NewCoordinator(ledger, prov, repo, zap.NewNop())
}

func TestCheckout_HappyPath(t *testing.T) {
	ledger := &stubLedger{intentResp: okIntentResp()}
	repo := newMemRepo()
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), repo)

	s, err := coord.NewSession(uuid.New(), testReq(), testPriced(), "pm_card_visa")
	require.NoError(t, err)

	record, conf, err := coord.Checkout(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, conf.Succeeded())
	assert.JSONEq(t, `{"batchId":"b-1"}`, string(record.Payload))
	assert.Equal(t, purchase.StateCompleted, s.Flow().State())
	assert.Equal(t, int64(1), ledger.intentCalls.Load())
	assert.Equal(t, int64(1), ledger.completeCalls.Load())

	// The stored card handle is cleared only after a confirmed success.
	assert.Empty(t, s.paymentMethodID)
}

func TestCheckout_InvalidRequestNeverReachesNetwork(t *testing.T) {
	ledger := &stubLedger{intentResp: okIntentResp()}
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), newMemRepo())

	req := testReq()
	req.Quantity = 0
	_, err := coord.NewSession(uuid.New(), req, testPriced(), "pm_card_visa")

	require.Error(t, err)
	assert.True(t, errors.Is(err, &apperrors.Error{Kind: apperrors.KindValidation}))
	assert.Zero(t, ledger.intentCalls.Load())
}

func TestCheckout_NonSucceededConfirmationNeverCompletes(t *testing.T) {
	for _, outcome := range []adapter.ConfirmationStatus{adapter.StatusRequiresAction, adapter.StatusProcessing} {
		t.Run(string(outcome), func(t *testing.T) {
			ledger := &stubLedger{intentResp: okIntentResp()}
			mock := adapter.NewMockProviderAdapter(zap.NewNop())
			mock.Outcome = outcome
			coord := newTestCoordinator(ledger, mock, newMemRepo())

			s, err := coord.NewSession(uuid.New(), testReq(), testPriced(), "pm_card_visa")
			require.NoError(t, err)

			record, conf, err := coord.Checkout(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, outcome, conf.Status)
			assert.Empty(t, record.Payload)
			assert.Zero(t, ledger.completeCalls.Load(), "complete must never run for %s", outcome)

			if outcome == adapter.StatusRequiresAction {
				assert.Equal(t, purchase.StateIntentCreated, s.Flow().State(), "requires_action reopens the attempt")
			} else {
				assert.Equal(t, purchase.StateConfirming, s.Flow().State(), "processing leaves the flow observable")
			}
			// The card handle stays for a retry.
			assert.NotEmpty(t, s.paymentMethodID)
		})
	}
}

func TestCheckout_DeclinedCardTerminatesAttempt(t *testing.T) {
	ledger := &stubLedger{intentResp: okIntentResp()}
	mock := adapter.NewMockProviderAdapter(zap.NewNop())
	mock.Outcome = adapter.StatusFailed
	coord := newTestCoordinator(ledger, mock, newMemRepo())

	s, err := coord.NewSession(uuid.New(), testReq(), testPriced(), "pm_card_visa")
	require.NoError(t, err)

	_, conf, err := coord.Checkout(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusFailed, conf.Status)
	assert.Equal(t, purchase.StateConfirmFailed, s.Flow().State())
	assert.Zero(t, ledger.completeCalls.Load())
}

func TestCreateIntent_AmountMismatchRejected(t *testing.T) {
	resp := okIntentResp()
	resp.FinalAmount = 49999 // backend disagrees by one cent
	ledger := &stubLedger{intentResp: resp}
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), newMemRepo())

	s, err := coord.NewSession(uuid.New(), testReq(), testPriced(), "pm_card_visa")
	require.NoError(t, err)

	err = coord.CreateIntent(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &apperrors.Error{Kind: apperrors.KindConflict}))
	assert.Zero(t, ledger.completeCalls.Load())
}

func TestCreateIntent_SessionSingleFlight(t *testing.T) {
	ledger := &stubLedger{intentResp: okIntentResp(), intentRelease: make(chan struct{})}
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), newMemRepo())

	s, err := coord.NewSession(uuid.New(), testReq(), testPriced(), "pm_card_visa")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- coord.CreateIntent(context.Background(), s) }()

	// Wait until the first call is inside the backend stub.
	require.Eventually(t, func() bool { return ledger.intentCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// A second call for the same session is rejected locally, not issued.
	err = coord.CreateIntent(context.Background(), s)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, int64(1), ledger.intentCalls.Load())

	close(ledger.intentRelease)
	require.NoError(t, <-done)
}

// seedConfirmedFlow stores a flow that already holds a confirmed intent.
func seedConfirmedFlow(t *testing.T, repo *memRepo, req purchase.Request, intentID string) *purchase.Flow {
	t.Helper()
	f := purchase.NewFlow(uuid.New(), req, purchase.MethodCard, 50000, 0, 50000)
	require.NoError(t, f.AttachIntent(intentID, 0, 0))
	require.NoError(t, f.BeginConfirm())
	require.NoError(t, f.MarkConfirmed("ch_1"))
	require.NoError(t, repo.Save(context.Background(), f))
	return f
}

func TestComplete_ConcurrentCallersYieldOneRecord(t *testing.T) {
	ledger := &stubLedger{completeDelay: 50 * time.Millisecond}
	repo := newMemRepo()
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), repo)
	seedConfirmedFlow(t, repo, testReq(), "pi_1")

	const callers = 8
	var wg sync.WaitGroup
	var successes, rejections atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := coord.Complete(context.Background(), testReq(), "pi_1")
			switch {
			case err == nil:
				assert.NotEmpty(t, record.Payload)
				successes.Add(1)
			case errors.Is(err, ErrCompletionInFlight):
				rejections.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ledger.completeCalls.Load(), "exactly one purchase record must be created")
	assert.GreaterOrEqual(t, successes.Load(), int64(1))
	assert.Equal(t, int64(callers), successes.Load()+rejections.Load())
}

func TestComplete_RepeatCallObservesFirstResult(t *testing.T) {
	ledger := &stubLedger{}
	repo := newMemRepo()
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), repo)
	seedConfirmedFlow(t, repo, testReq(), "pi_1")

	first, err := coord.Complete(context.Background(), testReq(), "pi_1")
	require.NoError(t, err)

	second, err := coord.Complete(context.Background(), testReq(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, string(first.Payload), string(second.Payload))
	assert.Equal(t, int64(1), ledger.completeCalls.Load(), "the repeat call must not reach the backend")
}

func TestComplete_RequestMismatchRejected(t *testing.T) {
	ledger := &stubLedger{}
	repo := newMemRepo()
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), repo)
	seedConfirmedFlow(t, repo, testReq(), "pi_1")

	drifted := testReq()
	drifted.Quantity = 6
	_, err := coord.Complete(context.Background(), drifted, "pi_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, &apperrors.Error{Kind: apperrors.KindConflict}))
	assert.Zero(t, ledger.completeCalls.Load())
}

func TestComplete_BackendFailureIsCompletionFailed(t *testing.T) {
	ledger := &stubLedger{completeErr: apperrors.Classify(500, []byte(`{"error":"provisioning crashed"}`))}
	repo := newMemRepo()
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), repo)
	f := seedConfirmedFlow(t, repo, testReq(), "pi_1")

	_, err := coord.Complete(context.Background(), testReq(), "pi_1")
	require.Error(t, err)

	var cfe *CompletionFailedError
	require.ErrorAs(t, err, &cfe)
	assert.Equal(t, "pi_1", cfe.PaymentIntentID, "the intent id must be surfaced for reconciliation")
	assert.Contains(t, err.Error(), "pi_1")
	assert.Equal(t, purchase.StateCompletionFailed, f.State())

	// No automatic retry: a repeat call observes the failure without a
	// second backend attempt.
	_, err = coord.Complete(context.Background(), testReq(), "pi_1")
	require.ErrorAs(t, err, &cfe)
	assert.Equal(t, int64(1), ledger.completeCalls.Load())
}

func TestCheckout_EndToEndCompletionFailure(t *testing.T) {
	ledger := &stubLedger{
		intentResp:  okIntentResp(),
		completeErr: apperrors.Classify(500, nil),
	}
	coord := newTestCoordinator(ledger, adapter.NewMockProviderAdapter(zap.NewNop()), newMemRepo())

	s, err := coord.NewSession(uuid.New(), testReq(), testPriced(), "pm_card_visa")
	require.NoError(t, err)

	_, conf, err := coord.Checkout(context.Background(), s)
	assert.True(t, conf.Succeeded(), "the charge itself succeeded")

	var cfe *CompletionFailedError
	require.ErrorAs(t, err, &cfe)
	assert.Equal(t, "pi_1", cfe.PaymentIntentID)
	assert.Equal(t, purchase.StateCompletionFailed, s.Flow().State())
}
