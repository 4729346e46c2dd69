// Package flow orchestrates a purchase across the three parties that
// must agree before value changes hands: the pricing/ledger backend,
// the card processor, and (for the manual path) the back-office
// reviewer. The card path is the linear machine
//
//	intent -> confirm -> complete
//
// and the coordinator's job is to make sure money moves at most once
// per request, and that a charge without fulfillment is surfaced, never
// papered over.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/certpeak/service-purchase/internal/adapter"
	"github.com/certpeak/service-purchase/internal/backend"
	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/certpeak/service-purchase/internal/domain/pricing"
	"github.com/certpeak/service-purchase/internal/domain/purchase"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerBackend is the subset of the backend client the coordinator needs.
type LedgerBackend interface {
	CreateIntent(ctx context.Context, req purchase.Request) (backend.IntentResponse, error)
	CompletePurchase(ctx context.Context, req purchase.Request, paymentIntentID string) (backend.PurchaseRecord, error)
}

// ErrSessionBusy is returned when a session already has a call outstanding.
// The second call is rejected locally, never issued.
var ErrSessionBusy = apperrors.New(apperrors.KindConflict, "another request for this purchase is still in flight")

// ErrCompletionInFlight is returned to a concurrent caller while a
// completion for the same intent is outstanding.
var ErrCompletionInFlight = apperrors.New(apperrors.KindConflict, "completion for this payment intent is already in progress")

// CompletionFailedError means the provider charge succeeded but backend
// fulfillment did not. It is fatal for the client: retrying risks double
// fulfillment, so the intent id is surfaced for manual reconciliation.
type CompletionFailedError struct {
	PaymentIntentID string
	Err             error
}

func (e *CompletionFailedError) Error() string {
	return fmt.Sprintf("payment was captured but the purchase could not be finalized; quote payment intent %s to support: %v", e.PaymentIntentID, e.Err)
}

func (e *CompletionFailedError) Unwrap() error { return e.Err }

// Session is one purchase dialog. It owns its request, intent, and
// confirmation state; nothing in it is shared across flows. The busy
// flag enforces at most one outstanding call per stage.
type Session struct {
	userID uuid.UUID
	req    purchase.Request
	priced pricing.PricedAmount

	flow         *purchase.Flow
	clientSecret string

	// paymentMethodID is the stored card handle. Cleared only after a
	// confirmed success so stale card state cannot be reused.
	paymentMethodID string

	busy atomic.Bool
}

// Flow exposes the session's persisted flow. It stays addressable after
// the dialog is gone, so a charge that lands late can be reconciled.
func (s *Session) Flow() *purchase.Flow { return s.flow }

func (s *Session) begin() error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	return nil
}

func (s *Session) end() { s.busy.Store(false) }

// completionCall memoizes the outcome of a completion so a repeat caller
// observes the first result instead of producing a second record.
type completionCall struct {
	done   chan struct{}
	record backend.PurchaseRecord
	err    error
}

// Coordinator drives card purchase flows.
type Coordinator struct {
	backend  LedgerBackend
	provider adapter.ProviderAdapter
	repo     purchase.FlowRepository
	logger   *zap.Logger

	mu          sync.Mutex
	completions map[string]*completionCall
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(ledger LedgerBackend, prov adapter.ProviderAdapter, repo purchase.FlowRepository, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		backend:     ledger,
		provider:    prov,
		repo:        repo,
		logger:      logger,
		completions: make(map[string]*completionCall),
	}
}

// NewSession validates the request and opens a purchase dialog. The
// priced amount must come from pricing.ComputeFinalAmount over the same
// request; it is checked again against the backend's figure at intent
// creation.
func (c *Coordinator) NewSession(userID uuid.UUID, req purchase.Request, priced pricing.PricedAmount, paymentMethodID string) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		userID:          userID,
		req:             req,
		priced:          priced,
		paymentMethodID: paymentMethodID,
	}, nil
}

// CreateIntent reserves a priced transaction with the backend and
// persists the resulting flow. A mismatch between the backend's amount
// and the locally resolved amount is rejected, not reconciled.
func (c *Coordinator) CreateIntent(ctx context.Context, s *Session) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	if s.flow != nil {
		return apperrors.New(apperrors.KindConflict, "an intent was already created for this purchase")
	}

	f := purchase.NewFlow(s.userID, s.req, purchase.MethodCard, s.priced.BaseCents, s.priced.DiscountCents, s.priced.FinalCents)
	if err := c.repo.Save(ctx, f); err != nil {
		return fmt.Errorf("persisting purchase flow: %w", err)
	}

	resp, err := c.backend.CreateIntent(ctx, s.req)
	if err != nil {
		return err
	}

	if resp.FinalAmount != s.priced.FinalCents {
		c.logger.Error("intent amount disagrees with resolved price",
			zap.String("payment_intent_id", resp.PaymentIntentID),
			zap.Int64("backend_amount", resp.FinalAmount),
			zap.Int64("resolved_amount", s.priced.FinalCents),
		)
		return apperrors.New(apperrors.KindConflict,
			fmt.Sprintf("intent amount %d does not match resolved amount %d", resp.FinalAmount, s.priced.FinalCents))
	}

	if err := f.AttachIntent(resp.PaymentIntentID, resp.CommissionAmount, resp.ProviderAmount); err != nil {
		return err
	}
	f.IncrementVersion()
	if err := c.repo.Update(ctx, f); err != nil {
		return fmt.Errorf("persisting intent: %w", err)
	}

	s.flow = f
	s.clientSecret = resp.ClientSecret

	c.logger.Info("payment intent created",
		zap.String("flow_id", f.ID().String()),
		zap.String("payment_intent_id", resp.PaymentIntentID),
		zap.Int64("final_cents", resp.FinalAmount),
	)
	return nil
}

// Confirm hands the card to the processor. Only a succeeded status moves
// the flow forward; requires_action reopens the attempt for the user,
// processing leaves it in confirming for later reconciliation, and
// canceled/failed terminate it.
func (c *Coordinator) Confirm(ctx context.Context, s *Session) (adapter.Confirmation, error) {
	if err := s.begin(); err != nil {
		return adapter.Confirmation{}, err
	}
	defer s.end()

	if s.flow == nil {
		return adapter.Confirmation{}, apperrors.NewValidation("no payment intent to confirm")
	}

	f := s.flow
	if err := f.BeginConfirm(); err != nil {
		return adapter.Confirmation{}, err
	}
	f.IncrementVersion()
	if err := c.repo.Update(ctx, f); err != nil {
		return adapter.Confirmation{}, fmt.Errorf("persisting confirming state: %w", err)
	}

	conf, err := c.provider.Confirm(ctx, s.clientSecret, s.paymentMethodID)
	if err != nil {
		// Outcome unknown; the flow stays in confirming with its intent
		// id persisted so reconciliation can discover a late charge.
		c.logger.Error("provider confirmation outcome unknown",
			zap.String("payment_intent_id", f.PaymentIntentID()),
			zap.Error(err),
		)
		return adapter.Confirmation{}, err
	}

	switch {
	case conf.Succeeded():
		if err := f.MarkConfirmed(conf.ProviderTransactionID); err != nil {
			return conf, err
		}
		s.paymentMethodID = ""
	case conf.Status == adapter.StatusRequiresAction:
		if err := f.RequireAction(); err != nil {
			return conf, err
		}
	case conf.Status == adapter.StatusProcessing:
		// Not proceed-able and not terminal: leave the flow confirming.
	default:
		if err := f.FailConfirm(string(conf.Status) + ": " + conf.Message); err != nil {
			return conf, err
		}
	}

	f.IncrementVersion()
	if err := c.repo.Update(ctx, f); err != nil {
		return conf, fmt.Errorf("persisting confirmation outcome: %w", err)
	}

	c.logger.Info("provider confirmation interpreted",
		zap.String("payment_intent_id", f.PaymentIntentID()),
		zap.String("status", string(conf.Status)),
	)
	return conf, nil
}

// Complete finalizes a confirmed purchase with the backend. At most one
// completion per intent id is in flight in this process; a concurrent
// caller is rejected with ErrCompletionInFlight, and a repeat caller
// after success observes the first record. The backend remains the
// final idempotency authority.
//
// When the backend call fails the flow lands in completion_failed and
// the error carries the intent id. Completion is never retried from
// here: the charge already succeeded, and a blind retry risks double
// fulfillment.
func (c *Coordinator) Complete(ctx context.Context, req purchase.Request, paymentIntentID string) (backend.PurchaseRecord, error) {
	c.mu.Lock()
	if call, ok := c.completions[paymentIntentID]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			// First caller finished: observe its result.
			return call.record, call.err
		default:
			return backend.PurchaseRecord{}, ErrCompletionInFlight
		}
	}
	call := &completionCall{done: make(chan struct{})}
	c.completions[paymentIntentID] = call
	c.mu.Unlock()

	call.record, call.err = c.completeOnce(ctx, req, paymentIntentID)
	close(call.done)

	if call.err != nil {
		// A failed attempt stays memoized only when the charge happened:
		// completion_failed must not be retried. Pre-charge rejections
		// (mismatch, wrong state) may be corrected and resubmitted.
		var cfe *CompletionFailedError
		if !errors.As(call.err, &cfe) {
			c.mu.Lock()
			delete(c.completions, paymentIntentID)
			c.mu.Unlock()
		}
	}
	return call.record, call.err
}

func (c *Coordinator) completeOnce(ctx context.Context, req purchase.Request, paymentIntentID string) (backend.PurchaseRecord, error) {
	f, err := c.repo.FindByIntentID(ctx, paymentIntentID)
	if err != nil {
		return backend.PurchaseRecord{}, err
	}

	if f.State() == purchase.StateCompleted {
		return backend.PurchaseRecord{}, apperrors.New(apperrors.KindConflict, "this payment intent was already completed")
	}
	if !f.Request().Matches(req) {
		return backend.PurchaseRecord{}, apperrors.New(apperrors.KindConflict,
			"completion request does not match the request this intent was created for")
	}

	if err := f.BeginCompletion(); err != nil {
		return backend.PurchaseRecord{}, err
	}
	f.IncrementVersion()
	if err := c.repo.Update(ctx, f); err != nil {
		return backend.PurchaseRecord{}, fmt.Errorf("persisting completing state: %w", err)
	}

	record, err := c.backend.CompletePurchase(ctx, req, paymentIntentID)
	if err != nil {
		if failErr := f.FailCompletion(err.Error()); failErr == nil {
			f.IncrementVersion()
			if updErr := c.repo.Update(ctx, f); updErr != nil {
				c.logger.Error("failed to persist completion_failed state",
					zap.String("payment_intent_id", paymentIntentID),
					zap.Error(updErr),
				)
			}
		}
		c.logger.Error("purchase completion failed after successful charge",
			zap.String("payment_intent_id", paymentIntentID),
			zap.Error(err),
		)
		return backend.PurchaseRecord{}, &CompletionFailedError{PaymentIntentID: paymentIntentID, Err: err}
	}

	if err := f.Complete(); err != nil {
		return backend.PurchaseRecord{}, err
	}
	f.IncrementVersion()
	if err := c.repo.Update(ctx, f); err != nil {
		return backend.PurchaseRecord{}, fmt.Errorf("persisting completed state: %w", err)
	}

	c.logger.Info("purchase completed",
		zap.String("flow_id", f.ID().String()),
		zap.String("payment_intent_id", paymentIntentID),
	)
	return record, nil
}

// Checkout runs the whole card path for a session: intent, confirmation,
// and, only on a succeeded confirmation, completion. A non-success
// confirmation returns with the flow parked in the matching state and a
// zero record; the completion call is never issued.
func (c *Coordinator) Checkout(ctx context.Context, s *Session) (backend.PurchaseRecord, adapter.Confirmation, error) {
	if err := c.CreateIntent(ctx, s); err != nil {
		return backend.PurchaseRecord{}, adapter.Confirmation{}, err
	}

	conf, err := c.Confirm(ctx, s)
	if err != nil {
		return backend.PurchaseRecord{}, conf, err
	}
	if !conf.Succeeded() {
		return backend.PurchaseRecord{}, conf, nil
	}

	record, err := c.Complete(ctx, s.req, s.flow.PaymentIntentID())
	return record, conf, err
}
