package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/certpeak/service-purchase/internal/backend"
	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/certpeak/service-purchase/internal/domain/pricing"
	"github.com/certpeak/service-purchase/internal/domain/purchase"
	"github.com/certpeak/service-purchase/internal/events"
	"github.com/certpeak/service-purchase/internal/flow"
	"github.com/certpeak/service-purchase/internal/provider"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DiscountSource lists the discount codes the ledger backend would
// accept for a course.
type DiscountSource interface {
	ListDiscountCodes(ctx context.Context, courseID string) ([]pricing.DiscountCode, error)
}

// EventPublisher publishes domain events to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, topic, source, eventType, key string, data any) error
}

// CheckoutRequest is the DTO for a card purchase.
type CheckoutRequest struct {
	Kind            string `json:"kind" binding:"required"`
	SubjectID       string `json:"subject_id" binding:"required"`
	CourseID        string `json:"course_id"`
	Quantity        int    `json:"quantity" binding:"required,gt=0"`
	UnitPriceCents  int64  `json:"unit_price_cents" binding:"required,gt=0"`
	Currency        string `json:"currency" binding:"required"`
	DiscountCode    string `json:"discount_code"`
	PaymentMethodID string `json:"payment_method_id" binding:"required"`
}

// ManualPaymentRequest is the DTO for a manual payment submission. The
// receipt file arrives alongside it as multipart content.
type ManualPaymentRequest struct {
	Kind           string `form:"kind" binding:"required"`
	SubjectID      string `form:"subject_id" binding:"required"`
	CourseID       string `form:"course_id"`
	Quantity       int    `form:"quantity" binding:"required,gt=0"`
	UnitPriceCents int64  `form:"unit_price_cents" binding:"required,gt=0"`
	Currency       string `form:"currency" binding:"required"`
	DiscountCode   string `form:"discount_code"`
	AmountCents    int64  `form:"amount_cents" binding:"required,gt=0"`
}

// FlowDTO is the API representation of a purchase flow.
type FlowDTO struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	Kind            string    `json:"kind"`
	SubjectID       string    `json:"subject_id"`
	CourseID        string    `json:"course_id,omitempty"`
	Quantity        int       `json:"quantity"`
	DiscountCode    string    `json:"discount_code,omitempty"`
	Method          string    `json:"method"`
	State           string    `json:"state"`
	BaseCents       int64     `json:"base_cents"`
	DiscountCents   int64     `json:"discount_cents"`
	FinalCents      int64     `json:"final_cents"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CheckoutResultDTO is the outcome of a card checkout.
type CheckoutResultDTO struct {
	Flow               FlowDTO `json:"flow"`
	ConfirmationStatus string  `json:"confirmation_status"`
	Record             any     `json:"record,omitempty"`
}

// PurchaseService orchestrates purchase use cases for the HTTP layer.
type PurchaseService struct {
	coordinator *flow.Coordinator
	manual      *flow.ManualPathway
	discounts   DiscountSource
	providerCfg *provider.ConfigCache
	repo        purchase.FlowRepository
	publisher   EventPublisher
	logger      *zap.Logger
}

// NewPurchaseService creates a PurchaseService.
func NewPurchaseService(
	coordinator *flow.Coordinator,
	manual *flow.ManualPathway,
	discounts DiscountSource,
	providerCfg *provider.ConfigCache,
	repo purchase.FlowRepository,
	publisher EventPublisher,
	logger *zap.Logger,
) *PurchaseService {
	return &PurchaseService{
		coordinator: coordinator,
		manual:      manual,
		discounts:   discounts,
		providerCfg: providerCfg,
		repo:        repo,
		publisher:   publisher,
		logger:      logger,
	}
}

// resolvePrice turns a raw request into a validated domain request and
// its priced amount. A discount code the backend would not accept fails
// here, before any money-moving call is issued.
func (s *PurchaseService) resolvePrice(ctx context.Context, kind, subjectID, courseID string, quantity int, unitPriceCents int64, currency, discountCode string) (purchase.Request, pricing.PricedAmount, error) {
	parsedKind, err := purchase.ParseKind(kind)
	if err != nil {
		return purchase.Request{}, pricing.PricedAmount{}, err
	}

	req := purchase.Request{
		Kind:           parsedKind,
		SubjectID:      subjectID,
		CourseID:       courseID,
		Quantity:       quantity,
		UnitPriceCents: unitPriceCents,
		Currency:       currency,
		DiscountCode:   discountCode,
	}
	if err := req.Validate(); err != nil {
		return purchase.Request{}, pricing.PricedAmount{}, err
	}

	var code *pricing.DiscountCode
	if discountCode != "" {
		codes, err := s.discounts.ListDiscountCodes(ctx, courseID)
		if err != nil {
			return purchase.Request{}, pricing.PricedAmount{}, err
		}
		code = pricing.FindCode(codes, discountCode)
		if code == nil {
			return purchase.Request{}, pricing.PricedAmount{},
				apperrors.NewValidation(fmt.Sprintf("discount code %q is not available", discountCode))
		}
	}

	priced, err := pricing.ComputeFinalAmount(unitPriceCents, quantity, currency, courseID, code, time.Now().UTC())
	if err != nil {
		return purchase.Request{}, pricing.PricedAmount{}, apperrors.Wrap(apperrors.KindValidation, err.Error(), err)
	}
	return req, priced, nil
}

// Checkout runs the card purchase path end to end: price resolution,
// intent creation, provider confirmation, and backend completion.
func (s *PurchaseService) Checkout(ctx context.Context, userID uuid.UUID, dto CheckoutRequest) (*CheckoutResultDTO, error) {
	req, priced, err := s.resolvePrice(ctx, dto.Kind, dto.SubjectID, dto.CourseID, dto.Quantity, dto.UnitPriceCents, dto.Currency, dto.DiscountCode)
	if err != nil {
		return nil, err
	}

	session, err := s.coordinator.NewSession(userID, req, priced, dto.PaymentMethodID)
	if err != nil {
		return nil, err
	}

	record, conf, err := s.coordinator.Checkout(ctx, session)
	f := session.Flow()
	if err != nil {
		var cfe *flow.CompletionFailedError
		if f != nil && errors.As(err, &cfe) {
			s.publishCompletionFailed(ctx, f, cfe)
		}
		return nil, err
	}

	result := &CheckoutResultDTO{
		Flow:               toFlowDTO(f),
		ConfirmationStatus: string(conf.Status),
	}
	if conf.Succeeded() {
		result.Record = record
		s.publishCompleted(ctx, f)
	}
	return result, nil
}

// SubmitManualPayment prices the request, validates the receipt, and
// forwards the manual payment for back-office review.
func (s *PurchaseService) SubmitManualPayment(ctx context.Context, userID uuid.UUID, dto ManualPaymentRequest, receipt backend.Receipt) (*FlowDTO, error) {
	req, priced, err := s.resolvePrice(ctx, dto.Kind, dto.SubjectID, dto.CourseID, dto.Quantity, dto.UnitPriceCents, dto.Currency, dto.DiscountCode)
	if err != nil {
		return nil, err
	}

	f, err := s.manual.Submit(ctx, userID, req, priced, dto.AmountCents, receipt)
	if err != nil {
		return nil, err
	}

	s.publishManualSubmitted(ctx, f)

	result := toFlowDTO(f)
	return &result, nil
}

// ListEligibleDiscounts returns the discount codes usable for the
// course right now, filtered client-side so the console never offers a
// code the backend would reject.
func (s *PurchaseService) ListEligibleDiscounts(ctx context.Context, courseID string) ([]pricing.DiscountCode, error) {
	codes, err := s.discounts.ListDiscountCodes(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return pricing.FilterEligibleCodes(codes, courseID, time.Now().UTC()), nil
}

// GetProviderConfig returns the card processor's publishable
// configuration, cached for the process lifetime.
func (s *PurchaseService) GetProviderConfig(ctx context.Context) (provider.PublicConfig, error) {
	return s.providerCfg.Get(ctx)
}

// GetFlow retrieves a purchase flow by id.
func (s *PurchaseService) GetFlow(ctx context.Context, id uuid.UUID) (*FlowDTO, error) {
	f, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := toFlowDTO(f)
	return &dto, nil
}

// --- Admin methods ---

// FlowStatsDTO holds aggregate purchase statistics for the admin dashboard.
type FlowStatsDTO struct {
	TotalRevenueCents int64            `json:"total_revenue_cents"`
	TotalFlows        int64            `json:"total_flows"`
	ByState           map[string]int64 `json:"by_state"`
}

// ListAllFlows returns a paginated list of all purchase flows (admin).
func (s *PurchaseService) ListAllFlows(ctx context.Context, page, limit int) ([]FlowDTO, int64, error) {
	flows, total, err := s.repo.ListAll(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}

	dtos := make([]FlowDTO, len(flows))
	for i, f := range flows {
		dtos[i] = toFlowDTO(f)
	}
	return dtos, total, nil
}

// ListFailedCompletions returns flows stuck in completion_failed,
// oldest first, for the support reconciliation queue (admin).
func (s *PurchaseService) ListFailedCompletions(ctx context.Context, limit int) ([]FlowDTO, error) {
	flows, err := s.repo.ListByState(ctx, purchase.StateCompletionFailed, limit)
	if err != nil {
		return nil, err
	}

	dtos := make([]FlowDTO, len(flows))
	for i, f := range flows {
		dtos[i] = toFlowDTO(f)
	}
	return dtos, nil
}

// GetFlowStats returns aggregate purchase statistics (admin).
func (s *PurchaseService) GetFlowStats(ctx context.Context) (*FlowStatsDTO, error) {
	revenue, counts, err := s.repo.GetRevenueStats(ctx)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	return &FlowStatsDTO{
		TotalRevenueCents: revenue,
		TotalFlows:        total,
		ByState:           counts,
	}, nil
}

// Event publication is best-effort: a bus outage must not fail a
// purchase that already went through.

func (s *PurchaseService) publishCompleted(ctx context.Context, f *purchase.Flow) {
	evt := events.PurchaseCompletedEvent{
		FlowID:          f.ID(),
		UserID:          f.UserID(),
		Kind:            string(f.Request().Kind),
		SubjectID:       f.Request().SubjectID,
		Quantity:        f.Request().Quantity,
		FinalCents:      f.FinalCents(),
		Currency:        f.Request().Currency,
		PaymentIntentID: f.PaymentIntentID(),
		CompletedAt:     f.UpdatedAt(),
	}
	if err := s.publisher.Publish(ctx, events.TopicPurchaseEvents, events.EventSource, events.TypePurchaseCompleted, f.ID().String(), evt); err != nil {
		s.logger.Warn("failed to publish purchase.completed", zap.Error(err))
	}
}

func (s *PurchaseService) publishCompletionFailed(ctx context.Context, f *purchase.Flow, cfe *flow.CompletionFailedError) {
	evt := events.PurchaseCompletionFailedEvent{
		FlowID:          f.ID(),
		UserID:          f.UserID(),
		PaymentIntentID: cfe.PaymentIntentID,
		Reason:          cfe.Err.Error(),
		FailedAt:        time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, events.TopicPurchaseEvents, events.EventSource, events.TypePurchaseCompletionFailed, f.ID().String(), evt); err != nil {
		s.logger.Warn("failed to publish purchase.completion_failed", zap.Error(err))
	}
}

func (s *PurchaseService) publishManualSubmitted(ctx context.Context, f *purchase.Flow) {
	evt := events.ManualPaymentSubmittedEvent{
		FlowID:      f.ID(),
		UserID:      f.UserID(),
		Kind:        string(f.Request().Kind),
		AmountCents: f.FinalCents(),
		Currency:    f.Request().Currency,
		SubmittedAt: f.UpdatedAt(),
	}
	if err := s.publisher.Publish(ctx, events.TopicPurchaseEvents, events.EventSource, events.TypeManualPaymentSubmitted, f.ID().String(), evt); err != nil {
		s.logger.Warn("failed to publish purchase.manual_submitted", zap.Error(err))
	}
}

// toFlowDTO maps a domain Flow to its API representation.
func toFlowDTO(f *purchase.Flow) FlowDTO {
	req := f.Request()
	return FlowDTO{
		ID:              f.ID(),
		UserID:          f.UserID(),
		Kind:            string(req.Kind),
		SubjectID:       req.SubjectID,
		CourseID:        req.CourseID,
		Quantity:        req.Quantity,
		DiscountCode:    req.DiscountCode,
		Method:          string(f.Method()),
		State:           string(f.State()),
		BaseCents:       f.BaseCents(),
		DiscountCents:   f.DiscountCents(),
		FinalCents:      f.FinalCents(),
		Currency:        req.Currency,
		PaymentIntentID: f.PaymentIntentID(),
		FailureReason:   f.FailureReason(),
		Version:         f.Version(),
		CreatedAt:       f.CreatedAt(),
		UpdatedAt:       f.UpdatedAt(),
	}
}
