package flow

import (
	"context"
	"fmt"

	"github.com/certpeak/service-purchase/internal/backend"
	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/certpeak/service-purchase/internal/domain/pricing"
	"github.com/certpeak/service-purchase/internal/domain/purchase"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// amountToleranceCents is how far a manually entered amount may deviate
// from the resolved total: 0.01 currency units.
const amountToleranceCents = 1

// receiptMIMEAllowList is the set of receipt types the reviewers accept.
var receiptMIMEAllowList = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/png":       {},
}

// ManualBackend is the subset of the backend client the manual path needs.
type ManualBackend interface {
	SubmitManualPayment(ctx context.Context, req purchase.Request, amountCents int64, receipt backend.Receipt) (backend.ManualPaymentResult, error)
}

// ManualPathway is the provider-free alternative to the card flow: the
// user attaches a receipt and an amount, and the submission ends in
// pending_review. Fulfillment belongs to the back-office reviewer; this
// component's contract ends at successful submission.
type ManualPathway struct {
	backend         ManualBackend
	repo            purchase.FlowRepository
	maxReceiptBytes int64
	logger          *zap.Logger
}

// NewManualPathway creates a ManualPathway. maxReceiptBytes bounds the
// accepted receipt size.
func NewManualPathway(b ManualBackend, repo purchase.FlowRepository, maxReceiptBytes int64, logger *zap.Logger) *ManualPathway {
	return &ManualPathway{backend: b, repo: repo, maxReceiptBytes: maxReceiptBytes, logger: logger}
}

// Submit validates the receipt and amount, uploads the submission, and
// persists the flow in pending_review. All preconditions are checked
// before any byte leaves the process; violations are validation errors,
// never silent coercions.
func (m *ManualPathway) Submit(ctx context.Context, userID uuid.UUID, req purchase.Request, priced pricing.PricedAmount, amountCents int64, receipt backend.Receipt) (*purchase.Flow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.validateReceipt(receipt); err != nil {
		return nil, err
	}

	diff := amountCents - priced.FinalCents
	if diff < -amountToleranceCents || diff > amountToleranceCents {
		return nil, apperrors.NewValidation(fmt.Sprintf(
			"entered amount %d does not match the amount due %d", amountCents, priced.FinalCents))
	}

	f := purchase.NewFlow(userID, req, purchase.MethodManual, priced.BaseCents, priced.DiscountCents, priced.FinalCents)
	if err := m.repo.Save(ctx, f); err != nil {
		return nil, fmt.Errorf("persisting manual flow: %w", err)
	}

	result, err := m.backend.SubmitManualPayment(ctx, req, amountCents, receipt)
	if err != nil {
		return nil, err
	}
	if result.Status != "pending_review" {
		return nil, apperrors.NewDecode(fmt.Sprintf("unexpected manual submission status %q", result.Status), nil)
	}

	if err := f.SubmitForReview(); err != nil {
		return nil, err
	}
	f.IncrementVersion()
	if err := m.repo.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("persisting pending_review state: %w", err)
	}

	m.logger.Info("manual payment submitted for review",
		zap.String("flow_id", f.ID().String()),
		zap.Int64("amount_cents", amountCents),
	)
	return f, nil
}

func (m *ManualPathway) validateReceipt(receipt backend.Receipt) error {
	if len(receipt.Content) == 0 {
		return apperrors.NewValidation("a receipt file is required")
	}
	if int64(len(receipt.Content)) > m.maxReceiptBytes {
		return apperrors.NewValidation(fmt.Sprintf(
			"receipt is %d bytes, the maximum is %d", len(receipt.Content), m.maxReceiptBytes))
	}

	// The declared content type is advisory; the allow-list is checked
	// against the sniffed type.
	detected := mimetype.Detect(receipt.Content)
	if _, ok := receiptMIMEAllowList[detected.String()]; !ok {
		return apperrors.NewValidation(fmt.Sprintf(
			"receipt type %s is not accepted; use PDF, JPEG, or PNG", detected.String()))
	}
	return nil
}
