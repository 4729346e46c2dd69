package repository

import (
	"context"
	"errors"
	"time"

	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	purchaseDomain "github.com/certpeak/service-purchase/internal/domain/purchase"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FlowModel is the GORM persistence model for the purchase_flows table.
type FlowModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID `gorm:"type:uuid;not null;index"`
	Kind            string    `gorm:"type:varchar(40);not null"`
	SubjectID       string    `gorm:"type:varchar(64);not null"`
	CourseID        string    `gorm:"type:varchar(64)"`
	Quantity        int       `gorm:"not null"`
	UnitPriceCents  int64     `gorm:"not null"`
	DiscountCode    string    `gorm:"type:varchar(50)"`
	Method          string    `gorm:"type:varchar(20);not null"`
	State           string    `gorm:"type:varchar(30);not null;default:'requested';index"`
	BaseCents       int64     `gorm:"not null"`
	DiscountCents   int64     `gorm:"not null;default:0"`
	FinalCents      int64     `gorm:"not null"`
	CommissionCents int64     `gorm:"not null;default:0"`
	ProviderCents   int64     `gorm:"not null;default:0"`
	Currency        string    `gorm:"type:varchar(3);not null"`
	PaymentIntentID string    `gorm:"type:varchar(255);index"`
	ProviderTxnID   string    `gorm:"type:varchar(255)"`
	FailureReason   string    `gorm:"type:text"`
	Version         int64     `gorm:"not null;default:1"`
	CreatedAt       time.Time `gorm:"type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

// TableName specifies the table name for GORM.
func (FlowModel) TableName() string {
	return "purchase_flows"
}

// FlowRepositoryImpl is the GORM-based implementation of FlowRepository.
type FlowRepositoryImpl struct {
	db *gorm.DB
}

// NewFlowRepository creates a new GORM-based flow repository.
func NewFlowRepository(db *gorm.DB) *FlowRepositoryImpl {
	return &FlowRepositoryImpl{db: db}
}

// FindByID retrieves a flow by its unique ID.
func (r *FlowRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*purchaseDomain.Flow, error) {
	var model FlowModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.KindNotFound, "purchase flow not found: "+id.String())
		}
		return nil, err
	}
	return toDomain(&model), nil
}

// FindByIntentID retrieves a flow by its payment intent id.
func (r *FlowRepositoryImpl) FindByIntentID(ctx context.Context, paymentIntentID string) (*purchaseDomain.Flow, error) {
	var model FlowModel
	if err := r.db.WithContext(ctx).Where("payment_intent_id = ?", paymentIntentID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.KindNotFound, "no purchase flow for intent "+paymentIntentID)
		}
		return nil, err
	}
	return toDomain(&model), nil
}

// Save persists a new flow.
func (r *FlowRepositoryImpl) Save(ctx context.Context, flow *purchaseDomain.Flow) error {
	model := toModel(flow)
	return r.db.WithContext(ctx).Create(model).Error
}

// Update persists changes to an existing flow with optimistic locking.
func (r *FlowRepositoryImpl) Update(ctx context.Context, flow *purchaseDomain.Flow) error {
	model := toModel(flow)
	previousVersion := flow.Version() - 1

	result := r.db.WithContext(ctx).
		Model(&FlowModel{}).
		Where("id = ? AND version = ?", model.ID, previousVersion).
		Updates(model)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.KindConflict, "purchase flow was modified by another transaction")
	}
	return nil
}

// ListAll retrieves all flows with pagination (admin).
func (r *FlowRepositoryImpl) ListAll(ctx context.Context, page, limit int) ([]*purchaseDomain.Flow, int64, error) {
	var total int64
	r.db.WithContext(ctx).Model(&FlowModel{}).Count(&total)

	var models []FlowModel
	offset := (page - 1) * limit
	if err := r.db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit).Find(&models).Error; err != nil {
		return nil, 0, err
	}

	flows := make([]*purchaseDomain.Flow, len(models))
	for i := range models {
		flows[i] = toDomain(&models[i])
	}
	return flows, total, nil
}

// ListByState retrieves flows in a given state, oldest first.
func (r *FlowRepositoryImpl) ListByState(ctx context.Context, state purchaseDomain.State, limit int) ([]*purchaseDomain.Flow, error) {
	var models []FlowModel
	if err := r.db.WithContext(ctx).
		Where("state = ?", string(state)).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	flows := make([]*purchaseDomain.Flow, len(models))
	for i := range models {
		flows[i] = toDomain(&models[i])
	}
	return flows, nil
}

// GetRevenueStats returns completed revenue and flow counts by state (admin).
func (r *FlowRepositoryImpl) GetRevenueStats(ctx context.Context) (int64, map[string]int64, error) {
	var completed int64
	r.db.WithContext(ctx).Model(&FlowModel{}).
		Where("state = ?", string(purchaseDomain.StateCompleted)).
		Select("COALESCE(SUM(final_cents), 0)").
		Scan(&completed)

	type stateCount struct {
		State string
		Count int64
	}
	var results []stateCount
	if err := r.db.WithContext(ctx).Model(&FlowModel{}).
		Select("state, count(*) as count").
		Group("state").
		Find(&results).Error; err != nil {
		return 0, nil, err
	}

	counts := make(map[string]int64)
	for _, sc := range results {
		counts[sc.State] = sc.Count
	}
	return completed, counts, nil
}

// toDomain maps a FlowModel to the domain Flow aggregate.
func toDomain(model *FlowModel) *purchaseDomain.Flow {
	req := purchaseDomain.Request{
		Kind:           purchaseDomain.Kind(model.Kind),
		SubjectID:      model.SubjectID,
		CourseID:       model.CourseID,
		Quantity:       model.Quantity,
		UnitPriceCents: model.UnitPriceCents,
		Currency:       model.Currency,
		DiscountCode:   model.DiscountCode,
	}
	return purchaseDomain.Reconstitute(
		model.ID,
		model.UserID,
		req,
		purchaseDomain.Method(model.Method),
		purchaseDomain.State(model.State),
		model.BaseCents,
		model.DiscountCents,
		model.FinalCents,
		model.CommissionCents,
		model.ProviderCents,
		model.PaymentIntentID,
		model.ProviderTxnID,
		model.FailureReason,
		model.Version,
		model.CreatedAt,
		model.UpdatedAt,
	)
}

// toModel maps a domain Flow aggregate to a FlowModel for persistence.
func toModel(f *purchaseDomain.Flow) *FlowModel {
	req := f.Request()
	return &FlowModel{
		ID:              f.ID(),
		UserID:          f.UserID(),
		Kind:            string(req.Kind),
		SubjectID:       req.SubjectID,
		CourseID:        req.CourseID,
		Quantity:        req.Quantity,
		UnitPriceCents:  req.UnitPriceCents,
		DiscountCode:    req.DiscountCode,
		Method:          string(f.Method()),
		State:           string(f.State()),
		BaseCents:       f.BaseCents(),
		DiscountCents:   f.DiscountCents(),
		FinalCents:      f.FinalCents(),
		CommissionCents: f.CommissionCents(),
		ProviderCents:   f.ProviderCents(),
		Currency:        req.Currency,
		PaymentIntentID: f.PaymentIntentID(),
		ProviderTxnID:   f.ProviderTxnID(),
		FailureReason:   f.FailureReason(),
		Version:         f.Version(),
		CreatedAt:       f.CreatedAt(),
		UpdatedAt:       f.UpdatedAt(),
	}
}
