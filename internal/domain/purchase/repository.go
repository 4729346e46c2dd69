package purchase

import (
	"context"

	"github.com/google/uuid"
)

// FlowRepository defines the persistence contract for purchase flows.
type FlowRepository interface {
	// FindByID retrieves a flow by its unique ID.
	FindByID(ctx context.Context, id uuid.UUID) (*Flow, error)

	// FindByIntentID retrieves a flow by its backend-issued payment intent id.
	FindByIntentID(ctx context.Context, paymentIntentID string) (*Flow, error)

	// ListAll retrieves all flows with pagination (admin).
	ListAll(ctx context.Context, page, limit int) ([]*Flow, int64, error)

	// ListByState retrieves flows in a given state, oldest first (admin,
	// used to surface completion_failed flows for reconciliation).
	ListByState(ctx context.Context, state State, limit int) ([]*Flow, error)

	// GetRevenueStats returns completed revenue and flow counts by state (admin).
	GetRevenueStats(ctx context.Context) (completedCents int64, countByState map[string]int64, err error)

	// Save persists a new flow.
	Save(ctx context.Context, flow *Flow) error

	// Update persists changes to an existing flow with optimistic locking.
	Update(ctx context.Context, flow *Flow) error
}
