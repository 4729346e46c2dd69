// Package events defines the Kafka topics and payloads this service emits.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventSource identifies this service in published envelopes.
const EventSource = "service-purchase"

// Topics.
const (
	TopicPurchaseEvents = "purchase.events"
)

// Event types.
const (
	TypePurchaseCompleted        = "purchase.completed"
	TypePurchaseCompletionFailed = "purchase.completion_failed"
	TypeManualPaymentSubmitted   = "purchase.manual_submitted"
)

// PurchaseCompletedEvent is emitted when a card purchase finishes end to end.
type PurchaseCompletedEvent struct {
	FlowID          uuid.UUID `json:"flow_id"`
	UserID          uuid.UUID `json:"user_id"`
	Kind            string    `json:"kind"`
	SubjectID       string    `json:"subject_id"`
	Quantity        int       `json:"quantity"`
	FinalCents      int64     `json:"final_cents"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"payment_intent_id"`
	CompletedAt     time.Time `json:"completed_at"`
}

// PurchaseCompletionFailedEvent is emitted when a charge succeeded but
// fulfillment did not. Consumers drive the support reconciliation queue
// from this.
type PurchaseCompletionFailedEvent struct {
	FlowID          uuid.UUID `json:"flow_id"`
	UserID          uuid.UUID `json:"user_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Reason          string    `json:"reason"`
	FailedAt        time.Time `json:"failed_at"`
}

// ManualPaymentSubmittedEvent is emitted when a manual payment with
// receipt lands in the review queue.
type ManualPaymentSubmittedEvent struct {
	FlowID      uuid.UUID `json:"flow_id"`
	UserID      uuid.UUID `json:"user_id"`
	Kind        string    `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	SubmittedAt time.Time `json:"submitted_at"`
}
