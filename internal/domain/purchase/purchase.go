package purchase

import (
	"fmt"
	"time"

	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/google/uuid"
)

// Kind identifies what a purchase provisions once completed.
type Kind string

const (
	KindSubscription     Kind = "subscription"
	KindCertificateCodes Kind = "certificate_codes"
	KindAuthorization    Kind = "instructor_authorization"
)

// ParseKind validates a purchase kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSubscription, KindCertificateCodes, KindAuthorization:
		return Kind(s), nil
	}
	return "", apperrors.NewValidation(fmt.Sprintf("unknown purchase kind %q", s))
}

// Method is the closed set of supported payment methods. Adding or
// removing a method is a change to this type, visible at compile time.
type Method string

const (
	MethodCard   Method = "card"
	MethodManual Method = "manual"
)

// ParseMethod validates a payment method string against the closed set.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodCard, MethodManual:
		return Method(s), nil
	}
	return "", apperrors.NewValidation(fmt.Sprintf("unsupported payment method %q", s))
}

// State is a step in the purchase flow. The machine is linear:
//
//	requested -> intent_created -> confirming -> confirmed -> completing -> completed
//	                                   |             |            |
//	                             confirm_failed      |     completion_failed
//
// with the manual path going requested -> pending_review directly.
// completion_failed means money moved but nothing was provisioned; there
// is no transition out of it inside this service.
type State string

const (
	StateRequested        State = "requested"
	StateIntentCreated    State = "intent_created"
	StateConfirming       State = "confirming"
	StateConfirmFailed    State = "confirm_failed"
	StateConfirmed        State = "confirmed"
	StateCompleting       State = "completing"
	StateCompletionFailed State = "completion_failed"
	StateCompleted        State = "completed"
	StatePendingReview    State = "pending_review"
)

// Request describes what the user is buying. It is immutable once an
// intent has been created from it: the completion call must carry the
// exact same fields or be rejected.
type Request struct {
	Kind           Kind
	SubjectID      string
	CourseID       string
	Quantity       int
	UnitPriceCents int64
	Currency       string
	DiscountCode   string
}

// Validate runs the client-side precondition checks that must pass
// before any network call is issued.
func (r Request) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if r.SubjectID == "" {
		return apperrors.NewValidation("a subject must be selected")
	}
	if r.Quantity < 1 {
		return apperrors.NewValidation("quantity must be at least 1")
	}
	if r.UnitPriceCents < 0 {
		return apperrors.NewValidation("unit price must not be negative")
	}
	if r.Currency == "" {
		return apperrors.NewValidation("currency is required")
	}
	return nil
}

// Matches reports whether another request references the same purchase:
// same subject, quantity, and discount code. Used to reject a completion
// call whose request drifted from the one the intent was created for.
func (r Request) Matches(other Request) bool {
	return r.Kind == other.Kind &&
		r.SubjectID == other.SubjectID &&
		r.Quantity == other.Quantity &&
		r.DiscountCode == other.DiscountCode
}

// Flow is the aggregate root for one purchase attempt. It records the
// priced amounts, the backend-issued payment intent, and the state of
// the orchestration, so an intent stays addressable for reconciliation
// even after the originating console session is gone.
type Flow struct {
	id              uuid.UUID
	userID          uuid.UUID
	request         Request
	method          Method
	state           State
	baseCents       int64
	discountCents   int64
	finalCents      int64
	commissionCents int64
	providerCents   int64
	paymentIntentID string
	providerTxnID   string
	failureReason   string
	version         int64
	createdAt       time.Time
	updatedAt       time.Time
}

// NewFlow starts a purchase flow in the requested state.
func NewFlow(userID uuid.UUID, req Request, method Method, baseCents, discountCents, finalCents int64) *Flow {
	now := time.Now().UTC()
	return &Flow{
		id:            uuid.New(),
		userID:        userID,
		request:       req,
		method:        method,
		state:         StateRequested,
		baseCents:     baseCents,
		discountCents: discountCents,
		finalCents:    finalCents,
		version:       1,
		createdAt:     now,
		updatedAt:     now,
	}
}

func (f *Flow) ID() uuid.UUID           { return f.id }
func (f *Flow) UserID() uuid.UUID       { return f.userID }
func (f *Flow) Request() Request        { return f.request }
func (f *Flow) Method() Method          { return f.method }
func (f *Flow) State() State            { return f.state }
func (f *Flow) BaseCents() int64        { return f.baseCents }
func (f *Flow) DiscountCents() int64    { return f.discountCents }
func (f *Flow) FinalCents() int64       { return f.finalCents }
func (f *Flow) CommissionCents() int64  { return f.commissionCents }
func (f *Flow) ProviderCents() int64    { return f.providerCents }
func (f *Flow) PaymentIntentID() string { return f.paymentIntentID }
func (f *Flow) ProviderTxnID() string   { return f.providerTxnID }
func (f *Flow) FailureReason() string   { return f.failureReason }
func (f *Flow) Version() int64          { return f.version }
func (f *Flow) CreatedAt() time.Time    { return f.createdAt }
func (f *Flow) UpdatedAt() time.Time    { return f.updatedAt }

func (f *Flow) invalidTransition(to State) error {
	return apperrors.New(apperrors.KindConflict,
		fmt.Sprintf("cannot move purchase flow from %s to %s", f.state, to))
}

// AttachIntent records the backend-issued payment intent and the
// server-side commission split. Allowed only for a fresh card flow.
func (f *Flow) AttachIntent(paymentIntentID string, commissionCents, providerCents int64) error {
	if f.state != StateRequested || f.method != MethodCard {
		return f.invalidTransition(StateIntentCreated)
	}
	if paymentIntentID == "" {
		return apperrors.NewValidation("payment intent id is empty")
	}
	f.state = StateIntentCreated
	f.paymentIntentID = paymentIntentID
	f.commissionCents = commissionCents
	f.providerCents = providerCents
	f.touch()
	return nil
}

// BeginConfirm marks the flow as waiting on the card processor.
func (f *Flow) BeginConfirm() error {
	if f.state != StateIntentCreated {
		return f.invalidTransition(StateConfirming)
	}
	f.state = StateConfirming
	f.touch()
	return nil
}

// FailConfirm terminates the attempt after a declined or cancelled charge.
func (f *Flow) FailConfirm(reason string) error {
	if f.state != StateConfirming {
		return f.invalidTransition(StateConfirmFailed)
	}
	f.state = StateConfirmFailed
	f.failureReason = reason
	f.touch()
	return nil
}

// MarkConfirmed records a succeeded provider confirmation. There is no
// way back to confirming from here.
func (f *Flow) MarkConfirmed(providerTxnID string) error {
	if f.state != StateConfirming {
		return f.invalidTransition(StateConfirmed)
	}
	f.state = StateConfirmed
	f.providerTxnID = providerTxnID
	f.touch()
	return nil
}

// RequireAction reopens the attempt after a requires_action outcome:
// the intent stays attached and the user may confirm again. Failed
// confirmations never come back through here.
func (f *Flow) RequireAction() error {
	if f.state != StateConfirming {
		return f.invalidTransition(StateIntentCreated)
	}
	f.state = StateIntentCreated
	f.touch()
	return nil
}

// BeginCompletion marks the fulfillment call as in flight.
func (f *Flow) BeginCompletion() error {
	if f.state != StateConfirmed {
		return f.invalidTransition(StateCompleting)
	}
	f.state = StateCompleting
	f.touch()
	return nil
}

// FailCompletion records that the charge succeeded but fulfillment did
// not. Terminal: the intent id is kept for support reconciliation and
// completion is never retried automatically.
func (f *Flow) FailCompletion(reason string) error {
	if f.state != StateCompleting {
		return f.invalidTransition(StateCompletionFailed)
	}
	f.state = StateCompletionFailed
	f.failureReason = reason
	f.touch()
	return nil
}

// Complete records successful fulfillment.
func (f *Flow) Complete() error {
	if f.state != StateCompleting {
		return f.invalidTransition(StateCompleted)
	}
	f.state = StateCompleted
	f.touch()
	return nil
}

// SubmitForReview moves a manual flow straight to pending_review; the
// back-office reviewer owns everything after that.
func (f *Flow) SubmitForReview() error {
	if f.state != StateRequested || f.method != MethodManual {
		return f.invalidTransition(StatePendingReview)
	}
	f.state = StatePendingReview
	f.touch()
	return nil
}

// IncrementVersion bumps the version for optimistic locking.
func (f *Flow) IncrementVersion() {
	f.version++
	f.updatedAt = time.Now().UTC()
}

func (f *Flow) touch() { f.updatedAt = time.Now().UTC() }

// Reconstitute rebuilds a Flow from persisted data.
func Reconstitute(
	id, userID uuid.UUID,
	req Request,
	method Method,
	state State,
	baseCents, discountCents, finalCents, commissionCents, providerCents int64,
	paymentIntentID, providerTxnID, failureReason string,
	version int64,
	createdAt, updatedAt time.Time,
) *Flow {
	return &Flow{
		id:              id,
		userID:          userID,
		request:         req,
		method:          method,
		state:           state,
		baseCents:       baseCents,
		discountCents:   discountCents,
		finalCents:      finalCents,
		commissionCents: commissionCents,
		providerCents:   providerCents,
		paymentIntentID: paymentIntentID,
		providerTxnID:   providerTxnID,
		failureReason:   failureReason,
		version:         version,
		createdAt:       createdAt,
		updatedAt:       updatedAt,
	}
}
