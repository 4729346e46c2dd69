// Package pricing computes the amount due for a purchase request and
// decides which discount codes a course is eligible for. All functions
// are pure: no clock, no network, no mutable state.
package pricing

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidQuantity is returned when a request asks for fewer than one unit.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")

	// ErrDiscountInvalid is returned when a discount code is expired,
	// exhausted, or scoped to a different course.
	ErrDiscountInvalid = errors.New("discount code is not valid for this purchase")
)

// DiscountKind is the type of reduction a code applies.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// DiscountCode is a redeemable code as served by the ledger backend.
// A code with an empty ScopeCourseID is global and applies to any course.
type DiscountCode struct {
	Code          string       `json:"code"`
	Kind          DiscountKind `json:"kind"`
	Value         int64        `json:"value"` // percent (1-100) or fixed amount in cents
	ScopeCourseID string       `json:"scopeCourseId,omitempty"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty"`
	MaxUses       int          `json:"maxUses,omitempty"` // 0 means unbounded
	UsedCount     int          `json:"usedCount"`
}

// IsExpired reports whether the code has passed its expiry at the given instant.
func (d DiscountCode) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// IsExhausted reports whether the code has no redemptions left.
func (d DiscountCode) IsExhausted() bool {
	return d.MaxUses > 0 && d.UsedCount >= d.MaxUses
}

// AppliesTo reports whether the code's scope covers the given course.
// Unscoped codes are global.
func (d DiscountCode) AppliesTo(courseID string) bool {
	return d.ScopeCourseID == "" || d.ScopeCourseID == courseID
}

// Usable reports whether the code can be redeemed for the course right now.
func (d DiscountCode) Usable(courseID string, now time.Time) bool {
	return !d.IsExpired(now) && !d.IsExhausted() && d.AppliesTo(courseID)
}

// PricedAmount is the derived price of a purchase request. It is never
// persisted; the ledger backend owns the authoritative figure.
type PricedAmount struct {
	BaseCents     int64  `json:"baseAmount"`
	DiscountCents int64  `json:"discountApplied"`
	FinalCents    int64  `json:"finalAmount"`
	Currency      string `json:"currency"`
}

// ComputeFinalAmount prices quantity units at unitPriceCents each and
// applies the discount code, when present. The code must be usable for
// the course or the computation fails with ErrDiscountInvalid.
func ComputeFinalAmount(unitPriceCents int64, quantity int, currency, courseID string, code *DiscountCode, now time.Time) (PricedAmount, error) {
	if quantity < 1 {
		return PricedAmount{}, ErrInvalidQuantity
	}
	if unitPriceCents < 0 {
		return PricedAmount{}, fmt.Errorf("unit price must not be negative")
	}

	base := unitPriceCents * int64(quantity)
	priced := PricedAmount{BaseCents: base, FinalCents: base, Currency: currency}
	if code == nil {
		return priced, nil
	}

	if code.IsExpired(now) {
		return PricedAmount{}, fmt.Errorf("%w: %s is expired", ErrDiscountInvalid, code.Code)
	}
	if code.IsExhausted() {
		return PricedAmount{}, fmt.Errorf("%w: %s has no uses left", ErrDiscountInvalid, code.Code)
	}
	if !code.AppliesTo(courseID) {
		return PricedAmount{}, fmt.Errorf("%w: %s does not apply to this course", ErrDiscountInvalid, code.Code)
	}

	var discount int64
	switch code.Kind {
	case DiscountPercentage:
		if code.Value < 1 || code.Value > 100 {
			return PricedAmount{}, fmt.Errorf("%w: %s has percentage %d outside 1-100", ErrDiscountInvalid, code.Code, code.Value)
		}
		discount = base * code.Value / 100
	case DiscountFixed:
		if code.Value < 0 {
			return PricedAmount{}, fmt.Errorf("%w: %s has a negative amount", ErrDiscountInvalid, code.Code)
		}
		discount = code.Value
	default:
		return PricedAmount{}, fmt.Errorf("%w: unknown discount kind %q", ErrDiscountInvalid, code.Kind)
	}
	if discount > base {
		discount = base
	}

	priced.DiscountCents = discount
	priced.FinalCents = base - discount
	return priced, nil
}

// FilterEligibleCodes returns the codes usable for the given course.
// It runs before codes are offered to the user, so the console never
// shows a code the backend would reject at submission time.
func FilterEligibleCodes(codes []DiscountCode, courseID string, now time.Time) []DiscountCode {
	eligible := make([]DiscountCode, 0, len(codes))
	for _, c := range codes {
		if c.Usable(courseID, now) {
			eligible = append(eligible, c)
		}
	}
	return eligible
}

// FindCode returns the code with the given identifier from the list,
// or nil when absent. Matching is exact; normalization is the backend's job.
func FindCode(codes []DiscountCode, code string) *DiscountCode {
	for i := range codes {
		if codes[i].Code == code {
			return &codes[i]
		}
	}
	return nil
}
