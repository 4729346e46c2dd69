package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v79"
	stripeclient "github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"
)

// ConfirmationStatus is the normalized outcome of a provider confirmation.
type ConfirmationStatus string

const (
	StatusSucceeded      ConfirmationStatus = "succeeded"
	StatusRequiresAction ConfirmationStatus = "requires_action"
	StatusProcessing     ConfirmationStatus = "processing"
	StatusCanceled       ConfirmationStatus = "canceled"
	StatusFailed         ConfirmationStatus = "failed"
)

// Confirmation is the normalized result of asking the processor to
// charge a payment method against an intent.
type Confirmation struct {
	Status                ConfirmationStatus
	ProviderTransactionID string
	Message               string
}

// Succeeded reports whether the confirmation is the one and only status
// that allows the flow to proceed to completion. processing is not a
// success: the charge may still fail.
func (c Confirmation) Succeeded() bool { return c.Status == StatusSucceeded }

// Terminal reports whether the attempt is over. requires_action and
// processing leave the attempt open (the user retries or waits).
func (c Confirmation) Terminal() bool {
	return c.Status == StatusCanceled || c.Status == StatusFailed
}

// ProviderAdapter is the anti-corruption layer over the external card
// processor. Its contract is purely about interpreting the result; the
// actual card handling belongs to the processor's SDK.
type ProviderAdapter interface {
	// Confirm asks the processor to confirm the intent addressed by
	// clientSecret using the given payment method. Declines and
	// cancellations come back as a non-success Confirmation, not as an
	// error; an error means the confirmation outcome is unknown.
	Confirm(ctx context.Context, clientSecret, paymentMethodID string) (Confirmation, error)
}

// StripeAdapter implements ProviderAdapter against the Stripe API.
type StripeAdapter struct {
	sc     *stripeclient.API
	logger *zap.Logger
}

// NewStripeAdapter creates a Stripe-backed adapter with the given secret key.
func NewStripeAdapter(secretKey string, logger *zap.Logger) *StripeAdapter {
	sc := &stripeclient.API{}
	sc.Init(secretKey, nil)
	return &StripeAdapter{sc: sc, logger: logger}
}

// intentIDFromSecret extracts the intent id from a client secret of the
// form "pi_xxx_secret_yyy".
func intentIDFromSecret(clientSecret string) (string, error) {
	id, _, found := strings.Cut(clientSecret, "_secret_")
	if !found || id == "" {
		return "", apperrors.NewValidation("malformed client secret")
	}
	return id, nil
}

// Confirm confirms the payment intent and normalizes the outcome.
func (a *StripeAdapter) Confirm(ctx context.Context, clientSecret, paymentMethodID string) (Confirmation, error) {
	intentID, err := intentIDFromSecret(clientSecret)
	if err != nil {
		return Confirmation{}, err
	}

	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(paymentMethodID),
	}
	params.Context = ctx

	pi, err := a.sc.PaymentIntents.Confirm(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			// A decline is a normal non-success outcome, not a transport failure.
			if stripeErr.Type == stripe.ErrorTypeCard {
				a.logger.Info("card declined",
					zap.String("payment_intent_id", intentID),
					zap.String("decline_code", string(stripeErr.DeclineCode)),
				)
				return Confirmation{Status: StatusFailed, ProviderTransactionID: intentID, Message: stripeErr.Msg}, nil
			}
			return Confirmation{}, apperrors.Wrap(apperrors.KindServer, "stripe confirmation failed", err)
		}
		return Confirmation{}, apperrors.NewNetwork(err)
	}

	conf := Confirmation{
		Status:                mapStripeStatus(pi.Status),
		ProviderTransactionID: pi.ID,
	}

	a.logger.Info("payment intent confirmed",
		zap.String("payment_intent_id", pi.ID),
		zap.String("status", string(conf.Status)),
	)
	return conf, nil
}

func mapStripeStatus(status stripe.PaymentIntentStatus) ConfirmationStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return StatusRequiresAction
	case stripe.PaymentIntentStatusProcessing:
		return StatusProcessing
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled
	default:
		return StatusFailed
	}
}

// MockProviderAdapter is a development/testing implementation that
// simulates the processor without a real Stripe account.
type MockProviderAdapter struct {
	logger *zap.Logger

	// Outcome overrides the simulated status. Zero value means succeeded.
	Outcome ConfirmationStatus
}

// NewMockProviderAdapter creates a mock adapter for development.
func NewMockProviderAdapter(logger *zap.Logger) *MockProviderAdapter {
	return &MockProviderAdapter{logger: logger}
}

// Confirm simulates a confirmation with the configured outcome.
func (m *MockProviderAdapter) Confirm(ctx context.Context, clientSecret, paymentMethodID string) (Confirmation, error) {
	intentID, err := intentIDFromSecret(clientSecret)
	if err != nil {
		intentID = fmt.Sprintf("pi_mock_%s", uuid.New().String()[:8])
	}

	status := m.Outcome
	if status == "" {
		status = StatusSucceeded
	}

	m.logger.Info("[MOCK STRIPE] payment intent confirmed",
		zap.String("payment_intent_id", intentID),
		zap.String("status", string(status)),
	)
	return Confirmation{Status: status, ProviderTransactionID: intentID}, nil
}
