package adapter

import (
	"context"
	"testing"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIntentIDFromSecret(t *testing.T) {
	id, err := intentIDFromSecret("pi_3abc_secret_xyz")
	require.NoError(t, err)
	assert.Equal(t, "pi_3abc", id)

	_, err = intentIDFromSecret("garbage")
	assert.Error(t, err)

	_, err = intentIDFromSecret("_secret_xyz")
	assert.Error(t, err)
}

func TestMapStripeStatus(t *testing.T) {
	cases := map[stripe.PaymentIntentStatus]ConfirmationStatus{
		stripe.PaymentIntentStatusSucceeded:             StatusSucceeded,
		stripe.PaymentIntentStatusRequiresAction:        StatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation:  StatusRequiresAction,
		stripe.PaymentIntentStatusProcessing:            StatusProcessing,
		stripe.PaymentIntentStatusCanceled:              StatusCanceled,
		stripe.PaymentIntentStatusRequiresPaymentMethod: StatusFailed,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStripeStatus(in), "stripe status %s", in)
	}
}

func TestConfirmation_OnlySucceededProceeds(t *testing.T) {
	assert.True(t, Confirmation{Status: StatusSucceeded}.Succeeded())
	for _, s := range []ConfirmationStatus{StatusRequiresAction, StatusProcessing, StatusCanceled, StatusFailed} {
		assert.False(t, Confirmation{Status: s}.Succeeded(), "%s must not be a success signal", s)
	}

	assert.False(t, Confirmation{Status: StatusProcessing}.Terminal())
	assert.False(t, Confirmation{Status: StatusRequiresAction}.Terminal())
	assert.True(t, Confirmation{Status: StatusCanceled}.Terminal())
	assert.True(t, Confirmation{Status: StatusFailed}.Terminal())
}

func TestMockAdapter_DefaultsToSucceeded(t *testing.T) {
	mock := NewMockProviderAdapter(zap.NewNop())

	conf, err := mock.Confirm(context.Background(), "pi_mock1_secret_abc", "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, conf.Status)
	assert.Equal(t, "pi_mock1", conf.ProviderTransactionID)

	mock.Outcome = StatusRequiresAction
	conf, err = mock.Confirm(context.Background(), "pi_mock1_secret_abc", "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, StatusRequiresAction, conf.Status)
}
