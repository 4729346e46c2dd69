package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_StatusTable(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusUnprocessableEntity, KindValidation, false},
		{http.StatusBadRequest, KindConfiguration, false},
		{http.StatusPaymentRequired, KindInsufficientFunds, false},
		{http.StatusForbidden, KindAuthorization, false},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusTeapot, KindUnknown, false},
		{http.StatusBadGateway, KindUnknown, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := Classify(tc.status, nil)
			assert.Equal(t, tc.kind, err.Kind)
			assert.Equal(t, tc.retryable, err.Retryable)
		})
	}
}

func TestClassify_ExtractsBackendMessage(t *testing.T) {
	err := Classify(http.StatusUnprocessableEntity, []byte(`{"error":"discount code expired"}`))
	assert.Equal(t, "discount code expired", err.Message)

	err = Classify(http.StatusForbidden, []byte(`{"message":"role not allowed"}`))
	assert.Equal(t, "role not allowed", err.Message)

	// Garbage bodies fall back to the default message instead of failing.
	err = Classify(http.StatusInternalServerError, []byte(`<html>oops</html>`))
	assert.NotEmpty(t, err.Message)
}

func TestNetworkError_IsRetryable(t *testing.T) {
	err := NewNetwork(errors.New("dial tcp: connection refused"))
	assert.Equal(t, KindNetwork, err.Kind)
	assert.True(t, err.Retryable)
	assert.ErrorContains(t, err, "connection refused")
}

func TestError_KindMatching(t *testing.T) {
	wrapped := fmt.Errorf("creating intent: %w", New(KindValidation, "quantity must be at least 1"))

	var taxErr *Error
	require.True(t, errors.As(wrapped, &taxErr))
	assert.Equal(t, KindValidation, taxErr.Kind)
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindValidation}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindServer}))
}

func TestHTTPStatus_RoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindValidation, KindConfiguration, KindInsufficientFunds, KindAuthorization, KindServer} {
		status := HTTPStatus(kind)
		assert.Equal(t, kind, Classify(status, nil).Kind, "kind %s should survive a status round trip", kind)
	}
}
