package purchase

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func now() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func cardRequest() Request {
	return Request{
		Kind:           KindCertificateCodes,
		SubjectID:      "course-42",
		CourseID:       "course-42",
		Quantity:       5,
		UnitPriceCents: 10000,
		Currency:       "EUR",
	}
}

func TestRequest_Validate(t *testing.T) {
	req := cardRequest()
	require.NoError(t, req.Validate())

	bad := req
	bad.Quantity = 0
	assert.Error(t, bad.Validate())

	bad = req
	bad.SubjectID = ""
	assert.Error(t, bad.Validate())

	bad = req
	bad.Kind = "gift_card"
	assert.Error(t, bad.Validate())

	bad = req
	bad.Currency = ""
	assert.Error(t, bad.Validate())
}

func TestRequest_Matches(t *testing.T) {
	req := cardRequest()
	same := req
	assert.True(t, req.Matches(same))

	drifted := req
	drifted.Quantity = 6
	assert.False(t, req.Matches(drifted))

	drifted = req
	drifted.DiscountCode = "SPRING10"
	assert.False(t, req.Matches(drifted))
}

func TestParseMethod_ClosedSet(t *testing.T) {
	for _, s := range []string{"card", "manual"} {
		m, err := ParseMethod(s)
		require.NoError(t, err)
		assert.Equal(t, Method(s), m)
	}
	_, err := ParseMethod("wallet")
	assert.Error(t, err)
}

func TestFlow_HappyPath(t *testing.T) {
	f := NewFlow(uuid.New(), cardRequest(), MethodCard, 50000, 5000, 45000)
	assert.Equal(t, StateRequested, f.State())

	require.NoError(t, f.AttachIntent("pi_123", 4500, 40500))
	assert.Equal(t, StateIntentCreated, f.State())
	assert.Equal(t, "pi_123", f.PaymentIntentID())

	require.NoError(t, f.BeginConfirm())
	require.NoError(t, f.MarkConfirmed("ch_987"))
	require.NoError(t, f.BeginCompletion())
	require.NoError(t, f.Complete())
	assert.Equal(t, StateCompleted, f.State())
	assert.Equal(t, "ch_987", f.ProviderTxnID())
}

func TestFlow_CompletionFailedIsTerminal(t *testing.T) {
	f := NewFlow(uuid.New(), cardRequest(), MethodCard, 50000, 0, 50000)
	require.NoError(t, f.AttachIntent("pi_123", 0, 0))
	require.NoError(t, f.BeginConfirm())
	require.NoError(t, f.MarkConfirmed("ch_987"))
	require.NoError(t, f.BeginCompletion())
	require.NoError(t, f.FailCompletion("ledger returned 500"))

	assert.Equal(t, StateCompletionFailed, f.State())
	// The intent id survives for reconciliation.
	assert.Equal(t, "pi_123", f.PaymentIntentID())
	// No way out: neither completing again nor completing outright.
	assert.Error(t, f.BeginCompletion())
	assert.Error(t, f.Complete())
}

func TestFlow_NoReturnToConfirming(t *testing.T) {
	f := NewFlow(uuid.New(), cardRequest(), MethodCard, 50000, 0, 50000)
	require.NoError(t, f.AttachIntent("pi_123", 0, 0))
	require.NoError(t, f.BeginConfirm())
	require.NoError(t, f.FailConfirm("card declined"))

	assert.Equal(t, StateConfirmFailed, f.State())
	assert.Error(t, f.BeginConfirm())
	assert.Error(t, f.MarkConfirmed("ch_late"))
}

func TestFlow_IllegalTransitions(t *testing.T) {
	f := NewFlow(uuid.New(), cardRequest(), MethodCard, 50000, 0, 50000)

	assert.Error(t, f.BeginConfirm(), "cannot confirm before an intent exists")
	assert.Error(t, f.BeginCompletion(), "cannot complete before confirmation")
	assert.Error(t, f.SubmitForReview(), "card flows never enter review")
	assert.Error(t, f.AttachIntent("", 0, 0), "empty intent id rejected")
}

func TestFlow_ManualPath(t *testing.T) {
	f := NewFlow(uuid.New(), cardRequest(), MethodManual, 50000, 0, 50000)
	require.NoError(t, f.SubmitForReview())
	assert.Equal(t, StatePendingReview, f.State())

	// Manual flows never touch the card machine.
	assert.Error(t, f.AttachIntent("pi_123", 0, 0))
}

func TestFlow_Reconstitute(t *testing.T) {
	id, userID := uuid.New(), uuid.New()
	f := Reconstitute(id, userID, cardRequest(), MethodCard, StateCompletionFailed,
		50000, 0, 50000, 4500, 40500, "pi_123", "ch_987", "ledger 500", 4,
		now(), now())

	assert.Equal(t, id, f.ID())
	assert.Equal(t, StateCompletionFailed, f.State())
	assert.Equal(t, int64(4), f.Version())
	assert.Equal(t, "pi_123", f.PaymentIntentID())
}
