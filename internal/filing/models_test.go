package filing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erigate/internal/domain"
)

func mustKey(t *testing.T) (domain.PAN, domain.AssessmentYear) {
	t.Helper()
	pan, err := domain.ParsePAN("ABCDE1234F")
	require.NoError(t, err)
	ay, err := domain.ParseAssessmentYear("2024-25")
	require.NoError(t, err)
	return pan, ay
}

func TestNewFilingStartsAtConsentStage(t *testing.T) {
	pan, ay := mustKey(t)
	now := time.Now()

	f := New(pan, ay, false, now)
	assert.Equal(t, StateClientPending, f.State)
	require.Len(t, f.Transitions, 1)
	assert.Equal(t, StateUnauthenticated, f.Transitions[0].From)

	onboarded := New(pan, ay, true, now)
	assert.Equal(t, StateClientVerified, onboarded.State)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	pan, ay := mustKey(t)
	f := New(pan, ay, false, time.Now())

	err := f.Transition(StateSubmitted, time.Now(), "")
	assert.Error(t, err)
	assert.Equal(t, StateClientPending, f.State, "failed transition must not move the filing")
}

func TestTransitionRecordsEvent(t *testing.T) {
	pan, ay := mustKey(t)
	now := time.Now()
	f := New(pan, ay, false, now)

	later := now.Add(time.Minute)
	require.NoError(t, f.Transition(StateClientConsentRequested, later, "otp sent"))

	assert.Equal(t, StateClientConsentRequested, f.State)
	require.Len(t, f.Transitions, 2)
	last := f.Transitions[1]
	assert.Equal(t, StateClientPending, last.From)
	assert.Equal(t, StateClientConsentRequested, last.To)
	assert.Equal(t, later, last.At)
	assert.Equal(t, "otp sent", last.Note)
	assert.Equal(t, later, f.UpdatedAt)
}

func TestHappyPathWalksTheTable(t *testing.T) {
	pan, ay := mustKey(t)
	now := time.Now()
	f := New(pan, ay, false, now)

	path := []State{
		StateClientConsentRequested,
		StateClientVerified,
		StatePrefillRequested,
		StatePrefillReceived,
		StateDraftInProgress,
		StateLocallyValidated,
		StateRemotelyValidated,
		StateSubmitted,
		StateAckAvailable,
		StateVerificationPending,
		StateVerified,
	}
	for _, next := range path {
		require.NoError(t, f.Transition(next, now, ""), "edge %s -> %s", f.State, next)
	}
	assert.True(t, f.State.Terminal())
}

func TestAbandonForbiddenAfterSubmission(t *testing.T) {
	for _, s := range []State{StateSubmitted, StateAckAvailable, StateVerificationPending} {
		assert.False(t, CanTransition(s, StateAbandoned), "state %s", s)
		assert.True(t, s.PastSubmission())
	}
	for _, s := range []State{StateClientPending, StateDraftInProgress, StateRemotelyValidated} {
		assert.True(t, CanTransition(s, StateAbandoned), "state %s", s)
	}
}

func TestReversionEdges(t *testing.T) {
	assert.True(t, CanTransition(StateClientConsentRequested, StateClientPending), "consent expiry reverts")
	assert.True(t, CanTransition(StatePrefillRequested, StateClientVerified), "prefill OTP expiry reverts")
	assert.True(t, CanTransition(StateLocallyValidated, StateDraftInProgress), "remote rejection reverts")
	assert.True(t, CanTransition(StateRemotelyValidated, StateDraftInProgress), "edit invalidates remote validation")
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []State{StateVerified, StateVerificationDeferred, StateAbandoned} {
		assert.Empty(t, allowed[s], "terminal state %s must have no outgoing edges", s)
	}
}

func TestConsentRequestExpiry(t *testing.T) {
	now := time.Now()
	c := &ConsentRequest{ExpiresAt: now.Add(15 * time.Minute)}
	assert.False(t, c.Expired(now))
	assert.False(t, c.Expired(now.Add(15*time.Minute)))
	assert.True(t, c.Expired(now.Add(15*time.Minute+time.Second)))
}

func TestDraftHashIsStableAndKeyOrderIndependent(t *testing.T) {
	a := &ReturnDraft{FormData: map[string]any{"grossIncome": 100000.0, "pan": "ABCDE1234F"}}
	b := &ReturnDraft{FormData: map[string]any{"pan": "ABCDE1234F", "grossIncome": 100000.0}}

	require.NotEmpty(t, a.Hash())
	assert.Equal(t, a.Hash(), b.Hash(), "map key order must not change the hash")

	b.FormData["grossIncome"] = 100001.0
	assert.NotEqual(t, a.Hash(), b.Hash())
}
