// Package filing holds the per-filing state machine: the states a return
// moves through, the records that survive OTP and consent waits, and the
// transition rules the orchestrator enforces.
package filing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"erigate/internal/domain"
)

// State is one node of the filing workflow. A failed transition attempt
// leaves the filing in its prior state; errors are not states.
type State string

const (
	StateUnauthenticated        State = "UNAUTHENTICATED"
	StateClientPending          State = "CLIENT_PENDING"
	StateClientConsentRequested State = "CLIENT_CONSENT_REQUESTED"
	StateClientVerified         State = "CLIENT_VERIFIED"
	StatePrefillRequested       State = "PREFILL_REQUESTED"
	StatePrefillReceived        State = "PREFILL_RECEIVED"
	StateDraftInProgress        State = "DRAFT_IN_PROGRESS"
	StateLocallyValidated       State = "LOCALLY_VALIDATED"
	StateRemotelyValidated      State = "REMOTELY_VALIDATED"
	StateSubmitted              State = "SUBMITTED"
	StateAckAvailable           State = "ACK_AVAILABLE"
	StateVerificationPending    State = "VERIFICATION_PENDING"
	StateVerified               State = "VERIFIED"
	StateVerificationDeferred   State = "VERIFICATION_DEFERRED"
	StateAbandoned              State = "ABANDONED"
)

// Terminal reports whether the workflow is finished.
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateVerificationDeferred, StateAbandoned:
		return true
	}
	return false
}

// PastSubmission reports whether the return has been irrevocably filed.
// Cancellation is impossible from here; only verification or deferral remain.
func (s State) PastSubmission() bool {
	switch s {
	case StateSubmitted, StateAckAvailable, StateVerificationPending, StateVerified, StateVerificationDeferred:
		return true
	}
	return false
}

// allowed is the transition table. Reversions (OTP expiry, remote validation
// errors) are modeled as explicit edges so every move is table-checked.
var allowed = map[State][]State{
	StateUnauthenticated:        {StateClientPending, StateClientVerified},
	StateClientPending:          {StateClientConsentRequested, StateAbandoned},
	StateClientConsentRequested: {StateClientVerified, StateClientPending, StateAbandoned},
	StateClientVerified:         {StatePrefillRequested, StateDraftInProgress, StateAbandoned},
	StatePrefillRequested:       {StatePrefillReceived, StateClientVerified, StateAbandoned},
	StatePrefillReceived:        {StateDraftInProgress, StateAbandoned},
	StateDraftInProgress:        {StateLocallyValidated, StateAbandoned},
	StateLocallyValidated:       {StateRemotelyValidated, StateDraftInProgress, StateAbandoned},
	StateRemotelyValidated:      {StateSubmitted, StateDraftInProgress, StateAbandoned},
	StateSubmitted:              {StateAckAvailable, StateVerificationPending, StateVerificationDeferred},
	StateAckAvailable:           {StateVerificationPending, StateVerificationDeferred},
	StateVerificationPending:    {StateVerified},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConsentStatus tracks a client-onboarding consent request.
type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "PENDING"
	ConsentVerified ConsentStatus = "VERIFIED"
	ConsentExpired  ConsentStatus = "EXPIRED"
)

// ConsentRequest is the transactional record behind an addClient OTP. It must
// be discarded, never silently retried, once the window elapses.
type ConsentRequest struct {
	TransactionID     string           `json:"transaction_id"`
	ClientReferenceID string           `json:"client_reference_id"`
	DOB               string           `json:"dob"`
	OTPSource         domain.OTPSource `json:"otp_source"`
	Status            ConsentStatus    `json:"status"`
	Attempts          int              `json:"attempts"`
	RequestedAt       time.Time        `json:"requested_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
}

func (c *ConsentRequest) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// PrefillStatus tracks a prefill retrieval transaction.
type PrefillStatus string

const (
	PrefillPending PrefillStatus = "PENDING"
	PrefillFetched PrefillStatus = "FETCHED"
	PrefillExpired PrefillStatus = "EXPIRED"
)

// PrefillRequest is the transactional record behind a prefill OTP. One active
// instance per filing; an expired one is superseded, never revived.
type PrefillRequest struct {
	TransactionID string           `json:"transaction_id"`
	OTPSource     domain.OTPSource `json:"otp_source"`
	Status        PrefillStatus    `json:"status"`
	Attempts      int              `json:"attempts"`
	RequestedAt   time.Time        `json:"requested_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

func (p *PrefillRequest) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// EVCRequest is the transactional record behind a generateEVC call.
type EVCRequest struct {
	RequestID   string         `json:"request_id"`
	Mode        domain.EVCMode `json:"mode"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

func (e *EVCRequest) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ValidationState is the local lifecycle of a draft document.
type ValidationState string

const (
	DraftUnvalidated ValidationState = "UNVALIDATED"
	DraftInvalid     ValidationState = "INVALID"
	DraftValid       ValidationState = "VALID"
)

// ReturnDraft is the composed return document under preparation. FormData is
// opaque: form shapes vary by ITR type and year, so structure lives in the
// schema definition, not in Go types. Immutable once the filing is submitted.
type ReturnDraft struct {
	FormName        string              `json:"form_name"`
	FormCode        string              `json:"form_code"`
	FilingType      string              `json:"filing_type"`
	FormData        map[string]any      `json:"form_data"`
	ValidationState ValidationState     `json:"validation_state"`
	Errors          []domain.FieldError `json:"errors,omitempty"`
	ValidationID    string              `json:"validation_id,omitempty"`
	ValidatedHash   string              `json:"validated_hash,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Hash fingerprints the form document. Submission idempotency and the
// byte-identical requirement between validateItr and submitItr both key on it.
func (d *ReturnDraft) Hash() string {
	data, err := json.Marshal(d.FormData)
	if err != nil {
		// FormData came from JSON; re-marshalling cannot fail in practice.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerificationStatus is the post-submission verification lifecycle.
type VerificationStatus string

const (
	VerificationUnverified     VerificationStatus = "UNVERIFIED"
	VerificationPendingEVC     VerificationStatus = "PENDING_EVC"
	VerificationVerified       VerificationStatus = "VERIFIED"
	VerificationDeferredToITRV VerificationStatus = "DEFERRED"
)

// FilingRecord exists only after a successful submission. The ARN is the
// permanent identifier: assigned exactly once, never regenerated.
type FilingRecord struct {
	ARN                string             `json:"arn"`
	TransactionNo      string             `json:"transaction_no"`
	DraftID            string             `json:"draft_id"`
	SubmittedHash      string             `json:"submitted_hash"`
	SubmittedAt        time.Time          `json:"submitted_at"`
	VerificationStatus VerificationStatus `json:"verification_status"`
}

// Acknowledgement is a cached derived artifact, re-fetchable idempotently.
type Acknowledgement struct {
	ARN       string    `json:"arn"`
	PDF       []byte    `json:"pdf"`
	FetchedAt time.Time `json:"fetched_at"`
}

// TransitionEvent is the persisted trace of one state change, the audit
// surface requires a timestamp for every transition.
type TransitionEvent struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Filing is the aggregate for one (PAN, assessment year). All transactional
// identifiers live on it so consent and OTP waits survive process restarts.
type Filing struct {
	ID             uuid.UUID             `json:"id"`
	PAN            domain.PAN            `json:"pan"`
	AssessmentYear domain.AssessmentYear `json:"assessment_year"`
	State          State                 `json:"state"`

	Consent     *ConsentRequest  `json:"consent,omitempty"`
	Prefill     *PrefillRequest  `json:"prefill,omitempty"`
	PrefillData map[string]any   `json:"prefill_data,omitempty"`
	Draft       *ReturnDraft     `json:"draft,omitempty"`
	Record      *FilingRecord    `json:"record,omitempty"`
	EVC         *EVCRequest      `json:"evc,omitempty"`
	Ack         *Acknowledgement `json:"ack,omitempty"`

	Transitions []TransitionEvent `json:"transitions"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Key returns the identity every store operation is keyed by.
func (f *Filing) Key() domain.FilingKey {
	return domain.FilingKey{PAN: f.PAN, AssessmentYear: f.AssessmentYear}
}

// Transition moves the filing along a table-checked edge and records it.
func (f *Filing) Transition(to State, now time.Time, note string) error {
	if !CanTransition(f.State, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", f.State, to, errInvalidTransition)
	}
	f.Transitions = append(f.Transitions, TransitionEvent{From: f.State, To: to, At: now, Note: note})
	f.State = to
	f.UpdatedAt = now
	return nil
}

var errInvalidTransition = fmt.Errorf("invalid state transition")

// New creates a filing at the start of the workflow. onboarded taxpayers skip
// the consent stages entirely.
func New(pan domain.PAN, ay domain.AssessmentYear, onboarded bool, now time.Time) *Filing {
	state := StateClientPending
	if onboarded {
		state = StateClientVerified
	}
	f := &Filing{
		ID:             uuid.New(),
		PAN:            pan,
		AssessmentYear: ay,
		State:          state,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.Transitions = append(f.Transitions, TransitionEvent{From: StateUnauthenticated, To: state, At: now})
	return f
}
