// Package service orchestrates the filing workflow: it is the only writer of
// filing state and the only caller of the government gateway. Every operation
// loads the filing, talks to the remote side, and moves the state machine
// along a table-checked edge.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"erigate/internal/audit"
	"erigate/internal/domain"
	"erigate/internal/eri"
	"erigate/internal/filing"
	"erigate/internal/platform/metrics"
	"erigate/internal/schema"
)

// Gateway is the slice of the remote client the orchestrator needs. The
// session token comes in per call because session lifetime is owned here.
type Gateway interface {
	AddClient(ctx context.Context, token string, pan domain.PAN, dob string, source domain.OTPSource) (eri.AddClientResult, error)
	ValidateClientOTP(ctx context.Context, token string, pan domain.PAN, otp, transactionID string, source domain.OTPSource) (bool, error)
	RequestPrefillOTP(ctx context.Context, token string, pan domain.PAN, ay domain.AssessmentYear, source domain.OTPSource) (string, error)
	GetPrefill(ctx context.Context, token, otp, transactionID string) (map[string]any, error)
	ValidateITR(ctx context.Context, token string, header eri.ReturnHeader, formData map[string]any) (eri.ValidateResult, error)
	SaveDraft(ctx context.Context, token, validationID string) (string, error)
	SubmitITR(ctx context.Context, token string, header eri.ReturnHeader, draftID string, formData map[string]any) (eri.SubmitResult, error)
	GetAcknowledgement(ctx context.Context, token string, pan domain.PAN, arn string) ([]byte, error)
	UpdateVerificationMode(ctx context.Context, token string, pan domain.PAN, arn string, mode domain.VerificationMode) error
	GenerateEVC(ctx context.Context, token string, pan domain.PAN, ay domain.AssessmentYear, mode domain.EVCMode) (string, error)
	VerifyEVC(ctx context.Context, token string, pan domain.PAN, arn, evc string) (bool, error)
}

// TokenSource hands out a valid gateway session token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Config is the workflow tuning the orchestrator enforces.
type Config struct {
	OTPMaxAttempts int
	OTPWindow      time.Duration
	EVCWindow      time.Duration
}

// Service is safe for concurrent use. Operations on the same filing are
// serialized by the in-flight guard; a second caller is rejected, not queued.
type Service struct {
	store   filing.Store
	gateway Gateway
	tokens  TokenSource
	auditor *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	schemas  map[string]schema.Definition
	inflight map[domain.FilingKey]bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for TTL checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store filing.Store, gateway Gateway, tokens TokenSource, auditor *audit.Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		gateway:  gateway,
		tokens:   tokens,
		auditor:  auditor,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		schemas:  make(map[string]schema.Definition),
		inflight: make(map[domain.FilingKey]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterSchema installs the structural definition for one form type.
func (s *Service) RegisterSchema(def schema.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[def.Form] = def
}

// Start opens a filing for one (PAN, assessment year). A taxpayer already
// onboarded skips the consent stages.
func (s *Service) Start(ctx context.Context, pan domain.PAN, ay domain.AssessmentYear) (*filing.Filing, error) {
	onboarded, err := s.store.IsOnboarded(ctx, pan)
	if err != nil {
		return nil, fmt.Errorf("check onboarding: %w", err)
	}
	f := filing.New(pan, ay, onboarded, s.now())
	if err := s.store.Create(ctx, f); err != nil {
		return nil, err
	}
	s.audit(ctx, f, "start", "ok", "")
	return f, nil
}

// AddClient requests taxpayer consent for this ERI to act on the PAN. The
// taxpayer receives an OTP; the transaction ID that anchors it is persisted so
// the wait survives restarts.
func (s *Service) AddClient(ctx context.Context, key domain.FilingKey, dob string, source domain.OTPSource) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "addClient", filing.StateClientPending)
	if err != nil {
		return nil, err
	}

	var result eri.AddClientResult
	err = s.call(ctx, func(token string) error {
		var callErr error
		result, callErr = s.gateway.AddClient(ctx, token, f.PAN, dob, source)
		return callErr
	})
	if err != nil {
		s.audit(ctx, f, "addClient", "error", err.Error())
		return nil, s.opErr(f, "addClient", err)
	}

	now := s.now()
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Consent = &filing.ConsentRequest{
			TransactionID:     result.TransactionID,
			ClientReferenceID: result.ClientReferenceID,
			DOB:               dob,
			OTPSource:         source,
			Status:            filing.ConsentPending,
			RequestedAt:       now,
			ExpiresAt:         now.Add(s.cfg.OTPWindow),
		}
		return s.transition(cur, filing.StateClientConsentRequested, "consent otp sent")
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "addClient", "ok", "")
	return updated, nil
}

// VerifyClientOTP confirms the consent OTP. A mismatch consumes one bounded
// attempt; expiry of the window or exhaustion of attempts reverts the filing
// so the consent flow restarts from scratch.
func (s *Service) VerifyClientOTP(ctx context.Context, key domain.FilingKey, otp string) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "verifyClientOtp", filing.StateClientConsentRequested)
	if err != nil {
		return nil, err
	}
	if f.Consent == nil {
		return nil, s.stageErr(f, "verifyClientOtp", "no consent transaction on record", "call addClient first")
	}
	if f.Consent.Expired(s.now()) {
		return s.expireConsent(ctx, key, f, "consent otp window elapsed")
	}

	var confirmed bool
	err = s.call(ctx, func(token string) error {
		var callErr error
		confirmed, callErr = s.gateway.ValidateClientOTP(ctx, token, f.PAN, otp, f.Consent.TransactionID, f.Consent.OTPSource)
		return callErr
	})
	switch {
	case eri.IsCategory(err, eri.CategoryOTPExpired):
		return s.expireConsent(ctx, key, f, "gateway reports consent otp expired")
	case eri.IsCategory(err, eri.CategoryOTPMismatch) || (err == nil && !confirmed):
		return s.consentMismatch(ctx, key, f)
	case err != nil:
		s.audit(ctx, f, "verifyClientOtp", "error", err.Error())
		return nil, s.opErr(f, "verifyClientOtp", err)
	}

	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Consent.Status = filing.ConsentVerified
		return s.transition(cur, filing.StateClientVerified, "consent confirmed")
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkOnboarded(ctx, key.PAN); err != nil {
		s.logger.WarnContext(ctx, "mark onboarded failed", "pan_digest", audit.HashPAN(key.PAN), "error", err)
	}
	s.audit(ctx, updated, "verifyClientOtp", "ok", "")
	return updated, nil
}

// RequestPrefill starts a prefill retrieval transaction; the taxpayer
// receives an OTP authorizing release of the government-held data.
func (s *Service) RequestPrefill(ctx context.Context, key domain.FilingKey, source domain.OTPSource) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "requestPrefill", filing.StateClientVerified)
	if err != nil {
		return nil, err
	}

	var transactionID string
	err = s.call(ctx, func(token string) error {
		var callErr error
		transactionID, callErr = s.gateway.RequestPrefillOTP(ctx, token, f.PAN, f.AssessmentYear, source)
		return callErr
	})
	if err != nil {
		s.audit(ctx, f, "requestPrefill", "error", err.Error())
		return nil, s.opErr(f, "requestPrefill", err)
	}

	now := s.now()
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Prefill = &filing.PrefillRequest{
			TransactionID: transactionID,
			OTPSource:     source,
			Status:        filing.PrefillPending,
			RequestedAt:   now,
			ExpiresAt:     now.Add(s.cfg.OTPWindow),
		}
		return s.transition(cur, filing.StatePrefillRequested, "prefill otp sent")
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "requestPrefill", "ok", "")
	return updated, nil
}

// FetchPrefill redeems the prefill OTP and stores the returned document.
func (s *Service) FetchPrefill(ctx context.Context, key domain.FilingKey, otp string) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "fetchPrefill", filing.StatePrefillRequested)
	if err != nil {
		return nil, err
	}
	if f.Prefill == nil {
		return nil, s.stageErr(f, "fetchPrefill", "no prefill transaction on record", "call requestPrefill first")
	}
	if f.Prefill.Expired(s.now()) {
		return s.expirePrefill(ctx, key, f, "prefill otp window elapsed")
	}

	var doc map[string]any
	err = s.call(ctx, func(token string) error {
		var callErr error
		doc, callErr = s.gateway.GetPrefill(ctx, token, otp, f.Prefill.TransactionID)
		return callErr
	})
	switch {
	case eri.IsCategory(err, eri.CategoryOTPExpired):
		return s.expirePrefill(ctx, key, f, "gateway reports prefill otp expired")
	case eri.IsCategory(err, eri.CategoryOTPMismatch):
		return s.prefillMismatch(ctx, key, f)
	case err != nil:
		s.audit(ctx, f, "fetchPrefill", "error", err.Error())
		return nil, s.opErr(f, "fetchPrefill", err)
	}

	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Prefill.Status = filing.PrefillFetched
		cur.PrefillData = doc
		return s.transition(cur, filing.StatePrefillReceived, "prefill fetched")
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "fetchPrefill", "ok", "")
	return updated, nil
}

// PutDraft installs or replaces the return document. Editing after validation
// discards the validation result; editing after submission is impossible.
func (s *Service) PutDraft(ctx context.Context, key domain.FilingKey, formName, formCode, filingType string, formData map[string]any) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.load(ctx, key, "putDraft",
		filing.StateClientVerified, filing.StatePrefillReceived, filing.StateDraftInProgress,
		filing.StateLocallyValidated, filing.StateRemotelyValidated); err != nil {
		return nil, err
	}

	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Draft = &filing.ReturnDraft{
			FormName:        formName,
			FormCode:        formCode,
			FilingType:      filingType,
			FormData:        formData,
			ValidationState: filing.DraftUnvalidated,
			UpdatedAt:       s.now(),
		}
		if cur.State != filing.StateDraftInProgress {
			return s.transition(cur, filing.StateDraftInProgress, "draft updated")
		}
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "putDraft", "ok", "")
	return updated, nil
}

// Validate runs the two-stage check: the offline schema pass first, then the
// remote validation. The remote call is skipped entirely while the document
// fails locally. A clean remote pass pins the validated document hash.
func (s *Service) Validate(ctx context.Context, key domain.FilingKey) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "validate", filing.StateDraftInProgress, filing.StateLocallyValidated)
	if err != nil {
		return nil, err
	}
	if f.Draft == nil {
		return nil, s.stageErr(f, "validate", "no draft on record", "call putDraft first")
	}
	s.metrics.IncValidationIteration()

	s.mu.Lock()
	def, hasSchema := s.schemas[f.Draft.FormName]
	s.mu.Unlock()
	if hasSchema {
		if errs := schema.Validate(f.Draft.FormData, def); len(errs) > 0 {
			updated, uerr := s.store.Update(ctx, key, func(cur *filing.Filing) error {
				cur.Draft.ValidationState = filing.DraftInvalid
				cur.Draft.Errors = errs
				cur.UpdatedAt = s.now()
				return nil
			})
			if uerr != nil {
				return nil, uerr
			}
			s.audit(ctx, updated, "validate", "local_rejected", fmt.Sprintf("%d errors", len(errs)))
			return nil, &filing.TransitionError{
				Stage:      updated.State,
				Op:         "validate",
				Reason:     "document failed offline schema checks",
				NextAction: "fix the listed fields and validate again",
				Errors:     errs,
			}
		}
	} else {
		s.logger.WarnContext(ctx, "no schema registered, offline check skipped", "form", f.Draft.FormName)
	}

	if f.State == filing.StateDraftInProgress {
		f, err = s.store.Update(ctx, key, func(cur *filing.Filing) error {
			cur.Draft.ValidationState = filing.DraftValid
			cur.Draft.Errors = nil
			return s.transition(cur, filing.StateLocallyValidated, "offline checks passed")
		})
		if err != nil {
			return nil, err
		}
	}

	header := returnHeader(f)
	var result eri.ValidateResult
	err = s.call(ctx, func(token string) error {
		var callErr error
		result, callErr = s.gateway.ValidateITR(ctx, token, header, f.Draft.FormData)
		return callErr
	})
	if err != nil {
		s.audit(ctx, f, "validate", "error", err.Error())
		return nil, s.opErr(f, "validate", err)
	}

	if !result.Valid {
		updated, uerr := s.store.Update(ctx, key, func(cur *filing.Filing) error {
			cur.Draft.ValidationState = filing.DraftInvalid
			cur.Draft.Errors = result.Errors
			return s.transition(cur, filing.StateDraftInProgress, "remote validation rejected")
		})
		if uerr != nil {
			return nil, uerr
		}
		s.audit(ctx, updated, "validate", "remote_rejected", fmt.Sprintf("%d errors", len(result.Errors)))
		return nil, &filing.TransitionError{
			Stage:      updated.State,
			Op:         "validate",
			Reason:     "document rejected by remote validation",
			NextAction: "fix the listed fields and validate again",
			Errors:     result.Errors,
		}
	}

	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Draft.ValidationState = filing.DraftValid
		cur.Draft.Errors = nil
		cur.Draft.ValidationID = result.ValidationID
		cur.Draft.ValidatedHash = cur.Draft.Hash()
		return s.transition(cur, filing.StateRemotelyValidated, "remote validation passed")
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "validate", "ok", "")
	return updated, nil
}

// Submit performs the irreversible filing. The local guards run before any
// network call: a filing that already carries an ARN is rejected here, and a
// document edited since validation must be validated again, byte for byte.
func (s *Service) Submit(ctx context.Context, key domain.FilingKey) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if f.Record != nil {
		return nil, &filing.SubmissionError{Key: key, ARN: f.Record.ARN}
	}
	if f.State != filing.StateRemotelyValidated {
		return nil, s.stageErr(f, "submit", "document has not passed remote validation", "validate the draft first")
	}
	if f.Draft.Hash() != f.Draft.ValidatedHash {
		return nil, s.stageErr(f, "submit", "document changed since validation", "validate the draft again")
	}

	header := returnHeader(f)
	var draftID string
	var result eri.SubmitResult
	err = s.call(ctx, func(token string) error {
		var callErr error
		draftID, callErr = s.gateway.SaveDraft(ctx, token, f.Draft.ValidationID)
		if callErr != nil {
			return callErr
		}
		result, callErr = s.gateway.SubmitITR(ctx, token, header, draftID, f.Draft.FormData)
		return callErr
	})
	if err != nil {
		s.audit(ctx, f, "submit", "error", err.Error())
		if eri.IsCategory(err, eri.CategoryTransport) || eri.IsCategory(err, eri.CategoryRemote) {
			// The gateway may have committed the submission. Surface an
			// indeterminate outcome; recovery is a manual acknowledgement
			// lookup, never an automatic resubmit.
			return nil, s.stageErr(f, "submit", "submission outcome unknown: "+err.Error(),
				"check acknowledgement status before retrying")
		}
		return nil, s.opErr(f, "submit", err)
	}

	now := s.now()
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Record = &filing.FilingRecord{
			ARN:                result.ARN,
			TransactionNo:      result.TransactionNo,
			DraftID:            draftID,
			SubmittedHash:      cur.Draft.Hash(),
			SubmittedAt:        now,
			VerificationStatus: filing.VerificationUnverified,
		}
		return s.transition(cur, filing.StateSubmitted, "arn "+result.ARN)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncSubmission()
	s.audit(ctx, updated, "submit", "ok", result.ARN)
	return updated, nil
}

// FetchAcknowledgement returns the acknowledgement PDF, fetching it once and
// serving the cached copy byte-identically afterwards.
func (s *Service) FetchAcknowledgement(ctx context.Context, key domain.FilingKey) ([]byte, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if f.Record == nil {
		return nil, s.stageErr(f, "fetchAcknowledgement", "filing has not been submitted", "submit the return first")
	}
	if f.Ack != nil {
		return f.Ack.PDF, nil
	}

	var pdf []byte
	err = s.call(ctx, func(token string) error {
		var callErr error
		pdf, callErr = s.gateway.GetAcknowledgement(ctx, token, f.PAN, f.Record.ARN)
		return callErr
	})
	if err != nil {
		s.audit(ctx, f, "fetchAcknowledgement", "error", err.Error())
		return nil, s.opErr(f, "fetchAcknowledgement", err)
	}

	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Ack = &filing.Acknowledgement{ARN: cur.Record.ARN, PDF: pdf, FetchedAt: s.now()}
		if cur.State == filing.StateSubmitted {
			return s.transition(cur, filing.StateAckAvailable, "acknowledgement fetched")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "fetchAcknowledgement", "ok", "")
	return pdf, nil
}

// SetVerificationMode declares how the submitted return will be verified.
// ITR-V defers to the postal route and ends the workflow; eVerify Later moves
// into the EVC flow.
func (s *Service) SetVerificationMode(ctx context.Context, key domain.FilingKey, mode domain.VerificationMode) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "setVerificationMode", filing.StateSubmitted, filing.StateAckAvailable)
	if err != nil {
		return nil, err
	}

	err = s.call(ctx, func(token string) error {
		return s.gateway.UpdateVerificationMode(ctx, token, f.PAN, f.Record.ARN, mode)
	})
	if err != nil {
		s.audit(ctx, f, "setVerificationMode", "error", err.Error())
		return nil, s.opErr(f, "setVerificationMode", err)
	}

	target := filing.StateVerificationPending
	status := filing.VerificationPendingEVC
	if mode == domain.VerifyITRV {
		target = filing.StateVerificationDeferred
		status = filing.VerificationDeferredToITRV
	}
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Record.VerificationStatus = status
		return s.transition(cur, target, "mode "+string(mode))
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "setVerificationMode", "ok", string(mode))
	return updated, nil
}

// GenerateEVC requests an Electronic Verification Code over the given channel.
// Called straight after submission it enters the EVC flow itself; the explicit
// setVerificationMode call is only needed for the ITR-V deferral.
func (s *Service) GenerateEVC(ctx context.Context, key domain.FilingKey, mode domain.EVCMode) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "generateEvc",
		filing.StateSubmitted, filing.StateAckAvailable, filing.StateVerificationPending)
	if err != nil {
		return nil, err
	}

	var requestID string
	err = s.call(ctx, func(token string) error {
		var callErr error
		requestID, callErr = s.gateway.GenerateEVC(ctx, token, f.PAN, f.AssessmentYear, mode)
		return callErr
	})
	if err != nil {
		s.audit(ctx, f, "generateEvc", "error", err.Error())
		return nil, s.opErr(f, "generateEvc", err)
	}

	now := s.now()
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.EVC = &filing.EVCRequest{
			RequestID:   requestID,
			Mode:        mode,
			RequestedAt: now,
			ExpiresAt:   now.Add(s.cfg.EVCWindow),
		}
		if cur.State != filing.StateVerificationPending {
			cur.Record.VerificationStatus = filing.VerificationPendingEVC
			return s.transition(cur, filing.StateVerificationPending, "evc requested")
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "generateEvc", "ok", string(mode))
	return updated, nil
}

// VerifyEVC confirms the code and completes e-verification. An expired code
// leaves the filing pending; the caller generates a fresh one.
func (s *Service) VerifyEVC(ctx context.Context, key domain.FilingKey, code string) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.load(ctx, key, "verifyEvc", filing.StateVerificationPending)
	if err != nil {
		return nil, err
	}
	if f.EVC == nil {
		return nil, s.stageErr(f, "verifyEvc", "no verification code on record", "call generateEvc first")
	}
	if f.EVC.Expired(s.now()) {
		return s.expireEVC(ctx, key, f, "verification code window elapsed")
	}

	var verified bool
	err = s.call(ctx, func(token string) error {
		var callErr error
		verified, callErr = s.gateway.VerifyEVC(ctx, token, f.PAN, f.Record.ARN, code)
		return callErr
	})
	switch {
	case eri.IsCategory(err, eri.CategoryVerificationExpired):
		return s.expireEVC(ctx, key, f, "gateway reports verification code expired")
	case err != nil:
		s.audit(ctx, f, "verifyEvc", "error", err.Error())
		return nil, s.opErr(f, "verifyEvc", err)
	case !verified:
		s.audit(ctx, f, "verifyEvc", "rejected", "")
		return nil, s.stageErr(f, "verifyEvc", "verification code rejected", "re-enter the code or generate a fresh one")
	}

	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Record.VerificationStatus = filing.VerificationVerified
		cur.EVC = nil
		return s.transition(cur, filing.StateVerified, "e-verified")
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "verifyEvc", "ok", "")
	return updated, nil
}

// Abandon cancels a filing that has not been submitted. Past the submission
// point there is nothing to cancel.
func (s *Service) Abandon(ctx context.Context, key domain.FilingKey) (*filing.Filing, error) {
	release, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if f.State.PastSubmission() {
		return nil, s.stageErr(f, "abandon", "return already submitted", "the filing can only be verified or deferred")
	}

	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		return s.transition(cur, filing.StateAbandoned, "abandoned by caller")
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "abandon", "ok", "")
	return updated, nil
}

// Status returns the filing as stored.
func (s *Service) Status(ctx context.Context, key domain.FilingKey) (*filing.Filing, error) {
	return s.store.Get(ctx, key)
}

// ByARN resolves a filing from its acknowledgement number.
func (s *Service) ByARN(ctx context.Context, arn string) (*filing.Filing, error) {
	return s.store.GetByARN(ctx, arn)
}

// History lists every filing for a PAN, oldest assessment year first.
func (s *Service) History(ctx context.Context, pan domain.PAN) ([]*filing.Filing, error) {
	return s.store.ListByPAN(ctx, pan)
}

// Trail returns the audit trail for a filing.
func (s *Service) Trail(ctx context.Context, key domain.FilingKey) ([]audit.Event, error) {
	f, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.auditor.List(ctx, f.ID.String())
}

// acquire takes the per-filing in-flight slot. Concurrent operations on the
// same filing are rejected, not queued: interleaving OTP triggers or
// submissions would be worse than a retry.
func (s *Service) acquire(key domain.FilingKey) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return nil, &filing.ConcurrentOperationError{Key: key}
	}
	s.inflight[key] = true
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.inflight, key)
	}, nil
}

// call runs a gateway invocation with a fresh token, invalidating the session
// and retrying exactly once when the gateway rejects the token.
func (s *Service) call(ctx context.Context, fn func(token string) error) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = fn(token)
	if !eri.IsCategory(err, eri.CategoryAuth) {
		return err
	}
	s.tokens.Invalidate(token)
	token, terr := s.tokens.Token(ctx)
	if terr != nil {
		return terr
	}
	return fn(token)
}

// load fetches the filing and enforces the operation's entry states.
func (s *Service) load(ctx context.Context, key domain.FilingKey, op string, states ...filing.State) (*filing.Filing, error) {
	f, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if f.State == st {
			return f, nil
		}
	}
	return nil, s.stageErr(f, op, fmt.Sprintf("operation not allowed in state %s", f.State), "check filing status")
}

func (s *Service) transition(f *filing.Filing, to filing.State, note string) error {
	from := f.State
	if err := f.Transition(to, s.now(), note); err != nil {
		return err
	}
	s.metrics.ObserveTransition(string(from), string(to))
	return nil
}

func (s *Service) expireConsent(ctx context.Context, key domain.FilingKey, f *filing.Filing, reason string) (*filing.Filing, error) {
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		if cur.Consent != nil {
			cur.Consent.Status = filing.ConsentExpired
		}
		return s.transition(cur, filing.StateClientPending, reason)
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "verifyClientOtp", "expired", reason)
	return nil, &filing.TransitionError{
		Stage:      updated.State,
		Op:         "verifyClientOtp",
		Reason:     reason,
		NextAction: "call addClient to request a fresh otp",
	}
}

func (s *Service) consentMismatch(ctx context.Context, key domain.FilingKey, f *filing.Filing) (*filing.Filing, error) {
	s.metrics.IncOTPRetry()
	attempts := f.Consent.Attempts + 1
	if attempts >= s.cfg.OTPMaxAttempts {
		return s.expireConsent(ctx, key, f, "consent otp attempts exhausted")
	}
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Consent.Attempts = attempts
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "verifyClientOtp", "mismatch", fmt.Sprintf("attempt %d of %d", attempts, s.cfg.OTPMaxAttempts))
	return nil, &filing.TransitionError{
		Stage:      updated.State,
		Op:         "verifyClientOtp",
		Reason:     fmt.Sprintf("otp did not match, attempt %d of %d", attempts, s.cfg.OTPMaxAttempts),
		NextAction: "re-enter the otp",
	}
}

func (s *Service) expirePrefill(ctx context.Context, key domain.FilingKey, f *filing.Filing, reason string) (*filing.Filing, error) {
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		if cur.Prefill != nil {
			cur.Prefill.Status = filing.PrefillExpired
		}
		return s.transition(cur, filing.StateClientVerified, reason)
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "fetchPrefill", "expired", reason)
	return nil, &filing.TransitionError{
		Stage:      updated.State,
		Op:         "fetchPrefill",
		Reason:     reason,
		NextAction: "call requestPrefill to start a fresh transaction",
	}
}

func (s *Service) prefillMismatch(ctx context.Context, key domain.FilingKey, f *filing.Filing) (*filing.Filing, error) {
	s.metrics.IncOTPRetry()
	attempts := f.Prefill.Attempts + 1
	if attempts >= s.cfg.OTPMaxAttempts {
		return s.expirePrefill(ctx, key, f, "prefill otp attempts exhausted")
	}
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.Prefill.Attempts = attempts
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "fetchPrefill", "mismatch", fmt.Sprintf("attempt %d of %d", attempts, s.cfg.OTPMaxAttempts))
	return nil, &filing.TransitionError{
		Stage:      updated.State,
		Op:         "fetchPrefill",
		Reason:     fmt.Sprintf("otp did not match, attempt %d of %d", attempts, s.cfg.OTPMaxAttempts),
		NextAction: "re-enter the otp",
	}
}

func (s *Service) expireEVC(ctx context.Context, key domain.FilingKey, f *filing.Filing, reason string) (*filing.Filing, error) {
	updated, err := s.store.Update(ctx, key, func(cur *filing.Filing) error {
		cur.EVC = nil
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated, "verifyEvc", "expired", reason)
	return nil, &filing.TransitionError{
		Stage:      updated.State,
		Op:         "verifyEvc",
		Reason:     reason,
		NextAction: "call generateEvc for a fresh code",
	}
}

// opErr wraps a gateway failure without moving the filing.
func (s *Service) opErr(f *filing.Filing, op string, err error) error {
	var apiErr *eri.APIError
	next := "retry the operation"
	if errors.As(err, &apiErr) && !apiErr.Retryable {
		next = "inspect the error and correct the request"
	}
	return &filing.TransitionError{
		Stage:      f.State,
		Op:         op,
		Reason:     err.Error(),
		NextAction: next,
		Err:        err,
	}
}

func (s *Service) stageErr(f *filing.Filing, op, reason, next string) error {
	return &filing.TransitionError{Stage: f.State, Op: op, Reason: reason, NextAction: next}
}

func (s *Service) audit(ctx context.Context, f *filing.Filing, action, outcome, detail string) {
	from, to := "", string(f.State)
	if n := len(f.Transitions); n > 0 {
		from = string(f.Transitions[n-1].From)
	}
	err := s.auditor.Emit(ctx, audit.Event{
		FilingID:       f.ID.String(),
		PANDigest:      audit.HashPAN(f.PAN),
		AssessmentYear: f.AssessmentYear.String(),
		Action:         action,
		FromState:      from,
		ToState:        to,
		Outcome:        outcome,
		Detail:         detail,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "action", action, "error", err)
	}
}

func returnHeader(f *filing.Filing) eri.ReturnHeader {
	return eri.ReturnHeader{
		PAN:            f.PAN,
		AssessmentYear: f.AssessmentYear,
		FormName:       f.Draft.FormName,
		FormCode:       f.Draft.FormCode,
		FilingType:     f.Draft.FilingType,
	}
}
