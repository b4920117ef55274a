// Package eri is the stateless wrapper around the government e-filing
// gateway. One method per remote API; every call signs its body, attaches the
// ERI credential headers, and classifies failures into the Category taxonomy.
package eri

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"erigate/internal/domain"
	"erigate/internal/platform/metrics"
	"erigate/internal/signing"
)

// Credentials are the ERI entity's gateway credentials. The password blob is
// pre-encrypted by the secrets collaborator and opaque here.
type Credentials struct {
	ClientID     string
	ClientSecret string
	ERIUserID    string
	ERIPassword  string
}

// RetryPolicy bounds transport-level retries for idempotent calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Client issues the remote calls. It holds no per-filing state and is safe
// for concurrent use; the session token is passed in per call because the
// orchestrator owns session lifetime.
type Client struct {
	baseURL    string
	creds      Credentials
	signer     *signing.Signer
	httpClient *http.Client
	retry      RetryPolicy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(baseURL string, creds Credentials, signer *signing.Signer, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		creds:      creds,
		signer:     signer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates the ERI entity and returns a session token.
func (c *Client) Login(ctx context.Context) (LoginResult, error) {
	req := loginRequest{
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
		ERIUserID:    c.creds.ERIUserID,
		ERIPassword:  c.creds.ERIPassword,
	}
	var resp loginResponse
	if err := c.post(ctx, "login", "/api/v1/auth/login", req, "", false, &resp); err != nil {
		return LoginResult{}, err
	}
	if resp.SessionID == "" {
		return LoginResult{}, newError(CategoryAuth, "login", "gateway returned no session token", nil)
	}
	return LoginResult{Token: resp.SessionID, ExpiresIn: resp.ExpiresIn}, nil
}

// Logout terminates the ERI session. Best effort; an expired token is fine.
func (c *Client) Logout(ctx context.Context, token string) error {
	var resp struct {
		Status string `json:"status"`
	}
	return c.post(ctx, "logout", "/api/v1/auth/logout", struct{}{}, token, true, &resp)
}

// AddClient requests taxpayer consent for this ERI to act on a PAN. The
// returned transaction ID anchors the OTP the taxpayer receives.
func (c *Client) AddClient(ctx context.Context, token string, pan domain.PAN, dob string, source domain.OTPSource) (AddClientResult, error) {
	req := addClientRequest{PAN: pan.String(), DOB: dob, OTPSourceFlag: string(source)}
	var resp addClientResponse
	if err := c.post(ctx, "addClient", "/api/v1/client/add", req, token, false, &resp); err != nil {
		return AddClientResult{}, err
	}
	return AddClientResult{ClientReferenceID: resp.ClientReferenceID, TransactionID: resp.TransactionID}, nil
}

// ValidateClientOTP confirms the consent OTP for an addClient transaction.
func (c *Client) ValidateClientOTP(ctx context.Context, token string, pan domain.PAN, otp, transactionID string, source domain.OTPSource) (bool, error) {
	req := validateClientOTPRequest{PAN: pan.String(), OTP: otp, TransactionID: transactionID, OTPSourceFlag: string(source)}
	var resp validateClientOTPResponse
	if err := c.post(ctx, "validateClientOtp", "/api/v1/client/validate-otp", req, token, false, &resp); err != nil {
		return false, err
	}
	return resp.ConsentConfirmed, nil
}

// RequestPrefillOTP starts a prefill retrieval transaction.
func (c *Client) RequestPrefillOTP(ctx context.Context, token string, pan domain.PAN, ay domain.AssessmentYear, source domain.OTPSource) (string, error) {
	req := prefillOTPRequest{PAN: pan.String(), AssessmentYear: ay.String(), OTPSourceFlag: string(source)}
	var resp prefillOTPResponse
	if err := c.post(ctx, "requestPrefillOTP", "/api/v1/prefill/request-otp", req, token, false, &resp); err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

// GetPrefill retrieves the government-held prefill document. Safe to retry:
// fetching the same transaction twice returns the same document.
func (c *Client) GetPrefill(ctx context.Context, token, otp, transactionID string) (map[string]any, error) {
	req := getPrefillRequest{OTP: otp, TransactionID: transactionID}
	var doc map[string]any
	if err := c.post(ctx, "getPrefill", "/api/v1/prefill/get", req, token, true, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ValidateITR runs the remote validation. Pure check: never assigns an ARN.
func (c *Client) ValidateITR(ctx context.Context, token string, header ReturnHeader, formData map[string]any) (ValidateResult, error) {
	req := validateITRRequest{ReturnHeader: header, ITRData: formData}
	var resp validateITRResponse
	if err := c.post(ctx, "validateItr", "/api/v1/itr/validate", req, token, false, &resp); err != nil {
		return ValidateResult{}, err
	}
	out := ValidateResult{Valid: resp.IsValid, ValidationID: resp.ValidationID}
	for _, e := range resp.Errors {
		out.Errors = append(out.Errors, domain.FieldError{Code: e.Code, Field: e.Field, Message: e.Message})
	}
	return out, nil
}

// SaveDraft stores the validated return as a remote draft ahead of submission.
func (c *Client) SaveDraft(ctx context.Context, token, validationID string) (string, error) {
	req := saveDraftRequest{ValidationID: validationID}
	var resp saveDraftResponse
	if err := c.post(ctx, "saveDraft", "/api/v1/itr/save-draft", req, token, false, &resp); err != nil {
		return "", err
	}
	return resp.DraftID, nil
}

// SubmitITR performs the final, non-retriable submission. The caller owns the
// idempotency guard; transport failures here are never retried because the
// remote side may have committed the submission.
func (c *Client) SubmitITR(ctx context.Context, token string, header ReturnHeader, draftID string, formData map[string]any) (SubmitResult, error) {
	req := submitITRRequest{ReturnHeader: header, DraftID: draftID, ITRData: formData}
	var resp submitITRResponse
	if err := c.post(ctx, "submitItr", "/api/v1/itr/submit", req, token, false, &resp); err != nil {
		return SubmitResult{}, err
	}
	if resp.AcknowledgementNumber == "" {
		return SubmitResult{}, newError(CategoryRemote, "submitItr", "gateway returned no acknowledgement number", nil)
	}
	return SubmitResult{
		ARN:           resp.AcknowledgementNumber,
		Success:       resp.Status == "SUBMITTED",
		TransactionNo: resp.TransactionNo,
		SubmittedAt:   resp.SubmissionDate,
	}, nil
}

// GetAcknowledgement fetches the acknowledgement PDF. Idempotent.
func (c *Client) GetAcknowledgement(ctx context.Context, token string, pan domain.PAN, arn string) ([]byte, error) {
	req := acknowledgementRequest{PAN: pan.String(), AcknowledgementNumber: arn}
	var resp acknowledgementResponse
	if err := c.post(ctx, "getAcknowledgement", "/api/v1/acknowledgement/get", req, token, true, &resp); err != nil {
		return nil, err
	}
	pdf, err := base64.StdEncoding.DecodeString(resp.PDFBase64)
	if err != nil {
		return nil, newError(CategoryRemote, "getAcknowledgement", "gateway returned undecodable PDF", err)
	}
	return pdf, nil
}

// UpdateVerificationMode declares a deferred verification route.
func (c *Client) UpdateVerificationMode(ctx context.Context, token string, pan domain.PAN, arn string, mode domain.VerificationMode) error {
	req := verificationModeRequest{PAN: pan.String(), AcknowledgementNumber: arn, VerificationMode: string(mode)}
	var resp verificationModeResponse
	return c.post(ctx, "updateVerMode", "/api/v1/verification/set-mode", req, token, false, &resp)
}

// GenerateEVC requests an Electronic Verification Code over the given channel.
func (c *Client) GenerateEVC(ctx context.Context, token string, pan domain.PAN, ay domain.AssessmentYear, mode domain.EVCMode) (string, error) {
	req := generateEVCRequest{PAN: pan.String(), AssessmentYear: ay.String(), Mode: string(mode)}
	var resp generateEVCResponse
	if err := c.post(ctx, "generateEVC", "/api/v1/verification/generate-evc", req, token, false, &resp); err != nil {
		return "", err
	}
	return resp.EVCRequestID, nil
}

// VerifyEVC confirms the EVC and completes e-verification.
func (c *Client) VerifyEVC(ctx context.Context, token string, pan domain.PAN, arn, evc string) (bool, error) {
	req := verifyEVCRequest{PAN: pan.String(), AcknowledgementNumber: arn, EVC: evc}
	var resp verifyEVCResponse
	if err := c.post(ctx, "verifyEVC", "/api/v1/verification/verify-evc", req, token, false, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

// post signs and sends one request. Idempotent calls retry transport and 5xx
// failures with bounded exponential backoff; non-idempotent calls surface the
// first failure so a submission or OTP trigger is never duplicated.
func (c *Client) post(ctx context.Context, op, path string, payload any, token string, idempotent bool, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return newError(CategoryValidation, op, "encode request body", err)
	}
	envelope, err := c.signer.Sign(body)
	if err != nil {
		return newError(CategorySigning, op, "sign request body", err)
	}
	wire, err := json.Marshal(envelope)
	if err != nil {
		return newError(CategorySigning, op, "encode signed envelope", err)
	}

	attempts := 1
	if idempotent {
		attempts = c.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.retry.BaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return newError(CategoryTransport, op, "context cancelled during backoff", ctx.Err())
			case <-time.After(delay):
			}
			c.logger.DebugContext(ctx, "retrying gateway call", "op", op, "attempt", attempt+1)
		}

		start := time.Now()
		err := c.doOnce(ctx, op, path, wire, token, out)
		if err == nil {
			c.metrics.ObserveRemoteCall(op, "ok", time.Since(start))
			c.logger.InfoContext(ctx, "gateway call", "op", op, "outcome", "ok", "duration_ms", time.Since(start).Milliseconds())
			return nil
		}
		c.metrics.ObserveRemoteCall(op, string(GetCategory(err)), time.Since(start))
		c.logger.WarnContext(ctx, "gateway call failed",
			"op", op,
			"category", string(GetCategory(err)),
			"duration_ms", time.Since(start).Milliseconds(),
		)

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable || !idempotent {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, op, path string, wire []byte, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(wire))
	if err != nil {
		return newError(CategoryTransport, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("clientId", c.creds.ClientID)
	req.Header.Set("clientSecret", c.creds.ClientSecret)
	if token != "" {
		req.Header.Set("authToken", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(CategoryTransport, op, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return newError(CategoryTransport, op, "read response", err)
	}

	if resp.StatusCode >= 400 {
		return c.classify(op, resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return newError(CategoryRemote, op, "decode response", err)
		}
	}
	return nil
}

// classify maps a gateway error response onto the taxonomy. The explicit code
// wins over the HTTP status so OTP and submission failures keep their
// recovery semantics even when the status is a generic 400.
func (c *Client) classify(op string, status int, raw []byte) *APIError {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)

	switch body.Code {
	case "OTP_EXPIRED":
		return newError(CategoryOTPExpired, op, body.Detail, nil)
	case "OTP_MISMATCH":
		return newError(CategoryOTPMismatch, op, body.Detail, nil)
	case "EVC_EXPIRED":
		return newError(CategoryVerificationExpired, op, body.Detail, nil)
	case "DUPLICATE_SUBMISSION":
		return newError(CategorySubmission, op, body.Detail, nil)
	}

	detail := body.Detail
	if detail == "" {
		detail = fmt.Sprintf("gateway returned status %d", status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return newError(CategoryAuth, op, detail, nil)
	case status >= 500:
		err := newError(CategoryRemote, op, detail, nil)
		err.Retryable = true
		return err
	default:
		return newError(CategoryValidation, op, detail, nil)
	}
}
