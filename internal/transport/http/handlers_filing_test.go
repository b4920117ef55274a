package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erigate/pkg/platform/sentinel"

	"erigate/internal/audit"
	"erigate/internal/domain"
	"erigate/internal/filing"
	"erigate/internal/jwtauth"
	"erigate/internal/platform/secrets"
)

// fakeService scripts the orchestrator. Each field overrides one operation;
// unset operations return a minimal filing.
type fakeService struct {
	startFn  func(pan domain.PAN, ay domain.AssessmentYear) (*filing.Filing, error)
	submitFn func(key domain.FilingKey) (*filing.Filing, error)
	ackFn    func(key domain.FilingKey) ([]byte, error)
	statusFn func(key domain.FilingKey) (*filing.Filing, error)
}

func stubFiling() *filing.Filing {
	pan, _ := domain.ParsePAN("ABCDE1234F")
	ay, _ := domain.ParseAssessmentYear("2024-25")
	return filing.New(pan, ay, false, time.Now())
}

func (s *fakeService) Start(_ context.Context, pan domain.PAN, ay domain.AssessmentYear) (*filing.Filing, error) {
	if s.startFn != nil {
		return s.startFn(pan, ay)
	}
	return stubFiling(), nil
}

func (s *fakeService) AddClient(context.Context, domain.FilingKey, string, domain.OTPSource) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) VerifyClientOTP(context.Context, domain.FilingKey, string) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) RequestPrefill(context.Context, domain.FilingKey, domain.OTPSource) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) FetchPrefill(context.Context, domain.FilingKey, string) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) PutDraft(context.Context, domain.FilingKey, string, string, string, map[string]any) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) Validate(context.Context, domain.FilingKey) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) Submit(_ context.Context, key domain.FilingKey) (*filing.Filing, error) {
	if s.submitFn != nil {
		return s.submitFn(key)
	}
	return stubFiling(), nil
}

func (s *fakeService) FetchAcknowledgement(_ context.Context, key domain.FilingKey) ([]byte, error) {
	if s.ackFn != nil {
		return s.ackFn(key)
	}
	return []byte("%PDF-1.4"), nil
}

func (s *fakeService) SetVerificationMode(context.Context, domain.FilingKey, domain.VerificationMode) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) GenerateEVC(context.Context, domain.FilingKey, domain.EVCMode) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) VerifyEVC(context.Context, domain.FilingKey, string) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) Abandon(context.Context, domain.FilingKey) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) Status(_ context.Context, key domain.FilingKey) (*filing.Filing, error) {
	if s.statusFn != nil {
		return s.statusFn(key)
	}
	return stubFiling(), nil
}

func (s *fakeService) ByARN(context.Context, string) (*filing.Filing, error) {
	return stubFiling(), nil
}

func (s *fakeService) History(context.Context, domain.PAN) ([]*filing.Filing, error) {
	return []*filing.Filing{stubFiling()}, nil
}

func (s *fakeService) Trail(context.Context, domain.FilingKey) ([]audit.Event, error) {
	return []audit.Event{{Action: "start", Outcome: "ok"}}, nil
}

type testServer struct {
	server *httptest.Server
	token  string
	apiKey string
}

func newTestServer(t *testing.T, svc FilingService) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtSvc := jwtauth.New("test-signing-key", "erigate", "erigate-api")

	apiKey := "test-api-key"
	hash, err := secrets.Hash(apiKey)
	require.NoError(t, err)

	router := NewRouter(
		NewFilingHandler(svc, logger),
		NewAuthHandler(jwtSvc, hash, logger),
		NewJWTValidator(jwtSvc),
		logger,
	)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	token, err := jwtSvc.GenerateAccessToken("test-caller", time.Hour)
	require.NoError(t, err)

	return &testServer{server: server, token: token, apiKey: apiKey}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartFilingEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := ts.do(t, http.MethodPost, "/api/v1/filings", map[string]string{
		"pan": "ABCDE1234F", "assessmentYear": "2024-25",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var f filing.Filing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	assert.Equal(t, filing.StateClientPending, f.State)
}

func TestStartRejectsBadPAN(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := ts.do(t, http.MethodPost, "/api/v1/filings", map[string]string{
		"pan": "not-a-pan", "assessmentYear": "2024-25",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFilingEndpointsRequireAuth(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	req, err := http.NewRequest(http.MethodPost, ts.server.URL+"/api/v1/filings", bytes.NewBufferString("{}"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Get(ts.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenExchange(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Post(ts.server.URL+"/auth/token", "application/json",
		bytes.NewBufferString(`{"apiKey":"test-api-key","callerId":"assistant"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, "Bearer", body.TokenType)

	// The issued token opens the protected surface.
	req, err := http.NewRequest(http.MethodGet, ts.server.URL+"/api/v1/filings?pan=ABCDE1234F", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+body.AccessToken)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestTokenExchangeRejectsWrongKey(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Post(ts.server.URL+"/auth/token", "application/json",
		bytes.NewBufferString(`{"apiKey":"wrong","callerId":"assistant"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTransitionErrorMapsTo422(t *testing.T) {
	svc := &fakeService{
		submitFn: func(key domain.FilingKey) (*filing.Filing, error) {
			return nil, &filing.TransitionError{
				Stage:      filing.StateDraftInProgress,
				Op:         "submit",
				Reason:     "document has not passed remote validation",
				NextAction: "validate the draft first",
				Errors:     []domain.FieldError{{Code: "ERR_X", Field: "grossIncome", Message: "bad"}},
			}
		},
	}
	ts := newTestServer(t, svc)

	resp := ts.do(t, http.MethodPost, "/api/v1/filings/ABCDE1234F/2024-25/submit", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "operation_failed", body.Error)
	assert.Equal(t, "validate the draft first", body.NextAction)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "ERR_X", body.Errors[0].Code)
}

func TestDuplicateSubmissionMapsTo409(t *testing.T) {
	svc := &fakeService{
		submitFn: func(key domain.FilingKey) (*filing.Filing, error) {
			return nil, &filing.SubmissionError{Key: key, ARN: "ARN-1"}
		},
	}
	ts := newTestServer(t, svc)

	resp := ts.do(t, http.MethodPost, "/api/v1/filings/ABCDE1234F/2024-25/submit", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "already_submitted", body.Error)
	assert.Equal(t, "ARN-1", body.ARN)
}

func TestUnknownFilingMapsTo404(t *testing.T) {
	svc := &fakeService{
		statusFn: func(domain.FilingKey) (*filing.Filing, error) {
			return nil, sentinel.ErrNotFound
		},
	}
	ts := newTestServer(t, svc)

	resp := ts.do(t, http.MethodGet, "/api/v1/filings/ABCDE1234F/2024-25", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAcknowledgementServesPDF(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := ts.do(t, http.MethodGet, "/api/v1/filings/ABCDE1234F/2024-25/acknowledgement", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), body)
}
