// Package httptransport is the thin inbound HTTP layer. Handlers decode,
// delegate to the filing service, and encode; no business logic lives here.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"erigate/internal/audit"
	"erigate/internal/domain"
	"erigate/internal/filing"
	"erigate/internal/platform/middleware"
)

// FilingService is the slice of the orchestrator the handlers need.
type FilingService interface {
	Start(ctx context.Context, pan domain.PAN, ay domain.AssessmentYear) (*filing.Filing, error)
	AddClient(ctx context.Context, key domain.FilingKey, dob string, source domain.OTPSource) (*filing.Filing, error)
	VerifyClientOTP(ctx context.Context, key domain.FilingKey, otp string) (*filing.Filing, error)
	RequestPrefill(ctx context.Context, key domain.FilingKey, source domain.OTPSource) (*filing.Filing, error)
	FetchPrefill(ctx context.Context, key domain.FilingKey, otp string) (*filing.Filing, error)
	PutDraft(ctx context.Context, key domain.FilingKey, formName, formCode, filingType string, formData map[string]any) (*filing.Filing, error)
	Validate(ctx context.Context, key domain.FilingKey) (*filing.Filing, error)
	Submit(ctx context.Context, key domain.FilingKey) (*filing.Filing, error)
	FetchAcknowledgement(ctx context.Context, key domain.FilingKey) ([]byte, error)
	SetVerificationMode(ctx context.Context, key domain.FilingKey, mode domain.VerificationMode) (*filing.Filing, error)
	GenerateEVC(ctx context.Context, key domain.FilingKey, mode domain.EVCMode) (*filing.Filing, error)
	VerifyEVC(ctx context.Context, key domain.FilingKey, code string) (*filing.Filing, error)
	Abandon(ctx context.Context, key domain.FilingKey) (*filing.Filing, error)
	Status(ctx context.Context, key domain.FilingKey) (*filing.Filing, error)
	ByARN(ctx context.Context, arn string) (*filing.Filing, error)
	History(ctx context.Context, pan domain.PAN) ([]*filing.Filing, error)
	Trail(ctx context.Context, key domain.FilingKey) ([]audit.Event, error)
}

// FilingHandler handles the filing workflow endpoints.
type FilingHandler struct {
	svc    FilingService
	logger *slog.Logger
}

func NewFilingHandler(svc FilingService, logger *slog.Logger) *FilingHandler {
	return &FilingHandler{svc: svc, logger: logger}
}

// Register mounts the filing routes on r. The caller wraps r in RequireAuth;
// these endpoints trigger OTP delivery and submissions and are never public.
func (h *FilingHandler) Register(r chi.Router) {
	r.Post("/filings", h.handleStart)
	r.Get("/filings", h.handleHistory)
	r.Get("/filings/arn/{arn}", h.handleByARN)

	r.Route("/filings/{pan}/{ay}", func(r chi.Router) {
		r.Get("/", h.handleStatus)
		r.Post("/consent", h.handleAddClient)
		r.Post("/consent/verify", h.handleVerifyClientOTP)
		r.Post("/prefill", h.handleRequestPrefill)
		r.Post("/prefill/fetch", h.handleFetchPrefill)
		r.Put("/draft", h.handlePutDraft)
		r.Post("/validate", h.handleValidate)
		r.Post("/submit", h.handleSubmit)
		r.Get("/acknowledgement", h.handleAcknowledgement)
		r.Post("/verification/mode", h.handleSetVerificationMode)
		r.Post("/verification/evc", h.handleGenerateEVC)
		r.Post("/verification/evc/verify", h.handleVerifyEVC)
		r.Post("/abandon", h.handleAbandon)
		r.Get("/audit", h.handleTrail)
	})
}

func (h *FilingHandler) key(r *http.Request) (domain.FilingKey, error) {
	pan, err := domain.ParsePAN(chi.URLParam(r, "pan"))
	if err != nil {
		return domain.FilingKey{}, err
	}
	ay, err := domain.ParseAssessmentYear(chi.URLParam(r, "ay"))
	if err != nil {
		return domain.FilingKey{}, err
	}
	return domain.FilingKey{PAN: pan, AssessmentYear: ay}, nil
}

func (h *FilingHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PAN            string `json:"pan"`
		AssessmentYear string `json:"assessmentYear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	pan, err := domain.ParsePAN(req.PAN)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	ay, err := domain.ParseAssessmentYear(req.AssessmentYear)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	f, err := h.svc.Start(r.Context(), pan, ay)
	if err != nil {
		h.logError(r, "start filing", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *FilingHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	f, err := h.svc.Status(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	pan, err := domain.ParsePAN(r.URL.Query().Get("pan"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	list, err := h.svc.History(r.Context(), pan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *FilingHandler) handleByARN(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.ByARN(r.Context(), chi.URLParam(r, "arn"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleAddClient(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		DOB       string `json:"dob"`
		OTPSource string `json:"otpSource"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	source := domain.OTPSource(req.OTPSource)
	if source == "" {
		source = domain.OTPSourceEFiling
	}

	f, err := h.svc.AddClient(r.Context(), key, req.DOB, source)
	if err != nil {
		h.logError(r, "add client", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleVerifyClientOTP(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OTP == "" {
		badRequest(w, "otp is required")
		return
	}

	f, err := h.svc.VerifyClientOTP(r.Context(), key, req.OTP)
	if err != nil {
		h.logError(r, "verify client otp", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleRequestPrefill(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		OTPSource string `json:"otpSource"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	source := domain.OTPSource(req.OTPSource)
	if source == "" {
		source = domain.OTPSourceEFiling
	}

	f, err := h.svc.RequestPrefill(r.Context(), key, source)
	if err != nil {
		h.logError(r, "request prefill", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleFetchPrefill(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OTP == "" {
		badRequest(w, "otp is required")
		return
	}

	f, err := h.svc.FetchPrefill(r.Context(), key, req.OTP)
	if err != nil {
		h.logError(r, "fetch prefill", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handlePutDraft(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		FormName   string         `json:"formName"`
		FormCode   string         `json:"formCode"`
		FilingType string         `json:"filingType"`
		FormData   map[string]any `json:"formData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.FormName == "" || req.FormData == nil {
		badRequest(w, "formName and formData are required")
		return
	}

	f, err := h.svc.PutDraft(r.Context(), key, req.FormName, req.FormCode, req.FilingType, req.FormData)
	if err != nil {
		h.logError(r, "put draft", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	f, err := h.svc.Validate(r.Context(), key)
	if err != nil {
		h.logError(r, "validate", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	f, err := h.svc.Submit(r.Context(), key)
	if err != nil {
		h.logError(r, "submit", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleAcknowledgement(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	pdf, err := h.svc.FetchAcknowledgement(r.Context(), key)
	if err != nil {
		h.logError(r, "fetch acknowledgement", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *FilingHandler) handleSetVerificationMode(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	mode, err := domain.ParseVerificationMode(req.Mode)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	f, err := h.svc.SetVerificationMode(r.Context(), key, mode)
	if err != nil {
		h.logError(r, "set verification mode", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleGenerateEVC(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	mode, err := domain.ParseEVCMode(req.Mode)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	f, err := h.svc.GenerateEVC(r.Context(), key, mode)
	if err != nil {
		h.logError(r, "generate evc", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleVerifyEVC(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		badRequest(w, "code is required")
		return
	}

	f, err := h.svc.VerifyEVC(r.Context(), key, req.Code)
	if err != nil {
		h.logError(r, "verify evc", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	f, err := h.svc.Abandon(r.Context(), key)
	if err != nil {
		h.logError(r, "abandon", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FilingHandler) handleTrail(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	events, err := h.svc.Trail(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *FilingHandler) logError(r *http.Request, op string, err error) {
	h.logger.WarnContext(r.Context(), op+" failed",
		"request_id", middleware.GetRequestID(r.Context()),
		"caller_id", middleware.GetCallerID(r.Context()),
		"error", err,
	)
}
