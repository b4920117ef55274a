package eri

import (
	"erigate/internal/domain"
)

// ReturnHeader identifies which return a validate or submit call refers to.
type ReturnHeader struct {
	PAN            domain.PAN            `json:"pan"`
	AssessmentYear domain.AssessmentYear `json:"assessmentYear"`
	FormName       string                `json:"formName"`
	FormCode       string                `json:"formCode"`
	FilingType     string                `json:"filingType"`
}

// LoginResult carries the session token issued to the ERI entity.
type LoginResult struct {
	Token     string
	ExpiresIn int // seconds
}

// AddClientResult is the outcome of onboarding a taxpayer PAN. The
// transaction ID anchors the consent OTP that follows.
type AddClientResult struct {
	ClientReferenceID string
	TransactionID     string
}

// ValidateResult is a pure check outcome; it never assigns an ARN.
type ValidateResult struct {
	Valid        bool
	ValidationID string
	Errors       []domain.FieldError
}

// SubmitResult is the permanent record of a successful submission.
type SubmitResult struct {
	ARN           string
	Success       bool
	TransactionNo string
	SubmittedAt   string
}

// Wire-level request bodies. Field names follow the gateway contract.

type loginRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ERIUserID    string `json:"eriUserId"`
	ERIPassword  string `json:"eriPassword"`
}

type addClientRequest struct {
	PAN           string `json:"pan"`
	DOB           string `json:"dob"`
	OTPSourceFlag string `json:"otpSourceFlag"`
}

type validateClientOTPRequest struct {
	PAN           string `json:"pan"`
	OTP           string `json:"otp"`
	TransactionID string `json:"transactionId"`
	OTPSourceFlag string `json:"otpSourceFlag"`
}

type prefillOTPRequest struct {
	PAN            string `json:"pan"`
	AssessmentYear string `json:"assessmentYear"`
	OTPSourceFlag  string `json:"otpSourceFlag"`
}

type getPrefillRequest struct {
	OTP           string `json:"otp"`
	TransactionID string `json:"transactionId"`
}

type validateITRRequest struct {
	ReturnHeader
	ITRData map[string]any `json:"itrData"`
}

type saveDraftRequest struct {
	ValidationID string `json:"validationId"`
}

type submitITRRequest struct {
	ReturnHeader
	DraftID string         `json:"draftId"`
	ITRData map[string]any `json:"itrData"`
}

type acknowledgementRequest struct {
	PAN                   string `json:"pan"`
	AcknowledgementNumber string `json:"acknowledgementNumber"`
}

type verificationModeRequest struct {
	PAN                   string `json:"pan"`
	AcknowledgementNumber string `json:"acknowledgementNumber"`
	VerificationMode      string `json:"verificationMode"`
}

type generateEVCRequest struct {
	PAN            string `json:"pan"`
	AssessmentYear string `json:"assessmentYear"`
	Mode           string `json:"mode"`
}

type verifyEVCRequest struct {
	PAN                   string `json:"pan"`
	AcknowledgementNumber string `json:"acknowledgementNumber"`
	EVC                   string `json:"evc"`
}

// Wire-level response bodies.

type loginResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	ExpiresIn int    `json:"expiresIn"`
}

type addClientResponse struct {
	Status            string `json:"status"`
	ClientReferenceID string `json:"clientReferenceId"`
	TransactionID     string `json:"transactionId"`
}

type validateClientOTPResponse struct {
	Status           string `json:"status"`
	ConsentConfirmed bool   `json:"consentConfirmed"`
}

type prefillOTPResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
}

type validationErrorBody struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type validateITRResponse struct {
	IsValid      bool                  `json:"isValid"`
	ValidationID string                `json:"validationId,omitempty"`
	Errors       []validationErrorBody `json:"errors,omitempty"`
}

type saveDraftResponse struct {
	Status  string `json:"status"`
	DraftID string `json:"draftId"`
}

type submitITRResponse struct {
	Status                string `json:"status"`
	AcknowledgementNumber string `json:"acknowledgementNumber"`
	TransactionNo         string `json:"transactionNo"`
	SubmissionDate        string `json:"submissionDate"`
}

type acknowledgementResponse struct {
	Status    string `json:"status"`
	PDFBase64 string `json:"pdfBase64"`
}

type verificationModeResponse struct {
	Status string `json:"status"`
}

type generateEVCResponse struct {
	Status       string `json:"status"`
	EVCRequestID string `json:"evcRequestId"`
}

type verifyEVCResponse struct {
	Status   string `json:"status"`
	Verified bool   `json:"verified"`
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}
