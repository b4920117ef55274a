package domain

import "fmt"

// VerificationMode is how the taxpayer chooses to verify a submitted return
// when not using an EVC immediately.
type VerificationMode string

const (
	// VerifyLater defers e-verification to a later session.
	VerifyLater VerificationMode = "eVerify Later"
	// VerifyITRV defers to the postal ITR-V acknowledgement route.
	VerifyITRV VerificationMode = "ITR-V"
)

func ParseVerificationMode(s string) (VerificationMode, error) {
	switch VerificationMode(s) {
	case VerifyLater, VerifyITRV:
		return VerificationMode(s), nil
	}
	return "", fmt.Errorf("invalid verification mode %q", s)
}

// EVCMode selects the channel an Electronic Verification Code is issued over.
type EVCMode string

const (
	EVCAadhaar EVCMode = "Aadhaar"
	EVCBank    EVCMode = "Bank"
	EVCDemat   EVCMode = "Demat"
)

func ParseEVCMode(s string) (EVCMode, error) {
	switch EVCMode(s) {
	case EVCAadhaar, EVCBank, EVCDemat:
		return EVCMode(s), nil
	}
	return "", fmt.Errorf("invalid EVC mode %q", s)
}

// OTPSource selects where a consent OTP is delivered ("E" e-filing portal,
// "A" Aadhaar-linked mobile).
type OTPSource string

const (
	OTPSourceEFiling OTPSource = "E"
	OTPSourceAadhaar OTPSource = "A"
)
