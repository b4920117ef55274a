package domain

import "fmt"

// FieldError is a single business-rule or structural rejection of the form
// document. Local schema checks and the remote validation call both speak it,
// so the draft producer gets one shape to act on.
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
