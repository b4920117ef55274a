package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"erigate/pkg/platform/sentinel"

	"erigate/internal/domain"
	"erigate/internal/eri"
	"erigate/internal/filing"
)

// errorEnvelope is the JSON error body every endpoint returns. NextAction
// tells the caller how to recover; Errors carries field-level findings from
// validation failures.
type errorEnvelope struct {
	Error      string              `json:"error"`
	Reason     string              `json:"reason,omitempty"`
	Stage      string              `json:"stage,omitempty"`
	NextAction string              `json:"next_action,omitempty"`
	ARN        string              `json:"arn,omitempty"`
	Errors     []domain.FieldError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates domain failures onto HTTP statuses. Workflow
// rejections are 409 or 422, not 500: the service is healthy, the request
// just cannot proceed from the filing's current state.
func writeError(w http.ResponseWriter, err error) {
	var (
		concErr   *filing.ConcurrentOperationError
		subErr    *filing.SubmissionError
		transErr  *filing.TransitionError
		remoteErr *eri.APIError
	)
	switch {
	case errors.As(err, &concErr):
		writeJSON(w, http.StatusConflict, errorEnvelope{
			Error:      "operation_in_flight",
			Reason:     concErr.Error(),
			NextAction: "wait for the outstanding operation to finish and retry",
		})
	case errors.As(err, &subErr):
		writeJSON(w, http.StatusConflict, errorEnvelope{
			Error:      "already_submitted",
			Reason:     subErr.Error(),
			ARN:        subErr.ARN,
			NextAction: "fetch the acknowledgement instead of resubmitting",
		})
	case errors.As(err, &transErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{
			Error:      "operation_failed",
			Reason:     transErr.Reason,
			Stage:      string(transErr.Stage),
			NextAction: transErr.NextAction,
			Errors:     transErr.Errors,
		})
	case errors.Is(err, sentinel.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: "not_found"})
	case errors.Is(err, sentinel.ErrConflict):
		writeJSON(w, http.StatusConflict, errorEnvelope{
			Error:  "conflict",
			Reason: "an active filing already exists for this PAN and assessment year",
		})
	case errors.As(err, &remoteErr):
		writeJSON(w, http.StatusBadGateway, errorEnvelope{
			Error:  "gateway_error",
			Reason: remoteErr.Message,
			Stage:  string(remoteErr.Category),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "internal"})
	}
}

func badRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "bad_request", Reason: reason})
}
