// Package audit records every consequential filing action. Events are
// append-only; the PAN is stored as a digest so the trail is joinable without
// holding the identifier in clear.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"erigate/internal/domain"
)

// Event is emitted from the orchestrator to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	FilingID       string    `json:"filing_id"`
	PANDigest      string    `json:"pan_digest"`
	AssessmentYear string    `json:"assessment_year"`
	Action         string    `json:"action"`
	FromState      string    `json:"from_state,omitempty"`
	ToState        string    `json:"to_state,omitempty"`
	Outcome        string    `json:"outcome"`
	Detail         string    `json:"detail,omitempty"`
}

// HashPAN digests a PAN for audit storage. One-way; the trail never needs to
// recover the identifier, only to correlate events for the same taxpayer.
func HashPAN(pan domain.PAN) string {
	sum := sha256.Sum256([]byte(pan))
	return hex.EncodeToString(sum[:])
}
