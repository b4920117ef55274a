package filing

import (
	"fmt"

	"erigate/internal/domain"
)

// TransitionError is what crosses the state-machine boundary when an
// operation fails: which stage, why, and what the caller should do next.
// The filing itself remains in Stage.
type TransitionError struct {
	Stage      State
	Op         string
	Reason     string
	NextAction string
	Errors     []domain.FieldError
	Err        error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s failed at %s: %s (next: %s)", e.Op, e.Stage, e.Reason, e.NextAction)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// ConcurrentOperationError guards the at-most-one-in-flight rule: a second
// request for a filing with an operation outstanding is rejected, never
// interleaved, so OTP triggers and submissions cannot double-fire.
type ConcurrentOperationError struct {
	Key domain.FilingKey
}

func (e *ConcurrentOperationError) Error() string {
	return fmt.Sprintf("filing %s already has an operation in flight", e.Key)
}

// SubmissionError rejects a resubmission locally, before any network call.
// The remote side may not be idempotent, so this guard is ours to own.
type SubmissionError struct {
	Key domain.FilingKey
	ARN string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("filing %s already submitted with ARN %s", e.Key, e.ARN)
}
