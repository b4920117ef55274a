package audit

import "context"

// Store is the append-only persistence behind the trail.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByFiling(ctx context.Context, filingID string) ([]Event, error)
}
