package filing

import (
	"context"

	"erigate/internal/domain"
)

// Store persists filings and the onboarding registry. Implementations are
// interface-driven to keep the orchestrator testable and to allow in-memory,
// Redis, or Postgres persistence without rewiring business code.
//
// Update is the only mutation path for existing filings: an atomic
// read-modify-write so concurrent access to the same filing never loses an
// update.
type Store interface {
	Create(ctx context.Context, f *Filing) error
	Get(ctx context.Context, key domain.FilingKey) (*Filing, error)
	GetByARN(ctx context.Context, arn string) (*Filing, error)
	ListByPAN(ctx context.Context, pan domain.PAN) ([]*Filing, error)
	Update(ctx context.Context, key domain.FilingKey, fn func(*Filing) error) (*Filing, error)

	// MarkOnboarded records that consent for this PAN has been verified, so
	// subsequent filings skip the consent stages until revoked.
	MarkOnboarded(ctx context.Context, pan domain.PAN) error
	IsOnboarded(ctx context.Context, pan domain.PAN) (bool, error)
	RevokeOnboarding(ctx context.Context, pan domain.PAN) error
}
