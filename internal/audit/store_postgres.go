package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists the audit trail. Rows are never updated or deleted.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL this store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id              BIGSERIAL   PRIMARY KEY,
	ts              TIMESTAMPTZ NOT NULL,
	filing_id       TEXT        NOT NULL,
	pan_digest      TEXT        NOT NULL,
	assessment_year TEXT        NOT NULL,
	action          TEXT        NOT NULL,
	from_state      TEXT        NOT NULL DEFAULT '',
	to_state        TEXT        NOT NULL DEFAULT '',
	outcome         TEXT        NOT NULL,
	detail          TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_filing_idx ON audit_events (filing_id, ts);
`

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, filing_id, pan_digest, assessment_year, action, from_state, to_state, outcome, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.Timestamp, event.FilingID, event.PANDigest, event.AssessmentYear,
		event.Action, event.FromState, event.ToState, event.Outcome, event.Detail)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByFiling(ctx context.Context, filingID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, filing_id, pan_digest, assessment_year, action, from_state, to_state, outcome, detail
		 FROM audit_events WHERE filing_id = $1 ORDER BY ts, id`, filingID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Timestamp, &e.FilingID, &e.PANDigest, &e.AssessmentYear,
			&e.Action, &e.FromState, &e.ToState, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
