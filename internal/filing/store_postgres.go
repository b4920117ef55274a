package filing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"erigate/pkg/platform/sentinel"

	"erigate/internal/domain"
)

// PostgresStore persists filings in PostgreSQL. The whole aggregate is stored
// as a JSONB document alongside indexed columns for lookups; Update runs the
// mutation inside a transaction with SELECT FOR UPDATE so concurrent writers
// serialize instead of clobbering each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL this store expects. Applied by the operator or a
// migration tool, not by the application.
const Schema = `
CREATE TABLE IF NOT EXISTS filings (
	pan             TEXT        NOT NULL,
	assessment_year TEXT        NOT NULL,
	state           TEXT        NOT NULL,
	arn             TEXT,
	doc             JSONB       NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pan, assessment_year)
);
CREATE UNIQUE INDEX IF NOT EXISTS filings_arn_idx ON filings (arn) WHERE arn IS NOT NULL;

CREATE TABLE IF NOT EXISTS onboarded_clients (
	pan        TEXT        PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Create(ctx context.Context, f *Filing) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal filing: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM filings WHERE pan = $1 AND assessment_year = $2 FOR UPDATE`,
		f.PAN, f.AssessmentYear).Scan(&state)
	switch {
	case err == nil:
		if !State(state).Terminal() {
			return sentinel.ErrConflict
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE filings SET state = $3, arn = NULL, doc = $4, created_at = $5, updated_at = $5
			 WHERE pan = $1 AND assessment_year = $2`,
			f.PAN, f.AssessmentYear, f.State, doc, f.CreatedAt)
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO filings (pan, assessment_year, state, doc, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)`,
			f.PAN, f.AssessmentYear, f.State, doc, f.CreatedAt)
	default:
		return fmt.Errorf("check existing filing: %w", err)
	}
	if err != nil {
		return fmt.Errorf("insert filing: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, key domain.FilingKey) (*Filing, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM filings WHERE pan = $1 AND assessment_year = $2`,
		key.PAN, key.AssessmentYear).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get filing: %w", err)
	}
	return unmarshalFiling(doc)
}

func (s *PostgresStore) GetByARN(ctx context.Context, arn string) (*Filing, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM filings WHERE arn = $1`, arn).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get filing by arn: %w", err)
	}
	return unmarshalFiling(doc)
}

func (s *PostgresStore) ListByPAN(ctx context.Context, pan domain.PAN) ([]*Filing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM filings WHERE pan = $1 ORDER BY assessment_year`, pan)
	if err != nil {
		return nil, fmt.Errorf("list filings: %w", err)
	}
	defer rows.Close()

	var out []*Filing
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan filing: %w", err)
		}
		f, err := unmarshalFiling(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, key domain.FilingKey, fn func(*Filing) error) (*Filing, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM filings WHERE pan = $1 AND assessment_year = $2 FOR UPDATE`,
		key.PAN, key.AssessmentYear).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock filing: %w", err)
	}

	f, err := unmarshalFiling(doc)
	if err != nil {
		return nil, err
	}
	if err := fn(f); err != nil {
		return nil, err
	}

	updated, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal filing: %w", err)
	}
	var arn sql.NullString
	if f.Record != nil && f.Record.ARN != "" {
		arn = sql.NullString{String: f.Record.ARN, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE filings SET state = $3, arn = $4, doc = $5, updated_at = $6
		 WHERE pan = $1 AND assessment_year = $2`,
		key.PAN, key.AssessmentYear, f.State, arn, updated, f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update filing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) MarkOnboarded(ctx context.Context, pan domain.PAN) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO onboarded_clients (pan) VALUES ($1) ON CONFLICT (pan) DO NOTHING`, pan)
	if err != nil {
		return fmt.Errorf("mark onboarded: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsOnboarded(ctx context.Context, pan domain.PAN) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM onboarded_clients WHERE pan = $1)`, pan).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check onboarded: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RevokeOnboarding(ctx context.Context, pan domain.PAN) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM onboarded_clients WHERE pan = $1`, pan)
	if err != nil {
		return fmt.Errorf("revoke onboarding: %w", err)
	}
	return nil
}

func unmarshalFiling(doc []byte) (*Filing, error) {
	var f Filing
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("unmarshal filing: %w", err)
	}
	return &f, nil
}
