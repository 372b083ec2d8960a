package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/edgefix/edgefix/internal/types"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

const schema = `
	CREATE TABLE IF NOT EXISTS resolution_attempts (
		alert_id       TEXT        NOT NULL,
		attempt_number INTEGER     NOT NULL,
		device_id      TEXT        NOT NULL,
		step           INTEGER     NOT NULL,
		command        TEXT        NOT NULL,
		state          TEXT        NOT NULL,
		started_at     TIMESTAMPTZ NOT NULL,
		completed_at   TIMESTAMPTZ,
		reason         TEXT        NOT NULL,
		lease_token    BIGINT      NOT NULL,
		PRIMARY KEY (alert_id, attempt_number)
	)
`

// PGStore keeps the attempt log in Postgres.
type PGStore struct {
	db *sql.DB
}

// Open connects to Postgres and makes sure the attempts table exists.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPGStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the attempts table when missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate resolution_attempts: %w", err)
	}
	return nil
}

func (s *PGStore) Append(ctx context.Context, a types.Attempt) error {
	const query = `
		INSERT INTO resolution_attempts
			(alert_id, attempt_number, device_id, step, command, state, started_at, completed_at, reason, lease_token)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	var completedAt sql.NullTime
	if a.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *a.CompletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		a.AlertID,
		a.Number,
		a.DeviceID,
		a.Step,
		a.Command,
		string(a.State),
		a.StartedAt,
		completedAt,
		a.Reason,
		int64(a.LeaseToken),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PGStore) Attempts(ctx context.Context, alertID string) ([]types.Attempt, error) {
	const query = `
		SELECT alert_id, attempt_number, device_id, step, command, state, started_at, completed_at, reason, lease_token
		FROM resolution_attempts
		WHERE alert_id = $1
		ORDER BY attempt_number
	`
	rows, err := s.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []types.Attempt
	for rows.Next() {
		var (
			a           types.Attempt
			state       string
			completedAt sql.NullTime
			token       int64
		)
		if err := rows.Scan(
			&a.AlertID,
			&a.Number,
			&a.DeviceID,
			&a.Step,
			&a.Command,
			&state,
			&a.StartedAt,
			&completedAt,
			&a.Reason,
			&token,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.State = types.State(state)
		a.LeaseToken = uint64(token)
		if completedAt.Valid {
			t := completedAt.Time.In(time.UTC)
			a.CompletedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Close() error {
	return s.db.Close()
}
