package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PrincipalStore = (*PrincipalRepo)(nil)

// PrincipalRepo is the SQLite implementation of the PrincipalStore port
// interface.
type PrincipalRepo struct {
	db *DB
}

// NewPrincipalRepo creates a new PrincipalRepo backed by the given DB.
func NewPrincipalRepo(db *DB) *PrincipalRepo {
	return &PrincipalRepo{db: db}
}

const principalColumns = `
	id, name, state, state_version, frequency, checkin_window_secs,
	grace_period_secs, strict_mode, contact_email, last_alive_at,
	next_checkin_at, checkin_expires_at, grace_expires_at, released_at,
	created_at, updated_at`

// Create inserts a new principal.
func (r *PrincipalRepo) Create(ctx context.Context, p model.Principal) error {
	const query = `
		INSERT INTO principals (
			id, name, state, state_version, frequency, checkin_window_secs,
			grace_period_secs, strict_mode, contact_email, last_alive_at,
			next_checkin_at, checkin_expires_at, grace_expires_at, released_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		p.ID, p.Name, string(p.State), p.StateVersion, string(p.Frequency),
		int64(p.CheckInWindow/time.Second), int64(p.GracePeriod/time.Second),
		boolToInt(p.StrictMode), p.ContactEmail, fmtTime(p.LastAliveAt),
		fmtTimePtr(p.NextCheckInAt), fmtTimePtr(p.CheckInExpiresAt),
		fmtTimePtr(p.GraceExpiresAt), fmtTimePtr(p.ReleasedAt),
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert principal %s: %w", p.ID, err)
	}

	return nil
}

// GetByID retrieves a single principal. Returns model.ErrNotFound when no
// row exists.
func (r *PrincipalRepo) GetByID(ctx context.Context, id string) (model.Principal, error) {
	query := `SELECT` + principalColumns + ` FROM principals WHERE id = ?`

	p, err := scanPrincipal(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return model.Principal{}, model.ErrNotFound
	}
	if err != nil {
		return model.Principal{}, fmt.Errorf("get principal %s: %w", id, err)
	}

	return p, nil
}

// ListDue returns every non-terminal principal whose stored deadline has
// passed, plus all principals with a verification in flight so stale
// sessions are re-checked. Timestamps are stored as RFC 3339 UTC, so the
// string comparison orders correctly.
func (r *PrincipalRepo) ListDue(ctx context.Context, now time.Time) ([]model.Principal, error) {
	query := `
		SELECT` + principalColumns + `
		FROM principals
		WHERE state != 'released' AND (
			(next_checkin_at IS NOT NULL AND next_checkin_at <= ?)
			OR (checkin_expires_at IS NOT NULL AND checkin_expires_at <= ?)
			OR (grace_expires_at IS NOT NULL AND grace_expires_at <= ?)
			OR state = 'verification_in_progress'
		)
		ORDER BY id
	`

	ts := fmtTime(now)
	rows, err := r.db.Reader.QueryContext(ctx, query, ts, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("query due principals: %w", err)
	}
	defer rows.Close()

	var out []model.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate principals: %w", err)
	}

	return out, nil
}

// UpdateState persists a state transition guarded by the version the caller
// read the principal at. The version bump happens in the same statement, so
// two writers racing on the same version cannot both succeed; the loser gets
// model.ErrConflict.
func (r *PrincipalRepo) UpdateState(ctx context.Context, p model.Principal) error {
	const query = `
		UPDATE principals SET
			state = ?,
			state_version = state_version + 1,
			last_alive_at = ?,
			next_checkin_at = ?,
			checkin_expires_at = ?,
			grace_expires_at = ?,
			released_at = ?,
			updated_at = ?
		WHERE id = ? AND state_version = ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(p.State), fmtTime(p.LastAliveAt),
		fmtTimePtr(p.NextCheckInAt), fmtTimePtr(p.CheckInExpiresAt),
		fmtTimePtr(p.GraceExpiresAt), fmtTimePtr(p.ReleasedAt),
		fmtTime(time.Now().UTC()),
		p.ID, p.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update principal %s: %w", p.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrConflict
	}

	return nil
}

func scanPrincipal(s scanner) (model.Principal, error) {
	var p model.Principal
	var state, frequency string
	var windowSecs, graceSecs int64
	var strict int
	var lastAlive, createdAt, updatedAt string
	var nextCheckIn, checkInExpires, graceExpires, releasedAt sql.NullString

	err := s.Scan(
		&p.ID, &p.Name, &state, &p.StateVersion, &frequency, &windowSecs,
		&graceSecs, &strict, &p.ContactEmail, &lastAlive,
		&nextCheckIn, &checkInExpires, &graceExpires, &releasedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.Principal{}, err
	}

	p.State = model.LivenessState(state)
	p.Frequency = model.CheckFrequency(frequency)
	p.CheckInWindow = time.Duration(windowSecs) * time.Second
	p.GracePeriod = time.Duration(graceSecs) * time.Second
	p.StrictMode = strict != 0

	if p.LastAliveAt, err = parseTime(lastAlive); err != nil {
		return model.Principal{}, fmt.Errorf("parse last_alive_at: %w", err)
	}
	if p.NextCheckInAt, err = parseTimePtr(nextCheckIn); err != nil {
		return model.Principal{}, fmt.Errorf("parse next_checkin_at: %w", err)
	}
	if p.CheckInExpiresAt, err = parseTimePtr(checkInExpires); err != nil {
		return model.Principal{}, fmt.Errorf("parse checkin_expires_at: %w", err)
	}
	if p.GraceExpiresAt, err = parseTimePtr(graceExpires); err != nil {
		return model.Principal{}, fmt.Errorf("parse grace_expires_at: %w", err)
	}
	if p.ReleasedAt, err = parseTimePtr(releasedAt); err != nil {
		return model.Principal{}, fmt.Errorf("parse released_at: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Principal{}, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Principal{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// fmtTime stores timestamps as RFC 3339 UTC strings so lexicographic
// comparison in SQL matches chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
