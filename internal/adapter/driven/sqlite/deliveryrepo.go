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
var _ driven.DeliveryStore = (*DeliveryRepo)(nil)

// DeliveryRepo is the SQLite implementation of the DeliveryStore port
// interface, covering delivery attempts and the operator escalation queue.
type DeliveryRepo struct {
	db *DB
}

// NewDeliveryRepo creates a new DeliveryRepo backed by the given DB.
func NewDeliveryRepo(db *DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

const attemptColumns = `
	id, entry_id, principal_id, recipient_id, channel, address, status,
	attempt_count, next_attempt_at, last_attempt_at, dispatch_id, open_deadline,
	created_at, updated_at`

// CreateAttempt inserts one attempt. A duplicate (entry, recipient, channel)
// triple is absorbed by the unique constraint so dispatch can be re-run
// after a partial failure without double-sending.
func (r *DeliveryRepo) CreateAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	const query = `
		INSERT INTO delivery_attempts (
			id, entry_id, principal_id, recipient_id, channel, address, status,
			attempt_count, next_attempt_at, last_attempt_at, dispatch_id, open_deadline,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id, recipient_id, channel) DO NOTHING
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		a.ID, a.EntryID, a.PrincipalID, a.RecipientID,
		string(a.Channel), a.Address, string(a.Status),
		a.AttemptCount, fmtTimePtr(a.NextAttemptAt), fmtTimePtr(a.LastAttemptAt),
		a.DispatchID, fmtTimePtr(a.OpenDeadline),
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s: %w", a.ID, err)
	}

	return nil
}

// GetAttempt retrieves a single attempt. Returns model.ErrNotFound when no
// row exists.
func (r *DeliveryRepo) GetAttempt(ctx context.Context, id string) (model.DeliveryAttempt, error) {
	query := `SELECT` + attemptColumns + ` FROM delivery_attempts WHERE id = ?`

	a, err := scanAttempt(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return model.DeliveryAttempt{}, model.ErrNotFound
	}
	if err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("get attempt %s: %w", id, err)
	}

	return a, nil
}

// GetAttemptByDispatchID correlates a gateway callback with its attempt.
// Returns model.ErrNotFound for unknown dispatch ids.
func (r *DeliveryRepo) GetAttemptByDispatchID(ctx context.Context, dispatchID string) (model.DeliveryAttempt, error) {
	query := `SELECT` + attemptColumns + ` FROM delivery_attempts WHERE dispatch_id = ? AND dispatch_id != ''`

	a, err := scanAttempt(r.db.Reader.QueryRowContext(ctx, query, dispatchID))
	if err == sql.ErrNoRows {
		return model.DeliveryAttempt{}, model.ErrNotFound
	}
	if err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("get attempt by dispatch %s: %w", dispatchID, err)
	}

	return a, nil
}

// ListNonTerminal returns every attempt still owned by automation, oldest
// first so long-waiting attempts are looked at before fresh ones.
func (r *DeliveryRepo) ListNonTerminal(ctx context.Context, _ time.Time) ([]model.DeliveryAttempt, error) {
	query := `
		SELECT` + attemptColumns + `
		FROM delivery_attempts
		WHERE status NOT IN ('confirmed_delivered', 'priority_escalated')
		ORDER BY created_at
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal attempts: %w", err)
	}
	defer rows.Close()

	var out []model.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return out, nil
}

// UpdateAttempt persists attempt progress. Returns model.ErrNotFound when
// the attempt does not exist.
func (r *DeliveryRepo) UpdateAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	const query = `
		UPDATE delivery_attempts SET
			status = ?,
			attempt_count = ?,
			next_attempt_at = ?,
			last_attempt_at = ?,
			dispatch_id = ?,
			open_deadline = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(a.Status), a.AttemptCount,
		fmtTimePtr(a.NextAttemptAt), fmtTimePtr(a.LastAttemptAt),
		a.DispatchID, fmtTimePtr(a.OpenDeadline),
		fmtTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update attempt %s: %w", a.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrNotFound
	}

	return nil
}

// CreateEscalation inserts a new operator queue item.
func (r *DeliveryRepo) CreateEscalation(ctx context.Context, e model.Escalation) error {
	const query = `
		INSERT INTO escalations (
			id, kind, principal_id, subject_id, reason,
			resolved, resolved_by, note, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		e.ID, string(e.Kind), e.PrincipalID, e.SubjectID, e.Reason,
		boolToInt(e.Resolved), e.ResolvedBy, e.Note,
		fmtTime(e.CreatedAt), fmtTimePtr(e.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert escalation %s: %w", e.ID, err)
	}

	return nil
}

// GetEscalation retrieves a single escalation. Returns model.ErrNotFound
// when no row exists.
func (r *DeliveryRepo) GetEscalation(ctx context.Context, id string) (model.Escalation, error) {
	const query = `
		SELECT id, kind, principal_id, subject_id, reason,
		       resolved, resolved_by, note, created_at, resolved_at
		FROM escalations WHERE id = ?
	`

	e, err := scanEscalation(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return model.Escalation{}, model.ErrNotFound
	}
	if err != nil {
		return model.Escalation{}, fmt.Errorf("get escalation %s: %w", id, err)
	}

	return e, nil
}

// ListOpenEscalations returns all unresolved queue items, oldest first.
func (r *DeliveryRepo) ListOpenEscalations(ctx context.Context) ([]model.Escalation, error) {
	const query = `
		SELECT id, kind, principal_id, subject_id, reason,
		       resolved, resolved_by, note, created_at, resolved_at
		FROM escalations
		WHERE resolved = 0
		ORDER BY created_at
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query open escalations: %w", err)
	}
	defer rows.Close()

	var out []model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}

	return out, nil
}

// ResolveEscalation persists the operator's resolution. Returns
// model.ErrNotFound when the escalation does not exist.
func (r *DeliveryRepo) ResolveEscalation(ctx context.Context, e model.Escalation) error {
	const query = `
		UPDATE escalations SET
			resolved = ?,
			resolved_by = ?,
			note = ?,
			resolved_at = ?
		WHERE id = ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		boolToInt(e.Resolved), e.ResolvedBy, e.Note, fmtTimePtr(e.ResolvedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("resolve escalation %s: %w", e.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrNotFound
	}

	return nil
}

func scanEscalation(s scanner) (model.Escalation, error) {
	var e model.Escalation
	var kind string
	var resolved int
	var createdAt string
	var resolvedAt sql.NullString

	err := s.Scan(
		&e.ID, &kind, &e.PrincipalID, &e.SubjectID, &e.Reason,
		&resolved, &e.ResolvedBy, &e.Note, &createdAt, &resolvedAt,
	)
	if err != nil {
		return model.Escalation{}, err
	}

	e.Kind = model.EscalationKind(kind)
	e.Resolved = resolved != 0

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Escalation{}, fmt.Errorf("parse created_at: %w", err)
	}
	if e.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return model.Escalation{}, fmt.Errorf("parse resolved_at: %w", err)
	}

	return e, nil
}

func scanAttempt(s scanner) (model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	var channel, status string
	var nextAttemptAt, lastAttemptAt, openDeadline sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&a.ID, &a.EntryID, &a.PrincipalID, &a.RecipientID, &channel, &a.Address, &status,
		&a.AttemptCount, &nextAttemptAt, &lastAttemptAt, &a.DispatchID, &openDeadline,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}

	a.Channel = model.Channel(channel)
	a.Status = model.DeliveryStatus(status)

	if a.NextAttemptAt, err = parseTimePtr(nextAttemptAt); err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	if a.LastAttemptAt, err = parseTimePtr(lastAttemptAt); err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("parse last_attempt_at: %w", err)
	}
	if a.OpenDeadline, err = parseTimePtr(openDeadline); err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("parse open_deadline: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return a, nil
}
