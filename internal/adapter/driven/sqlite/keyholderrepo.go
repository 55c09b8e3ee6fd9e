package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KeyholderStore = (*KeyholderRepo)(nil)

// KeyholderRepo is the SQLite implementation of the KeyholderStore port
// interface.
type KeyholderRepo struct {
	db *DB
}

// NewKeyholderRepo creates a new KeyholderRepo backed by the given DB.
func NewKeyholderRepo(db *DB) *KeyholderRepo {
	return &KeyholderRepo{db: db}
}

const keyholderColumns = `
	id, principal_id, name, email, phone, answer_hash,
	failed_answers, locked_until, review_flagged, created_at`

// Create inserts a new keyholder.
func (r *KeyholderRepo) Create(ctx context.Context, k model.Keyholder) error {
	const query = `
		INSERT INTO keyholders (
			id, principal_id, name, email, phone, answer_hash,
			failed_answers, locked_until, review_flagged, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		k.ID, k.PrincipalID, k.Name, k.Email, k.Phone, k.AnswerHash,
		k.FailedAnswers, fmtTimePtr(k.LockedUntil), boolToInt(k.ReviewFlagged),
		fmtTime(k.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert keyholder %s: %w", k.ID, err)
	}

	return nil
}

// GetByID retrieves a single keyholder. Returns model.ErrNotFound when no
// row exists.
func (r *KeyholderRepo) GetByID(ctx context.Context, id string) (model.Keyholder, error) {
	query := `SELECT` + keyholderColumns + ` FROM keyholders WHERE id = ?`

	k, err := scanKeyholder(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return model.Keyholder{}, model.ErrNotFound
	}
	if err != nil {
		return model.Keyholder{}, fmt.Errorf("get keyholder %s: %w", id, err)
	}

	return k, nil
}

// ListByPrincipal returns all keyholders registered for the principal.
func (r *KeyholderRepo) ListByPrincipal(ctx context.Context, principalID string) ([]model.Keyholder, error) {
	query := `SELECT` + keyholderColumns + ` FROM keyholders WHERE principal_id = ? ORDER BY created_at`

	rows, err := r.db.Reader.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("query keyholders: %w", err)
	}
	defer rows.Close()

	var out []model.Keyholder
	for rows.Next() {
		k, err := scanKeyholder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan keyholder: %w", err)
		}
		out = append(out, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyholders: %w", err)
	}

	return out, nil
}

// UpdateFailures persists the failure counter, lockout expiry and review
// flag. Returns model.ErrNotFound when the keyholder does not exist.
func (r *KeyholderRepo) UpdateFailures(ctx context.Context, k model.Keyholder) error {
	const query = `
		UPDATE keyholders SET
			failed_answers = ?,
			locked_until = ?,
			review_flagged = ?
		WHERE id = ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		k.FailedAnswers, fmtTimePtr(k.LockedUntil), boolToInt(k.ReviewFlagged), k.ID,
	)
	if err != nil {
		return fmt.Errorf("update keyholder %s: %w", k.ID, err)
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

func scanKeyholder(s scanner) (model.Keyholder, error) {
	var k model.Keyholder
	var lockedUntil sql.NullString
	var reviewFlagged int
	var createdAt string

	err := s.Scan(
		&k.ID, &k.PrincipalID, &k.Name, &k.Email, &k.Phone, &k.AnswerHash,
		&k.FailedAnswers, &lockedUntil, &reviewFlagged, &createdAt,
	)
	if err != nil {
		return model.Keyholder{}, err
	}

	k.ReviewFlagged = reviewFlagged != 0

	if k.LockedUntil, err = parseTimePtr(lockedUntil); err != nil {
		return model.Keyholder{}, fmt.Errorf("parse locked_until: %w", err)
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Keyholder{}, fmt.Errorf("parse created_at: %w", err)
	}

	return k, nil
}
