package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.VaultStore = (*VaultRepo)(nil)

// VaultRepo is the SQLite implementation of the VaultStore port interface.
// Entry-to-recipient bindings live in a join table so a recipient can be
// reused across entries.
type VaultRepo struct {
	db *DB
}

// NewVaultRepo creates a new VaultRepo backed by the given DB.
func NewVaultRepo(db *DB) *VaultRepo {
	return &VaultRepo{db: db}
}

// CreateEntry inserts a vault entry along with its recipient bindings in a
// single transaction.
func (r *VaultRepo) CreateEntry(ctx context.Context, e model.Entry) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const entryQuery = `
		INSERT INTO entries (id, principal_id, subject, payload_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, entryQuery,
		e.ID, e.PrincipalID, e.Subject, e.PayloadRef,
		fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert entry %s: %w", e.ID, err)
	}

	const bindQuery = `INSERT INTO entry_recipients (entry_id, recipient_id) VALUES (?, ?)`
	for _, recipientID := range e.Recipients {
		if _, err := tx.ExecContext(ctx, bindQuery, e.ID, recipientID); err != nil {
			return fmt.Errorf("bind recipient %s to entry %s: %w", recipientID, e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entry %s: %w", e.ID, err)
	}

	return nil
}

// ListEntries returns all entries for the principal with recipient ids
// populated, ordered by creation time.
func (r *VaultRepo) ListEntries(ctx context.Context, principalID string) ([]model.Entry, error) {
	const query = `
		SELECT id, principal_id, subject, payload_ref, created_at, updated_at
		FROM entries
		WHERE principal_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.Subject, &e.PayloadRef, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	for i := range entries {
		if entries[i].Recipients, err = r.entryRecipients(ctx, entries[i].ID); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func (r *VaultRepo) entryRecipients(ctx context.Context, entryID string) ([]string, error) {
	const query = `SELECT recipient_id FROM entry_recipients WHERE entry_id = ? ORDER BY recipient_id`

	rows, err := r.db.Reader.QueryContext(ctx, query, entryID)
	if err != nil {
		return nil, fmt.Errorf("query entry recipients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entry recipient: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry recipients: %w", err)
	}

	return ids, nil
}

// CreateRecipient inserts a new recipient.
func (r *VaultRepo) CreateRecipient(ctx context.Context, rec model.Recipient) error {
	const query = `
		INSERT INTO recipients (
			id, principal_id, name, email, email_verified, phone, phone_verified, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		rec.ID, rec.PrincipalID, rec.Name,
		rec.Email, boolToInt(rec.EmailVerified),
		rec.Phone, boolToInt(rec.PhoneVerified),
		fmtTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert recipient %s: %w", rec.ID, err)
	}

	return nil
}

// GetRecipient retrieves a single recipient. Returns model.ErrNotFound when
// no row exists.
func (r *VaultRepo) GetRecipient(ctx context.Context, id string) (model.Recipient, error) {
	const query = `
		SELECT id, principal_id, name, email, email_verified, phone, phone_verified, created_at
		FROM recipients WHERE id = ?
	`

	rec, err := scanRecipient(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return model.Recipient{}, model.ErrNotFound
	}
	if err != nil {
		return model.Recipient{}, fmt.Errorf("get recipient %s: %w", id, err)
	}

	return rec, nil
}

// ListRecipients returns all recipients for the principal.
func (r *VaultRepo) ListRecipients(ctx context.Context, principalID string) ([]model.Recipient, error) {
	const query = `
		SELECT id, principal_id, name, email, email_verified, phone, phone_verified, created_at
		FROM recipients
		WHERE principal_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	return out, nil
}

func scanRecipient(s scanner) (model.Recipient, error) {
	var rec model.Recipient
	var emailVerified, phoneVerified int
	var createdAt string

	err := s.Scan(
		&rec.ID, &rec.PrincipalID, &rec.Name,
		&rec.Email, &emailVerified, &rec.Phone, &phoneVerified, &createdAt,
	)
	if err != nil {
		return model.Recipient{}, err
	}

	rec.EmailVerified = emailVerified != 0
	rec.PhoneVerified = phoneVerified != 0

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Recipient{}, fmt.Errorf("parse created_at: %w", err)
	}

	return rec, nil
}
