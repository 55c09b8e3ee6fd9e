package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
	"github.com/everkeep/everkeep/internal/ids"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.AuditLog    = (*AuditRepo)(nil)
	_ driven.AuditReader = (*AuditRepo)(nil)
)

// AuditRepo is the SQLite implementation of the AuditLog port interface.
// Events are append-only; nothing in the codebase updates or deletes them.
// Each event is mirrored to the structured log so operators can follow the
// trail without a database session.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new AuditRepo backed by the given DB.
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Emit records one audit event with a ULID id, so the primary key itself
// orders events chronologically.
func (r *AuditRepo) Emit(ctx context.Context, eventType, principalID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	const query = `
		INSERT INTO audit_events (id, event_type, principal_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	if _, err := r.db.Writer.ExecContext(ctx, query,
		ids.New(), eventType, principalID, string(body), fmtTime(time.Now().UTC()),
	); err != nil {
		return fmt.Errorf("insert audit event %s: %w", eventType, err)
	}

	slog.Info("audit", "event", eventType, "principal", principalID)
	return nil
}

// ListByPrincipal returns the audit trail for one principal, oldest first,
// capped at limit rows (0 means no cap).
func (r *AuditRepo) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]model.AuditEvent, error) {
	query := `
		SELECT id, event_type, principal_id, payload, created_at
		FROM audit_events
		WHERE principal_id = ?
		ORDER BY id
	`
	args := []any{principalID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var body, createdAt string
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.PrincipalID, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal audit payload: %w", err)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return out, nil
}
