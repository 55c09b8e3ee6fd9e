package driven

import (
	"context"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// AuditLog defines the driven port for the compliance event trail. Every
// state transition and delivery status change is recorded through it.
type AuditLog interface {
	Emit(ctx context.Context, eventType string, principalID string, payload map[string]any) error
}

// AuditReader defines the read side of the trail, serving the audit API.
type AuditReader interface {
	// ListByPrincipal returns a principal's events oldest first, capped at
	// limit rows (0 means no cap).
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]model.AuditEvent, error)
}
