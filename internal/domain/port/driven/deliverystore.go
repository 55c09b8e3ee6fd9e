package driven

import (
	"context"
	"time"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// DeliveryStore defines the driven port for DeliveryAttempt and Escalation
// persistence.
type DeliveryStore interface {
	// CreateAttempt inserts one attempt. Inserting a duplicate
	// (entry, recipient, channel) triple is a no-op so release dispatch is
	// idempotent across sweep workers.
	CreateAttempt(ctx context.Context, a model.DeliveryAttempt) error

	// GetAttempt returns model.ErrNotFound when the attempt does not exist.
	GetAttempt(ctx context.Context, id string) (model.DeliveryAttempt, error)

	// GetAttemptByDispatchID correlates a gateway status callback with its
	// attempt. Returns model.ErrNotFound for unknown dispatch ids.
	GetAttemptByDispatchID(ctx context.Context, dispatchID string) (model.DeliveryAttempt, error)

	// ListNonTerminal returns every attempt not yet confirmed or escalated.
	// The sweep re-evaluates all of them each cycle.
	ListNonTerminal(ctx context.Context, now time.Time) ([]model.DeliveryAttempt, error)

	UpdateAttempt(ctx context.Context, a model.DeliveryAttempt) error

	CreateEscalation(ctx context.Context, e model.Escalation) error

	// GetEscalation returns model.ErrNotFound when the escalation does not exist.
	GetEscalation(ctx context.Context, id string) (model.Escalation, error)

	ListOpenEscalations(ctx context.Context) ([]model.Escalation, error)

	ResolveEscalation(ctx context.Context, e model.Escalation) error
}
