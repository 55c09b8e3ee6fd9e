package driven

import (
	"context"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// KeyholderStore defines the driven port for Keyholder persistence.
type KeyholderStore interface {
	Create(ctx context.Context, k model.Keyholder) error

	// GetByID returns model.ErrNotFound when the keyholder does not exist.
	GetByID(ctx context.Context, id string) (model.Keyholder, error)

	ListByPrincipal(ctx context.Context, principalID string) ([]model.Keyholder, error)

	// UpdateFailures persists the failed-answer counter, lockout expiry and
	// review flag after a gate evaluation.
	UpdateFailures(ctx context.Context, k model.Keyholder) error
}
