package driven

import (
	"context"
	"time"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// PrincipalStore defines the driven port for Principal persistence. It is
// plain CRUD; all protocol rules are enforced by the application layer.
type PrincipalStore interface {
	Create(ctx context.Context, p model.Principal) error

	// GetByID returns model.ErrNotFound when the principal does not exist.
	GetByID(ctx context.Context, id string) (model.Principal, error)

	// ListDue returns non-terminal principals whose next stored deadline
	// (check-in due, check-in window, or grace expiry) is at or before now,
	// plus all principals in a verification state so session expiry gets
	// re-evaluated.
	ListDue(ctx context.Context, now time.Time) ([]model.Principal, error)

	// UpdateState persists a state transition guarded by the optimistic
	// version the principal was read at. Returns model.ErrConflict when the
	// row was modified since the read; the caller re-evaluates.
	UpdateState(ctx context.Context, p model.Principal) error
}
