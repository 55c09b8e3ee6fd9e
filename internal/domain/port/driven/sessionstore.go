package driven

import (
	"context"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// SessionStore defines the driven port for verification session
// persistence. The adapter enforces at most one active session per
// principal via a partial unique index; Create returns model.ErrSessionActive
// when one already exists.
type SessionStore interface {
	Create(ctx context.Context, s model.VerificationSession) error

	// GetByID returns model.ErrNotFound when the session does not exist.
	GetByID(ctx context.Context, id string) (model.VerificationSession, error)

	// GetActiveByPrincipal returns model.ErrNotFound when no session is active.
	GetActiveByPrincipal(ctx context.Context, principalID string) (model.VerificationSession, error)

	Update(ctx context.Context, s model.VerificationSession) error
}
