package driven

import (
	"context"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// VaultStore defines the driven port for sealed entries and recipients.
// Sealing rules (no edits after escalation) are enforced by callers.
type VaultStore interface {
	CreateEntry(ctx context.Context, e model.Entry) error

	// ListEntries returns all entries for a principal with their bound
	// recipient ids populated.
	ListEntries(ctx context.Context, principalID string) ([]model.Entry, error)

	CreateRecipient(ctx context.Context, r model.Recipient) error

	// GetRecipient returns model.ErrNotFound when the recipient does not exist.
	GetRecipient(ctx context.Context, id string) (model.Recipient, error)

	ListRecipients(ctx context.Context, principalID string) ([]model.Recipient, error)
}
