package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
)

// VaultService handles onboarding and vault composition: principals,
// keyholders, recipients and entries. It enforces the sealing rule: once
// keyholders have been contacted, vault contents are frozen.
type VaultService struct {
	principals driven.PrincipalStore
	keyholders driven.KeyholderStore
	vault      driven.VaultStore
	audit      driven.AuditLog

	defaultWindow time.Duration
	defaultGrace  time.Duration
}

// NewVaultService creates a VaultService with all required dependencies.
func NewVaultService(
	principals driven.PrincipalStore,
	keyholders driven.KeyholderStore,
	vault driven.VaultStore,
	audit driven.AuditLog,
	defaultWindow time.Duration,
	defaultGrace time.Duration,
) *VaultService {
	return &VaultService{
		principals:    principals,
		keyholders:    keyholders,
		vault:         vault,
		audit:         audit,
		defaultWindow: defaultWindow,
		defaultGrace:  defaultGrace,
	}
}

// CreatePrincipal onboards a principal and schedules their first pulse
// check one frequency interval out. The grace period defaults to the
// standard 48-hour silence policy unless overridden.
func (s *VaultService) CreatePrincipal(ctx context.Context, name, email string, freq model.CheckFrequency, strict bool, grace time.Duration, now time.Time) (model.Principal, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return model.Principal{}, errors.New("name and email are required")
	}
	if !freq.Valid() {
		return model.Principal{}, fmt.Errorf("invalid check frequency %q", freq)
	}
	if grace <= 0 {
		grace = s.defaultGrace
	}

	next := now.Add(freq.Interval())
	p := model.Principal{
		ID:            uuid.NewString(),
		Name:          name,
		State:         model.StateActive,
		Frequency:     freq,
		CheckInWindow: s.defaultWindow,
		GracePeriod:   grace,
		StrictMode:    strict,
		ContactEmail:  email,
		LastAliveAt:   now,
		NextCheckInAt: &next,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.principals.Create(ctx, p); err != nil {
		return model.Principal{}, err
	}

	_ = s.audit.Emit(ctx, "principal_created", p.ID, map[string]any{
		"frequency": string(freq),
		"strict":    strict,
	})
	return p, nil
}

// AddKeyholder registers a verifier for the principal. The security answer
// is normalized and stored only as a bcrypt hash.
func (s *VaultService) AddKeyholder(ctx context.Context, principalID, name, email, phone, securityAnswer string, now time.Time) (model.Keyholder, error) {
	p, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		return model.Keyholder{}, err
	}
	if p.Sealed() {
		return model.Keyholder{}, model.ErrVaultSealed
	}

	answer := normalizeAnswer(securityAnswer)
	if answer == "" {
		return model.Keyholder{}, errors.New("security answer is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(answer), bcrypt.DefaultCost)
	if err != nil {
		return model.Keyholder{}, fmt.Errorf("hash security answer: %w", err)
	}

	kh := model.Keyholder{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Name:        strings.TrimSpace(name),
		Email:       strings.TrimSpace(email),
		Phone:       strings.TrimSpace(phone),
		AnswerHash:  string(hash),
		CreatedAt:   now,
	}
	if kh.Name == "" || kh.Email == "" {
		return model.Keyholder{}, errors.New("keyholder name and email are required")
	}
	if err := s.keyholders.Create(ctx, kh); err != nil {
		return model.Keyholder{}, err
	}

	_ = s.audit.Emit(ctx, "keyholder_added", principalID, map[string]any{"keyholder_id": kh.ID})
	return kh, nil
}

// AddRecipient registers a delivery target for the principal's entries.
func (s *VaultService) AddRecipient(ctx context.Context, r model.Recipient, now time.Time) (model.Recipient, error) {
	p, err := s.principals.GetByID(ctx, r.PrincipalID)
	if err != nil {
		return model.Recipient{}, err
	}
	if p.Sealed() {
		return model.Recipient{}, model.ErrVaultSealed
	}
	if strings.TrimSpace(r.Name) == "" {
		return model.Recipient{}, errors.New("recipient name is required")
	}
	if r.Email == "" && r.Phone == "" {
		return model.Recipient{}, errors.New("recipient needs at least one contact channel")
	}

	r.ID = uuid.NewString()
	r.CreatedAt = now
	if err := s.vault.CreateRecipient(ctx, r); err != nil {
		return model.Recipient{}, err
	}

	_ = s.audit.Emit(ctx, "recipient_added", r.PrincipalID, map[string]any{"recipient_id": r.ID})
	return r, nil
}

// AddEntry seals a message into the vault, bound to existing recipients of
// the same principal.
func (s *VaultService) AddEntry(ctx context.Context, principalID, subject, payloadRef string, recipientIDs []string, now time.Time) (model.Entry, error) {
	p, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		return model.Entry{}, err
	}
	if p.Sealed() {
		return model.Entry{}, model.ErrVaultSealed
	}
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(payloadRef) == "" {
		return model.Entry{}, errors.New("subject and payload reference are required")
	}
	if len(recipientIDs) == 0 {
		return model.Entry{}, errors.New("entry needs at least one recipient")
	}
	for _, id := range recipientIDs {
		rec, err := s.vault.GetRecipient(ctx, id)
		if err != nil {
			return model.Entry{}, fmt.Errorf("recipient %s: %w", id, err)
		}
		if rec.PrincipalID != principalID {
			return model.Entry{}, fmt.Errorf("recipient %s belongs to another principal", id)
		}
	}

	e := model.Entry{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Subject:     subject,
		PayloadRef:  payloadRef,
		Recipients:  recipientIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.vault.CreateEntry(ctx, e); err != nil {
		return model.Entry{}, err
	}

	_ = s.audit.Emit(ctx, "entry_sealed", principalID, map[string]any{
		"entry_id":   e.ID,
		"recipients": len(recipientIDs),
	})
	return e, nil
}

// Status returns the principal's aggregate status string. Internal
// escalation detail never leaks through here.
func (s *VaultService) Status(ctx context.Context, principalID string) (string, error) {
	p, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		return "", err
	}
	return p.AggregateStatus(), nil
}
