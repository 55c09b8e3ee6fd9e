package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/everkeep/everkeep/internal/application"
	"github.com/everkeep/everkeep/internal/domain/model"
)

type vaultFixture struct {
	principals *memPrincipalStore
	keyholders *memKeyholderStore
	vault      *memVaultStore
	audit      *mockAudit
	svc        *application.VaultService
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()
	f := &vaultFixture{
		principals: newMemPrincipalStore(),
		keyholders: newMemKeyholderStore(),
		vault:      newMemVaultStore(),
		audit:      &mockAudit{},
	}
	f.svc = application.NewVaultService(
		f.principals, f.keyholders, f.vault, f.audit,
		48*time.Hour, 48*time.Hour,
	)
	return f
}

func TestCreatePrincipal(t *testing.T) {
	f := newVaultFixture(t)

	p, err := f.svc.CreatePrincipal(context.Background(), "Ada", "ada@example.com",
		model.FrequencyMonthly, false, 0, t0)
	require.NoError(t, err)

	assert.Equal(t, model.StateActive, p.State)
	assert.Equal(t, 48*time.Hour, p.CheckInWindow)
	assert.Equal(t, 48*time.Hour, p.GracePeriod)
	require.NotNil(t, p.NextCheckInAt)
	assert.Equal(t, t0.Add(30*24*time.Hour), *p.NextCheckInAt)
	assert.Contains(t, f.audit.types(), "principal_created")
}

func TestCreatePrincipalValidation(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreatePrincipal(ctx, "", "ada@example.com", model.FrequencyWeekly, false, 0, t0)
	assert.Error(t, err)

	_, err = f.svc.CreatePrincipal(ctx, "Ada", "ada@example.com", "daily", false, 0, t0)
	assert.Error(t, err)
}

func TestCreatePrincipalCustomGrace(t *testing.T) {
	f := newVaultFixture(t)

	p, err := f.svc.CreatePrincipal(context.Background(), "Ada", "ada@example.com",
		model.FrequencyYearly, true, 7*24*time.Hour, t0)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, p.GracePeriod)
	assert.True(t, p.StrictMode)
}

func TestAddKeyholderHashesNormalizedAnswer(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePrincipal(ctx, "Ada", "ada@example.com", model.FrequencyWeekly, false, 0, t0)
	require.NoError(t, err)

	kh, err := f.svc.AddKeyholder(ctx, p.ID, "Bea", "bea@example.com", "", "  FlUfFy ", t0)
	require.NoError(t, err)

	// The stored hash matches the lower-cased, trimmed answer.
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(kh.AnswerHash), []byte("fluffy")))
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(kh.AnswerHash), []byte("  FlUfFy ")))
}

func TestSealedVaultRejectsWrites(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()

	require.NoError(t, f.principals.Create(ctx, model.Principal{
		ID: "p1", Name: "Ada", State: model.StateVerifierNotified,
		Frequency: model.FrequencyWeekly, ContactEmail: "ada@example.com",
	}))

	_, err := f.svc.AddKeyholder(ctx, "p1", "Bea", "bea@example.com", "", "fluffy", t0)
	assert.ErrorIs(t, err, model.ErrVaultSealed)

	_, err = f.svc.AddRecipient(ctx, model.Recipient{
		PrincipalID: "p1", Name: "Eve", Email: "eve@example.com",
	}, t0)
	assert.ErrorIs(t, err, model.ErrVaultSealed)

	_, err = f.svc.AddEntry(ctx, "p1", "letter", "blob://x", nil, t0)
	assert.ErrorIs(t, err, model.ErrVaultSealed)
}

func TestAddRecipientNeedsAContactChannel(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePrincipal(ctx, "Ada", "ada@example.com", model.FrequencyWeekly, false, 0, t0)
	require.NoError(t, err)

	_, err = f.svc.AddRecipient(ctx, model.Recipient{PrincipalID: p.ID, Name: "Eve"}, t0)
	assert.Error(t, err)

	r, err := f.svc.AddRecipient(ctx, model.Recipient{
		PrincipalID: p.ID, Name: "Eve", Email: "eve@example.com",
	}, t0)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
}

func TestAddEntryValidatesRecipientOwnership(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()

	p1, err := f.svc.CreatePrincipal(ctx, "Ada", "ada@example.com", model.FrequencyWeekly, false, 0, t0)
	require.NoError(t, err)
	p2, err := f.svc.CreatePrincipal(ctx, "Bob", "bob@example.com", model.FrequencyWeekly, false, 0, t0)
	require.NoError(t, err)

	other, err := f.svc.AddRecipient(ctx, model.Recipient{
		PrincipalID: p2.ID, Name: "Eve", Email: "eve@example.com",
	}, t0)
	require.NoError(t, err)

	_, err = f.svc.AddEntry(ctx, p1.ID, "letter", "blob://x", []string{other.ID}, t0)
	assert.Error(t, err)

	mine, err := f.svc.AddRecipient(ctx, model.Recipient{
		PrincipalID: p1.ID, Name: "Finn", Email: "finn@example.com",
	}, t0)
	require.NoError(t, err)

	e, err := f.svc.AddEntry(ctx, p1.ID, "letter", "blob://x", []string{mine.ID}, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID}, e.Recipients)
}

func TestStatusAggregation(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()

	cases := []struct {
		state model.LivenessState
		want  string
	}{
		{model.StateActive, "Active"},
		{model.StatePendingCheckIn, "Active"},
		{model.StateGracePeriod, "Active"},
		{model.StateVerifierNotified, "Pending Review"},
		{model.StateVerificationInProgress, "Pending Review"},
		{model.StateReleased, "Released"},
	}
	for i, tc := range cases {
		id := string(rune('a' + i))
		require.NoError(t, f.principals.Create(ctx, model.Principal{
			ID: id, Name: "P", State: tc.state,
			Frequency: model.FrequencyWeekly, ContactEmail: "p@example.com",
		}))
		got, err := f.svc.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, string(tc.state))
	}
}
