package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everkeep/everkeep/internal/domain/model"
)

func testAttempt(id string) model.DeliveryAttempt {
	next := testNow
	return model.DeliveryAttempt{
		ID:            id,
		EntryID:       "e1",
		PrincipalID:   "p1",
		RecipientID:   "r1",
		Channel:       model.ChannelEmail,
		Address:       "eve@example.com",
		Status:        model.DeliveryPending,
		NextAttemptAt: &next,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}

func deliveryFixtureRepo(t *testing.T) (*DeliveryRepo, context.Context) {
	t.Helper()
	db := setupTestDB(t)
	ctx := context.Background()

	seedPrincipal(t, NewPrincipalRepo(db), testPrincipal("p1"))
	vault := NewVaultRepo(db)
	require.NoError(t, vault.CreateRecipient(ctx, testRecipient("r1", "p1")))
	require.NoError(t, vault.CreateEntry(ctx, model.Entry{
		ID: "e1", PrincipalID: "p1", Subject: "letter",
		PayloadRef: "blob://e1", Recipients: []string{"r1"},
		CreatedAt: testNow, UpdatedAt: testNow,
	}))

	return NewDeliveryRepo(db), ctx
}

func TestDeliveryRepoCreateAndGet(t *testing.T) {
	repo, ctx := deliveryFixtureRepo(t)

	require.NoError(t, repo.CreateAttempt(ctx, testAttempt("a1")))

	got, err := repo.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, got.Status)
	assert.Equal(t, model.ChannelEmail, got.Channel)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, testNow, *got.NextAttemptAt)
	assert.Empty(t, got.DispatchID)

	_, err = repo.GetAttempt(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeliveryRepoDuplicateTripleIsNoop(t *testing.T) {
	repo, ctx := deliveryFixtureRepo(t)

	require.NoError(t, repo.CreateAttempt(ctx, testAttempt("a1")))

	// Same (entry, recipient, channel) under a different id changes nothing.
	dup := testAttempt("a2")
	require.NoError(t, repo.CreateAttempt(ctx, dup))

	attempts, err := repo.ListNonTerminal(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "a1", attempts[0].ID)
}

func TestDeliveryRepoListNonTerminal(t *testing.T) {
	repo, ctx := deliveryFixtureRepo(t)

	pending := testAttempt("a1")
	require.NoError(t, repo.CreateAttempt(ctx, pending))

	sms := testAttempt("a2")
	sms.Channel = model.ChannelSMS
	sms.Address = "+15550009"
	sms.Status = model.DeliverySent
	require.NoError(t, repo.CreateAttempt(ctx, sms))

	// Drive a1 to a terminal status; only a2 should remain visible.
	a1, err := repo.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	a1.Status = model.DeliveryConfirmedDelivered
	a1.UpdatedAt = testNow.Add(time.Minute)
	require.NoError(t, repo.UpdateAttempt(ctx, a1))

	open, err := repo.ListNonTerminal(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a2", open[0].ID)
}

func TestDeliveryRepoUpdateAndDispatchLookup(t *testing.T) {
	repo, ctx := deliveryFixtureRepo(t)

	require.NoError(t, repo.CreateAttempt(ctx, testAttempt("a1")))

	a, err := repo.GetAttempt(ctx, "a1")
	require.NoError(t, err)

	deadline := testNow.Add(72 * time.Hour)
	last := testNow
	a.Status = model.DeliverySent
	a.AttemptCount = 1
	a.NextAttemptAt = nil
	a.LastAttemptAt = &last
	a.DispatchID = "disp-42"
	a.OpenDeadline = &deadline
	a.UpdatedAt = testNow
	require.NoError(t, repo.UpdateAttempt(ctx, a))

	got, err := repo.GetAttemptByDispatchID(ctx, "disp-42")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, model.DeliverySent, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.NextAttemptAt)
	require.NotNil(t, got.OpenDeadline)
	assert.Equal(t, deadline, *got.OpenDeadline)

	_, err = repo.GetAttemptByDispatchID(ctx, "disp-unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// A blank dispatch id never matches anything.
	_, err = repo.GetAttemptByDispatchID(ctx, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	missing := testAttempt("ghost")
	err = repo.UpdateAttempt(ctx, missing)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeliveryRepoEscalations(t *testing.T) {
	repo, ctx := deliveryFixtureRepo(t)

	first := model.Escalation{
		ID: "esc1", Kind: model.EscalationDelivery,
		PrincipalID: "p1", SubjectID: "a1",
		Reason: "address bounced", CreatedAt: testNow,
	}
	second := model.Escalation{
		ID: "esc2", Kind: model.EscalationCertificateReview,
		PrincipalID: "p1", SubjectID: "s1",
		Reason: "death certificate submitted", CreatedAt: testNow.Add(time.Minute),
	}
	require.NoError(t, repo.CreateEscalation(ctx, first))
	require.NoError(t, repo.CreateEscalation(ctx, second))

	open, err := repo.ListOpenEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "esc1", open[0].ID)
	assert.Equal(t, "esc2", open[1].ID)

	resolvedAt := testNow.Add(time.Hour)
	first.Resolved = true
	first.ResolvedBy = "op-1"
	first.Note = "reached by phone"
	first.ResolvedAt = &resolvedAt
	require.NoError(t, repo.ResolveEscalation(ctx, first))

	open, err = repo.ListOpenEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "esc2", open[0].ID)

	got, err := repo.GetEscalation(ctx, "esc1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "op-1", got.ResolvedBy)
	assert.Equal(t, "reached by phone", got.Note)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, resolvedAt, *got.ResolvedAt)

	_, err = repo.GetEscalation(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
