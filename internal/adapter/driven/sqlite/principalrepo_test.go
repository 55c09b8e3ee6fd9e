package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everkeep/everkeep/internal/domain/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPrincipal(id string) model.Principal {
	next := testNow.Add(7 * 24 * time.Hour)
	return model.Principal{
		ID:            id,
		Name:          "Ada",
		State:         model.StateActive,
		Frequency:     model.FrequencyWeekly,
		CheckInWindow: 48 * time.Hour,
		GracePeriod:   48 * time.Hour,
		StrictMode:    true,
		ContactEmail:  "ada@example.com",
		LastAliveAt:   testNow,
		NextCheckInAt: &next,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}

func seedPrincipal(t *testing.T, repo *PrincipalRepo, p model.Principal) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), p))
}

func TestPrincipalRepoCreateAndGet(t *testing.T) {
	repo := NewPrincipalRepo(setupTestDB(t))
	ctx := context.Background()

	want := testPrincipal("p1")
	seedPrincipal(t, repo, want)

	got, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, int64(0), got.StateVersion)
	assert.Equal(t, want.Frequency, got.Frequency)
	assert.Equal(t, want.CheckInWindow, got.CheckInWindow)
	assert.Equal(t, want.GracePeriod, got.GracePeriod)
	assert.True(t, got.StrictMode)
	assert.Equal(t, want.LastAliveAt, got.LastAliveAt)
	require.NotNil(t, got.NextCheckInAt)
	assert.Equal(t, *want.NextCheckInAt, *got.NextCheckInAt)
	assert.Nil(t, got.CheckInExpiresAt)
	assert.Nil(t, got.ReleasedAt)
}

func TestPrincipalRepoGetMissing(t *testing.T) {
	repo := NewPrincipalRepo(setupTestDB(t))

	_, err := repo.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPrincipalRepoListDue(t *testing.T) {
	repo := NewPrincipalRepo(setupTestDB(t))
	ctx := context.Background()

	// Due now.
	due := testPrincipal("due")
	past := testNow.Add(-time.Hour)
	due.NextCheckInAt = &past
	seedPrincipal(t, repo, due)

	// Not due for a week.
	seedPrincipal(t, repo, testPrincipal("later"))

	// Grace expiry passed.
	grace := testPrincipal("grace")
	grace.State = model.StateGracePeriod
	grace.NextCheckInAt = nil
	grace.GraceExpiresAt = &past
	seedPrincipal(t, repo, grace)

	// Verification in flight is always re-checked.
	verifying := testPrincipal("verifying")
	verifying.State = model.StateVerificationInProgress
	verifying.NextCheckInAt = nil
	seedPrincipal(t, repo, verifying)

	// Terminal rows never come back.
	released := testPrincipal("released")
	released.State = model.StateReleased
	released.NextCheckInAt = &past
	seedPrincipal(t, repo, released)

	got, err := repo.ListDue(ctx, testNow)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"due", "grace", "verifying"}, ids)
}

func TestPrincipalRepoUpdateStateBumpsVersion(t *testing.T) {
	repo := NewPrincipalRepo(setupTestDB(t))
	ctx := context.Background()

	seedPrincipal(t, repo, testPrincipal("p1"))

	p, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)

	expires := testNow.Add(48 * time.Hour)
	p.State = model.StatePendingCheckIn
	p.NextCheckInAt = nil
	p.CheckInExpiresAt = &expires
	require.NoError(t, repo.UpdateState(ctx, p))

	got, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingCheckIn, got.State)
	assert.Equal(t, int64(1), got.StateVersion)
	require.NotNil(t, got.CheckInExpiresAt)
	assert.Equal(t, expires, *got.CheckInExpiresAt)
	assert.Nil(t, got.NextCheckInAt)
}

func TestPrincipalRepoUpdateStateConflict(t *testing.T) {
	repo := NewPrincipalRepo(setupTestDB(t))
	ctx := context.Background()

	seedPrincipal(t, repo, testPrincipal("p1"))

	// Two readers pick up the same version.
	first, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)

	first.State = model.StatePendingCheckIn
	require.NoError(t, repo.UpdateState(ctx, first))

	// The slower writer loses.
	second.State = model.StateGracePeriod
	err = repo.UpdateState(ctx, second)
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingCheckIn, got.State)
	assert.Equal(t, int64(1), got.StateVersion)
}
