package repository

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/wa-gateway/backend/internal/db"
	"github.com/wa-gateway/backend/internal/model"
)

func setupTestRepo(t *testing.T) (*SessionRepository, func()) {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	return NewSessionRepository(testDB), func() { testDB.Close() }
}

var allStates = []model.SessionState{
	model.StateInitializing,
	model.StateAwaitingPairing,
	model.StateConnected,
	model.StateReconnecting,
	model.StateClosed,
}

// **Feature: session persistence, Property 1: upsert round-trip**
// For any session snapshot, Upsert followed by GetByID returns the same
// state, identity and last error.
func TestSessionUpsertRoundTripProperty(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	idGen := gen.RegexMatch(`^[a-zA-Z0-9_-]{3,50}$`)
	phoneGen := gen.NumString().SuchThat(func(s string) bool { return len(s) > 0 && len(s) <= 15 })

	properties.Property("stored snapshot can be retrieved unchanged", prop.ForAll(
		func(id string, stateIdx int, phone string, withIdentity, withError bool) bool {
			now := time.Now().UTC().Truncate(time.Second)
			s := &model.Session{
				ID:                id,
				State:             allStates[stateIdx],
				ReconnectAttempts: stateIdx,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if withIdentity {
				s.Identity = &model.Identity{ID: phone + "@s.whatsapp.net", Phone: phone}
			}
			if withError {
				s.LastError = &model.Failure{Cause: "connection_lost", Reason: "stream errored", At: now}
			}

			if err := repo.Upsert(ctx, s); err != nil {
				t.Logf("upsert failed: %v", err)
				return false
			}
			// second upsert must not fail on the primary key
			if err := repo.Upsert(ctx, s); err != nil {
				t.Logf("second upsert failed: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, id)
			if err != nil {
				t.Logf("get failed: %v", err)
				return false
			}
			defer repo.Delete(ctx, id)

			if got.State != s.State || got.ReconnectAttempts != s.ReconnectAttempts {
				return false
			}
			if (got.Identity != nil) != withIdentity {
				return false
			}
			if withIdentity && got.Identity.Phone != phone {
				return false
			}
			if (got.LastError != nil) != withError {
				return false
			}
			return !withError || got.LastError.Cause == "connection_lost"
		},
		idGen,
		gen.IntRange(0, len(allStates)-1),
		phoneGen,
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("missing session", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, "nope"); err != model.ErrSessionNotFound {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
		if err := repo.Delete(ctx, "nope"); err != model.ErrSessionNotFound {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("state updates and restart sweep", func(t *testing.T) {
		now := time.Now()
		for _, id := range []string{"shop1", "shop2"} {
			if err := repo.Upsert(ctx, &model.Session{ID: id, State: model.StateConnected, CreatedAt: now, UpdatedAt: now}); err != nil {
				t.Fatalf("upsert %s: %v", id, err)
			}
		}
		if err := repo.UpdateState(ctx, "shop2", model.StateReconnecting); err != nil {
			t.Fatalf("update state: %v", err)
		}

		n, err := repo.CountByState(ctx, model.StateConnected)
		if err != nil || n != 1 {
			t.Fatalf("expected 1 connected, got %d (%v)", n, err)
		}

		swept, err := repo.MarkAllClosed(ctx)
		if err != nil || swept != 2 {
			t.Fatalf("expected 2 swept rows, got %d (%v)", swept, err)
		}

		list, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, s := range list {
			if s.State != model.StateClosed {
				t.Errorf("session %s still %s", s.ID, s.State)
			}
		}

		exists, err := repo.Exists(ctx, "shop1")
		if err != nil || !exists {
			t.Fatalf("expected shop1 to exist: %v", err)
		}
	})
}
