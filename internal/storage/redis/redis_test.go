package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bepresent/presentd/internal/config"
	"github.com/bepresent/presentd/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := config.RedisConfig{
		Host:         mr.Addr(), // Full address "host:port"
		Port:         0,         // Not used when host contains port
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func testSession(id string) storage.FocusSession {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return storage.FocusSession{
		ID:              id,
		Name:            "Focus",
		GoalMinutes:     30,
		State:           storage.SessionActive,
		BlockedPackages: []string{"com.instagram.android"},
		StartedAt:       now,
		CreatedAt:       now,
	}
}

func TestSessionStoreCreateActiveConflict(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	sessions := store.Sessions()

	if err := sessions.CreateActive(ctx, testSession("s1")); err != nil {
		t.Fatalf("create first session: %v", err)
	}

	err := sessions.CreateActive(ctx, testSession("s2"))
	if !errors.Is(err, storage.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}

	// Ending the session releases the slot even though the record remains.
	_, err = sessions.Mutate(ctx, "s1", func(s *storage.FocusSession) error {
		s.State = storage.SessionEnded
		return nil
	})
	if err != nil {
		t.Fatalf("mutate session: %v", err)
	}

	if err := sessions.CreateActive(ctx, testSession("s2")); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestSessionStoreGetActive(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	sessions := store.Sessions()

	if _, err := sessions.GetActive(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	if err := sessions.CreateActive(ctx, testSession("s1")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	active, err := sessions.GetActive(ctx)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != "s1" {
		t.Fatalf("expected s1, got %s", active.ID)
	}

	_, err = sessions.Mutate(ctx, "s1", func(s *storage.FocusSession) error {
		s.State = storage.SessionAbandoned
		return nil
	})
	if err != nil {
		t.Fatalf("mutate session: %v", err)
	}
	if _, err := sessions.GetActive(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after terminal state, got %v", err)
	}
}

func TestSessionStoreMutateAborts(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	sessions := store.Sessions()

	if err := sessions.CreateActive(ctx, testSession("s1")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sentinel := errors.New("no change")
	_, err := sessions.Mutate(ctx, "s1", func(s *storage.FocusSession) error {
		s.Name = "should not persist"
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Name != "Focus" {
		t.Fatalf("expected aborted mutation to leave record untouched, got name %q", got.Name)
	}
}

func TestSessionStoreActions(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	sessions := store.Sessions()

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	kinds := []storage.ActionKind{storage.ActionStarted, storage.ActionGoalReached, storage.ActionCompleted}
	for i, kind := range kinds {
		action := storage.SessionAction{
			ID:        string(rune('a' + i)),
			SessionID: "s1",
			Kind:      kind,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := sessions.AppendAction(ctx, action); err != nil {
			t.Fatalf("append action: %v", err)
		}
	}

	actions, err := sessions.ListActions(ctx, "s1")
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != len(kinds) {
		t.Fatalf("expected %d actions, got %d", len(kinds), len(actions))
	}
	for i, kind := range kinds {
		if actions[i].Kind != kind {
			t.Fatalf("expected action %d to be %s, got %s", i, kind, actions[i].Kind)
		}
	}
}

func TestIntentionStorePackageIndex(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	intentions := store.Intentions()

	it := storage.AppIntention{
		ID:                 "i1",
		PackageName:        "com.instagram.android",
		AppName:            "Instagram",
		AllowedOpensPerDay: 5,
		TimePerOpenMinutes: 10,
		LastResetDate:      "2025-03-10",
		CreatedAt:          time.Now(),
	}
	if err := intentions.Upsert(ctx, it); err != nil {
		t.Fatalf("upsert intention: %v", err)
	}

	got, err := intentions.GetByPackage(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("get by package: %v", err)
	}
	if got.ID != "i1" {
		t.Fatalf("expected i1, got %s", got.ID)
	}

	list, err := intentions.List(ctx)
	if err != nil {
		t.Fatalf("list intentions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 intention, got %d", len(list))
	}

	if err := intentions.Delete(ctx, "i1"); err != nil {
		t.Fatalf("delete intention: %v", err)
	}
	if _, err := intentions.GetByPackage(ctx, "com.instagram.android"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestIntentionStoreMutate(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	intentions := store.Intentions()

	it := storage.AppIntention{
		ID:                 "i1",
		PackageName:        "com.twitter.android",
		AllowedOpensPerDay: 3,
		TimePerOpenMinutes: 15,
		LastResetDate:      "2025-03-10",
		CreatedAt:          time.Now(),
	}
	if err := intentions.Upsert(ctx, it); err != nil {
		t.Fatalf("upsert intention: %v", err)
	}

	updated, err := intentions.Mutate(ctx, "i1", func(s *storage.AppIntention) error {
		s.TotalOpensToday++
		return nil
	})
	if err != nil {
		t.Fatalf("mutate intention: %v", err)
	}
	if updated.TotalOpensToday != 1 {
		t.Fatalf("unexpected record after mutate: %+v", updated)
	}

	got, err := intentions.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("get intention: %v", err)
	}
	if got.TotalOpensToday != 1 {
		t.Fatalf("mutation did not persist: %+v", got)
	}
}

func TestStateStoreZeroValue(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	state := store.State()

	player, err := state.Get(ctx)
	if err != nil {
		t.Fatalf("get empty state: %v", err)
	}
	if player.TotalXP != 0 || player.FreezeAvailable {
		t.Fatalf("expected zero state, got %+v", player)
	}

	if _, err := state.Mutate(ctx, func(p *storage.PlayerState) error {
		p.TotalXP = 25
		p.FreezeAvailable = true
		p.FreezeGrantedOn = "2025-03-10"
		return nil
	}); err != nil {
		t.Fatalf("mutate state: %v", err)
	}

	player, err = state.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if player.TotalXP != 25 || !player.FreezeAvailable || player.FreezeGrantedOn != "2025-03-10" {
		t.Fatalf("mutation did not persist: %+v", player)
	}
}
