package intention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/bepresent/presentd/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func newTestScheduler(t *testing.T, at time.Time, grantDay time.Weekday) (*ResetScheduler, *clock.TestClock, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock.TestClock{CurrentTime: at}
	rs, err := NewResetScheduler(store, clk, "00:00", grantDay, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return rs, clk, store
}

func seedIntention(t *testing.T, store storage.Store, id, pkg, lastReset string, opens, streak int) {
	t.Helper()
	it := storage.AppIntention{
		ID:                 id,
		PackageName:        pkg,
		AllowedOpensPerDay: 5,
		TimePerOpenMinutes: 10,
		TotalOpensToday:    opens,
		Streak:             streak,
		LastResetDate:      lastReset,
		CreatedAt:          time.Now(),
	}
	if err := store.Intentions().Upsert(context.Background(), it); err != nil {
		t.Fatalf("seed intention %s: %v", id, err)
	}
}

func TestNewResetSchedulerRejectsBadTime(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	clk := &clock.TestClock{CurrentTime: time.Now()}
	if _, err := NewResetScheduler(store, clk, "25:99", time.Monday, zerolog.Nop()); err == nil {
		t.Fatal("expected error for malformed reset time")
	}
}

func TestPerformResetBatch(t *testing.T) {
	// Tuesday 2025-03-11, so no freeze grant with a Monday grant day.
	rs, _, store := newTestScheduler(t, time.Date(2025, 3, 11, 0, 0, 5, 0, time.UTC), time.Monday)
	ctx := context.Background()

	seedIntention(t, store, "i1", "com.app.one", "2025-03-10", 3, 4) // opens yesterday
	seedIntention(t, store, "i2", "com.app.two", "2025-03-10", 0, 4) // no opens yesterday
	seedIntention(t, store, "i3", "com.app.three", "2025-03-11", 1, 2)

	rs.PerformReset(ctx)

	one, _ := store.Intentions().Get(ctx, "i1")
	if one.Streak != 5 || one.TotalOpensToday != 0 || one.LastResetDate != "2025-03-11" {
		t.Fatalf("unexpected i1 after reset: %+v", one)
	}

	two, _ := store.Intentions().Get(ctx, "i2")
	if two.Streak != 0 {
		t.Fatalf("expected i2 streak broken, got %d", two.Streak)
	}

	// Already reset today; untouched.
	three, _ := store.Intentions().Get(ctx, "i3")
	if three.TotalOpensToday != 1 || three.Streak != 2 {
		t.Fatalf("expected i3 untouched, got %+v", three)
	}
}

func TestPerformResetGrantsFreezeOnGrantDay(t *testing.T) {
	// Monday 2025-03-10.
	rs, _, store := newTestScheduler(t, time.Date(2025, 3, 10, 0, 0, 5, 0, time.UTC), time.Monday)
	ctx := context.Background()

	rs.PerformReset(ctx)

	player, err := store.State().Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !player.FreezeAvailable || player.FreezeGrantedOn != "2025-03-10" {
		t.Fatalf("expected freeze granted, got %+v", player)
	}

	// A second run on the same day does not re-grant a consumed freeze.
	if _, err := store.State().Mutate(ctx, func(p *storage.PlayerState) error {
		p.FreezeAvailable = false
		return nil
	}); err != nil {
		t.Fatalf("consume freeze: %v", err)
	}
	rs.PerformReset(ctx)

	player, _ = store.State().Get(ctx)
	if player.FreezeAvailable {
		t.Fatal("expected freeze grant to stay once-per-day")
	}
}

func TestPerformResetConsumesOneFreezeForBatch(t *testing.T) {
	// Wednesday, no grant; freeze already banked.
	rs, _, store := newTestScheduler(t, time.Date(2025, 3, 12, 0, 0, 5, 0, time.UTC), time.Monday)
	ctx := context.Background()

	if _, err := store.State().Mutate(ctx, func(p *storage.PlayerState) error {
		p.FreezeAvailable = true
		p.FreezeGrantedOn = "2025-03-10"
		return nil
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	// Both streaks are at risk: no opens yesterday.
	seedIntention(t, store, "i1", "com.app.one", "2025-03-11", 0, 6)
	seedIntention(t, store, "i2", "com.app.two", "2025-03-11", 0, 9)

	rs.PerformReset(ctx)

	one, _ := store.Intentions().Get(ctx, "i1")
	two, _ := store.Intentions().Get(ctx, "i2")
	if one.Streak != 6 || two.Streak != 9 {
		t.Fatalf("expected one freeze to cover the whole day, got %d and %d", one.Streak, two.Streak)
	}

	player, _ := store.State().Get(ctx)
	if player.FreezeAvailable {
		t.Fatal("expected freeze consumed")
	}
}

func TestCalculateNextReset(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)}
	rs, err := NewResetScheduler(store, clk, "04:00", time.Monday, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	next := rs.calculateNextReset()
	want := time.Date(2025, 3, 11, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next reset = %v, want %v", next, want)
	}

	// Before today's reset time, today's instant is used.
	clk.CurrentTime = time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)
	next = rs.calculateNextReset()
	want = time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next reset = %v, want %v", next, want)
	}
}
