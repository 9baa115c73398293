package intention

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/bepresent/presentd/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.TestClock, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	tracker := NewTracker(store, clk, zerolog.Nop())
	return tracker, clk, store
}

func TestResolveDailyReset(t *testing.T) {
	base := storage.AppIntention{
		ID:                 "i1",
		PackageName:        "com.instagram.android",
		AllowedOpensPerDay: 5,
		TimePerOpenMinutes: 10,
	}

	tests := []struct {
		name         string
		lastReset    string
		opens        int
		streak       int
		freeze       bool
		today        string
		wantStreak   int
		wantChanged  bool
		wantConsumed bool
	}{
		{"same day no-op", "2025-03-10", 3, 5, false, "2025-03-10", 5, false, false},
		{"yesterday with opens extends", "2025-03-09", 2, 5, false, "2025-03-10", 6, true, false},
		{"yesterday without opens breaks", "2025-03-09", 0, 5, false, "2025-03-10", 0, true, false},
		{"yesterday without opens frozen", "2025-03-09", 0, 5, true, "2025-03-10", 5, true, true},
		{"multi-day gap breaks", "2025-03-05", 4, 5, false, "2025-03-10", 0, true, false},
		{"multi-day gap frozen", "2025-03-05", 4, 5, true, "2025-03-10", 5, true, true},
		{"freeze useless at zero streak", "2025-03-09", 0, 0, true, "2025-03-10", 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := base
			it.LastResetDate = tt.lastReset
			it.TotalOpensToday = tt.opens
			it.Streak = tt.streak

			updated, changed, consumed := ResolveDailyReset(it, tt.today, tt.freeze)
			if changed != tt.wantChanged {
				t.Fatalf("changed = %v, want %v", changed, tt.wantChanged)
			}
			if consumed != tt.wantConsumed {
				t.Fatalf("freezeConsumed = %v, want %v", consumed, tt.wantConsumed)
			}
			if updated.Streak != tt.wantStreak {
				t.Fatalf("streak = %d, want %d", updated.Streak, tt.wantStreak)
			}
			if changed {
				if updated.TotalOpensToday != 0 || updated.CurrentlyOpen || updated.OpenedAt != nil {
					t.Fatalf("expected counters cleared, got %+v", updated)
				}
				if updated.LastResetDate != tt.today {
					t.Fatalf("last reset date = %s, want %s", updated.LastResetDate, tt.today)
				}
			}
		})
	}
}

func TestRequestOpenUntracked(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	result, err := tracker.RequestOpen(context.Background(), "com.unknown.app")
	if err != nil {
		t.Fatalf("request open: %v", err)
	}
	if result.Tracked || !result.Allowed {
		t.Fatalf("expected untracked allow, got %+v", result)
	}
}

func TestRequestOpenConsumesQuota(t *testing.T) {
	tracker, clk, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 2, 10); err != nil {
		t.Fatalf("track: %v", err)
	}

	// First open consumes quota and starts a window.
	result, err := tracker.RequestOpen(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("request open: %v", err)
	}
	if !result.Allowed || result.Reopen {
		t.Fatalf("expected fresh allow, got %+v", result)
	}
	if result.Intention.TotalOpensToday != 1 || !result.Intention.CurrentlyOpen {
		t.Fatalf("unexpected intention state: %+v", result.Intention)
	}
	if result.ExpiresAt == nil || !result.ExpiresAt.Equal(clk.Now().Add(10*time.Minute)) {
		t.Fatalf("unexpected expiry: %v", result.ExpiresAt)
	}
	if result.RemainingOpens() != 1 {
		t.Fatalf("expected 1 remaining open, got %d", result.RemainingOpens())
	}

	// Re-opening inside the window is free.
	clk.Advance(5 * time.Minute)
	result, err = tracker.RequestOpen(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("request reopen: %v", err)
	}
	if !result.Allowed || !result.Reopen {
		t.Fatalf("expected free reopen, got %+v", result)
	}
	if result.Intention.TotalOpensToday != 1 {
		t.Fatalf("reopen must not consume quota, got %d opens", result.Intention.TotalOpensToday)
	}
}

func TestRequestOpenQuotaExhausted(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Track(ctx, "com.twitter.android", "Twitter", 1, 10); err != nil {
		t.Fatalf("track: %v", err)
	}

	if _, err := tracker.RequestOpen(ctx, "com.twitter.android"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := tracker.NoteClosed(ctx, "com.twitter.android"); err != nil {
		t.Fatalf("note closed: %v", err)
	}

	result, err := tracker.RequestOpen(ctx, "com.twitter.android")
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if result.Allowed {
		t.Fatalf("expected denial, got %+v", result)
	}
	if result.Reason != ReasonQuotaExhausted {
		t.Fatalf("expected quotaExhausted reason, got %q", result.Reason)
	}
	if result.RemainingOpens() != 0 {
		t.Fatalf("expected 0 remaining opens, got %d", result.RemainingOpens())
	}
}

func TestRequestOpenExpiredWindowChargesAgain(t *testing.T) {
	tracker, clk, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 3, 10); err != nil {
		t.Fatalf("track: %v", err)
	}

	if _, err := tracker.RequestOpen(ctx, "com.instagram.android"); err != nil {
		t.Fatalf("first open: %v", err)
	}

	// The window has lapsed without a close event; the next open is a
	// fresh charge, not a free reopen.
	clk.Advance(11 * time.Minute)
	result, err := tracker.RequestOpen(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("open after expiry: %v", err)
	}
	if !result.Allowed || result.Reopen {
		t.Fatalf("expected fresh charge, got %+v", result)
	}
	if result.Intention.TotalOpensToday != 2 {
		t.Fatalf("expected 2 opens, got %d", result.Intention.TotalOpensToday)
	}
}

func TestRequestOpenLazyDailyReset(t *testing.T) {
	tracker, clk, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 2, 10); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Exhaust today's quota.
	for i := 0; i < 2; i++ {
		if _, err := tracker.RequestOpen(ctx, "com.instagram.android"); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := tracker.NoteClosed(ctx, "com.instagram.android"); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if result, _ := tracker.RequestOpen(ctx, "com.instagram.android"); result.Allowed {
		t.Fatal("expected quota exhausted before midnight")
	}

	// The next day the counter resets lazily and the streak extends.
	clk.Advance(24 * time.Hour)
	result, err := tracker.RequestOpen(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("open next day: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected allow after reset, got %+v", result)
	}
	if result.Intention.TotalOpensToday != 1 {
		t.Fatalf("expected reset counter, got %d", result.Intention.TotalOpensToday)
	}
	if result.Intention.Streak != 1 {
		t.Fatalf("expected streak 1, got %d", result.Intention.Streak)
	}
	if result.Intention.LastResetDate != clk.Today() {
		t.Fatalf("expected last reset %s, got %s", clk.Today(), result.Intention.LastResetDate)
	}
}

func TestRequestOpenResetPersistsOnDenial(t *testing.T) {
	tracker, clk, store := newTestTracker(t)
	ctx := context.Background()

	it, err := tracker.Track(ctx, "com.twitter.android", "Twitter", 1, 10)
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	// Fake a stale record: yesterday's date, quota already exhausted.
	_, err = store.Intentions().Mutate(ctx, it.ID, func(s *storage.AppIntention) error {
		s.LastResetDate = "2025-03-09"
		s.TotalOpensToday = 1
		return nil
	})
	if err != nil {
		t.Fatalf("seed intention: %v", err)
	}

	// The lazy reset runs first, so the open succeeds against the fresh
	// quota and the record is rolled to today.
	result, err := tracker.RequestOpen(ctx, "com.twitter.android")
	if err != nil {
		t.Fatalf("request open: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected allow after lazy reset, got %+v", result)
	}
	if result.Intention.LastResetDate != clk.Today() {
		t.Fatalf("expected record rolled to %s, got %s", clk.Today(), result.Intention.LastResetDate)
	}
}

func TestRequestOpenConsumesFreeze(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	ctx := context.Background()

	it, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 5, 10)
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	// Streak at risk: last reset two days ago, freeze available.
	_, err = store.Intentions().Mutate(ctx, it.ID, func(s *storage.AppIntention) error {
		s.LastResetDate = "2025-03-08"
		s.Streak = 7
		return nil
	})
	if err != nil {
		t.Fatalf("seed intention: %v", err)
	}
	if _, err := store.State().Mutate(ctx, func(p *storage.PlayerState) error {
		p.FreezeAvailable = true
		p.FreezeGrantedOn = "2025-03-03"
		return nil
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := tracker.RequestOpen(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("request open: %v", err)
	}
	if result.Intention.Streak != 7 {
		t.Fatalf("expected freeze to preserve streak, got %d", result.Intention.Streak)
	}

	player, err := store.State().Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if player.FreezeAvailable {
		t.Fatal("expected freeze to be consumed")
	}
}

func TestNoteClosedIdempotent(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	// Unknown packages are a no-op.
	if err := tracker.NoteClosed(ctx, "com.unknown.app"); err != nil {
		t.Fatalf("note closed untracked: %v", err)
	}

	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 5, 10); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := tracker.RequestOpen(ctx, "com.instagram.android"); err != nil {
		t.Fatalf("request open: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := tracker.NoteClosed(ctx, "com.instagram.android"); err != nil {
			t.Fatalf("note closed %d: %v", i, err)
		}
	}

	it, err := tracker.Get(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("get intention: %v", err)
	}
	if it.CurrentlyOpen || it.OpenedAt != nil {
		t.Fatalf("expected closed window, got %+v", it)
	}
	if it.TotalOpensToday != 1 {
		t.Fatalf("close must not refund quota, got %d opens", it.TotalOpensToday)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	tracker, clk, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 2, 10); err != nil {
		t.Fatalf("track: %v", err)
	}

	peeked, err := tracker.Peek(ctx, "com.instagram.android", clk.Now())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if peeked.TotalOpensToday != 0 {
		t.Fatalf("peek must not consume, got %d opens", peeked.TotalOpensToday)
	}

	stored, err := tracker.Get(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("get intention: %v", err)
	}
	if stored.TotalOpensToday != 0 {
		t.Fatalf("peek wrote to the store: %+v", stored)
	}
}

func TestTrackUpdatePreservesCounters(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 5, 10); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := tracker.RequestOpen(ctx, "com.instagram.android"); err != nil {
		t.Fatalf("request open: %v", err)
	}

	updated, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 3, 5)
	if err != nil {
		t.Fatalf("re-track: %v", err)
	}
	if updated.AllowedOpensPerDay != 3 || updated.TimePerOpenMinutes != 5 {
		t.Fatalf("expected new quota settings, got %+v", updated)
	}
	if updated.TotalOpensToday != 1 {
		t.Fatalf("expected counters preserved, got %+v", updated)
	}
}

func TestUntrack(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", 5, 10); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tracker.Untrack(ctx, "com.instagram.android"); err != nil {
		t.Fatalf("untrack: %v", err)
	}

	if _, err := tracker.Get(ctx, "com.instagram.android"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Untracked again means always allowed.
	result, err := tracker.RequestOpen(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("request open: %v", err)
	}
	if result.Tracked || !result.Allowed {
		t.Fatalf("expected untracked allow, got %+v", result)
	}
}

func TestRequestOpenConcurrentNeverExceedsQuota(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	const allowed = 5
	if _, err := tracker.Track(ctx, "com.instagram.android", "Instagram", allowed, 10); err != nil {
		t.Fatalf("track: %v", err)
	}

	var wg sync.WaitGroup
	var charged, denied atomic.Int64
	errCh := make(chan error, 32)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := tracker.RequestOpen(ctx, "com.instagram.android")
			if err != nil {
				errCh <- err
				return
			}
			if !result.Allowed {
				denied.Add(1)
				return
			}
			if !result.Reopen {
				charged.Add(1)
			}
			// Close immediately so later callers contend for a charge
			// instead of reopening a shared window.
			if err := tracker.NoteClosed(ctx, "com.instagram.android"); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent request: %v", err)
	}

	if charged.Load() > allowed {
		t.Fatalf("charged %d opens, quota is %d", charged.Load(), allowed)
	}

	it, err := tracker.Get(ctx, "com.instagram.android")
	if err != nil {
		t.Fatalf("get intention: %v", err)
	}
	if it.TotalOpensToday != int(charged.Load()) {
		t.Fatalf("counter %d disagrees with %d charged opens", it.TotalOpensToday, charged.Load())
	}
	if it.TotalOpensToday > allowed {
		t.Fatalf("counter %d exceeds quota %d", it.TotalOpensToday, allowed)
	}
	if denied.Load()+charged.Load() == 0 {
		t.Fatalf("expected the callers to be charged or denied, got neither")
	}
}
