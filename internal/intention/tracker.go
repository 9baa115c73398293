package intention

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/metrics"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/rs/zerolog"
)

// DenyReason explains a refused open request.
const ReasonQuotaExhausted = "quotaExhausted"

// OpenResult is the outcome of a RequestOpen call.
type OpenResult struct {
	// Tracked is false when no intention covers the package; untracked
	// packages are always allowed and consume nothing.
	Tracked bool
	// Allowed reports whether the open was granted.
	Allowed bool
	// Reason is set when Allowed is false.
	Reason string
	// Reopen is true when the grant was free because the app was already
	// inside an open window.
	Reopen bool
	// Intention is the post-decision record for tracked packages.
	Intention *storage.AppIntention
	// ExpiresAt is the end of the granted open window, when one exists.
	ExpiresAt *time.Time
}

// RemainingOpens reports how many quota opens are left after the decision.
func (r OpenResult) RemainingOpens() int {
	if r.Intention == nil {
		return 0
	}
	left := r.Intention.AllowedOpensPerDay - r.Intention.TotalOpensToday
	if left < 0 {
		return 0
	}
	return left
}

// ResolveDailyReset rolls an intention forward to today. It zeroes the daily
// open counter, closes any stale open window and settles the streak: the
// streak grows by one when the closed-out day was yesterday and saw at least
// one open, survives unchanged when a freeze is available, and breaks to
// zero otherwise. Pure function; the caller decides whether to persist the
// result and whether to consume the reported freeze.
func ResolveDailyReset(it storage.AppIntention, today string, freezeAvailable bool) (updated storage.AppIntention, changed, freezeConsumed bool) {
	if it.LastResetDate == today {
		return it, false, false
	}

	switch {
	case it.LastResetDate == clock.PreviousDay(today) && it.TotalOpensToday > 0:
		it.Streak++
	case freezeAvailable && it.Streak > 0:
		freezeConsumed = true
	default:
		it.Streak = 0
	}

	it.TotalOpensToday = 0
	it.CurrentlyOpen = false
	it.OpenedAt = nil
	it.LastResetDate = today
	return it, true, freezeConsumed
}

// Tracker owns per-app intentions: daily open quotas, open windows and
// streaks. Like the session engine it keeps no cross-call state; every
// decision is a transaction against the store, with the day boundary
// resolved lazily on first touch so records stay correct even when the
// scheduled reset never ran.
type Tracker struct {
	intentions storage.IntentionStore
	state      storage.StateStore
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewTracker creates an intention tracker backed by the given store.
func NewTracker(store storage.Store, clk clock.Clock, logger zerolog.Logger) *Tracker {
	return &Tracker{
		intentions: store.Intentions(),
		state:      store.State(),
		clock:      clk,
		logger:     logger.With().Str("component", "intention-tracker").Logger(),
	}
}

// Track creates an intention for a package, or updates the quota settings of
// an existing one. Counters and streak of an existing intention survive the
// update.
func (t *Tracker) Track(ctx context.Context, packageName, appName string, allowedOpensPerDay, timePerOpenMinutes int) (*storage.AppIntention, error) {
	existing, err := t.intentions.GetByPackage(ctx, packageName)
	if err == nil {
		updated, merr := t.intentions.Mutate(ctx, existing.ID, func(it *storage.AppIntention) error {
			it.AppName = appName
			it.AllowedOpensPerDay = allowedOpensPerDay
			it.TimePerOpenMinutes = timePerOpenMinutes
			return nil
		})
		if merr != nil {
			return nil, merr
		}
		t.logger.Info().
			Str("package", packageName).
			Int("allowed_opens", allowedOpensPerDay).
			Int("minutes_per_open", timePerOpenMinutes).
			Msg("Updated intention")
		return updated, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	it := storage.AppIntention{
		ID:                 newID(),
		PackageName:        packageName,
		AppName:            appName,
		AllowedOpensPerDay: allowedOpensPerDay,
		TimePerOpenMinutes: timePerOpenMinutes,
		LastResetDate:      t.clock.Today(),
		CreatedAt:          t.clock.Now(),
	}
	if err := it.Validate(); err != nil {
		return nil, err
	}
	if err := t.intentions.Upsert(ctx, it); err != nil {
		return nil, err
	}
	metrics.TrackedIntentions.Inc()

	t.logger.Info().
		Str("package", packageName).
		Str("app", appName).
		Int("allowed_opens", allowedOpensPerDay).
		Int("minutes_per_open", timePerOpenMinutes).
		Msg("Tracking new intention")
	return &it, nil
}

// Untrack removes the intention covering a package.
func (t *Tracker) Untrack(ctx context.Context, packageName string) error {
	it, err := t.intentions.GetByPackage(ctx, packageName)
	if err != nil {
		return err
	}
	if err := t.intentions.Delete(ctx, it.ID); err != nil {
		return err
	}
	metrics.TrackedIntentions.Dec()
	t.logger.Info().Str("package", packageName).Msg("Stopped tracking intention")
	return nil
}

// Get returns the intention covering a package.
func (t *Tracker) Get(ctx context.Context, packageName string) (*storage.AppIntention, error) {
	return t.intentions.GetByPackage(ctx, packageName)
}

// List returns all intentions.
func (t *Tracker) List(ctx context.Context) ([]storage.AppIntention, error) {
	return t.intentions.List(ctx)
}

// RequestOpen decides whether a tracked app may open right now and records
// the outcome. Untracked packages pass through untouched. For tracked ones
// the day boundary is resolved first, then: a still-running open window is a
// free reopen, an exhausted quota is a denial, anything else consumes one
// open and starts a fresh window. The reset persists even when the open is
// denied.
func (t *Tracker) RequestOpen(ctx context.Context, packageName string) (OpenResult, error) {
	it, err := t.intentions.GetByPackage(ctx, packageName)
	if errors.Is(err, storage.ErrNotFound) {
		return OpenResult{Tracked: false, Allowed: true}, nil
	}
	if err != nil {
		return OpenResult{}, err
	}

	now := t.clock.Now()
	today := t.clock.Today()

	freezeAvailable := false
	if it.LastResetDate != today {
		player, serr := t.state.Get(ctx)
		if serr != nil {
			return OpenResult{}, serr
		}
		freezeAvailable = player.FreezeAvailable
	}

	result := OpenResult{Tracked: true}
	freezeConsumed := false

	updated, err := t.intentions.Mutate(ctx, it.ID, func(s *storage.AppIntention) error {
		resolved, changed, fc := ResolveDailyReset(*s, today, freezeAvailable)
		if changed {
			*s = resolved
			freezeConsumed = fc
		}

		// A window left open past its expiry is closed before deciding.
		if s.CurrentlyOpen {
			if expiry, ok := s.Expiry(); ok && !now.Before(expiry) {
				s.CurrentlyOpen = false
				s.OpenedAt = nil
			}
		}

		if s.CurrentlyOpen {
			result.Allowed = true
			result.Reopen = true
			return nil
		}
		if s.QuotaExhausted() {
			result.Allowed = false
			result.Reason = ReasonQuotaExhausted
			return nil
		}

		at := now
		s.TotalOpensToday++
		s.CurrentlyOpen = true
		s.OpenedAt = &at
		result.Allowed = true
		return nil
	})
	if err != nil {
		return OpenResult{}, err
	}

	if freezeConsumed {
		t.consumeFreeze(ctx, packageName)
	}
	if it.LastResetDate != today {
		noteResetMetrics(it.Streak, updated.Streak)
	}

	result.Intention = updated
	if updated.CurrentlyOpen {
		if expiry, ok := updated.Expiry(); ok {
			result.ExpiresAt = &expiry
		}
	}

	if result.Allowed {
		if !result.Reopen {
			metrics.AppOpens.WithLabelValues(packageName).Inc()
		}
		t.logger.Debug().
			Str("package", packageName).
			Bool("reopen", result.Reopen).
			Int("opens_today", updated.TotalOpensToday).
			Int("remaining", result.RemainingOpens()).
			Msg("Open granted")
	} else {
		metrics.QuotaDenials.WithLabelValues(packageName).Inc()
		t.logger.Info().
			Str("package", packageName).
			Int("opens_today", updated.TotalOpensToday).
			Int("allowed_per_day", updated.AllowedOpensPerDay).
			Msg("Open denied, quota exhausted")
	}

	return result, nil
}

// NoteClosed marks a tracked app as no longer in the foreground. Idempotent;
// the consumed open is not refunded.
func (t *Tracker) NoteClosed(ctx context.Context, packageName string) error {
	it, err := t.intentions.GetByPackage(ctx, packageName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !it.CurrentlyOpen {
		return nil
	}

	_, err = t.intentions.Mutate(ctx, it.ID, func(s *storage.AppIntention) error {
		s.CurrentlyOpen = false
		s.OpenedAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	t.logger.Debug().Str("package", packageName).Msg("Open window closed")
	return nil
}

// Peek returns the intention for a package as it would look after the lazy
// day-boundary and expiry checks, without writing anything. Used by
// read-only verdict queries so they never consume quota.
func (t *Tracker) Peek(ctx context.Context, packageName string, now time.Time) (*storage.AppIntention, error) {
	it, err := t.intentions.GetByPackage(ctx, packageName)
	if err != nil {
		return nil, err
	}

	today := clock.DayOf(now)
	freezeAvailable := false
	if it.LastResetDate != today {
		player, serr := t.state.Get(ctx)
		if serr != nil {
			return nil, serr
		}
		freezeAvailable = player.FreezeAvailable
	}

	resolved, _, _ := ResolveDailyReset(*it, today, freezeAvailable)
	if resolved.CurrentlyOpen {
		if expiry, ok := resolved.Expiry(); ok && !now.Before(expiry) {
			resolved.CurrentlyOpen = false
			resolved.OpenedAt = nil
		}
	}
	return &resolved, nil
}

// consumeFreeze burns the player's streak freeze. A freeze covers at most
// one day; losing the race to another reset path just means the freeze was
// already spent.
func (t *Tracker) consumeFreeze(ctx context.Context, packageName string) {
	_, err := t.state.Mutate(ctx, func(p *storage.PlayerState) error {
		p.FreezeAvailable = false
		return nil
	})
	if err != nil {
		t.logger.Error().Err(err).Str("package", packageName).Msg("Failed to consume streak freeze")
		return
	}
	metrics.FreezesConsumed.Inc()
	t.logger.Info().Str("package", packageName).Msg("Streak freeze consumed")
}

// noteResetMetrics records the streak movement of one applied daily reset.
func noteResetMetrics(before, after int) {
	metrics.DailyResets.Inc()
	switch {
	case after > before:
		metrics.StreaksExtended.Inc()
	case after == 0 && before > 0:
		metrics.StreaksBroken.Inc()
	}
}

// newID generates a unique identifier.
func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate random id: %v", err))
	}
	return hex.EncodeToString(buf)
}
