package intention

import (
	"context"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/metrics"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/rs/zerolog"
)

// ResetScheduler rolls every intention over the daily boundary at the
// configured wall-clock time, and grants the weekly streak freeze. The lazy
// reset in the tracker covers records the scheduler missed, so skipping a
// run (daemon down, clock jump) loses nothing but promptness.
type ResetScheduler struct {
	store         storage.Store
	clock         clock.Clock
	resetTime     time.Time // Time of day to reset (only hour and minute are used)
	freezeGrantOn time.Weekday
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewResetScheduler creates a new reset scheduler.
func NewResetScheduler(store storage.Store, clk clock.Clock, resetTime string, freezeGrantOn time.Weekday, logger zerolog.Logger) (*ResetScheduler, error) {
	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}

	rs := &ResetScheduler{
		store:         store,
		clock:         clk,
		resetTime:     parsedTime,
		freezeGrantOn: freezeGrantOn,
		logger:        logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:      make(chan struct{}),
	}

	return rs, nil
}

// Start begins the reset scheduler.
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Str("freeze_grant_day", rs.freezeGrantOn.String()).
		Msg("Daily reset scheduler started")
}

// Stop stops the reset scheduler.
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily reset scheduler stopped")
}

// run is the main scheduler loop.
func (rs *ResetScheduler) run() {
	for {
		// Calculate next reset time
		nextReset := rs.calculateNextReset()
		waitDuration := nextReset.Sub(rs.clock.Now())

		rs.logger.Info().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		// Wait until reset time or stop signal
		select {
		case <-time.After(waitDuration):
			rs.PerformReset(context.Background())
		case <-rs.stopChan:
			return
		}
	}
}

// calculateNextReset calculates the next reset time.
func (rs *ResetScheduler) calculateNextReset() time.Time {
	now := rs.clock.Now()

	// Get today's reset time
	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's reset time, schedule for tomorrow
	if now.After(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}

	return todayReset
}

// PerformReset grants the weekly freeze when due, then rolls every stale
// intention forward to today. Freeze availability is decided once for the
// whole batch; at most one freeze is consumed per day no matter how many
// streaks it saves.
func (rs *ResetScheduler) PerformReset(ctx context.Context) {
	today := rs.clock.Today()
	rs.logger.Info().Str("date", today).Msg("Performing daily reset")

	rs.grantFreeze(ctx, today)

	player, err := rs.store.State().Get(ctx)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to read player state for daily reset")
		return
	}
	freezeAvailable := player.FreezeAvailable

	intentions, err := rs.store.Intentions().List(ctx)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to list intentions for daily reset")
		return
	}

	resets := 0
	freezeSpent := false
	for _, it := range intentions {
		if it.LastResetDate == today {
			continue
		}

		updated, merr := rs.store.Intentions().Mutate(ctx, it.ID, func(s *storage.AppIntention) error {
			resolved, changed, _ := ResolveDailyReset(*s, today, freezeAvailable)
			if changed {
				*s = resolved
			}
			return nil
		})
		if merr != nil {
			rs.logger.Error().Err(merr).Str("package", it.PackageName).Msg("Failed to reset intention")
			continue
		}

		resets++
		noteResetMetrics(it.Streak, updated.Streak)
		if freezeAvailable && updated.Streak == it.Streak && updated.Streak > 0 &&
			!(it.LastResetDate == clock.PreviousDay(today) && it.TotalOpensToday > 0) {
			freezeSpent = true
		}

		rs.logger.Debug().
			Str("package", it.PackageName).
			Int("streak_before", it.Streak).
			Int("streak_after", updated.Streak).
			Msg("Intention reset")
	}

	if freezeSpent {
		_, serr := rs.store.State().Mutate(ctx, func(p *storage.PlayerState) error {
			p.FreezeAvailable = false
			return nil
		})
		if serr != nil {
			rs.logger.Error().Err(serr).Msg("Failed to consume streak freeze")
		} else {
			metrics.FreezesConsumed.Inc()
			rs.logger.Info().Msg("Streak freeze consumed")
		}
	}

	rs.logger.Info().
		Int("intentions_reset", resets).
		Bool("freeze_spent", freezeSpent).
		Msg("Daily reset complete")
}

// grantFreeze makes a streak freeze available on the configured weekday,
// at most once per day.
func (rs *ResetScheduler) grantFreeze(ctx context.Context, today string) {
	if rs.clock.Now().Weekday() != rs.freezeGrantOn {
		return
	}

	_, err := rs.store.State().Mutate(ctx, func(p *storage.PlayerState) error {
		if p.FreezeGrantedOn == today {
			return nil
		}
		p.FreezeAvailable = true
		p.FreezeGrantedOn = today
		return nil
	})
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to grant streak freeze")
		return
	}
	rs.logger.Info().Str("date", today).Msg("Weekly streak freeze granted")
}
