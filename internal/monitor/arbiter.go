package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/intention"
	"github.com/bepresent/presentd/internal/metrics"
	"github.com/bepresent/presentd/internal/session"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/rs/zerolog"
)

// Verdict actions.
const (
	ActionAllow = "ALLOW"
	ActionBlock = "BLOCK"
)

// Verdict reasons.
const (
	ReasonFocusSession   = "session"
	ReasonQuotaExhausted = intention.ReasonQuotaExhausted
)

// Verdict is the decision for one package at one instant.
type Verdict struct {
	Package string    `json:"package"`
	Action  string    `json:"action"`
	Reason  string    `json:"reason,omitempty"`
	// Until bounds the decision's validity. For a session block it is the
	// goal deadline, or zero once the goal is reached and only an explicit
	// end can lift the block. For a quota block it is the next daily reset.
	// For an allowed tracked open it is the end of the open window.
	Until       time.Time `json:"until,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Allowed reports whether the verdict permits the app.
func (v Verdict) Allowed() bool { return v.Action == ActionAllow }

// Arbiter turns foreground-app events into verdicts. A focus session always
// outranks intention quotas; quotas are consulted only when no session
// shields the package.
type Arbiter struct {
	engine    *session.Engine
	tracker   *intention.Tracker
	clock     clock.Clock
	resetTime time.Time // only hour and minute are used
	logger    zerolog.Logger
}

// NewArbiter creates an arbiter. resetTime is the daily quota reset in
// HH:MM form.
func NewArbiter(engine *session.Engine, tracker *intention.Tracker, clk clock.Clock, resetTime string, logger zerolog.Logger) (*Arbiter, error) {
	parsed, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}
	return &Arbiter{
		engine:    engine,
		tracker:   tracker,
		clock:     clk,
		resetTime: parsed,
		logger:    logger.With().Str("component", "arbiter").Logger(),
	}, nil
}

// Evaluate decides whether pkg may be in the foreground right now and
// records the consequences: elapsed session time is projected first, then
// the session shield is checked, then the open is charged against the
// package's quota. Untracked packages with no session shield are always
// allowed.
func (a *Arbiter) Evaluate(ctx context.Context, pkg string) (Verdict, error) {
	now := a.clock.Now()

	if _, _, err := a.engine.Tick(ctx, now); err != nil {
		return Verdict{}, err
	}

	blocking, active, err := a.engine.IsBlocking(ctx, pkg)
	if err != nil {
		return Verdict{}, err
	}
	if blocking {
		return a.finish(sessionBlockVerdict(pkg, active, now)), nil
	}

	result, err := a.tracker.RequestOpen(ctx, pkg)
	if err != nil {
		return Verdict{}, err
	}
	if !result.Allowed {
		return a.finish(Verdict{
			Package:     pkg,
			Action:      ActionBlock,
			Reason:      ReasonQuotaExhausted,
			Until:       a.nextReset(now),
			EvaluatedAt: now,
		}), nil
	}

	v := Verdict{Package: pkg, Action: ActionAllow, EvaluatedAt: now}
	if result.ExpiresAt != nil {
		v.Until = *result.ExpiresAt
	}
	return a.finish(v), nil
}

// Probe answers the same question as Evaluate without side effects: no tick,
// no quota charge, no open window started. Used by read-only verdict
// queries.
func (a *Arbiter) Probe(ctx context.Context, pkg string) (Verdict, error) {
	now := a.clock.Now()

	blocking, active, err := a.engine.IsBlocking(ctx, pkg)
	if err != nil {
		return Verdict{}, err
	}
	if blocking {
		return sessionBlockVerdict(pkg, active, now), nil
	}

	it, err := a.tracker.Peek(ctx, pkg, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Verdict{Package: pkg, Action: ActionAllow, EvaluatedAt: now}, nil
		}
		return Verdict{}, err
	}

	if it.CurrentlyOpen {
		v := Verdict{Package: pkg, Action: ActionAllow, EvaluatedAt: now}
		if expiry, ok := it.Expiry(); ok {
			v.Until = expiry
		}
		return v, nil
	}
	if it.QuotaExhausted() {
		return Verdict{
			Package:     pkg,
			Action:      ActionBlock,
			Reason:      ReasonQuotaExhausted,
			Until:       a.nextReset(now),
			EvaluatedAt: now,
		}, nil
	}
	return Verdict{Package: pkg, Action: ActionAllow, EvaluatedAt: now}, nil
}

func (a *Arbiter) finish(v Verdict) Verdict {
	metrics.Verdicts.WithLabelValues(v.Action, v.Reason).Inc()
	a.logger.Debug().
		Str("package", v.Package).
		Str("action", v.Action).
		Str("reason", v.Reason).
		Time("until", v.Until).
		Msg("Verdict issued")
	return v
}

// nextReset returns the first daily reset instant after now.
func (a *Arbiter) nextReset(now time.Time) time.Time {
	reset := time.Date(
		now.Year(), now.Month(), now.Day(),
		a.resetTime.Hour(), a.resetTime.Minute(), 0, 0,
		now.Location(),
	)
	if !reset.After(now) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// sessionBlockVerdict shapes a shield verdict. An active session's block
// runs until the goal deadline; once the goal is reached the block is
// open-ended and only an explicit end lifts it. The deadline is stamped even
// for beast-mode sessions, whose block outlives it: the re-check scheduled
// there re-raises the shield and performs the goal transition without
// waiting for a foreground event.
func sessionBlockVerdict(pkg string, s *storage.FocusSession, now time.Time) Verdict {
	v := Verdict{
		Package:     pkg,
		Action:      ActionBlock,
		Reason:      ReasonFocusSession,
		EvaluatedAt: now,
	}
	if s.State == storage.SessionActive {
		v.Until = s.GoalDeadline()
	}
	return v
}
