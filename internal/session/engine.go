package session

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

// EndReason distinguishes a natural completion from a user bail-out.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndAbandoned EndReason = "abandoned"
)

// errUnchanged aborts a Mutate without writing when a guarded transition
// finds the record already past the guard. Keeps Tick idempotent.
var errUnchanged = errors.New("session: no transition")

// Engine owns the focus-session state machine. All transitions are
// read-modify-write transactions against the store; the engine itself holds
// no cross-call state and may be invoked from concurrent callers.
type Engine struct {
	sessions storage.SessionStore
	state    storage.StateStore
	clock    clock.Clock
	rewards  RewardTable
	logger   zerolog.Logger
}

// NewEngine creates a session engine backed by the given store.
func NewEngine(store storage.Store, clk clock.Clock, rewards RewardTable, logger zerolog.Logger) *Engine {
	return &Engine{
		sessions: store.Sessions(),
		state:    store.State(),
		clock:    clk,
		rewards:  rewards,
		logger:   logger.With().Str("component", "session-engine").Logger(),
	}
}

// Start creates and activates a new focus session. Fails with
// storage.ErrSessionConflict while another session is active or goal-reached.
func (e *Engine) Start(ctx context.Context, name string, goalMinutes int, beastMode bool, blockedPackages []string) (*storage.FocusSession, error) {
	now := e.clock.Now()
	session := storage.FocusSession{
		ID:              newID(),
		Name:            name,
		GoalMinutes:     goalMinutes,
		BeastMode:       beastMode,
		State:           storage.SessionActive,
		BlockedPackages: blockedPackages,
		StartedAt:       now,
		CreatedAt:       now,
	}

	if err := e.sessions.CreateActive(ctx, session); err != nil {
		return nil, err
	}
	e.recordAction(ctx, session.ID, storage.ActionStarted, now)

	mode := "normal"
	if beastMode {
		mode = "beast"
	}
	metrics.SessionsStarted.WithLabelValues(mode).Inc()

	e.logger.Info().
		Str("session_id", session.ID).
		Str("name", name).
		Int("goal_minutes", goalMinutes).
		Bool("beast_mode", beastMode).
		Int("blocked_packages", len(blockedPackages)).
		Msg("Started focus session")

	return &session, nil
}

// Active returns the session currently in active or goalReached state.
func (e *Engine) Active(ctx context.Context) (*storage.FocusSession, error) {
	return e.sessions.GetActive(ctx)
}

// Get returns a session by identifier.
func (e *Engine) Get(ctx context.Context, id string) (*storage.FocusSession, error) {
	return e.sessions.Get(ctx, id)
}

// List returns all sessions ever recorded.
func (e *Engine) List(ctx context.Context) ([]storage.FocusSession, error) {
	return e.sessions.List(ctx)
}

// Actions returns the audit trail for a session.
func (e *Engine) Actions(ctx context.Context, id string) ([]storage.SessionAction, error) {
	return e.sessions.ListActions(ctx, id)
}

// Tick projects elapsed time onto the active session: once the goal duration
// has passed it transitions active → goalReached and records the milestone
// exactly once. Redundant calls are no-ops; the guard runs inside the store
// transaction, so racing tickers cannot double-record.
func (e *Engine) Tick(ctx context.Context, now time.Time) (*storage.FocusSession, bool, error) {
	active, err := e.sessions.GetActive(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if active.State != storage.SessionActive || now.Before(active.GoalDeadline()) {
		return active, false, nil
	}

	updated, err := e.sessions.Mutate(ctx, active.ID, func(s *storage.FocusSession) error {
		if s.State != storage.SessionActive || now.Before(s.GoalDeadline()) {
			return errUnchanged
		}
		at := now
		s.State = storage.SessionGoalReached
		s.GoalReachedAt = &at
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return active, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	e.recordAction(ctx, updated.ID, storage.ActionGoalReached, now)
	metrics.SessionGoalsReached.Inc()
	e.logger.Info().
		Str("session_id", updated.ID).
		Time("goal_reached_at", now).
		Msg("Session goal reached")

	return updated, true, nil
}

// End terminates the current session. Completion computes the reward from
// elapsed focus time and credits the player balance; abandonment always
// yields a zero reward. Fails with storage.ErrNotFound when no session is
// active or goal-reached, and with storage.ErrSessionConflict when trying to
// end a beast-mode session, for either reason, before its goal duration has
// elapsed.
func (e *Engine) End(ctx context.Context, reason EndReason) (*storage.FocusSession, error) {
	now := e.clock.Now()

	active, err := e.sessions.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	updated, err := e.sessions.Mutate(ctx, active.ID, func(s *storage.FocusSession) error {
		if !s.State.Blocking() {
			return storage.ErrNotFound
		}
		if s.BeastMode && now.Before(s.GoalDeadline()) {
			return fmt.Errorf("%w: beast mode session cannot be ended before its goal", storage.ErrSessionConflict)
		}
		at := now
		s.EndedAt = &at
		if reason == EndCompleted {
			s.State = storage.SessionEnded
			s.EarnedXP, s.EarnedCoins = e.rewards.Compute(now.Sub(s.StartedAt), s.BeastMode)
		} else {
			s.State = storage.SessionAbandoned
			s.EarnedXP, s.EarnedCoins = 0, 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := storage.ActionCompleted
	if reason == EndAbandoned {
		kind = storage.ActionAbandoned
	}
	e.recordAction(ctx, updated.ID, kind, now)

	if updated.EarnedXP > 0 || updated.EarnedCoins > 0 {
		if _, err := e.state.Mutate(ctx, func(p *storage.PlayerState) error {
			p.TotalXP += updated.EarnedXP
			p.TotalCoins += updated.EarnedCoins
			return nil
		}); err != nil {
			e.logger.Error().Err(err).Str("session_id", updated.ID).Msg("Failed to credit session reward")
		}
		metrics.RewardXP.Add(float64(updated.EarnedXP))
		metrics.RewardCoins.Add(float64(updated.EarnedCoins))
	}
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()

	e.logger.Info().
		Str("session_id", updated.ID).
		Str("reason", string(reason)).
		Int("earned_xp", updated.EarnedXP).
		Int("earned_coins", updated.EarnedCoins).
		Msg("Ended focus session")

	return updated, nil
}

// Extend adds minutes to the goal of the active session.
func (e *Engine) Extend(ctx context.Context, minutes int) (*storage.FocusSession, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: extension minutes must be positive", storage.ErrConstraint)
	}
	now := e.clock.Now()

	active, err := e.sessions.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	updated, err := e.sessions.Mutate(ctx, active.ID, func(s *storage.FocusSession) error {
		if s.State != storage.SessionActive {
			return storage.ErrNotFound
		}
		s.GoalMinutes += minutes
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.recordAction(ctx, updated.ID, storage.ActionExtended, now)
	e.logger.Info().
		Str("session_id", updated.ID).
		Int("added_minutes", minutes).
		Int("goal_minutes", updated.GoalMinutes).
		Msg("Extended focus session")

	return updated, nil
}

// EngageBeastMode flips the beast-mode flag on the active session. The flag
// is one-way: once engaged it cannot be cleared for the session's lifetime.
func (e *Engine) EngageBeastMode(ctx context.Context) (*storage.FocusSession, error) {
	now := e.clock.Now()

	active, err := e.sessions.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if active.BeastMode {
		return active, nil
	}

	updated, err := e.sessions.Mutate(ctx, active.ID, func(s *storage.FocusSession) error {
		if s.State != storage.SessionActive {
			return storage.ErrNotFound
		}
		s.BeastMode = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.recordAction(ctx, updated.ID, storage.ActionBeastModeEngaged, now)
	e.logger.Info().Str("session_id", updated.ID).Msg("Beast mode engaged")

	return updated, nil
}

// IsBlocking reports whether the current session shields pkg. Blocking holds
// through both active and goalReached; only End lifts it.
func (e *Engine) IsBlocking(ctx context.Context, pkg string) (bool, *storage.FocusSession, error) {
	active, err := e.sessions.GetActive(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if active.State.Blocking() && active.Blocks(pkg) {
		return true, active, nil
	}
	return false, active, nil
}

// recordAction appends an audit event. Audit failures are logged, never
// propagated: the state transition has already committed.
func (e *Engine) recordAction(ctx context.Context, sessionID string, kind storage.ActionKind, at time.Time) {
	action := storage.SessionAction{
		ID:        newID(),
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: at,
	}
	if err := e.sessions.AppendAction(ctx, action); err != nil {
		e.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("kind", string(kind)).
			Msg("Failed to record session action")
	}
}

// newID generates a unique identifier.
func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// This should never happen with a working system RNG
		panic(fmt.Sprintf("failed to generate random id: %v", err))
	}
	return hex.EncodeToString(buf)
}
