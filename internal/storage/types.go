package storage

import (
	"fmt"
	"time"
)

// SessionState represents the lifecycle state of a focus session.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionGoalReached SessionState = "goalReached"
	SessionEnded       SessionState = "ended"
	SessionAbandoned   SessionState = "abandoned"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionEnded || s == SessionAbandoned
}

// Blocking reports whether a session in this state still shields its
// blocked packages. Reaching the goal is a reward milestone, not an
// unblock event.
func (s SessionState) Blocking() bool {
	return s == SessionActive || s == SessionGoalReached
}

// FocusSession represents one run of "stay off these apps for N minutes".
type FocusSession struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	GoalMinutes     int          `json:"goal_minutes"`
	BeastMode       bool         `json:"beast_mode"`
	State           SessionState `json:"state"`
	BlockedPackages []string     `json:"blocked_packages"`
	StartedAt       time.Time    `json:"started_at"`
	GoalReachedAt   *time.Time   `json:"goal_reached_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
	EarnedXP        int          `json:"earned_xp"`
	EarnedCoins     int          `json:"earned_coins"`
	CreatedAt       time.Time    `json:"created_at"`
}

// GoalDeadline returns the instant at which the goal duration elapses.
func (s *FocusSession) GoalDeadline() time.Time {
	return s.StartedAt.Add(time.Duration(s.GoalMinutes) * time.Minute)
}

// Blocks reports whether pkg belongs to the session's blocked set.
func (s *FocusSession) Blocks(pkg string) bool {
	for _, p := range s.BlockedPackages {
		if p == pkg {
			return true
		}
	}
	return false
}

// Validate checks the session for malformed fields before a write.
func (s *FocusSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id is empty", ErrConstraint)
	}
	if s.GoalMinutes <= 0 {
		return fmt.Errorf("%w: goal minutes must be positive", ErrConstraint)
	}
	switch s.State {
	case SessionActive, SessionGoalReached, SessionEnded, SessionAbandoned:
	default:
		return fmt.Errorf("%w: unknown session state %q", ErrConstraint, s.State)
	}
	return nil
}

// ActionKind identifies an entry in a session's audit trail.
type ActionKind string

const (
	ActionStarted          ActionKind = "started"
	ActionGoalReached      ActionKind = "goalReached"
	ActionCompleted        ActionKind = "completed"
	ActionAbandoned        ActionKind = "abandoned"
	ActionExtended         ActionKind = "extended"
	ActionBeastModeEngaged ActionKind = "beastModeEngaged"
)

// SessionAction is an immutable audit event tied to a session. Append-only,
// never updated or deleted while the session is retained.
type SessionAction struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Kind      ActionKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
}

// Validate checks the action for malformed fields before a write.
func (a *SessionAction) Validate() error {
	if a.ID == "" || a.SessionID == "" {
		return fmt.Errorf("%w: action id and session id are required", ErrConstraint)
	}
	if a.Kind == "" {
		return fmt.Errorf("%w: action kind is empty", ErrConstraint)
	}
	return nil
}

// AppIntention is the per-monitored-app quota record.
type AppIntention struct {
	ID                 string     `json:"id"`
	PackageName        string     `json:"package_name"`
	AppName            string     `json:"app_name"`
	AllowedOpensPerDay int        `json:"allowed_opens_per_day"`
	TimePerOpenMinutes int        `json:"time_per_open_minutes"`
	TotalOpensToday    int        `json:"total_opens_today"`
	Streak             int        `json:"streak"`
	LastResetDate      string     `json:"last_reset_date"`
	CurrentlyOpen      bool       `json:"currently_open"`
	OpenedAt           *time.Time `json:"opened_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expiry returns the end of the current open window. The second return is
// false when the app is not currently open.
func (it *AppIntention) Expiry() (time.Time, bool) {
	if !it.CurrentlyOpen || it.OpenedAt == nil {
		return time.Time{}, false
	}
	return it.OpenedAt.Add(time.Duration(it.TimePerOpenMinutes) * time.Minute), true
}

// QuotaExhausted reports whether today's open allowance is used up.
func (it *AppIntention) QuotaExhausted() bool {
	return it.TotalOpensToday >= it.AllowedOpensPerDay
}

// Validate checks the intention for malformed fields before a write.
func (it *AppIntention) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: intention id is empty", ErrConstraint)
	}
	if it.PackageName == "" {
		return fmt.Errorf("%w: package name is empty", ErrConstraint)
	}
	if it.AllowedOpensPerDay <= 0 {
		return fmt.Errorf("%w: allowed opens per day must be positive", ErrConstraint)
	}
	if it.TimePerOpenMinutes <= 0 {
		return fmt.Errorf("%w: time per open must be positive", ErrConstraint)
	}
	if it.CurrentlyOpen && it.OpenedAt == nil {
		return fmt.Errorf("%w: open intention missing opened_at", ErrConstraint)
	}
	return nil
}

// PlayerState holds the account-wide gamification balance: lifetime rewards
// and the weekly streak freeze.
type PlayerState struct {
	TotalXP         int    `json:"total_xp"`
	TotalCoins      int    `json:"total_coins"`
	FreezeAvailable bool   `json:"freeze_available"`
	FreezeGrantedOn string `json:"freeze_granted_on"`
}
