package play

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionStarted SessionStatus = "started"
	SessionPaused  SessionStatus = "paused"
	SessionStopped SessionStatus = "stopped"
	SessionEnded   SessionStatus = "ended"
)

// MoveStatus represents the lifecycle state of a move.
type MoveStatus string

const (
	MoveStarted MoveStatus = "started"
	MovePaused  MoveStatus = "paused"
	MoveEnded   MoveStatus = "ended"
	MoveStopped MoveStatus = "stopped"
	MoveSkipped MoveStatus = "skipped"
)

// Session is one running instance of a play definition. The record is
// created when the play is authored and only ever transitions status; it
// is never destroyed.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	Players     []string      `json:"players"`
	Steps       []Step        `json:"steps"`
	Environment Environment   `json:"environment"`

	// CurrentStep is the denormalized active leaf, set while started or
	// paused. CurrentMoveID references the active move record.
	CurrentStep   *Step  `json:"current_step,omitempty"`
	CurrentMoveID string `json:"current_move_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate without aliasing the stored record.
// Steps are shared (the definition is immutable); players and environment
// are copied.
func (s *Session) Clone() *Session {
	out := *s
	out.Players = append([]string(nil), s.Players...)
	out.Environment = s.Environment.Clone()
	if s.CurrentStep != nil {
		step := *s.CurrentStep
		out.CurrentStep = &step
	}
	return &out
}

// Move is one timed instance of an activated leaf step. Moves are
// append-only history: they are mutated by lifecycle commands but never
// deleted.
type Move struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	StepID    string     `json:"step_id"`
	Status    MoveStatus `json:"status"`

	StartedAt time.Time `json:"started_at"`
	TimeoutAt time.Time `json:"timeout_at"`

	// ElapsedMS accumulates active duration across pause/resume cycles,
	// in milliseconds.
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Elapsed returns the accumulated active duration.
func (m *Move) Elapsed() time.Duration {
	return time.Duration(m.ElapsedMS) * time.Millisecond
}

// Equal reports full structural equality between two move records. This
// comparison is the scheduler's staleness check: any state-changing
// operation alters some field, so a scheduled job holding a stale
// snapshot observes inequality and becomes a no-op. Timestamps are
// compared at microsecond precision, which survives a Postgres
// round-trip.
func (m *Move) Equal(o *Move) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.ID == o.ID &&
		m.SessionID == o.SessionID &&
		m.StepID == o.StepID &&
		m.Status == o.Status &&
		m.ElapsedMS == o.ElapsedMS &&
		m.StartedAt.Truncate(time.Microsecond).Equal(o.StartedAt.Truncate(time.Microsecond)) &&
		m.TimeoutAt.Truncate(time.Microsecond).Equal(o.TimeoutAt.Truncate(time.Microsecond))
}

// SessionPatch is an out-of-band partial overwrite of session fields,
// used for manual correction. Nil fields are left untouched. Move state
// is never affected.
type SessionPatch struct {
	Status      *SessionStatus `json:"status,omitempty"`
	Players     []string       `json:"players,omitempty"`
	Environment Environment    `json:"environment,omitempty"`
	Steps       []Step         `json:"steps,omitempty"`
}
