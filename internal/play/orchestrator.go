package play

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionStore persists session records. All mutations to one session are
// serialized by the store's per-record update semantics; the orchestrator
// itself holds no locks.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
}

// MoveStore persists move records.
type MoveStore interface {
	CreateMove(ctx context.Context, m *Move) error
	GetMove(ctx context.Context, id string) (*Move, error)
	UpdateMove(ctx context.Context, m *Move) error
	ListMoves(ctx context.Context, sessionID string) ([]Move, error)
	ListStartedMoves(ctx context.Context) ([]Move, error)
}

// ContentStore creates the child content item each activated move
// produces. The surrounding content system owns rendering and storage;
// the engine only hands over resolved templates.
type ContentStore interface {
	CreateChildItem(ctx context.Context, sessionID, title, text string) (string, error)
}

// Notifier receives the full session state after every successful
// mutation and fans it out to the session's subscribers.
type Notifier interface {
	SessionUpdated(s *Session)
}

// DeadlineScheduler registers a one-shot deadline for a freshly started
// move. The scheduler re-validates the move against storage before
// acting, so the orchestrator never cancels anything explicitly.
type DeadlineScheduler interface {
	Schedule(m Move)
}

// Orchestrator owns the mutable session lifecycle. Every command reads
// the session, applies one state change and writes it back; concurrent
// deadline firings are disarmed by the scheduler's staleness check, not
// by locking.
type Orchestrator struct {
	sessions SessionStore
	moves    MoveStore
	content  ContentStore
	notifier Notifier
	sched    DeadlineScheduler
	log      zerolog.Logger

	now func() time.Time
}

// NewOrchestrator creates an orchestrator. The deadline scheduler is
// attached afterwards via SetScheduler because the scheduler needs the
// orchestrator to advance sessions.
func NewOrchestrator(sessions SessionStore, moves MoveStore, content ContentStore, notifier Notifier, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		moves:    moves,
		content:  content,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// SetScheduler attaches the deadline scheduler.
func (o *Orchestrator) SetScheduler(s DeadlineScheduler) {
	o.sched = s
}

// SetNow overrides the clock (for testing).
func (o *Orchestrator) SetNow(now func() time.Time) {
	o.now = now
}

// CreateSession authors a new session in waiting state from a validated
// play definition and a fixed, ordered player list.
func (o *Orchestrator) CreateSession(ctx context.Context, players []string, steps []Step) (*Session, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	now := o.now()
	s := &Session{
		ID:          uuid.NewString(),
		Status:      SessionWaiting,
		Players:     append([]string(nil), players...),
		Steps:       steps,
		Environment: Environment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.sessions.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	o.log.Info().Str("session_id", s.ID).Int("players", len(s.Players)).Msg("session created")
	o.notifier.SessionUpdated(s)
	return s, nil
}

// Start begins a waiting session or resumes a paused one. Starting an
// already started session is an idempotent retry and a no-op; terminal
// sessions are left untouched.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) (*Session, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case SessionPaused:
		return o.resume(ctx, s)
	case SessionWaiting:
		leaf, env, err := FirstLeafOf(s.Steps, Environment{}, s.Players)
		if err != nil {
			return nil, err
		}
		if leaf == nil {
			return nil, ErrNoReachableStep
		}
		if err := o.activate(ctx, s, leaf, env); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return s, nil
	}
}

// resume restarts a paused move with the remaining portion of its
// timeout; accumulated elapsed time is left intact.
func (o *Orchestrator) resume(ctx context.Context, s *Session) (*Session, error) {
	m, err := o.moves.GetMove(ctx, s.CurrentMoveID)
	if err != nil {
		return nil, err
	}

	remaining := s.CurrentStep.Timeout() - m.Elapsed()
	if remaining < 0 {
		remaining = 0
	}

	now := o.now()
	m.Status = MoveStarted
	m.StartedAt = now
	m.TimeoutAt = now.Add(remaining)
	if err := o.moves.UpdateMove(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to resume move: %w", err)
	}

	s.Status = SessionStarted
	s.UpdatedAt = now
	if err := o.sessions.UpdateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to resume session: %w", err)
	}

	o.schedule(*m)
	o.log.Info().Str("session_id", s.ID).Str("move_id", m.ID).Dur("remaining", remaining).Msg("session resumed")
	o.notifier.SessionUpdated(s)
	return s, nil
}

// Skip abandons the current move and advances, without waiting for its
// deadline. Only meaningful while started.
func (o *Orchestrator) Skip(ctx context.Context, sessionID string) (*Session, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != SessionStarted {
		return s, nil
	}

	if err := o.closeCurrentMove(ctx, s, MoveSkipped); err != nil {
		return nil, err
	}
	if err := o.advanceFrom(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Pause freezes the current move. The deadline stops counting; the
// outstanding timer job goes stale through the move mutation.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) (*Session, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != SessionStarted {
		return s, nil
	}

	if err := o.closeCurrentMove(ctx, s, MovePaused); err != nil {
		return nil, err
	}

	s.Status = SessionPaused
	s.UpdatedAt = o.now()
	if err := o.sessions.UpdateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to pause session: %w", err)
	}

	o.log.Info().Str("session_id", s.ID).Msg("session paused")
	o.notifier.SessionUpdated(s)
	return s, nil
}

// Stop terminates the session from started or paused. Stopped is
// terminal for scheduling purposes; the record persists.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) (*Session, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != SessionStarted && s.Status != SessionPaused {
		return s, nil
	}

	if s.CurrentMoveID != "" {
		if err := o.closeCurrentMove(ctx, s, MoveStopped); err != nil {
			return nil, err
		}
	}

	s.Status = SessionStopped
	s.UpdatedAt = o.now()
	if err := o.sessions.UpdateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to stop session: %w", err)
	}

	o.log.Info().Str("session_id", s.ID).Msg("session stopped")
	o.notifier.SessionUpdated(s)
	return s, nil
}

// Advance moves the session past its current leaf. Invoked by the
// scheduler when a deadline fires against a still-valid move.
func (o *Orchestrator) Advance(ctx context.Context, sessionID string) error {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != SessionStarted {
		return nil
	}

	if err := o.closeCurrentMove(ctx, s, MoveEnded); err != nil {
		return err
	}
	return o.advanceFrom(ctx, s)
}

// UpdateState applies an out-of-band partial overwrite of session
// fields, used for manual correction. Move state is untouched.
func (o *Orchestrator) UpdateState(ctx context.Context, sessionID string, patch SessionPatch) (*Session, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Players != nil {
		s.Players = append([]string(nil), patch.Players...)
	}
	if patch.Environment != nil {
		env := patch.Environment.Clone()
		env.Normalize()
		s.Environment = env
	}
	if patch.Steps != nil {
		if err := ValidateSteps(patch.Steps); err != nil {
			return nil, err
		}
		s.Steps = patch.Steps
	}

	s.UpdatedAt = o.now()
	if err := o.sessions.UpdateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	o.log.Info().Str("session_id", s.ID).Msg("session state updated")
	o.notifier.SessionUpdated(s)
	return s, nil
}

// closeCurrentMove transitions the active move into a non-started status
// and folds the wall-clock time since its last start into ElapsedMS. The
// mutation also invalidates any outstanding deadline job snapshot.
func (o *Orchestrator) closeCurrentMove(ctx context.Context, s *Session, status MoveStatus) error {
	m, err := o.moves.GetMove(ctx, s.CurrentMoveID)
	if err != nil {
		return err
	}

	if m.Status == MoveStarted {
		m.ElapsedMS += o.now().Sub(m.StartedAt).Milliseconds()
	}
	m.Status = status
	if err := o.moves.UpdateMove(ctx, m); err != nil {
		return fmt.Errorf("failed to update move: %w", err)
	}
	return nil
}

// advanceFrom computes the transition from the session's current leaf and
// either activates the next leaf or ends the session.
func (o *Orchestrator) advanceFrom(ctx context.Context, s *Session) error {
	if s.CurrentStep == nil {
		return ErrStepNotInTree
	}

	res, err := Transition(s.Steps, s.CurrentStep.ID, s.Environment, s.Players)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("%w: %s", ErrStepNotInTree, s.CurrentStep.ID)
	}

	if res.Next != nil {
		return o.activate(ctx, s, res.Next, res.Env)
	}

	s.Status = SessionEnded
	s.CurrentStep = nil
	s.CurrentMoveID = ""
	s.Environment = res.Env
	s.UpdatedAt = o.now()
	if err := o.sessions.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	o.log.Info().Str("session_id", s.ID).Msg("session ended")
	o.notifier.SessionUpdated(s)
	return nil
}

// activate turns a leaf step into a live move: a new move record, the
// child content item with templates resolved against the environment, the
// session repointed, a deadline scheduled, and the update broadcast.
func (o *Orchestrator) activate(ctx context.Context, s *Session, leaf *Step, env Environment) error {
	now := o.now()
	m := &Move{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		StepID:    leaf.ID,
		Status:    MoveStarted,
		StartedAt: now,
		TimeoutAt: now.Add(leaf.Timeout()),
	}

	title := Substitute(leaf.Title, env)
	text := Substitute(leaf.Text, env)
	if _, err := o.content.CreateChildItem(ctx, s.ID, title, text); err != nil {
		return fmt.Errorf("failed to create content item: %w", err)
	}

	if err := o.moves.CreateMove(ctx, m); err != nil {
		return fmt.Errorf("failed to create move: %w", err)
	}

	step := *leaf
	s.Status = SessionStarted
	s.CurrentStep = &step
	s.CurrentMoveID = m.ID
	s.Environment = env
	s.UpdatedAt = now
	if err := o.sessions.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	o.schedule(*m)
	o.log.Info().
		Str("session_id", s.ID).
		Str("step_id", leaf.ID).
		Str("move_id", m.ID).
		Time("timeout_at", m.TimeoutAt).
		Msg("move activated")
	o.notifier.SessionUpdated(s)
	return nil
}

func (o *Orchestrator) schedule(m Move) {
	if o.sched == nil {
		return
	}
	o.sched.Schedule(m)
}
