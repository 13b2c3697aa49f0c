package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/playmill/playmill/internal/play"
)

// Advancer advances a session past its current move. Implemented by the
// orchestrator.
type Advancer interface {
	Advance(ctx context.Context, sessionID string) error
}

// Scheduler arms one-shot callbacks at move deadlines. There is no
// cancellation handle and no lock: a job re-reads its move from storage
// when it fires and compares it to the snapshot captured at schedule
// time. Any mutation in between changes some field of the move, so the
// stale job observes inequality and no-ops. Dangling timers that fire and
// no-op are harmless.
type Scheduler struct {
	moves    play.MoveStore
	advancer Advancer
	log      zerolog.Logger

	now   func() time.Time
	timer func(d time.Duration, f func())

	mu      sync.Mutex
	pending int
}

// New creates a scheduler using the real clock and time.AfterFunc.
func New(moves play.MoveStore, advancer Advancer, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		moves:    moves,
		advancer: advancer,
		log:      log,
		now:      time.Now,
		timer: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// SetClock overrides the clock and timer facility (for testing).
func (s *Scheduler) SetClock(now func() time.Time, timer func(d time.Duration, f func())) {
	s.now = now
	s.timer = timer
}

// Schedule arms a deadline callback for the move's absolute timeout. The
// move value is the snapshot the job validates against when it fires.
func (s *Scheduler) Schedule(m play.Move) {
	d := m.TimeoutAt.Sub(s.now())
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	s.timer(d, func() {
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
		s.fire(context.Background(), m)
	})

	s.log.Debug().
		Str("move_id", m.ID).
		Str("session_id", m.SessionID).
		Time("timeout_at", m.TimeoutAt).
		Msg("deadline scheduled")
}

// Pending returns the number of armed timers (for metrics).
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// fire re-validates the snapshot against storage and advances the owning
// session only if the move is byte-for-byte the one that was scheduled.
// This equality check is the engine's only concurrency control.
func (s *Scheduler) fire(ctx context.Context, snapshot play.Move) {
	current, err := s.moves.GetMove(ctx, snapshot.ID)
	if err != nil {
		if errors.Is(err, play.ErrMoveNotFound) {
			s.log.Debug().Str("move_id", snapshot.ID).Msg("deadline fired for missing move, dropping")
			return
		}
		s.log.Error().Err(err).Str("move_id", snapshot.ID).Msg("deadline re-read failed")
		return
	}

	if !current.Equal(&snapshot) {
		s.log.Debug().
			Str("move_id", snapshot.ID).
			Str("session_id", snapshot.SessionID).
			Msg("deadline fired against superseded move, dropping")
		return
	}

	if err := s.advancer.Advance(ctx, snapshot.SessionID); err != nil {
		s.log.Error().Err(err).
			Str("session_id", snapshot.SessionID).
			Str("move_id", snapshot.ID).
			Msg("deadline advance failed")
	}
}

// Recover reconciles all in-flight deadlines from persisted state. Run
// once at process start: moves whose timeout already passed go through
// the same stale-check-then-advance path a live firing would take; the
// rest are re-armed. Returns the number of moves examined.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	moves, err := s.moves.ListStartedMoves(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	for _, m := range moves {
		if m.TimeoutAt.After(now) {
			s.Schedule(m)
			continue
		}
		s.log.Info().
			Str("move_id", m.ID).
			Str("session_id", m.SessionID).
			Time("timeout_at", m.TimeoutAt).
			Msg("recovering past-due move")
		s.fire(ctx, m)
	}

	return len(moves), nil
}
