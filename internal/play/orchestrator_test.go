package play

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeStore is an in-memory SessionStore, MoveStore and ContentStore for
// orchestrator tests.
type fakeStore struct {
	sessions map[string]*Session
	moves    map[string]*Move
	content  []contentItem
}

type contentItem struct {
	sessionID, title, text string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*Session),
		moves:    make(map[string]*Move),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, s *Session) error {
	f.sessions[s.ID] = s.Clone()
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

func (f *fakeStore) UpdateSession(_ context.Context, s *Session) error {
	if _, ok := f.sessions[s.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
	}
	f.sessions[s.ID] = s.Clone()
	return nil
}

func (f *fakeStore) CreateMove(_ context.Context, m *Move) error {
	cp := *m
	f.moves[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetMove(_ context.Context, id string) (*Move, error) {
	m, ok := f.moves[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMoveNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) UpdateMove(_ context.Context, m *Move) error {
	if _, ok := f.moves[m.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrMoveNotFound, m.ID)
	}
	cp := *m
	f.moves[m.ID] = &cp
	return nil
}

func (f *fakeStore) ListMoves(_ context.Context, sessionID string) ([]Move, error) {
	var out []Move
	for _, m := range f.moves {
		if m.SessionID == sessionID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) ListStartedMoves(_ context.Context) ([]Move, error) {
	var out []Move
	for _, m := range f.moves {
		if m.Status == MoveStarted {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateChildItem(_ context.Context, sessionID, title, text string) (string, error) {
	f.content = append(f.content, contentItem{sessionID, title, text})
	return fmt.Sprintf("content-%d", len(f.content)), nil
}

type fakeNotifier struct {
	updates []*Session
}

func (f *fakeNotifier) SessionUpdated(s *Session) {
	f.updates = append(f.updates, s.Clone())
}

type fakeScheduler struct {
	scheduled []Move
}

func (f *fakeScheduler) Schedule(m Move) {
	f.scheduled = append(f.scheduled, m)
}

type fixture struct {
	orch     *Orchestrator
	store    *fakeStore
	notifier *fakeNotifier
	sched    *fakeScheduler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(),
		notifier: &fakeNotifier{},
		sched:    &fakeScheduler{},
		now:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	f.orch = NewOrchestrator(f.store, f.store, f.store, f.notifier, zerolog.Nop())
	f.orch.SetScheduler(f.sched)
	f.orch.SetNow(func() time.Time { return f.now })
	return f
}

func (f *fixture) advanceClock(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) currentMove(t *testing.T, s *Session) *Move {
	t.Helper()
	m, err := f.store.GetMove(context.Background(), s.CurrentMoveID)
	if err != nil {
		t.Fatalf("current move: %v", err)
	}
	return m
}

func TestCreateSessionWaiting(t *testing.T) {
	f := newFixture(t)

	s, err := f.orch.CreateSession(context.Background(), []string{"P1", "P2"}, []Step{moveStep("m")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionWaiting {
		t.Errorf("expected waiting, got %s", s.Status)
	}
	if s.CurrentStep != nil || s.CurrentMoveID != "" {
		t.Error("expected no active move before start")
	}
	if len(f.notifier.updates) != 1 {
		t.Errorf("expected one broadcast, got %d", len(f.notifier.updates))
	}
}

func TestCreateSessionRejectsInvalidDefinition(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.CreateSession(context.Background(), nil, []Step{{Type: StepMove}})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition, got %v", err)
	}
	if len(f.notifier.updates) != 0 {
		t.Error("expected no broadcast for rejected definition")
	}
}

func TestStartActivatesFirstLeaf(t *testing.T) {
	f := newFixture(t)
	steps := []Step{turnsStep("t1", "turn", moveStep("m"))}
	created, _ := f.orch.CreateSession(context.Background(), []string{"P1", "P2"}, steps)

	s, err := f.orch.Start(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionStarted {
		t.Errorf("expected started, got %s", s.Status)
	}
	if s.CurrentStep == nil || s.CurrentStep.ID != "m" {
		t.Fatalf("expected current step m, got %v", s.CurrentStep)
	}
	if s.Environment["turn"] != "P1" {
		t.Errorf("expected turn=P1, got %v", s.Environment)
	}

	m := f.currentMove(t, s)
	if m.Status != MoveStarted {
		t.Errorf("expected move started, got %s", m.Status)
	}
	if want := f.now.Add(300 * time.Second); !m.TimeoutAt.Equal(want) {
		t.Errorf("expected timeout at %v, got %v", want, m.TimeoutAt)
	}
	if len(f.sched.scheduled) != 1 {
		t.Fatalf("expected one scheduled deadline, got %d", len(f.sched.scheduled))
	}
	if !f.sched.scheduled[0].Equal(m) {
		t.Error("expected scheduled snapshot to match the stored move")
	}
}

func TestStartNoReachableStep(t *testing.T) {
	f := newFixture(t)
	// A turns step with no players yields no activatable leaf.
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{turnsStep("t1", "turn", moveStep("m"))})

	_, err := f.orch.Start(context.Background(), created.ID)
	if !errors.Is(err, ErrNoReachableStep) {
		t.Errorf("expected ErrNoReachableStep, got %v", err)
	}
}

func TestStartUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Start(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartIsIdempotentWhileStarted(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})
	started, _ := f.orch.Start(context.Background(), created.ID)
	firstMove := started.CurrentMoveID

	again, err := f.orch.Start(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Status != SessionStarted || again.CurrentMoveID != firstMove {
		t.Error("expected repeated start to leave the session untouched")
	}
	if len(f.sched.scheduled) != 1 {
		t.Errorf("expected no extra deadline, got %d scheduled", len(f.sched.scheduled))
	}
}

// Skipping through a turns step over two players ends the session after
// the last player, with the turn variable out of scope.
func TestSkipWalksTurnsToEnd(t *testing.T) {
	f := newFixture(t)
	steps := []Step{turnsStep("t1", "turn", moveStep("m"))}
	created, _ := f.orch.CreateSession(context.Background(), []string{"P1", "P2"}, steps)
	f.orch.Start(context.Background(), created.ID)

	s, err := f.orch.Skip(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.CurrentStep == nil || s.CurrentStep.ID != "m" {
		t.Fatalf("expected same leaf reactivated, got %v", s.CurrentStep)
	}
	if s.Environment["turn"] != "P2" {
		t.Errorf("expected turn=P2, got %v", s.Environment)
	}

	s, err = f.orch.Skip(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionEnded {
		t.Errorf("expected ended, got %s", s.Status)
	}
	if s.CurrentStep != nil || s.CurrentMoveID != "" {
		t.Error("expected active position cleared on end")
	}
	if _, ok := s.Environment["turn"]; ok {
		t.Errorf("expected turn out of scope, got %v", s.Environment)
	}

	moves, _ := f.store.ListMoves(context.Background(), created.ID)
	skipped := 0
	for _, m := range moves {
		if m.Status == MoveSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Errorf("expected both moves marked skipped, got %d", skipped)
	}
}

func TestSkipOutsideStartedIsNoOp(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})

	s, err := f.orch.Skip(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionWaiting {
		t.Errorf("expected waiting untouched, got %s", s.Status)
	}
}

// Pause accumulates elapsed time; resume restarts the move with only the
// remaining portion of its timeout.
func TestPauseResumeKeepsRemainingTimeout(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})
	f.orch.Start(context.Background(), created.ID)

	f.advanceClock(100 * time.Second)
	s, err := f.orch.Pause(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionPaused {
		t.Errorf("expected paused, got %s", s.Status)
	}
	m := f.currentMove(t, s)
	if m.Status != MovePaused {
		t.Errorf("expected move paused, got %s", m.Status)
	}
	if m.ElapsedMS != 100_000 {
		t.Errorf("expected 100s elapsed, got %dms", m.ElapsedMS)
	}

	f.advanceClock(30 * time.Minute)
	s, err = f.orch.Start(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionStarted {
		t.Errorf("expected started, got %s", s.Status)
	}
	m = f.currentMove(t, s)
	if want := f.now.Add(200 * time.Second); !m.TimeoutAt.Equal(want) {
		t.Errorf("expected remaining 200s timeout at %v, got %v", want, m.TimeoutAt)
	}
	if m.ElapsedMS != 100_000 {
		t.Errorf("expected elapsed preserved across resume, got %dms", m.ElapsedMS)
	}
	if len(f.sched.scheduled) != 2 {
		t.Errorf("expected a fresh deadline on resume, got %d scheduled", len(f.sched.scheduled))
	}
}

func TestResumePastDueClampsToZero(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})
	f.orch.Start(context.Background(), created.ID)

	f.advanceClock(400 * time.Second)
	f.orch.Pause(context.Background(), created.ID)
	f.advanceClock(time.Minute)

	s, err := f.orch.Start(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := f.currentMove(t, s)
	if !m.TimeoutAt.Equal(f.now) {
		t.Errorf("expected immediate deadline, got %v at now %v", m.TimeoutAt, f.now)
	}
}

func TestPauseOutsideStartedIsNoOp(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})

	s, err := f.orch.Pause(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionWaiting {
		t.Errorf("expected waiting untouched, got %s", s.Status)
	}
}

func TestStopFromStarted(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})
	f.orch.Start(context.Background(), created.ID)

	f.advanceClock(5 * time.Second)
	s, err := f.orch.Stop(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionStopped {
		t.Errorf("expected stopped, got %s", s.Status)
	}
	if s.CurrentStep == nil || s.CurrentMoveID == "" {
		t.Error("expected stop to keep the final position for inspection")
	}
	m := f.currentMove(t, s)
	if m.Status != MoveStopped {
		t.Errorf("expected move stopped, got %s", m.Status)
	}
	if m.ElapsedMS != 5_000 {
		t.Errorf("expected 5s elapsed, got %dms", m.ElapsedMS)
	}
}

func TestStopFromPausedDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})
	f.orch.Start(context.Background(), created.ID)

	f.advanceClock(10 * time.Second)
	f.orch.Pause(context.Background(), created.ID)
	f.advanceClock(time.Hour)

	s, err := f.orch.Stop(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := f.currentMove(t, s)
	if m.ElapsedMS != 10_000 {
		t.Errorf("expected paused time excluded, got %dms", m.ElapsedMS)
	}
}

func TestStopIsTerminal(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})
	f.orch.Start(context.Background(), created.ID)
	f.orch.Stop(context.Background(), created.ID)

	s, err := f.orch.Start(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionStopped {
		t.Errorf("expected stopped to stay terminal, got %s", s.Status)
	}
}

func TestAdvanceEndsMoveAndActivatesNext(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("a"), moveStep("b")})
	started, _ := f.orch.Start(context.Background(), created.ID)
	firstMove := started.CurrentMoveID

	f.advanceClock(300 * time.Second)
	if err := f.orch.Advance(context.Background(), created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, _ := f.store.GetSession(context.Background(), created.ID)
	if s.CurrentStep == nil || s.CurrentStep.ID != "b" {
		t.Fatalf("expected current step b, got %v", s.CurrentStep)
	}
	prev, _ := f.store.GetMove(context.Background(), firstMove)
	if prev.Status != MoveEnded {
		t.Errorf("expected first move ended, got %s", prev.Status)
	}
	if prev.ElapsedMS != 300_000 {
		t.Errorf("expected full timeout elapsed, got %dms", prev.ElapsedMS)
	}
}

func TestAdvanceOutsideStartedIsNoOp(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})
	f.orch.Start(context.Background(), created.ID)
	f.orch.Pause(context.Background(), created.ID)

	if err := f.orch.Advance(context.Background(), created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := f.store.GetSession(context.Background(), created.ID)
	if s.Status != SessionPaused {
		t.Errorf("expected paused untouched, got %s", s.Status)
	}
}

func TestUpdateStatePatchesFields(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), []string{"P1"}, []Step{moveStep("m")})

	status := SessionPaused
	s, err := f.orch.UpdateState(context.Background(), created.ID, SessionPatch{
		Status:      &status,
		Players:     []string{"P1", "P2"},
		Environment: Environment{"r": float64(2)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionPaused {
		t.Errorf("expected patched status, got %s", s.Status)
	}
	if len(s.Players) != 2 {
		t.Errorf("expected patched players, got %v", s.Players)
	}
	if s.Environment["r"] != 2 {
		t.Errorf("expected normalized int counter, got %T", s.Environment["r"])
	}
}

func TestUpdateStateRejectsInvalidSteps(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("m")})

	_, err := f.orch.UpdateState(context.Background(), created.ID, SessionPatch{
		Steps: []Step{{ID: "x", Type: "loop"}},
	})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestActivateResolvesTemplates(t *testing.T) {
	f := newFixture(t)
	steps := []Step{
		roundsStep("r1", "r", 2, Step{
			ID: "m", Type: StepMove,
			Title:          "Round (r)",
			Text:           "It is (turn)'s move in round (r)",
			TimeoutSeconds: 60,
		}),
	}
	created, _ := f.orch.CreateSession(context.Background(), []string{"P1"}, steps)
	f.orch.Start(context.Background(), created.ID)

	if len(f.store.content) != 1 {
		t.Fatalf("expected one content item, got %d", len(f.store.content))
	}
	item := f.store.content[0]
	if item.title != "Round 1" {
		t.Errorf("expected resolved title, got %q", item.title)
	}
	if item.text != "It is (turn)'s move in round 1" {
		t.Errorf("expected unknown token verbatim, got %q", item.text)
	}
}

func TestEveryMutationBroadcasts(t *testing.T) {
	f := newFixture(t)
	created, _ := f.orch.CreateSession(context.Background(), nil, []Step{moveStep("a"), moveStep("b")})
	f.orch.Start(context.Background(), created.ID)
	f.orch.Pause(context.Background(), created.ID)
	f.orch.Start(context.Background(), created.ID)
	f.orch.Skip(context.Background(), created.ID)
	f.orch.Stop(context.Background(), created.ID)

	// create, start, pause, resume, skip->activate, stop
	if len(f.notifier.updates) != 6 {
		t.Errorf("expected 6 broadcasts, got %d", len(f.notifier.updates))
	}
	last := f.notifier.updates[len(f.notifier.updates)-1]
	if last.Status != SessionStopped {
		t.Errorf("expected final broadcast to carry stopped, got %s", last.Status)
	}
}
