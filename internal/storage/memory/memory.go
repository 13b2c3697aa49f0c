// Package memory is an in-process store used by tests and --dev runs.
// It mirrors the per-record update semantics the engine expects from
// Postgres: reads and writes copy records, so callers never share
// mutable state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playmill/playmill/internal/play"
)

// ContentItem is a child content item created on move activation.
type ContentItem struct {
	ID        string
	SessionID string
	Title     string
	Text      string
	CreatedAt time.Time
}

// Store implements play.SessionStore, play.MoveStore and
// play.ContentStore in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*play.Session
	moves    map[string]*play.Move
	contents []ContentItem
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*play.Session),
		moves:    make(map[string]*play.Move),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *play.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session already exists: %s", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*play.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", play.ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *play.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("%w: %s", play.ErrSessionNotFound, sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// ListSessions returns every session (for the API index endpoint).
func (s *Store) ListSessions(ctx context.Context) ([]play.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]play.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess.Clone())
	}
	return out, nil
}

func (s *Store) CreateMove(ctx context.Context, m *play.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.moves[m.ID]; ok {
		return fmt.Errorf("move already exists: %s", m.ID)
	}
	cp := *m
	s.moves[m.ID] = &cp
	return nil
}

func (s *Store) GetMove(ctx context.Context, id string) (*play.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.moves[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", play.ErrMoveNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateMove(ctx context.Context, m *play.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.moves[m.ID]; !ok {
		return fmt.Errorf("%w: %s", play.ErrMoveNotFound, m.ID)
	}
	cp := *m
	s.moves[m.ID] = &cp
	return nil
}

func (s *Store) ListMoves(ctx context.Context, sessionID string) ([]play.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []play.Move
	for _, m := range s.moves {
		if m.SessionID == sessionID {
			out = append(out, *m)
		}
	}
	sortMovesByStart(out)
	return out, nil
}

func (s *Store) ListStartedMoves(ctx context.Context) ([]play.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []play.Move
	for _, m := range s.moves {
		if m.Status == play.MoveStarted {
			out = append(out, *m)
		}
	}
	sortMovesByStart(out)
	return out, nil
}

func (s *Store) CreateChildItem(ctx context.Context, sessionID, title, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := ContentItem{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Title:     title,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.contents = append(s.contents, item)
	return item.ID, nil
}

// ContentItems returns created content items for a session (for tests).
func (s *Store) ContentItems(sessionID string) []ContentItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ContentItem
	for _, c := range s.contents {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func sortMovesByStart(moves []play.Move) {
	sort.Slice(moves, func(i, j int) bool {
		return moves[i].StartedAt.Before(moves[j].StartedAt)
	})
}
