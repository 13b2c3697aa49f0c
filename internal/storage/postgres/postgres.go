// Package postgres persists sessions, moves and content items with
// lib/pq. Connection parameters come from the standard PG* environment
// variables; the schema is bootstrapped in code at startup.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/playmill/playmill/internal/play"
)

// Store implements play.SessionStore, play.MoveStore and
// play.ContentStore on Postgres.
type Store struct {
	db *sql.DB
}

// New opens a connection using PG* environment variables and creates the
// schema if missing.
func New() (*Store, error) {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "playmill")
	dbname := getEnv("PGDATABASE", "playmill")
	password := os.Getenv("PGPASSWORD")

	var connStr string
	if password != "" {
		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	} else {
		connStr = fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
			host, port, user, dbname)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (s *Store) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			players      JSONB NOT NULL,
			steps        JSONB NOT NULL,
			environment  JSONB NOT NULL,
			current_step JSONB,
			current_move TEXT,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS moves (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			step_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			timeout_at TIMESTAMPTZ NOT NULL,
			elapsed_ms BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_moves_session ON moves(session_id);
		CREATE INDEX IF NOT EXISTS idx_moves_status ON moves(status);
		CREATE TABLE IF NOT EXISTS content_items (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			title      TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_content_session ON content_items(session_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess *play.Session) error {
	players, steps, env, current, err := marshalSession(sess)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, status, players, steps, environment, current_step, current_move, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Status), players, steps, env, current,
		nullString(sess.CurrentMoveID), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*play.Session, error) {
	query := `
		SELECT id, status, players, steps, environment, current_step, current_move, created_at, updated_at
		FROM sessions WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var (
		sess        play.Session
		status      string
		players     []byte
		steps       []byte
		env         []byte
		current     []byte
		currentMove sql.NullString
	)
	err := row.Scan(&sess.ID, &status, &players, &steps, &env, &current, &currentMove, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", play.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	sess.Status = play.SessionStatus(status)
	if err := json.Unmarshal(players, &sess.Players); err != nil {
		return nil, fmt.Errorf("failed to decode players: %w", err)
	}
	if err := json.Unmarshal(steps, &sess.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if err := json.Unmarshal(env, &sess.Environment); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	sess.Environment.Normalize()
	if len(current) > 0 && string(current) != "null" {
		var step play.Step
		if err := json.Unmarshal(current, &step); err != nil {
			return nil, fmt.Errorf("failed to decode current step: %w", err)
		}
		sess.CurrentStep = &step
	}
	if currentMove.Valid {
		sess.CurrentMoveID = currentMove.String
	}

	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *play.Session) error {
	players, steps, env, current, err := marshalSession(sess)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET status = $2, players = $3, steps = $4, environment = $5,
		    current_step = $6, current_move = $7, updated_at = $8
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Status), players, steps, env, current,
		nullString(sess.CurrentMoveID), sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", play.ErrSessionNotFound, sess.ID)
	}
	return nil
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]play.Session, error) {
	query := `SELECT id FROM sessions ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sessions := make([]play.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

func (s *Store) CreateMove(ctx context.Context, m *play.Move) error {
	query := `
		INSERT INTO moves (id, session_id, step_id, status, started_at, timeout_at, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.SessionID, m.StepID, string(m.Status), m.StartedAt, m.TimeoutAt, m.ElapsedMS)
	if err != nil {
		return fmt.Errorf("failed to insert move: %w", err)
	}
	return nil
}

func (s *Store) GetMove(ctx context.Context, id string) (*play.Move, error) {
	query := `
		SELECT id, session_id, step_id, status, started_at, timeout_at, elapsed_ms
		FROM moves WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var m play.Move
	var status string
	err := row.Scan(&m.ID, &m.SessionID, &m.StepID, &status, &m.StartedAt, &m.TimeoutAt, &m.ElapsedMS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", play.ErrMoveNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read move: %w", err)
	}
	m.Status = play.MoveStatus(status)
	return &m, nil
}

func (s *Store) UpdateMove(ctx context.Context, m *play.Move) error {
	query := `
		UPDATE moves
		SET status = $2, started_at = $3, timeout_at = $4, elapsed_ms = $5
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		m.ID, string(m.Status), m.StartedAt, m.TimeoutAt, m.ElapsedMS)
	if err != nil {
		return fmt.Errorf("failed to update move: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", play.ErrMoveNotFound, m.ID)
	}
	return nil
}

func (s *Store) ListMoves(ctx context.Context, sessionID string) ([]play.Move, error) {
	query := `
		SELECT id, session_id, step_id, status, started_at, timeout_at, elapsed_ms
		FROM moves WHERE session_id = $1
		ORDER BY started_at
	`
	return s.queryMoves(ctx, query, sessionID)
}

// ListStartedMoves scans the whole moves table for in-flight deadlines.
// Only run at startup recovery.
func (s *Store) ListStartedMoves(ctx context.Context) ([]play.Move, error) {
	query := `
		SELECT id, session_id, step_id, status, started_at, timeout_at, elapsed_ms
		FROM moves WHERE status = $1
		ORDER BY started_at
	`
	return s.queryMoves(ctx, query, string(play.MoveStarted))
}

func (s *Store) queryMoves(ctx context.Context, query string, arg string) ([]play.Move, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query moves: %w", err)
	}
	defer rows.Close()

	var moves []play.Move
	for rows.Next() {
		var m play.Move
		var status string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.StepID, &status, &m.StartedAt, &m.TimeoutAt, &m.ElapsedMS); err != nil {
			return nil, err
		}
		m.Status = play.MoveStatus(status)
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

func (s *Store) CreateChildItem(ctx context.Context, sessionID, title, text string) (string, error) {
	id := uuid.NewString()
	query := `
		INSERT INTO content_items (id, session_id, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, id, sessionID, title, text, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert content item: %w", err)
	}
	return id, nil
}

// Ping reports connectivity (for health and metrics).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func marshalSession(sess *play.Session) (players, steps, env, current []byte, err error) {
	if players, err = json.Marshal(sess.Players); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal players: %w", err)
	}
	if steps, err = json.Marshal(sess.Steps); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	if env, err = json.Marshal(sess.Environment); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal environment: %w", err)
	}
	if sess.CurrentStep != nil {
		if current, err = json.Marshal(sess.CurrentStep); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal current step: %w", err)
		}
	}
	return players, steps, env, current, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
