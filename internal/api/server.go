package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/playmill/playmill/internal/events"
	"github.com/playmill/playmill/internal/play"
)

// SessionReader is the read surface the API needs beyond the
// orchestrator's command surface.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*play.Session, error)
	ListSessions(ctx context.Context) ([]play.Session, error)
}

// MoveReader lists a session's move history.
type MoveReader interface {
	ListMoves(ctx context.Context, sessionID string) ([]play.Move, error)
}

// Server exposes the gateway: REST command fallbacks plus the per-session
// websocket channel.
type Server struct {
	orch        *play.Orchestrator
	sessions    SessionReader
	moves       MoveReader
	broadcaster *events.Broadcaster
	log         zerolog.Logger

	startTime time.Time

	// Health/metrics probes, each may be nil.
	pgPing      func() error
	mqttUp      func() bool
	pendingJobs func() int
}

// NewServer creates the API server.
func NewServer(orch *play.Orchestrator, sessions SessionReader, moves MoveReader, broadcaster *events.Broadcaster, log zerolog.Logger) *Server {
	return &Server{
		orch:        orch,
		sessions:    sessions,
		moves:       moves,
		broadcaster: broadcaster,
		log:         log,
		startTime:   time.Now(),
	}
}

// SetProbes wires connectivity and scheduler gauges into /metrics.
func (s *Server) SetProbes(pgPing func() error, mqttUp func() bool, pendingJobs func() int) {
	s.pgPing = pgPing
	s.mqttUp = mqttUp
	s.pendingJobs = pendingJobs
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /metrics", s.metricsHandler)
	mux.HandleFunc("POST /sessions", RequireAuth(s.createSessionHandler))
	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("GET /sessions/{id}/moves", s.listMovesHandler)
	mux.HandleFunc("POST /sessions/{id}/start", RequireAuth(s.commandHandler(s.orch.Start)))
	mux.HandleFunc("POST /sessions/{id}/skip", RequireAuth(s.commandHandler(s.orch.Skip)))
	mux.HandleFunc("POST /sessions/{id}/pause", RequireAuth(s.commandHandler(s.orch.Pause)))
	mux.HandleFunc("POST /sessions/{id}/stop", RequireAuth(s.commandHandler(s.orch.Stop)))
	mux.HandleFunc("PATCH /sessions/{id}", RequireAuth(s.updateSessionHandler))
	mux.HandleFunc("GET /sessions/{id}/ws", RequireAuth(s.wsSessionHandler))
	return mux
}

// ListenAndServe starts the API server, with TLS when PLAYMILL_TLS_CERT
// and PLAYMILL_TLS_KEY are set. Blocks until the server exits.
func (s *Server) ListenAndServe(ctx context.Context, port int, grace time.Duration) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}

	certFile := os.Getenv("PLAYMILL_TLS_CERT")
	keyFile := os.Getenv("PLAYMILL_TLS_KEY")
	useTLS := certFile != "" && keyFile != ""
	if useTLS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Bool("tls", useTLS).Msg("api listening")
		if useTLS {
			errCh <- srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	resp := HealthResponse{
		Status:    "ok",
		Service:   "playmill",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	writeJSON(w, http.StatusOK, resp)
}

// CommandResponse is the REST reply envelope. The websocket channel
// answers through broadcast only; these endpoints additionally return
// the resulting session for script-friendliness.
type CommandResponse struct {
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Session *play.Session `json:"session,omitempty"`
}

// CreateSessionRequest authors a new session.
type CreateSessionRequest struct {
	Players []string    `json:"players"`
	Steps   []play.Step `json:"steps"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{OK: false, Error: "invalid JSON"})
		return
	}

	sess, err := s.orch.CreateSession(r.Context(), req.Players, req.Steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CommandResponse{OK: true, Session: sess})
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listMovesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	moves, err := s.moves.ListMoves(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, moves)
}

func (s *Server) commandHandler(cmd func(ctx context.Context, id string) (*play.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := cmd(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CommandResponse{OK: true, Session: sess})
	}
}

func (s *Server) updateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var patch play.SessionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{OK: false, Error: "invalid JSON"})
		return
	}

	sess, err := s.orch.UpdateState(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{OK: true, Session: sess})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, play.ErrSessionNotFound), errors.Is(err, play.ErrMoveNotFound):
		writeJSON(w, http.StatusNotFound, CommandResponse{OK: false, Error: err.Error()})
	case errors.Is(err, play.ErrNoReachableStep),
		errors.Is(err, play.ErrUnsupportedStepKind),
		errors.Is(err, play.ErrInvalidDefinition),
		errors.Is(err, play.ErrStepNotInTree):
		writeJSON(w, http.StatusUnprocessableEntity, CommandResponse{OK: false, Error: err.Error()})
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, CommandResponse{OK: false, Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
