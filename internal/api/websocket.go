package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playmill/playmill/internal/play"
)

const (
	// Number of recent events to replay on connection
	recentEventsCount = 25

	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The operator gate already ran; cross-origin pages are allowed
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Command is one inbound gateway message. There is no request/response
// correlation: the broadcast of the resulting session state is the only
// response, and every subscriber of the session's room receives it,
// including the sender.
type Command struct {
	Action string             `json:"action"`
	Patch  *play.SessionPatch `json:"patch,omitempty"`
}

// wsSessionHandler is the bidirectional per-session channel: inbound
// participant commands, outbound state broadcasts.
func (s *Server) wsSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.sessions.GetSession(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	sub := s.broadcaster.Subscribe(sessionID)

	// Replay recent events so late joiners see the current state
	for _, e := range s.broadcaster.Recent(sessionID, recentEventsCount) {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.broadcaster.Unsubscribe(sessionID, sub)
			conn.Close()
			return
		}
	}

	done := make(chan struct{})

	// Reader goroutine - dispatches inbound commands, handles pongs and close
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatchCommand(sessionID, data)
		}
	}()

	// Writer goroutine - sends broadcasts and pings
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.broadcaster.Unsubscribe(sessionID, sub)
			conn.Close()
			return

		case e, ok := <-sub:
			if !ok {
				conn.Close()
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.broadcaster.Unsubscribe(sessionID, sub)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.broadcaster.Unsubscribe(sessionID, sub)
				conn.Close()
				return
			}
		}
	}
}

// dispatchCommand translates one inbound message into an orchestrator
// call. Failures are logged; clients observe outcomes through broadcast
// only.
func (s *Server) dispatchCommand(sessionID string, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("invalid ws command")
		return
	}

	ctx := context.Background()
	var err error
	switch cmd.Action {
	case "start":
		_, err = s.orch.Start(ctx, sessionID)
	case "skip":
		_, err = s.orch.Skip(ctx, sessionID)
	case "pause":
		_, err = s.orch.Pause(ctx, sessionID)
	case "stop":
		_, err = s.orch.Stop(ctx, sessionID)
	case "update":
		if cmd.Patch == nil {
			s.log.Warn().Str("session_id", sessionID).Msg("update command without patch")
			return
		}
		_, err = s.orch.UpdateState(ctx, sessionID, *cmd.Patch)
	default:
		s.log.Warn().Str("session_id", sessionID).Str("action", cmd.Action).Msg("unknown ws command")
		return
	}

	if err != nil {
		level := s.log.Error()
		if errors.Is(err, play.ErrSessionNotFound) || errors.Is(err, play.ErrMoveNotFound) {
			level = s.log.Warn()
		}
		level.Err(err).Str("session_id", sessionID).Str("action", cmd.Action).Msg("ws command failed")
	}
}
