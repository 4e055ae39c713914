package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cstracker/internal/status"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// streamEvent is one frame pushed to a status stream client.
type streamEvent struct {
	Type   string         `json:"type"`
	Status *status.Record `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// handleStream upgrades to a websocket and pushes the status record for key
// each time it changes, closing once the state is terminal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "key is required"})
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.streamStatus(ctx, conn, key)
}

func (s *Server) streamStatus(ctx context.Context, conn *websocket.Conn, key string) {
	ticker := time.NewTicker(s.cfg.StreamPoll)
	defer ticker.Stop()

	var last status.Record
	sent := false
	for {
		lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		rec, err := s.status.Get(lookupCtx, key)
		cancel()

		switch {
		case errors.Is(err, status.ErrNotFound):
			// Not written yet; keep polling.
		case err != nil:
			s.logger.Warn().Err(err).Str("s3_key", key).Msg("stream status lookup failed")
			_ = conn.WriteJSON(streamEvent{Type: "error", Error: "status lookup failed"})
			s.closeStream(conn, websocket.CloseInternalServerErr)
			return
		case !sent || rec.State != last.State || !rec.UpdatedAt.Equal(last.UpdatedAt) || rec.Deliveries != last.Deliveries:
			if err := conn.WriteJSON(streamEvent{Type: "status", Status: &rec}); err != nil {
				return
			}
			last, sent = rec, true
			if status.IsTerminal(rec.State) {
				_ = conn.WriteJSON(streamEvent{Type: "complete"})
				s.closeStream(conn, websocket.CloseNormalClosure)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
