package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/fault"
	"github.com/personal-context-engine/internal/jsonx"
	"github.com/personal-context-engine/internal/pipeline"
)

type wsChatRequest struct {
	Message string `json:"message"`
	Voice   bool   `json:"voice,omitempty"`
	TopK    int    `json:"top_k,omitempty"`
}

type wsErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleChatSocket upgrades the connection and serves streamed turns on it.
// Each incoming {message, voice} runs one turn; the reply goes out as
// fragment frames followed by a metadata frame, matching the stream events
// one to one.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if sessionID != SessionID(r.Context()) {
		http.Error(w, "token is not valid for this session", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.logger.Info("websocket connected", zap.String("session_id", sessionID))
	s.serveSocket(conn, sessionID)
}

func (s *Server) serveSocket(conn *websocket.Conn, sessionID string) {
	defer conn.Close()

	// Cancels in-flight streams when the connection goes away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var req wsChatRequest
		if err := jsonx.Unmarshal(data, &req); err != nil {
			if s.writeFrame(conn, wsErrorEvent{Type: "error", Error: "invalid message"}) != nil {
				return
			}
			continue
		}

		events, err := s.pipeline.ProcessMessageStream(ctx, sessionID, req.Message,
			pipeline.Options{Voice: req.Voice, TopK: req.TopK})
		if err != nil {
			if s.writeFrame(conn, wsErrorEvent{Type: "error", Error: fault.ClientMessage(err)}) != nil {
				return
			}
			continue
		}

		for ev := range events {
			if err := s.writeFrame(conn, ev); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// writeFrame encodes one event through a pooled buffer onto the socket.
func (s *Server) writeFrame(conn *websocket.Conn, v interface{}) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := jsonx.NewEncoder(buf).Encode(v); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, buf.B)
}
