// Package gateway exposes the pipeline over HTTP and WebSocket: session
// issuance with HS256 tokens, the chat endpoints, summaries, health, and
// stats. It owns the wire shapes and status mapping; the pipeline owns
// everything about producing replies.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/fault"
	"github.com/personal-context-engine/internal/jsonx"
	"github.com/personal-context-engine/internal/pipeline"
	"github.com/personal-context-engine/internal/session"
)

// Pipeline is the engine surface the gateway serves.
type Pipeline interface {
	ProcessMessage(ctx context.Context, sessionID, text string, opts pipeline.Options) (*pipeline.Reply, error)
	ProcessMessageStream(ctx context.Context, sessionID, text string, opts pipeline.Options) (<-chan pipeline.StreamEvent, error)
	SessionSummary(ctx context.Context, sessionID string) (session.SessionSummary, error)
	Stats() map[string]interface{}
}

// Server carries the gateway's handlers and middleware.
type Server struct {
	pipeline Pipeline
	auth     *Auth
	limiter  *rateLimiter
	logger   *zap.Logger
	upgrader websocket.Upgrader
	started  time.Time

	requests atomic.Int64
}

// NewServer builds the gateway over an assembled pipeline.
func NewServer(p Pipeline, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	auth, err := NewAuth(cfg, logger)
	if err != nil {
		return nil, err
	}

	origins := cfg.Server.AllowedOrigins
	return &Server{
		pipeline: p,
		auth:     auth,
		limiter:  newRateLimiter(cfg),
		logger:   logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
		started: time.Now(),
	}, nil
}

// originChecker admits browser connections from the configured origins.
// An empty list or a "*" entry admits everything, which suits local use.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		return allowed[strings.TrimRight(origin, "/")]
	}
}

// Routes assembles the router with auth and rate limiting applied.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	protect := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(h)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.Handle("/chat", protect(s.handleChat)).Methods("POST")
	api.Handle("/sessions/{id}/summary", protect(s.handleSummary)).Methods("GET")

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Handle("/chat", protect(s.handleChatSocket)).Methods("GET")

	return s.limiter.Middleware(r)
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	sessionID := uuid.NewString()
	token, err := s.auth.Mint(sessionID)
	if err != nil {
		s.logger.Error("token mint failed", zap.Error(err))
		http.Error(w, "could not create session", http.StatusInternalServerError)
		return
	}

	s.logger.Info("session created", zap.String("session_id", sessionID))
	s.writeJSON(w, http.StatusOK, sessionResponse{SessionID: sessionID, Token: token})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Voice     bool   `json:"voice,omitempty"`
	TopK      int    `json:"top_k,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	var req chatRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if req.SessionID != SessionID(r.Context()) {
		http.Error(w, "token is not valid for this session", http.StatusForbidden)
		return
	}

	reply, err := s.pipeline.ProcessMessage(r.Context(), req.SessionID, req.Message,
		pipeline.Options{Voice: req.Voice, TopK: req.TopK})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	sessionID := mux.Vars(r)["id"]
	if sessionID != SessionID(r.Context()) {
		http.Error(w, "token is not valid for this session", http.StatusForbidden)
		return
	}

	summary, err := s.pipeline.SessionSummary(r.Context(), sessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.pipeline.Stats()
	stats["gateway_requests"] = s.requests.Load()
	s.writeJSON(w, http.StatusOK, stats)
}

// respondError maps pipeline errors onto HTTP statuses. Detail stays in the
// logs; clients get the stable taxonomy message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.Canceled):
		return // client went away
	case errors.Is(err, fault.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, fault.ErrParse):
		status = http.StatusBadRequest
	}

	s.logger.Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	s.writeJSON(w, status, map[string]string{"error": fault.ClientMessage(err)})
}

// writeJSON encodes v through a pooled buffer so response bodies do not
// allocate per request.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := jsonx.NewEncoder(buf).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.B)
}
