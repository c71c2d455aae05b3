// Package httpserver exposes the engine over HTTP: a turn endpoint that
// streams a conversation's chunk.Chunk sequence as Server-Sent Events, a
// file-change SSE feed backed by the watch hub, plus /healthz and
// /metrics. Grounded on the teacher's internal/gateway/http_server.go
// (http.ServeMux + promhttp.Handler + graceful net/http.Server
// Shutdown), generalized from the teacher's webhook/WS/web-UI mux
// registrations down to this engine's turn/watch surface.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderloop/engine/internal/agent"
	"github.com/coderloop/engine/internal/chunk"
	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/watch"
)

// Runner is satisfied by both agent.Loop and agent.DualLoop.
type Runner interface {
	Run(ctx context.Context, in agent.TurnInput) <-chan chunk.Chunk
}

// Conversations is the subset of store.MemoryStore the server needs to look
// up conversations addressed by the turn endpoint.
type Conversations interface {
	Conversation(ctx context.Context, id string) (store.Conversation, error)
}

// Config wires a Server's collaborators. Settings is the process-wide
// singleton record (store.Settings's own doc comment: "the singleton
// (id=1) engine configuration record") — a request body supplies only the
// user's text, never a Settings override, so a client can't smuggle in a
// different model endpoint or API token. Dual is used when
// Settings.DualModelEnabled is set and Dual is non-nil; Single otherwise.
type Config struct {
	Host          string
	Port          int
	Settings      store.Settings
	Conversations Conversations
	Single        Runner
	Dual          Runner
	WatchHub      *watch.Hub
	Logger        *slog.Logger
}

// Server is the engine's HTTP/SSE front door (SPEC_FULL.md's "serve"
// subcommand).
type Server struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// New constructs a Server from cfg. Call Start to begin listening.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Start builds the mux and begins serving in the background. It returns
// once the listener is bound; Serve errors are logged asynchronously.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/conversations/", s.handleConversationRoutes)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener
	s.startTime = time.Now().UTC()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleConversationRoutes dispatches /v1/conversations/{id}/turns and
// /v1/conversations/{id}/watch; net/http's stdlib mux (pre-1.22 pattern)
// doesn't support path params, so the ID is parsed here, matching how the
// teacher's own handlers_*.go files hand-parse path segments off r.URL.Path.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitConversationPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch sub {
	case "turns":
		s.handleTurn(w, r, id)
	case "watch":
		s.handleWatch(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func splitConversationPath(path string) (id, sub string, ok bool) {
	const prefix = "/v1/conversations/"
	if len(path) <= len(prefix) {
		return "", "", false
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			if i == 0 {
				return "", "", false
			}
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

type turnRequest struct {
	Text string `json:"text"`
}

// handleTurn runs one turn and streams its chunks as SSE, dispatching to the
// dual-model loop when the process-wide Settings.DualModelEnabled is set and
// a Dual runner is configured (SPEC_FULL.md §4.4's routing rule).
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := s.cfg.Conversations.Conversation(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	runner := s.cfg.Single
	if s.cfg.Settings.DualModelEnabled && s.cfg.Dual != nil {
		runner = s.cfg.Dual
	}
	if runner == nil {
		http.Error(w, "no agent loop configured", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	chunks := runner.Run(r.Context(), agent.TurnInput{Conversation: conv, UserText: req.Text, Settings: s.cfg.Settings})
	for c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// handleWatch streams file_change SSE events for the conversation's project
// directory until the client disconnects (SPEC_FULL.md §4.6).
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, conversationID string) {
	if s.cfg.WatchHub == nil {
		http.Error(w, "file watching is not enabled", http.StatusNotImplemented)
		return
	}
	conv, err := s.cfg.Conversations.Conversation(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if conv.ProjectPath == "" {
		http.Error(w, "conversation has no project directory", http.StatusBadRequest)
		return
	}

	events, err := s.cfg.WatchHub.Subscribe(conv.ProjectPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.cfg.WatchHub.Unsubscribe(conv.ProjectPath, events)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c := chunk.NewFileChange(ev.Path, ev.Op)
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
