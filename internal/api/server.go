// Package api implements the HTTP, WebSocket and voice transports in
// front of the agent loop.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/auth"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/buildinfo"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/checkpoint"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/health"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/transcribe"
)

// Turns runs agent turns. Implemented by agent.Loop.
type Turns interface {
	HandleTurn(ctx context.Context, conversationID, text string) (string, error)
	Model() string
}

// ToolCallLister lists audited tool calls. Implemented by
// memory.SQLiteStore.
type ToolCallLister interface {
	ToolCalls(ctx context.Context, conversationID string, limit int) ([]memory.ToolCall, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	turns        Turns
	store        memory.Store
	gate         *auth.Gate
	toolCalls    ToolCallLister
	transcriber  transcribe.Transcriber
	checkpointer *checkpoint.Checkpointer
	health       *health.Monitor

	// meetingPrefixChars is the transcript length past which a voice
	// message is treated as a meeting to analyze.
	meetingPrefixChars int

	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, turns Turns, store memory.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:            address,
		port:               port,
		turns:              turns,
		store:              store,
		meetingPrefixChars: DefaultMeetingPrefixChars,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "api"),
	}
}

// SetGate puts the authorization gate in front of every chat message.
func (s *Server) SetGate(g *auth.Gate) { s.gate = g }

// SetTranscriber enables POST /v1/voice. Transcripts longer than
// prefixChars characters are sent as meetings to analyze.
func (s *Server) SetTranscriber(t transcribe.Transcriber, prefixChars int) {
	s.transcriber = t
	if prefixChars > 0 {
		s.meetingPrefixChars = prefixChars
	}
}

// SetCheckpointer configures the checkpointer for checkpoint API endpoints.
func (s *Server) SetCheckpointer(cp *checkpoint.Checkpointer) { s.checkpointer = cp }

// SetHealth adds dependency status to GET /health.
func (s *Server) SetHealth(m *health.Monitor) { s.health = m }

// SetToolCalls enables GET /v1/tools/calls.
func (s *Server) SetToolCalls(l ToolCallLister) { s.toolCalls = l }

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat transports
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/voice", s.handleVoice)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	// Authorization
	mux.HandleFunc("GET /v1/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("GET /v1/auth/{id}/qr.png", s.handleAuthQR)

	// History endpoints
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/conversations/{id}/export", s.handleConversationExport)
	mux.HandleFunc("GET /v1/tools/calls", s.handleToolCalls)

	// Checkpoint endpoints
	mux.HandleFunc("POST /v1/checkpoint", s.handleCheckpointCreate)
	mux.HandleFunc("GET /v1/checkpoints", s.handleCheckpointList)
	mux.HandleFunc("GET /v1/checkpoint/{id}", s.handleCheckpointGet)
	mux.HandleFunc("DELETE /v1/checkpoint/{id}", s.handleCheckpointDelete)
	mux.HandleFunc("POST /v1/checkpoint/{id}/restore", s.handleCheckpointRestore)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // meeting analysis can run long
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Gestella",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Running(), s.logger)
}

// handleHealth reports "degraded" with a 503 when a watched dependency
// failed its last probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"model":  s.turns.Model(),
	}
	code := http.StatusOK
	if s.health != nil {
		resp["dependencies"] = s.health.Status()
		if !s.health.Healthy() {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// turnErrorStatus maps a failed turn to an HTTP status.
func turnErrorStatus(err error) int {
	switch {
	case errors.Is(err, memory.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func attachment(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}
