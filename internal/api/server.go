// Package api implements the HTTP API: the /chat endpoint that runs an
// agent to completion, feedback for suspended sessions, and read-only
// views of runs, memory and live events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/buildinfo"
	"github.com/nugget/taskagent/internal/connwatch"
	"github.com/nugget/taskagent/internal/events"
	"github.com/nugget/taskagent/internal/memory"
	"github.com/nugget/taskagent/internal/runlog"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Description string   `json:"description"`
	Goals       []string `json:"goals"`
}

// FeedbackRequest is the body of POST /v1/sessions/{id}/feedback.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// AgentFactory builds a fresh agent for a run. runID identifies the run
// in the run log and in events.
type AgentFactory func(ctx context.Context, runID string, req ChatRequest) (*agent.Agent, error)

// DefaultSessionTTL is how long a session may wait for feedback before
// it is abandoned.
const DefaultSessionTTL = time.Hour

type session struct {
	agent   *agent.Agent
	created time.Time
	updated time.Time
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	newAgent AgentFactory
	runs     *runlog.Store
	memory   memory.Store
	events   *events.Bus
	health   *connwatch.Manager
	logger   *slog.Logger
	server   *http.Server

	mu         sync.Mutex
	sessions   map[string]*session
	sessionTTL time.Duration
}

// NewServer creates a new API server.
func NewServer(address string, port int, newAgent AgentFactory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		newAgent:   newAgent,
		logger:     logger,
		sessions:   make(map[string]*session),
		sessionTTL: DefaultSessionTTL,
	}
}

// SetSessionTTL sets how long a suspended session is kept without
// feedback. Zero or less keeps sessions until the server stops.
func (s *Server) SetSessionTTL(d time.Duration) {
	s.mu.Lock()
	s.sessionTTL = d
	s.mu.Unlock()
}

// SetRunLog configures the run log for the /v1/runs endpoints.
func (s *Server) SetRunLog(rl *runlog.Store) {
	s.runs = rl
}

// SetMemoryStore configures the memory store for /v1/memory/stats.
func (s *Server) SetMemoryStore(m memory.Store) {
	s.memory = m
}

// SetEventBus configures the bus streamed on /v1/events.
func (s *Server) SetEventBus(b *events.Bus) {
	s.events = b
}

// SetHealth configures the service watchers reported on /health.
func (s *Server) SetHealth(m *connwatch.Manager) {
	s.health = m
}

// Handler returns the API's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /v1/sessions/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)

	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /v1/memory/stats", s.handleMemoryStats)

	if s.events != nil {
		mux.Handle("GET /v1/events", events.StreamHandler(s.events, s.logger))
	}

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: a /chat request lasts as long as the run.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	go s.sweepSessions(ctx)
	return s.server.ListenAndServe()
}

// sweepSessions expires abandoned sessions until ctx is done.
func (s *Server) sweepSessions(ctx context.Context) {
	s.mu.Lock()
	ttl := s.sessionTTL
	s.mu.Unlock()
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(max(ttl/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.expireSessions(ctx, now)
		}
	}
}

// expireSessions ends every session that has waited for feedback
// longer than the TTL and returns how many it ended.
func (s *Server) expireSessions(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	if s.sessionTTL <= 0 {
		s.mu.Unlock()
		return 0
	}
	expired := make(map[string]*session)
	for id, sess := range s.sessions {
		if sess.agent.State() == agent.StateAwaitingFeedback && now.Sub(sess.updated) > s.sessionTTL {
			expired[id] = sess
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for id, sess := range expired {
		s.logger.Info("session expired awaiting feedback", "run_id", id, "idle", now.Sub(sess.updated))
		s.finishRun(ctx, id, nil, errSessionExpired)
		s.closeAgent(ctx, id, sess.agent)
	}
	return len(expired)
}

var errSessionExpired = errors.New("session expired awaiting feedback")

// endSession forgets runID's session and closes its agent.
func (s *Server) endSession(ctx context.Context, runID string, a *agent.Agent) {
	s.mu.Lock()
	delete(s.sessions, runID)
	s.mu.Unlock()
	s.closeAgent(ctx, runID, a)
}

func (s *Server) closeAgent(ctx context.Context, runID string, a *agent.Agent) {
	if err := a.Close(ctx); err != nil {
		s.logger.Warn("failed to close agent", "run_id", runID, "error", err)
	}
}

// Shutdown gracefully stops the server and closes the agents of
// sessions still waiting for feedback.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	s.mu.Lock()
	pending := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for id, sess := range pending {
		s.closeAgent(ctx, id, sess.agent)
	}
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Current(), s.logger)
}

// handleHealth reports "degraded" with 503 when any watched service is
// down. Without watchers the server is always healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}

	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}

// handleChat runs a new agent until it completes, reaches its round
// limit or asks for feedback.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.internalError(w, "", fmt.Errorf("decode request: %w", err))
		return
	}

	ctx := r.Context()
	runID, err := s.startRun(ctx, req)
	if err != nil {
		s.internalError(w, "", err)
		return
	}

	a, err := s.newAgent(ctx, runID, req)
	if err != nil {
		s.finishRun(ctx, runID, nil, err)
		s.internalError(w, runID, err)
		return
	}

	s.logger.Info("chat run started", "run_id", runID, "goals", len(req.Goals))
	out, err := a.Run(ctx)
	s.respond(w, r, runID, a, out, err)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The session stays registered while Resume runs, so a concurrent
	// request for it finds the agent busy.
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no session awaiting feedback: "+id)
		return
	}

	out, err := sess.agent.Resume(r.Context(), req.Feedback)
	switch {
	case errors.Is(err, agent.ErrNotAwaitingFeedback), errors.Is(err, agent.ErrBusy):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, agent.ErrClosed):
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.errorResponse(w, http.StatusNotFound, "no session awaiting feedback: "+id)
		return
	}
	s.respond(w, r, id, sess.agent, out, err)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]map[string]any, 0, len(s.sessions))
	for id, sess := range s.sessions {
		list = append(list, map[string]any{
			"session_id": id,
			"state":      sess.agent.State(),
			"created":    sess.created.UTC().Format(time.RFC3339),
		})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": list}, s.logger)
}

// respond writes the result of Run or Resume and updates the run log.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, runID string, a *agent.Agent, out *agent.Outcome, err error) {
	ctx := context.WithoutCancel(r.Context())

	if err != nil {
		s.logger.Error("chat run failed", "run_id", runID, "error", err)
		s.finishRun(ctx, runID, nil, err)
		s.endSession(ctx, runID, a)
		s.internalError(w, runID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch out.Status {
	case agent.StatusAwaitingFeedback:
		now := time.Now()
		s.mu.Lock()
		if sess, ok := s.sessions[runID]; ok {
			sess.updated = now
		} else {
			s.sessions[runID] = &session{agent: a, created: now, updated: now}
		}
		s.mu.Unlock()
		if s.runs != nil {
			if err := s.runs.Update(ctx, runID, string(out.Status), out.Rounds); err != nil {
				s.logger.Warn("failed to update run", "run_id", runID, "error", err)
			}
		}

		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{
			"status":     out.Status,
			"session_id": runID,
			"question":   out.Question,
			"rounds":     out.Rounds,
		}, s.logger)

	case agent.StatusLimitReached:
		s.finishRun(ctx, runID, out, nil)
		s.endSession(ctx, runID, a)
		writeJSON(w, map[string]any{
			"status":  out.Status,
			"run_id":  runID,
			"rounds":  out.Rounds,
			"history": out.History,
		}, s.logger)

	default:
		s.finishRun(ctx, runID, out, nil)
		s.endSession(ctx, runID, a)
		args := out.Arguments
		if args == nil {
			args = map[string]string{}
		}
		writeJSON(w, args, s.logger)
	}
}

func (s *Server) startRun(ctx context.Context, req ChatRequest) (string, error) {
	if s.runs != nil {
		id, err := s.runs.Start(ctx, req.Description, req.Goals)
		if err != nil {
			return "", fmt.Errorf("record run: %w", err)
		}
		return id, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run ID: %w", err)
	}
	return id.String(), nil
}

func (s *Server) finishRun(ctx context.Context, runID string, out *agent.Outcome, runErr error) {
	if s.runs == nil {
		return
	}
	var (
		status string
		result string
		loops  int
	)
	if out != nil {
		status = string(out.Status)
		loops = out.Rounds
		if out.Arguments != nil {
			data, _ := json.Marshal(out.Arguments)
			result = string(data)
		}
	}
	if err := s.runs.Finish(ctx, runID, status, result, loops, runErr); err != nil {
		s.logger.Warn("failed to finish run", "run_id", runID, "error", err)
	}
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "run log not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"runs": runs}, s.logger)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "run log not configured")
		return
	}

	run, steps, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, runlog.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if steps == nil {
		steps = []runlog.Step{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"run": run, "steps": steps}, s.logger)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}
	stats, err := s.memory.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read memory stats", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read memory stats")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

// internalError writes the plain-text 500 that /chat clients expect.
func (s *Server) internalError(w http.ResponseWriter, runID string, err error) {
	if runID != "" {
		w.Header().Set("X-Run-ID", runID)
	}
	http.Error(w, "Internal exception: "+err.Error(), http.StatusInternalServerError)
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
