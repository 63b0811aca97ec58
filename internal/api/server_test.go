package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/commands"
	"github.com/nugget/taskagent/internal/connwatch"
	"github.com/nugget/taskagent/internal/decision"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/memory"
	"github.com/nugget/taskagent/internal/runlog"
)

func reply(name string, args map[string]string) string {
	if args == nil {
		args = map[string]string{}
	}
	out, _ := json.Marshal(map[string]any{
		"thoughts": map[string]string{
			"text": "t", "reasoning": "r", "plan": "p", "criticism": "c", "speak": "s",
		},
		"command": map[string]any{"name": name, "args": args},
	})
	return string(out)
}

// script replays canned model replies, repeating the last one. With
// hold set, every call after the first waits for hold to be closed.
type script struct {
	mu      sync.Mutex
	replies []string
	calls   int
	hold    chan struct{}
}

func (s *script) Complete(_ context.Context, _ llm.CompletionRequest) (string, error) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()
	if s.hold != nil && n > 0 {
		<-s.hold
	}
	return s.replies[min(n, len(s.replies)-1)], nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	runs   *runlog.Store
	mem    memory.Store
	gotReq ChatRequest
	hold   chan struct{}
}

func newTestEnv(t *testing.T, limit bool, feedback bool, replies ...string) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	runs, err := runlog.New(db)
	if err != nil {
		t.Fatal(err)
	}

	repairer, err := decision.NewRepairer(nil)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{runs: runs, mem: memory.NewNoMemory()}
	factory := func(_ context.Context, runID string, req ChatRequest) (*agent.Agent, error) {
		env.gotReq = req
		registry := commands.NewRegistry(nil)
		if err := commands.RegisterBuiltins(registry, nil); err != nil {
			return nil, err
		}
		cfg := agent.Config{
			RunID:           runID,
			SystemPrompt:    "You are " + req.Description,
			Model:           "gpt-3.5-turbo",
			ContinuousLimit: 20,
			FastTokenLimit:  4000,
			AllowFeedback:   feedback,
		}
		if limit {
			cfg.ContinuousLimit = 2
		}
		return agent.New(cfg, agent.Deps{
			LLM:      &script{replies: replies, hold: env.hold},
			Repairer: repairer,
			Commands: registry,
			Memory:   env.mem,
			Steps:    runs,
		})
	}

	env.server = NewServer("", 0, factory, nil)
	env.server.SetRunLog(runs)
	env.server.SetMemoryStore(env.mem)
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestChat_Complete(t *testing.T) {
	env := newTestEnv(t, false, false,
		reply("do_nothing", nil),
		reply("task_complete", map[string]string{"reason": "done"}),
	)

	resp, body := env.post(t, "/chat", `{"description": "a tea researcher", "goals": ["find oolong"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if len(got) != 1 || got["reason"] != "done" {
		t.Errorf("body = %v, want {reason: done}", got)
	}
	if env.gotReq.Description != "a tea researcher" || len(env.gotReq.Goals) != 1 {
		t.Errorf("factory saw %+v", env.gotReq)
	}

	runs, err := env.runs.List(context.Background(), 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, err = %v", runs, err)
	}
	if runs[0].Status != "complete" || runs[0].Loops != 2 || runs[0].Result != `{"reason":"done"}` {
		t.Errorf("run = %+v", runs[0])
	}
	_, steps, _ := env.runs.Get(context.Background(), runs[0].ID)
	if len(steps) != 1 || steps[0].Command != "do_nothing" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		replies []string
		want    string
	}{
		{
			name:    "invalid model output",
			body:    `{"description": "d", "goals": []}`,
			replies: []string{"no json here"},
			want:    "Internal exception: model did not return valid structured output",
		},
		{
			name:    "malformed body",
			body:    `{"description":`,
			replies: []string{reply("task_complete", nil)},
			want:    "Internal exception: decode request",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false, false, tt.replies...)
			resp, body := env.post(t, "/chat", tt.body)
			if resp.StatusCode != http.StatusInternalServerError {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("body = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

func TestChat_FactoryError(t *testing.T) {
	s := NewServer("", 0, func(context.Context, string, ChatRequest) (*agent.Agent, error) {
		return nil, errors.New("memory backend unavailable")
	}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"description":"d"}`)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Internal exception: memory backend unavailable" {
		t.Errorf("body = %q", got)
	}
}

func TestChat_LimitReached(t *testing.T) {
	env := newTestEnv(t, true, false, reply("do_nothing", nil))

	resp, body := env.post(t, "/chat", `{"description": "d", "goals": ["g"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var got struct {
		Status  string        `json:"status"`
		Rounds  int           `json:"rounds"`
		History []llm.Message `json:"history"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "limit_reached" || got.Rounds != 2 || len(got.History) != 6 {
		t.Errorf("got status %s, rounds %d, %d history messages", got.Status, got.Rounds, len(got.History))
	}
}

func TestFeedbackSession(t *testing.T) {
	env := newTestEnv(t, false, true,
		reply("human_feedback", map[string]string{"question": "Which region?"}),
		reply("task_complete", map[string]string{"reason": "Darjeeling"}),
	)

	resp, body := env.post(t, "/chat", `{"description": "d", "goals": []}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var pending struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
		Question  string `json:"question"`
	}
	if err := json.Unmarshal(body, &pending); err != nil {
		t.Fatal(err)
	}
	if pending.Status != "awaiting_feedback" || pending.SessionID == "" || pending.Question != "Which region?" {
		t.Fatalf("pending = %+v", pending)
	}

	_, body = env.get(t, "/v1/sessions")
	if !strings.Contains(string(body), pending.SessionID) {
		t.Errorf("session list = %s", body)
	}
	run, _, _ := env.runs.Get(context.Background(), pending.SessionID)
	if run.Status != "awaiting_feedback" {
		t.Errorf("run status = %s", run.Status)
	}

	resp, body = env.post(t, "/v1/sessions/"+pending.SessionID+"/feedback", `{"feedback": "India"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "Darjeeling") {
		t.Errorf("body = %s", body)
	}

	_, steps, _ := env.runs.Get(context.Background(), pending.SessionID)
	if len(steps) != 1 || steps[0].Result != "Human feedback: India" {
		t.Errorf("steps = %+v", steps)
	}

	resp, _ = env.post(t, "/v1/sessions/"+pending.SessionID+"/feedback", `{"feedback": "again"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second feedback status = %d, want 404", resp.StatusCode)
	}
}

func TestRunEndpoints(t *testing.T) {
	env := newTestEnv(t, false, false, reply("task_complete", map[string]string{"reason": "ok"}))
	env.post(t, "/chat", `{"description": "d", "goals": ["g"]}`)

	resp, body := env.get(t, "/v1/runs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Runs []runlog.Run `json:"runs"`
	}
	if err := json.Unmarshal(body, &list); err != nil || len(list.Runs) != 1 {
		t.Fatalf("list = %s, err = %v", body, err)
	}

	resp, body = env.get(t, "/v1/runs/"+list.Runs[0].ID)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"steps":[]`) {
		t.Errorf("get status = %d, body = %s", resp.StatusCode, body)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/v1/runs/nope", http.StatusNotFound},
		{"/v1/runs?limit=zero", http.StatusBadRequest},
		{"/v1/memory/stats", http.StatusOK},
		{"/health", http.StatusOK},
		{"/v1/version", http.StatusOK},
	}
	for _, tt := range tests {
		if resp, body := env.get(t, tt.path); resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d (%s), want %d", tt.path, resp.StatusCode, body, tt.want)
		}
	}
}

func TestOptionalStores(t *testing.T) {
	s := NewServer("", 0, nil, nil)
	h := s.Handler()
	for _, path := range []string{"/v1/runs", "/v1/runs/x", "/v1/memory/stats"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /v1/events without a bus = %d, want 404", rec.Code)
	}
}

func TestHealth_Watchers(t *testing.T) {
	m := connwatch.NewManager(nil)
	defer m.Stop()

	fast := connwatch.BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		PollInterval: time.Millisecond,
		CheckTimeout: 50 * time.Millisecond,
	}
	llmUp := m.Watch(context.Background(), connwatch.WatcherConfig{
		Name:    "llm",
		Check:   func(context.Context) error { return nil },
		Backoff: fast,
	})
	memDown := m.Watch(context.Background(), connwatch.WatcherConfig{
		Name:    "memory",
		Check:   func(context.Context) error { return errors.New("redis: connection refused") },
		Backoff: fast,
	})

	deadline := time.Now().Add(time.Second)
	for !llmUp.IsReady() || memDown.Status().LastError == "" {
		if time.Now().After(deadline) {
			t.Fatal("watchers never checked")
		}
		time.Sleep(time.Millisecond)
	}

	s := NewServer("", 0, nil, nil)
	s.SetHealth(m)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var got struct {
		Status   string                             `json:"status"`
		Services map[string]connwatch.ServiceStatus `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if !got.Services["llm"].Ready || got.Services["memory"].Ready {
		t.Errorf("services = %+v", got.Services)
	}
}

func startFeedbackSession(t *testing.T, env *testEnv) string {
	t.Helper()
	resp, body := env.post(t, "/chat", `{"description": "d", "goals": []}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var pending struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &pending); err != nil {
		t.Fatal(err)
	}
	return pending.SessionID
}

func TestFeedbackSession_ConcurrentFeedbackConflicts(t *testing.T) {
	env := newTestEnv(t, false, true,
		reply("human_feedback", map[string]string{"question": "Which region?"}),
		reply("task_complete", map[string]string{"reason": "Darjeeling"}),
	)
	env.hold = make(chan struct{})
	id := startFeedbackSession(t, env)

	firstDone := make(chan int, 1)
	go func() {
		resp, _ := env.post(t, "/v1/sessions/"+id+"/feedback", `{"feedback": "India"}`)
		firstDone <- resp.StatusCode
	}()

	// Wait until the first answer has the agent working again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := env.get(t, "/v1/sessions")
		if strings.Contains(string(body), id) && !strings.Contains(string(body), "awaiting_feedback") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never resumed: %s", body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, body := env.post(t, "/v1/sessions/"+id+"/feedback", `{"feedback": "Nepal"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("concurrent feedback status = %d, want 409, body = %s", resp.StatusCode, body)
	}

	close(env.hold)
	if code := <-firstDone; code != http.StatusOK {
		t.Errorf("first feedback status = %d, want 200", code)
	}

	resp, _ = env.post(t, "/v1/sessions/"+id+"/feedback", `{"feedback": "again"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("feedback after completion status = %d, want 404", resp.StatusCode)
	}
}

func TestExpireSessions(t *testing.T) {
	tests := []struct {
		name        string
		ttl         time.Duration
		after       time.Duration
		wantExpired int
	}{
		{name: "idle past ttl", ttl: time.Hour, after: 2 * time.Hour, wantExpired: 1},
		{name: "within ttl", ttl: time.Hour, after: time.Minute, wantExpired: 0},
		{name: "ttl disabled", ttl: 0, after: 48 * time.Hour, wantExpired: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false, true,
				reply("human_feedback", map[string]string{"question": "Which region?"}),
				reply("task_complete", nil),
			)
			env.server.SetSessionTTL(tt.ttl)
			id := startFeedbackSession(t, env)

			got := env.server.expireSessions(context.Background(), time.Now().Add(tt.after))
			if got != tt.wantExpired {
				t.Fatalf("expired = %d, want %d", got, tt.wantExpired)
			}

			resp, _ := env.post(t, "/v1/sessions/"+id+"/feedback", `{"feedback": "India"}`)
			run, _, err := env.runs.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("runs.Get: %v", err)
			}

			if tt.wantExpired == 0 {
				if resp.StatusCode != http.StatusOK {
					t.Errorf("feedback status = %d, want 200", resp.StatusCode)
				}
				return
			}
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("feedback status = %d, want 404", resp.StatusCode)
			}
			if !strings.Contains(run.Error, "expired") || run.FinishedAt == nil {
				t.Errorf("run = %+v, want finished with expiry error", run)
			}
		})
	}
}
