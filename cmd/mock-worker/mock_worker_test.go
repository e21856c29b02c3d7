package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// newTestWorker starts a mock worker on an httptest server and returns a
// protocol client pointed at it.
func newTestWorker(t *testing.T) (*httptest.Server, workerapi.Endpoint, *workerapi.Client) {
	t.Helper()
	worker := newMockWorker("mock-fast", testLogger(t))
	srv := httptest.NewServer(worker.routes())
	t.Cleanup(srv.Close)
	return srv, workerapi.Endpoint{ID: "mock", BaseURL: srv.URL}, workerapi.NewClient(testLogger(t))
}

// collectEvents drains a chat stream until the worker closes it.
func collectEvents(t *testing.T, stream *workerapi.EventStream) []*workerapi.Event {
	t.Helper()
	defer func() { _ = stream.Close() }()
	var events []*workerapi.Event
	for {
		ev, err := stream.Next()
		if err != nil {
			return events
		}
		events = append(events, ev)
	}
}

func TestDelayRange(t *testing.T) {
	tests := []struct {
		model  string
		wantLo int
		wantHi int
	}{
		{"mock-fast", 10, 50},
		{"mock-slow", 500, 3000},
		{"mock-default", 100, 500},
		{"unknown-model", 100, 500},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			lo, hi := delayRange(tt.model)
			if lo != tt.wantLo || hi != tt.wantHi {
				t.Errorf("delayRange(%q) = (%d, %d), want (%d, %d)", tt.model, lo, hi, tt.wantLo, tt.wantHi)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	_, ep, client := newTestWorker(t)
	if !client.Health(context.Background(), ep) {
		t.Error("expected health check to pass")
	}
}

func TestChatStreamsDoneWithStats(t *testing.T) {
	_, ep, client := newTestWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := client.Chat(ctx, ep, "s-default", "summarize the incident report")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	events := collectEvents(t, stream)
	if len(events) == 0 {
		t.Fatal("expected events, got none")
	}

	if events[0].Type != "thinking" {
		t.Errorf("first event = %q, want thinking", events[0].Type)
	}

	var sawToolCall, sawToolResult bool
	for _, ev := range events {
		switch ev.Type {
		case workerapi.EventToolCall:
			sawToolCall = true
		case workerapi.EventToolResult:
			sawToolResult = true
		}
	}
	if !sawToolCall || !sawToolResult {
		t.Errorf("expected tool_call and tool_result events, got call=%v result=%v", sawToolCall, sawToolResult)
	}

	last := events[len(events)-1]
	if last.Type != workerapi.EventDone {
		t.Fatalf("last event = %q, want done", last.Type)
	}
	stats := last.ParseDoneStats()
	if !strings.Contains(stats.Result, "summarize the incident report") {
		t.Errorf("done result %q should echo the prompt", stats.Result)
	}
	if stats.CostUSD == nil || stats.NumTurns == nil || stats.DurationMS == nil {
		t.Errorf("done stats incomplete: %+v", stats)
	}
}

func TestChatErrorScenario(t *testing.T) {
	_, ep, client := newTestWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Chat(ctx, ep, "s-err", "/error")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	events := collectEvents(t, stream)

	var errEvent *workerapi.Event
	for _, ev := range events {
		if ev.Type == workerapi.EventError {
			errEvent = ev
		}
		if ev.Type == workerapi.EventDone {
			t.Error("error scenario should not emit a done event")
		}
	}
	if errEvent == nil {
		t.Fatal("expected an error event")
	}
	if errEvent.Content != "mock error: simulated failure" {
		t.Errorf("error content = %q", errEvent.Content)
	}
}

func TestUnknownToolFallsBack(t *testing.T) {
	_, ep, client := newTestWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Chat(ctx, ep, "s-tools", "/tool:teleport")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	events := collectEvents(t, stream)
	if len(events) < 2 {
		t.Fatalf("expected text and done events, got %d", len(events))
	}
	if !strings.Contains(events[0].Content, "Unknown tool: teleport") {
		t.Errorf("text = %q", events[0].Content)
	}
	if events[len(events)-1].Type != workerapi.EventDone {
		t.Errorf("last event = %q, want done", events[len(events)-1].Type)
	}
}

func TestCancelStopsSlowStream(t *testing.T) {
	_, ep, client := newTestWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	stream, err := client.Chat(ctx, ep, "s-slow", "/slow 60s")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	// The first event arrives before the long pauses start.
	if _, err := stream.Next(); err != nil {
		t.Fatalf("reading first event: %v", err)
	}

	if err := client.Cancel(ctx, ep, "s-slow"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	events := collectEvents(t, stream)
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Fatalf("stream took %s to end after cancel", elapsed)
	}
	for _, ev := range events {
		if ev.Type == workerapi.EventDone {
			t.Error("canceled stream should not reach done")
		}
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	srv, _, _ := newTestWorker(t)

	tests := []struct {
		name string
		body string
	}{
		{"blank message", `{"session_id":"s1","message":"  "}`},
		{"missing session", `{"message":"hello"}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post failed: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/chat")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /chat status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	_, ep, client := newTestWorker(t)
	ctx := context.Background()

	wf, err := client.WorkspaceGet(ctx, ep, "SOUL.md")
	if err != nil {
		t.Fatalf("get seeded file: %v", err)
	}
	if wf.File != "SOUL.md" || !strings.Contains(wf.Content, "methodical") {
		t.Errorf("unexpected seeded content: %+v", wf)
	}

	if err := client.WorkspacePut(ctx, ep, "AGENTS.md", "# Custom\n\nAlways squash commits.\n"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	wf, err = client.WorkspaceGet(ctx, ep, "AGENTS.md")
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	if !strings.Contains(wf.Content, "squash commits") {
		t.Errorf("put content not persisted: %q", wf.Content)
	}

	if _, err := client.WorkspaceGet(ctx, ep, "missing.md"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestPrepareInstallsSkillFiles(t *testing.T) {
	_, ep, client := newTestWorker(t)
	ctx := context.Background()

	skills := []models.Skill{{
		Name:  "deploy",
		Files: map[string]string{"SKILL.md": "# Deploy\n\nShip behind a feature flag first.\n"},
	}}
	if err := client.Prepare(ctx, ep, "task-1", skills, nil); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	wf, err := client.WorkspaceGet(ctx, ep, "SKILL.md")
	if err != nil {
		t.Fatalf("skill file not installed: %v", err)
	}
	if !strings.Contains(wf.Content, "feature flag") {
		t.Errorf("skill content = %q", wf.Content)
	}
}

func TestSessionHistoryAccrues(t *testing.T) {
	_, ep, client := newTestWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		stream, err := client.Chat(ctx, ep, "s-hist", "/multi-turn")
		if err != nil {
			t.Fatalf("chat %d failed: %v", i+1, err)
		}
		collectEvents(t, stream)
	}

	raw, err := client.SessionMessages(ctx, ep, "s-hist")
	if err != nil {
		t.Fatalf("session messages failed: %v", err)
	}
	var payload struct {
		Messages []historyMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	if len(payload.Messages) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(payload.Messages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if payload.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, payload.Messages[i].Role, want)
		}
	}

	raw, err = client.SessionMessages(ctx, ep, "never-seen")
	if err != nil {
		t.Fatalf("session messages for unknown session: %v", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode empty history: %v", err)
	}
	if len(payload.Messages) != 0 {
		t.Errorf("unknown session history length = %d, want 0", len(payload.Messages))
	}
}
