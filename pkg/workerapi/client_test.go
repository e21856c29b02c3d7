package workerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/task/models"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func testEndpoint(server *httptest.Server) Endpoint {
	return Endpoint{ID: "worker-1", BaseURL: server.URL}
}

func TestClient_Prepare(t *testing.T) {
	var got PrepareRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prepare" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	skills := []models.Skill{{Name: "researcher", Files: map[string]string{"SKILL.md": "# Researcher"}}}
	bridges := []models.BridgeConfig{{Name: "search", Transport: "sse", URL: "http://bridge:3000/sse"}}

	if err := client.Prepare(context.Background(), testEndpoint(server), "task-1", skills, bridges); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if got.TaskID != "task-1" {
		t.Errorf("expected task_id task-1, got %s", got.TaskID)
	}
	if len(got.Skills) != 1 || got.Skills[0].Name != "researcher" {
		t.Errorf("expected skills to be forwarded, got %v", got.Skills)
	}
	if len(got.BridgeConfigs) != 1 || got.BridgeConfigs[0].Name != "search" {
		t.Errorf("expected bridge configs to be forwarded, got %v", got.BridgeConfigs)
	}
}

func TestClient_PrepareFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "skills directory is read-only", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	err := client.Prepare(context.Background(), testEndpoint(server), "task-1", nil, nil)
	if err == nil {
		t.Fatal("expected error for failed prepare")
	}
	// The worker's response body becomes the task error.
	if !strings.Contains(err.Error(), "skills directory is read-only") {
		t.Errorf("expected worker error body in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status code in error, got %v", err)
	}
}

func TestClient_ChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.SessionID != "sess-1" || req.Message != "hello" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			"event: text\ndata: {\"content\":\"Working on it\"}\n\n",
			"event: tool_call\ndata: {\"content\":\"read_file\",\"metadata\":{\"path\":\"main.go\"}}\n\n",
			"event: thinking\ndata: {\"content\":\"hmm\"}\n\n",
			"event: done\ndata: {\"content\":\"All set\",\"metadata\":{\"result\":\"All set\",\"cost_usd\":0.05,\"num_turns\":4,\"duration_ms\":2200}}\n\n",
		}
		for _, frame := range frames {
			_, _ = io.WriteString(w, frame)
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	stream, err := client.Chat(context.Background(), testEndpoint(server), "sess-1", "hello")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	first, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if first.Type != EventText || first.Content != "Working on it" {
		t.Errorf("unexpected first event: %+v", first)
	}

	second, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if second.Type != EventToolCall || second.Metadata["path"] != "main.go" {
		t.Errorf("unexpected second event: %+v", second)
	}

	// Unknown event types pass through untouched.
	third, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if third.Type != "thinking" || third.Content != "hmm" {
		t.Errorf("unexpected third event: %+v", third)
	}

	done, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if done.Type != EventDone {
		t.Fatalf("expected done event, got %+v", done)
	}
	stats := done.ParseDoneStats()
	if stats.Result != "All set" {
		t.Errorf("expected result All set, got %s", stats.Result)
	}
	if stats.CostUSD == nil || *stats.CostUSD != 0.05 {
		t.Errorf("expected cost 0.05, got %v", stats.CostUSD)
	}
	if stats.NumTurns == nil || *stats.NumTurns != 4 {
		t.Errorf("expected 4 turns, got %v", stats.NumTurns)
	}
	if stats.DurationMS == nil || *stats.DurationMS != 2200 {
		t.Errorf("expected 2200ms, got %v", stats.DurationMS)
	}

	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF at end of stream, got %v", err)
	}
}

func TestClient_ChatHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine crashed", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	_, err := client.Chat(context.Background(), testEndpoint(server), "sess-1", "hello")
	if err == nil {
		t.Fatal("expected error for failed chat")
	}
	if !strings.Contains(err.Error(), "engine crashed") {
		t.Errorf("expected worker error body in error, got %v", err)
	}
}

func TestClient_Cancel(t *testing.T) {
	var got CancelRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	if err := client.Cancel(context.Background(), testEndpoint(server), "sess-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("expected session_id sess-1, got %s", got.SessionID)
	}
}

func TestClient_CancelUnreachableWorker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	// Cancel is best effort: an unreachable worker is not an error.
	client := NewClient(newTestLogger())
	if err := client.Cancel(context.Background(), testEndpoint(server), "sess-1"); err != nil {
		t.Errorf("expected cancel to swallow transport errors, got %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	if !client.Health(context.Background(), testEndpoint(server)) {
		t.Error("expected healthy worker to report healthy")
	}

	healthy = false
	if client.Health(context.Background(), testEndpoint(server)) {
		t.Error("expected unhealthy worker to report unhealthy")
	}

	server.Close()
	if client.Health(context.Background(), testEndpoint(server)) {
		t.Error("expected unreachable worker to report unhealthy")
	}
}

func TestClient_WaitHealthy(t *testing.T) {
	failures := 2
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures > 0 {
			failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	if err := client.WaitHealthy(context.Background(), testEndpoint(server), 10*time.Second); err != nil {
		t.Fatalf("WaitHealthy failed: %v", err)
	}
}

func TestClient_WaitHealthyTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	err := client.WaitHealthy(context.Background(), testEndpoint(server), 1500*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestClient_WorkspaceRoundTrip(t *testing.T) {
	var putBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/workspace/soul":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"file":"soul","content":"You are helpful."}`))
		case r.Method == http.MethodPut && r.URL.Path == "/workspace/soul":
			_ = json.NewDecoder(r.Body).Decode(&putBody)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			http.Error(w, "unknown workspace file", http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(newTestLogger())

	wf, err := client.WorkspaceGet(context.Background(), testEndpoint(server), "soul")
	if err != nil {
		t.Fatalf("WorkspaceGet failed: %v", err)
	}
	if wf.File != "soul" || wf.Content != "You are helpful." {
		t.Errorf("unexpected workspace file: %+v", wf)
	}

	if err := client.WorkspacePut(context.Background(), testEndpoint(server), "soul", "Be terse."); err != nil {
		t.Fatalf("WorkspacePut failed: %v", err)
	}
	if putBody["content"] != "Be terse." {
		t.Errorf("expected content to be forwarded, got %v", putBody)
	}

	if _, err := client.WorkspaceGet(context.Background(), testEndpoint(server), "unknown"); err == nil {
		t.Error("expected error for unknown workspace file")
	}
}

func TestClient_SessionMessages(t *testing.T) {
	payload := `{"session_id":"sess-1","messages":[{"role":"user","content":"hi"}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/sess-1" {
			http.Error(w, `{"detail":"Session not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	defer server.Close()

	client := NewClient(newTestLogger())
	raw, err := client.SessionMessages(context.Background(), testEndpoint(server), "sess-1")
	if err != nil {
		t.Fatalf("SessionMessages failed: %v", err)
	}
	if string(raw) != payload {
		t.Errorf("expected verbatim passthrough, got %s", raw)
	}

	_, err = client.SessionMessages(context.Background(), testEndpoint(server), "missing")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "not found") {
		t.Errorf("expected not found in error, got %v", err)
	}
}

func TestEventStream_MultilineData(t *testing.T) {
	content := "line one\\nline two"
	frames := fmt.Sprintf("event: text\ndata: {\"content\":\"%s\",\ndata: \"metadata\":{}}\n\n", content)
	stream := newEventStream(io.NopCloser(strings.NewReader(frames)))

	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if event.Type != EventText {
		t.Errorf("expected text event, got %s", event.Type)
	}
	if event.Content != "line one\nline two" {
		t.Errorf("expected joined content, got %q", event.Content)
	}
}

func TestEventStream_MalformedData(t *testing.T) {
	stream := newEventStream(io.NopCloser(strings.NewReader("event: text\ndata: {not json}\n\n")))
	if _, err := stream.Next(); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEventStream_MissingEventName(t *testing.T) {
	stream := newEventStream(io.NopCloser(strings.NewReader("data: {\"content\":\"x\"}\n\n")))
	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if event.Type != "message" {
		t.Errorf("expected SSE default event name, got %s", event.Type)
	}
}
