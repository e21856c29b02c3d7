package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

// historyMessage is one entry in a session's conversation history,
// mirroring the shape real worker images expose on GET /sessions/{id}.
type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// sessionState tracks one chat session: its conversation history and the
// cancel signal for the currently streaming turn.
type sessionState struct {
	history []historyMessage
	cancel  chan struct{}
}

// mockWorker serves the worker protocol with simulated responses.
type mockWorker struct {
	model  string
	logger *logger.Logger

	mu        sync.Mutex
	workspace map[string]string
	sessions  map[string]*sessionState
}

func newMockWorker(model string, log *logger.Logger) *mockWorker {
	return &mockWorker{
		model:     model,
		logger:    log.WithFields(zap.String("component", "mock-worker")),
		workspace: seedWorkspace(),
		sessions:  make(map[string]*sessionState),
	}
}

// routes builds the worker protocol mux.
func (m *mockWorker) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/prepare", m.handlePrepare)
	mux.HandleFunc("/chat", m.handleChat)
	mux.HandleFunc("/cancel", m.handleCancel)
	mux.HandleFunc("/workspace/", m.handleWorkspace)
	mux.HandleFunc("/sessions/", m.handleSessionMessages)
	return mux
}

func (m *mockWorker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePrepare installs skill files into the workspace the way real worker
// images do, so workspace reads after a prepare see the skill content.
func (m *mockWorker) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req workerapi.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid prepare request"})
		return
	}

	m.mu.Lock()
	for _, skill := range req.Skills {
		for name, content := range skill.Files {
			m.workspace[name] = content
		}
	}
	m.mu.Unlock()

	m.logger.Info("prepared task",
		zap.String("task_id", req.TaskID),
		zap.Int("skills", len(req.Skills)),
		zap.Int("bridges", len(req.BridgeConfigs)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (m *mockWorker) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req workerapi.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid chat request"})
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id and message are required"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	cancelCh := m.beginTurn(req.SessionID, req.Message)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &streamWriter{
		w:        w,
		flusher:  flusher,
		ctx:      r.Context(),
		cancelCh: cancelCh,
		model:    m.model,
		started:  time.Now(),
	}

	m.logger.Info("chat turn started", zap.String("session_id", req.SessionID))
	result := m.runScenario(sw, strings.TrimSpace(req.Message))
	m.endTurn(req.SessionID, result)
	m.logger.Info("chat turn finished",
		zap.String("session_id", req.SessionID),
		zap.Bool("interrupted", sw.stopped()))
}

func (m *mockWorker) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req workerapi.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cancel request"})
		return
	}

	m.mu.Lock()
	if state := m.sessions[req.SessionID]; state != nil && state.cancel != nil {
		close(state.cancel)
		state.cancel = nil
	}
	m.mu.Unlock()

	m.logger.Info("cancel received", zap.String("session_id", req.SessionID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWorkspace serves GET and PUT for the fixed-path workspace files
// (SOUL.md, AGENTS.md, plus any skill files installed by prepare).
func (m *mockWorker) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	file := strings.TrimPrefix(r.URL.Path, "/workspace/")
	if file == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file path is required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		m.mu.Lock()
		content, ok := m.workspace[file]
		m.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found: " + file})
			return
		}
		writeJSON(w, http.StatusOK, workerapi.WorkspaceFile{File: file, Content: content})
	case http.MethodPut:
		var req workerapi.WorkspaceFile
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid workspace request"})
			return
		}
		m.mu.Lock()
		m.workspace[file] = req.Content
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *mockWorker) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")

	m.mu.Lock()
	history := []historyMessage{}
	if state := m.sessions[sessionID]; state != nil {
		history = append(history, state.history...)
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": history})
}

// beginTurn records the user message and arms a fresh cancel signal for the
// turn. A still-armed signal from a previous turn is fired first so at most
// one stream per session reacts to /cancel.
func (m *mockWorker) beginTurn(sessionID, message string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.sessions[sessionID]
	if state == nil {
		state = &sessionState{}
		m.sessions[sessionID] = state
	}
	if state.cancel != nil {
		close(state.cancel)
	}
	state.cancel = make(chan struct{})
	state.history = append(state.history, historyMessage{Role: "user", Content: message})
	return state.cancel
}

// endTurn records the assistant's final answer, if the turn produced one.
func (m *mockWorker) endTurn(sessionID, result string) {
	if result == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if state := m.sessions[sessionID]; state != nil {
		state.history = append(state.history, historyMessage{Role: "assistant", Content: result})
	}
}

// workspaceSnippet returns up to maxLines lines of a workspace file for use
// in simulated tool results.
func (m *mockWorker) workspaceSnippet(file string, maxLines int) string {
	m.mu.Lock()
	content, ok := m.workspace[file]
	m.mu.Unlock()
	if !ok {
		return "// (file not readable)\n"
	}
	lines := strings.Split(content, "\n")
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return strings.Join(lines, "\n") + "\n"
}

// workspaceFileNames returns the current workspace file names, sorted by
// nothing in particular; callers only need realistic paths.
func (m *mockWorker) workspaceFileNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.workspace))
	for name := range m.workspace {
		names = append(names, name)
	}
	return names
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
