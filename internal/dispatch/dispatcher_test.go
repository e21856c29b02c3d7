package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/db"
	"github.com/searle-dev/anywork/internal/events"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/repository"
	"github.com/searle-dev/anywork/internal/task/repository/sqlite"
	"github.com/searle-dev/anywork/internal/worker"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestRepo(t *testing.T) repository.Repository {
	t.Helper()
	sqlxDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "anywork.db"))
	require.NoError(t, err)
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })
	return repo
}

type testFrame struct {
	event   string
	payload map[string]interface{}
}

func writeSSE(w http.ResponseWriter, eventType string, payload map[string]interface{}) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// stubWorker answers the worker agent protocol for dispatcher tests. The
// default chat handler replays frames; tests needing mid-stream choreography
// install their own chat func.
type stubWorker struct {
	srv *httptest.Server

	frames        []testFrame
	chat          func(w http.ResponseWriter, r *http.Request)
	onCancel      func()
	prepareStatus int
	prepareBody   string

	mu           sync.Mutex
	prepareCalls []workerapi.PrepareRequest
	chatCalls    []workerapi.ChatRequest
	cancelCalls  []workerapi.CancelRequest
}

func newStubWorker(t *testing.T) *stubWorker {
	t.Helper()
	s := &stubWorker{prepareStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/prepare", s.handlePrepare)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/cancel", s.handleCancel)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubWorker) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req workerapi.PrepareRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.prepareCalls = append(s.prepareCalls, req)
	status, body := s.prepareStatus, s.prepareBody
	s.mu.Unlock()

	w.WriteHeader(status)
	if body != "" {
		_, _ = w.Write([]byte(body))
	} else if status == http.StatusOK {
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

func (s *stubWorker) handleChat(w http.ResponseWriter, r *http.Request) {
	var req workerapi.ChatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.chatCalls = append(s.chatCalls, req)
	chat := s.chat
	frames := s.frames
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if chat != nil {
		chat(w, r)
		return
	}
	for _, frame := range frames {
		writeSSE(w, frame.event, frame.payload)
	}
}

func (s *stubWorker) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req workerapi.CancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.cancelCalls = append(s.cancelCalls, req)
	onCancel := s.onCancel
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	if onCancel != nil {
		onCancel()
	}
}

func (s *stubWorker) prepareSnapshot() []workerapi.PrepareRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workerapi.PrepareRequest(nil), s.prepareCalls...)
}

func (s *stubWorker) chatSnapshot() []workerapi.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workerapi.ChatRequest(nil), s.chatCalls...)
}

func (s *stubWorker) cancelSnapshot() []workerapi.CancelRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workerapi.CancelRequest(nil), s.cancelCalls...)
}

// recordingSub captures forwarded frames; a configured error simulates a
// dead connection.
type recordingSub struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (r *recordingSub) Send(frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingSub) snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// deliveryChannel records Deliver invocations.
type deliveryChannel struct {
	mu        sync.Mutex
	delivered []*models.Task
}

func (c *deliveryChannel) Type() string                                   { return "test-delivery" }
func (c *deliveryChannel) Defaults() channel.Defaults                     { return channel.Defaults{} }
func (c *deliveryChannel) Verify(*http.Request, []byte) bool              { return false }
func (c *deliveryChannel) Translate([]byte) (*channel.TaskRequest, error) { return nil, nil }

func (c *deliveryChannel) Deliver(_ context.Context, task *models.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, task)
	return nil
}

func (c *deliveryChannel) snapshot() []*models.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Task(nil), c.delivered...)
}

type harness struct {
	repo   repository.Repository
	worker *stubWorker
	bus    bus.EventBus
	disp   *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := testLogger(t)
	repo := newTestRepo(t)
	stub := newStubWorker(t)
	client := workerapi.NewClient(log)
	driver := worker.NewStaticDriver(stub.srv.URL, client, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	return &harness{
		repo:   repo,
		worker: stub,
		bus:    eventBus,
		disp:   New(repo, driver, client, eventBus, log),
	}
}

func seedTask(t *testing.T, repo repository.Repository, mutate func(*models.Task)) *models.Task {
	t.Helper()
	ctx := context.Background()
	session := &models.Session{ID: uuid.New().String(), ChannelType: "duplex"}
	require.NoError(t, repo.CreateSession(ctx, session))

	task := &models.Task{
		ID:          uuid.New().String(),
		SessionID:   session.ID,
		ChannelType: "duplex",
		Status:      models.TaskStatusPending,
		Message:     "summarize the incident report",
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, repo.CreateTask(ctx, task))
	return task
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherRunCompletesTask(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "text", payload: map[string]interface{}{"content": "Hello "}},
		{event: "tool_call", payload: map[string]interface{}{"content": "search", "metadata": map[string]interface{}{"query": "weather"}}},
		{event: "text", payload: map[string]interface{}{"content": "world"}},
		{event: "done", payload: map[string]interface{}{"metadata": map[string]interface{}{"cost_usd": 0.25, "num_turns": 3, "duration_ms": 1500}}},
	}
	task := seedTask(t, h.repo, nil)
	sub := &recordingSub{}

	final, err := h.disp.Run(context.Background(), task, nil, sub)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "Hello world", *final.Result)
	require.NotNil(t, final.WorkerID)
	assert.Equal(t, "static", *final.WorkerID)
	require.NotNil(t, final.CostUSD)
	assert.InDelta(t, 0.25, *final.CostUSD, 1e-9)
	require.NotNil(t, final.NumTurns)
	assert.Equal(t, 3, *final.NumTurns)
	require.NotNil(t, final.DurationMS)
	assert.Equal(t, int64(1500), *final.DurationMS)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)

	// No skills, no bridges: prepare must be skipped.
	assert.Empty(t, h.worker.prepareSnapshot())

	logs, err := h.repo.ListTaskLogs(context.Background(), task.ID, -1, 0)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for i, entry := range logs {
		assert.Equal(t, int64(i), entry.Seq)
	}
	assert.Equal(t, "tool_call", logs[1].Type)
	assert.Equal(t, "search", logs[1].Content)

	frames := sub.snapshot()
	require.Len(t, frames, 4)
	assert.Equal(t, "text", frames[0].Type)
	assert.Equal(t, task.ID, frames[0].TaskID)
	assert.Equal(t, task.SessionID, frames[0].SessionID)
	assert.Equal(t, "done", frames[3].Type)
}

func TestDispatcherRunDoneResultOverridesAccumulated(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "text", payload: map[string]interface{}{"content": "thinking..."}},
		{event: "done", payload: map[string]interface{}{"metadata": map[string]interface{}{"result": "final answer", "structured_output": map[string]interface{}{"score": 7}}}},
	}
	task := seedTask(t, h.repo, nil)

	final, err := h.disp.Run(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "final answer", *final.Result)
	require.NotNil(t, final.StructuredOutput)
	assert.Equal(t, float64(7), final.StructuredOutput["score"])
}

func TestDispatcherRunWorkerErrorEventFailsTask(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "text", payload: map[string]interface{}{"content": "partial"}},
		{event: "error", payload: map[string]interface{}{"content": "agent exploded"}},
		{event: "done", payload: map[string]interface{}{}},
	}
	task := seedTask(t, h.repo, nil)

	final, err := h.disp.Run(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "agent exploded", *final.Error)
	// The trailing done must not resurrect the task as completed.
	assert.Nil(t, final.Result)

	logs, err := h.repo.ListTaskLogs(context.Background(), task.ID, -1, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestDispatcherRunStreamEndWithoutDoneCompletes(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "text", payload: map[string]interface{}{"content": "all "}},
		{event: "text", payload: map[string]interface{}{"content": "done"}},
	}
	task := seedTask(t, h.repo, nil)

	final, err := h.disp.Run(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "all done", *final.Result)
}

func TestDispatcherRunPreparesWorkerWithSkills(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "done", payload: map[string]interface{}{}},
	}
	task := seedTask(t, h.repo, func(task *models.Task) {
		task.Skills = []models.Skill{{Name: "search", Files: map[string]string{"SKILL.md": "# Search"}}}
		task.BridgeConfigs = []models.BridgeConfig{{Name: "jira", Transport: "sse", URL: "http://jira.internal/sse"}}
	})

	final, err := h.disp.Run(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)

	calls := h.worker.prepareSnapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, task.ID, calls[0].TaskID)
	require.Len(t, calls[0].Skills, 1)
	assert.Equal(t, "search", calls[0].Skills[0].Name)
	require.Len(t, calls[0].BridgeConfigs, 1)
	assert.Equal(t, "jira", calls[0].BridgeConfigs[0].Name)
}

func TestDispatcherRunPrepareFailureFailsTask(t *testing.T) {
	h := newHarness(t)
	h.worker.prepareStatus = http.StatusInternalServerError
	h.worker.prepareBody = "workspace full"
	task := seedTask(t, h.repo, func(task *models.Task) {
		task.Skills = []models.Skill{{Name: "search"}}
	})
	sub := &recordingSub{}

	final, err := h.disp.Run(context.Background(), task, nil, sub)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "workspace full")

	// Chat never starts and no log rows are written.
	assert.Empty(t, h.worker.chatSnapshot())
	count, err := h.repo.CountTaskLogs(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The subscriber still observes a terminal sequence.
	frames := sub.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0].Type)
	assert.Contains(t, frames[0].Content, "workspace full")
	assert.Equal(t, "done", frames[1].Type)
}

func TestDispatcherRunAcquireFailureFailsTask(t *testing.T) {
	log := testLogger(t)
	repo := newTestRepo(t)
	client := workerapi.NewClient(log)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	dead.Close()
	driver := worker.NewStaticDriver(dead.URL, client, log)
	disp := New(repo, driver, client, nil, log)

	task := seedTask(t, repo, nil)
	sub := &recordingSub{}

	final, err := disp.Run(context.Background(), task, nil, sub)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "worker acquisition failed")
	assert.Nil(t, final.WorkerID)

	frames := sub.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0].Type)
	assert.Equal(t, "done", frames[1].Type)
}

func TestDispatcherRunDeadSubscriberDoesNotStopRun(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "text", payload: map[string]interface{}{"content": "still "}},
		{event: "text", payload: map[string]interface{}{"content": "working"}},
		{event: "done", payload: map[string]interface{}{}},
	}
	task := seedTask(t, h.repo, nil)
	sub := &recordingSub{err: errors.New("connection reset")}

	final, err := h.disp.Run(context.Background(), task, nil, sub)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "still working", *final.Result)

	// Persistence is unaffected by the dead subscriber.
	logs, err := h.repo.ListTaskLogs(context.Background(), task.ID, -1, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	assert.Empty(t, sub.snapshot())
}

func TestDispatcherRunSkipsTaskCanceledBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h.repo, nil)
	require.NoError(t, h.repo.MarkTaskFinished(context.Background(), task.ID,
		repository.TaskOutcome{Status: models.TaskStatusCanceled}))

	final, err := h.disp.Run(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCanceled, final.Status)
	assert.Empty(t, h.worker.chatSnapshot())

	count, err := h.repo.CountTaskLogs(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDispatcherRunCancelSticksThroughLateEvents(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	resume := make(chan struct{})
	h.worker.chat = func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, "text", map[string]interface{}{"content": "working"})
		close(started)
		<-resume
		writeSSE(w, "text", map[string]interface{}{"content": " harder"})
		writeSSE(w, "done", map[string]interface{}{})
	}
	var once sync.Once
	h.worker.onCancel = func() { once.Do(func() { close(resume) }) }

	task := seedTask(t, h.repo, nil)
	sub := &recordingSub{}

	type runResult struct {
		final *models.Task
		err   error
	}
	resultCh := make(chan runResult, 1)
	go func() {
		final, err := h.disp.Run(context.Background(), task, nil, sub)
		resultCh <- runResult{final, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stream never started")
	}
	// The first forwarded frame proves the consume loop (and with it the
	// cancel subscription) is live.
	waitFor(t, 2*time.Second, func() { return len(sub.snapshot()) >= 1 })

	// Mirror the cancel handler: terminal transition first, then the relay.
	require.NoError(t, h.repo.MarkTaskFinished(context.Background(), task.ID,
		repository.TaskOutcome{Status: models.TaskStatusCanceled}))
	require.NoError(t, h.bus.Publish(context.Background(), events.BuildTaskCancelSubject(task.ID),
		bus.NewEvent(events.TaskCancelReq, "test", map[string]interface{}{"task_id": task.ID})))

	var res runResult
	select {
	case res = <-resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not return")
	}
	require.NoError(t, res.err)
	assert.Equal(t, models.TaskStatusCanceled, res.final.Status)
	assert.Nil(t, res.final.Result)

	cancels := h.worker.cancelSnapshot()
	require.Len(t, cancels, 1)
	assert.Equal(t, task.SessionID, cancels[0].SessionID)

	// Events streamed after the cancel are still recorded.
	logs, err := h.repo.ListTaskLogs(context.Background(), task.ID, -1, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestDispatcherRunDeliversCompletedResult(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "text", payload: map[string]interface{}{"content": "shipped"}},
		{event: "done", payload: map[string]interface{}{}},
	}
	ch := &deliveryChannel{}
	task := seedTask(t, h.repo, nil)

	final, err := h.disp.Run(context.Background(), task, ch, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)

	delivered := ch.snapshot()
	require.Len(t, delivered, 1)
	assert.Equal(t, task.ID, delivered[0].ID)
	require.NotNil(t, delivered[0].Result)
	assert.Equal(t, "shipped", *delivered[0].Result)
}

func TestDispatcherRunSkipsDeliveryOnFailure(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "error", payload: map[string]interface{}{"content": "nope"}},
		{event: "done", payload: map[string]interface{}{}},
	}
	ch := &deliveryChannel{}
	task := seedTask(t, h.repo, nil)

	final, err := h.disp.Run(context.Background(), task, ch, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Empty(t, ch.snapshot())
}

func TestDispatcherRunFiresPushNotification(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "text", payload: map[string]interface{}{"content": "ok"}},
		{event: "done", payload: map[string]interface{}{}},
	}

	var mu sync.Mutex
	var payloads []map[string]interface{}
	var auths []string
	pushSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		payloads = append(payloads, payload)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(pushSrv.Close)

	task := seedTask(t, h.repo, func(task *models.Task) {
		task.Push = &models.PushConfig{URL: pushSrv.URL, AuthHeader: "Bearer sekrit", Events: []string{"completed"}}
	})

	final, err := h.disp.Run(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, task.ID, payloads[0]["taskId"])
	assert.Equal(t, task.SessionID, payloads[0]["sessionId"])
	assert.Equal(t, "completed", payloads[0]["status"])
	assert.Equal(t, "ok", payloads[0]["result"])
	assert.Equal(t, "Bearer sekrit", auths[0])
}

func TestDispatcherRunPushFilterSkipsUnwantedStatus(t *testing.T) {
	h := newHarness(t)
	h.worker.frames = []testFrame{
		{event: "done", payload: map[string]interface{}{}},
	}

	var mu sync.Mutex
	calls := 0
	pushSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(pushSrv.Close)

	task := seedTask(t, h.repo, func(task *models.Task) {
		task.Push = &models.PushConfig{URL: pushSrv.URL, Events: []string{"failed"}}
	})

	final, err := h.disp.Run(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}
