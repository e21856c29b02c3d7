package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/db"
	"github.com/searle-dev/anywork/internal/dispatch"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/github"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/repository"
	"github.com/searle-dev/anywork/internal/task/repository/sqlite"
	"github.com/searle-dev/anywork/internal/task/service"
	"github.com/searle-dev/anywork/internal/worker"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

const webhookToken = "s3cret"

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

// newIngress builds the webhook route over a real service and store. A
// non-empty workerURL additionally wires a dispatcher behind a static
// driver so accepted tasks actually run.
func newIngress(t *testing.T, workerURL string, channels ...channel.Channel) (*gin.Engine, repository.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	repo := newTestRepo(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	client := workerapi.NewClient(log)

	var dispatcher *dispatch.Dispatcher
	var driver worker.Driver
	if workerURL != "" {
		driver = worker.NewStaticDriver(workerURL, client, log)
		dispatcher = dispatch.New(repo, driver, client, eventBus, log)
	}
	svc := service.NewService(repo, eventBus, driver, client, log)

	registry := channel.NewRegistry()
	for _, ch := range channels {
		require.NoError(t, registry.Register(ch))
	}

	router := gin.New()
	RegisterRoutes(router, svc, dispatcher, registry, log)
	return router, repo
}

func postWebhook(router *gin.Engine, channelType string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/channel/"+channelType+"/webhook", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func waitForStatus(t *testing.T, repo repository.Repository, taskID string, status models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := repo.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, status)
	return nil
}

func TestWebhookUnknownChannel(t *testing.T) {
	router, _ := newIngress(t, "")
	resp := postWebhook(router, "telegram", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestWebhookRejectsBadToken(t *testing.T) {
	router, _ := newIngress(t, "", channel.NewWebhookChannel(webhookToken, channel.Defaults{}))

	resp := postWebhook(router, "webhook", []byte(`{"message":"hi"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = postWebhook(router, "webhook", []byte(`{"message":"hi"}`), map[string]string{
		channel.WebhookTokenHeader: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestWebhookAcceptsTask(t *testing.T) {
	defaults := channel.Defaults{Skills: []models.Skill{{Name: "triage"}}}
	router, repo := newIngress(t, "", channel.NewWebhookChannel(webhookToken, defaults))

	body := []byte(`{"session_id":"hook-1","message":"summarize the incident"}`)
	resp := postWebhook(router, "webhook", body, map[string]string{
		channel.WebhookTokenHeader: webhookToken,
	})
	require.Equal(t, http.StatusAccepted, resp.Code)

	var accepted struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.TaskID)

	// No dispatcher is wired, so the task stays queued.
	task, err := repo.GetTask(context.Background(), accepted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, "hook-1", task.SessionID)
	require.Len(t, task.Skills, 1)
	assert.Equal(t, "triage", task.Skills[0].Name)

	session, err := repo.GetSession(context.Background(), "hook-1")
	require.NoError(t, err)
	assert.Equal(t, "webhook", session.ChannelType)
}

func TestWebhookTranslateErrors(t *testing.T) {
	router, _ := newIngress(t, "", channel.NewWebhookChannel(webhookToken, channel.Defaults{}))
	auth := map[string]string{channel.WebhookTokenHeader: webhookToken}

	resp := postWebhook(router, "webhook", []byte(`{not json`), auth)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = postWebhook(router, "webhook", []byte(`{"message":""}`), auth)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestWebhookSkipsNoWorkDeliveries(t *testing.T) {
	gh := channel.NewGitHubChannel(channel.GitHubConfig{WebhookSecret: "gh-secret"}, nil, testLogger(t))
	router, repo := newIngress(t, "", gh)

	body := []byte(`{"action":"deleted","comment":{"id":1,"body":"bye","user":{"login":"alice"}},"issue":{"number":7},"repository":{"name":"infra","owner":{"login":"acme"}}}`)
	resp := postWebhook(router, "github", body, map[string]string{
		github.SignatureHeader: github.Sign("gh-secret", body),
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var ack struct {
		OK      bool `json:"ok"`
		Skipped bool `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ack))
	assert.True(t, ack.OK)
	assert.True(t, ack.Skipped)

	sessions, err := repo.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestWebhookDispatchesAccepted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: text\ndata: {\"content\":\"disk is at 92%\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"metadata\":{\"num_turns\":1}}\n\n")
	})
	workerSrv := httptest.NewServer(mux)
	t.Cleanup(workerSrv.Close)

	router, repo := newIngress(t, workerSrv.URL, channel.NewWebhookChannel(webhookToken, channel.Defaults{}))

	body := []byte(`{"message":"check disk usage"}`)
	resp := postWebhook(router, "webhook", body, map[string]string{
		channel.WebhookTokenHeader: webhookToken,
	})
	require.Equal(t, http.StatusAccepted, resp.Code)

	var accepted struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))

	task := waitForStatus(t, repo, accepted.TaskID, models.TaskStatusCompleted)
	require.NotNil(t, task.Result)
	assert.Equal(t, "disk is at 92%", *task.Result)

	logs, err := repo.ListTaskLogs(context.Background(), task.ID, -1, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "text", logs[0].Type)
	assert.Equal(t, "done", logs[1].Type)
}

func TestWebhookRunFailureStaysBehindAccepted(t *testing.T) {
	// Point the driver at a dead endpoint: the delivery is still accepted
	// and the failure lands on the task row only.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	router, repo := newIngress(t, dead.URL, channel.NewWebhookChannel(webhookToken, channel.Defaults{}))

	resp := postWebhook(router, "webhook", []byte(`{"message":"ping"}`), map[string]string{
		channel.WebhookTokenHeader: webhookToken,
	})
	require.Equal(t, http.StatusAccepted, resp.Code)

	var accepted struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))

	task := waitForStatus(t, repo, accepted.TaskID, models.TaskStatusFailed)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "worker acquisition failed")
}
