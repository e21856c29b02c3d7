// Package workerapi provides the HTTP client for the worker agent protocol:
// prepare, chat (SSE), cancel, health, and the workspace and session proxies.
// The worker runtime itself is a black box behind these endpoints.
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/task/models"
)

const (
	prepareTimeout = 30 * time.Second
	cancelTimeout  = 5 * time.Second
	healthTimeout  = 3 * time.Second
)

// Client manages HTTP communication with worker instances. One client serves
// every endpoint; methods take the target endpoint explicitly.
type Client struct {
	httpClient *http.Client
	sseClient  *http.Client // no timeout: chat streams are unbounded while active
	logger     *logger.Logger
}

// NewClient creates a new worker API client
func NewClient(log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: prepareTimeout},
		sseClient:  &http.Client{},
		logger:     log,
	}
}

// Prepare injects skills and tool-bridge configs into the worker's workspace
// before a task runs. A failure here is fatal to the task: the worker's
// response body becomes the task error.
func (c *Client) Prepare(ctx context.Context, ep Endpoint, taskID string, skills []models.Skill, bridges []models.BridgeConfig) error {
	if skills == nil {
		skills = []models.Skill{}
	}
	if bridges == nil {
		bridges = []models.BridgeConfig{}
	}
	body, err := json.Marshal(PrepareRequest{TaskID: taskID, Skills: skills, BridgeConfigs: bridges})
	if err != nil {
		return fmt.Errorf("marshal prepare request: %w", err)
	}

	resp, err := c.doJSON(ctx, c.httpClient, http.MethodPost, ep, "/prepare", body)
	if err != nil {
		return fmt.Errorf("prepare request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !is2xx(resp.StatusCode) {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("prepare failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Chat sends the user message and returns the worker's framed event stream.
// The stream stays open for as long as the worker keeps producing events;
// cancel ctx to abort mid-stream.
func (c *Client) Chat(ctx context.Context, ep Endpoint, sessionID, message string) (*EventStream, error) {
	body, err := json.Marshal(ChatRequest{SessionID: sessionID, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(ep.BaseURL, "/chat"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sseClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if !is2xx(resp.StatusCode) {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("chat failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	c.logger.Debug("chat stream connected",
		zap.String("session_id", sessionID),
		zap.String("worker_id", ep.ID))
	return newEventStream(resp.Body), nil
}

// Cancel asks the worker to stop the active run for a session. Best effort:
// errors are logged and swallowed, the control plane's own state transition
// does not depend on the worker acknowledging.
func (c *Client) Cancel(ctx context.Context, ep Endpoint, sessionID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	body, err := json.Marshal(CancelRequest{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}

	resp, err := c.doJSON(cancelCtx, c.httpClient, http.MethodPost, ep, "/cancel", body)
	if err != nil {
		c.logger.Debug("worker cancel failed",
			zap.String("session_id", sessionID),
			zap.String("worker_id", ep.ID),
			zap.Error(err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health reports whether the worker answers its health endpoint.
func (c *Client) Health(ctx context.Context, ep Endpoint) bool {
	healthCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, joinURL(ep.BaseURL, "/health"), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return is2xx(resp.StatusCode)
}

// WaitHealthy polls the worker's health endpoint until it answers or the
// timeout elapses. Drivers use this to gate acquire on readiness.
func (c *Client) WaitHealthy(ctx context.Context, ep Endpoint, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.Health(ctx, ep) {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("worker %s not healthy after %s", ep.ID, timeout)
}

// WorkspaceGet reads one of the worker's named workspace files.
func (c *Client) WorkspaceGet(ctx context.Context, ep Endpoint, file string) (*WorkspaceFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(ep.BaseURL, "/workspace/"+url.PathEscape(file)), nil)
	if err != nil {
		return nil, fmt.Errorf("create workspace request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workspace get request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !is2xx(resp.StatusCode) {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("workspace get failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var wf WorkspaceFile
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return nil, fmt.Errorf("parse workspace response: %w", err)
	}
	return &wf, nil
}

// WorkspacePut writes one of the worker's named workspace files.
func (c *Client) WorkspacePut(ctx context.Context, ep Endpoint, file, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("marshal workspace request: %w", err)
	}
	resp, err := c.doJSON(ctx, c.httpClient, http.MethodPut, ep, "/workspace/"+url.PathEscape(file), body)
	if err != nil {
		return fmt.Errorf("workspace put request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !is2xx(resp.StatusCode) {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("workspace put failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SessionMessages returns the worker's conversation history for a session,
// verbatim. The control plane proxies this without interpreting it.
func (c *Client) SessionMessages(ctx context.Context, ep Endpoint, sessionID string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(ep.BaseURL, "/sessions/"+url.PathEscape(sessionID)), nil)
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session messages request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	if !is2xx(resp.StatusCode) {
		return nil, fmt.Errorf("session messages failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return json.RawMessage(respBody), nil
}

// doJSON performs a JSON request against a worker endpoint
func (c *Client) doJSON(ctx context.Context, client *http.Client, method string, ep Endpoint, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, joinURL(ep.BaseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func joinURL(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + path
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}
