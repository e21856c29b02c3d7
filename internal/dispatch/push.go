package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/task/models"
)

const pushTimeout = 10 * time.Second

// pushPayload is the notification body posted to the per-task push URL.
type pushPayload struct {
	TaskID    string  `json:"taskId"`
	SessionID string  `json:"sessionId"`
	Status    string  `json:"status"`
	Result    *string `json:"result"`
	Error     *string `json:"error"`
}

// PushNotifier posts terminal task notifications to per-task webhook URLs.
// Best effort: sent at most once, never retried, failures only logged.
type PushNotifier struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewPushNotifier creates a push notifier with the standard timeout.
func NewPushNotifier(log *logger.Logger) *PushNotifier {
	return &PushNotifier{
		httpClient: &http.Client{Timeout: pushTimeout},
		logger:     log.WithFields(zap.String("component", "push")),
	}
}

// Notify fires the push notification for a finished task.
func (n *PushNotifier) Notify(ctx context.Context, task *models.Task) {
	push := task.Push
	if push == nil || push.URL == "" {
		return
	}
	log := n.logger.WithTaskID(task.ID)

	body, err := json.Marshal(pushPayload{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Status:    string(task.Status),
		Result:    task.Result,
		Error:     task.Error,
	})
	if err != nil {
		log.WithError(err).Error("failed to encode push payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, push.URL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("failed to build push request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if push.AuthHeader != "" {
		req.Header.Set("Authorization", push.AuthHeader)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("push notification failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		log.Warn("push notification rejected", zap.Int("status_code", resp.StatusCode))
		return
	}
	log.Debug("push notification delivered", zap.String("status", string(task.Status)))
}
