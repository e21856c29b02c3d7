package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/repository"
)

// Task operations

// SubmitTask normalizes a channel request into a persisted pending task.
// The session row is created on first use (idempotent), channel defaults
// are merged into the request, and a task.created event announces the new
// work. Dispatching the task is the caller's concern: the duplex gateway
// runs it on the connection goroutine, webhook ingress in the background.
func (s *Service) SubmitTask(ctx context.Context, ch channel.Channel, req *channel.TaskRequest) (*models.Task, error) {
	if req == nil || strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	channel.Apply(ch, req)

	session := &models.Session{ID: req.SessionID, ChannelType: ch.Type()}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		s.logger.Error("failed to create session for task", zap.Error(err))
		return nil, err
	}

	task := &models.Task{
		SessionID:     session.ID,
		ChannelType:   ch.Type(),
		ChannelMeta:   req.Meta,
		Message:       req.Message,
		Skills:        req.Skills,
		BridgeConfigs: req.BridgeConfigs,
		Push:          req.Push,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		s.logger.Error("failed to create task",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return nil, err
	}

	if err := s.repo.TouchSession(ctx, session.ID); err != nil {
		s.logger.Debug("failed to touch session on submit",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	s.publishTaskCreated(ctx, task)
	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("session_id", task.SessionID),
		zap.String("channel", task.ChannelType))
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// ListSessionTasks returns all tasks for a session, oldest first.
func (s *Service) ListSessionTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListTasksBySession(ctx, sessionID)
}

// ListTaskLogs returns a page of log entries ordered by seq, plus whether
// entries exist beyond the page. after=0 starts from the beginning of the
// stream (seq is 0-based); after=N returns entries with seq > N, so a
// client polls by passing the last seq it has seen.
func (s *Service) ListTaskLogs(ctx context.Context, taskID string, after int64, limit int) ([]*models.TaskLog, bool, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = defaultLogPageSize
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}
	cursor := after
	if cursor <= 0 {
		cursor = -1
	}

	logs, err := s.repo.ListTaskLogs(ctx, taskID, cursor, limit)
	if err != nil {
		return nil, false, err
	}
	total, err := s.repo.CountTaskLogs(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if len(logs) > 0 {
		cursor = logs[len(logs)-1].Seq
	}
	// Seq is dense and 0-based, so the newest entry has seq total-1.
	hasMore := cursor < total-1
	return logs, hasMore, nil
}

// CancelTask force-finishes a task that has not reached terminal status.
// The worker interrupt travels over the bus: only the dispatcher goroutine
// holding the stream knows the endpoint, so the cancel subject is the one
// route to it. Status flips to canceled immediately without waiting for
// the worker; late log entries keep persisting but the status is sticky.
func (s *Service) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.Cancelable() {
		return nil, ErrNotCancelable
	}

	s.publishCancelRequested(ctx, task)

	if err := s.repo.MarkTaskFinished(ctx, id, repository.TaskOutcome{Status: models.TaskStatusCanceled}); err != nil {
		if errors.Is(err, repository.ErrAlreadyTerminal) {
			return nil, ErrNotCancelable
		}
		s.logger.Error("failed to mark task canceled", zap.String("task_id", id), zap.Error(err))
		return nil, err
	}

	task, err = s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishTaskStatus(ctx, task)
	s.publishTaskFinished(ctx, task)
	s.logger.Info("task canceled", zap.String("task_id", id))
	return task, nil
}
