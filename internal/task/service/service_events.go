package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/events"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/task/models"
)

const eventSource = "task-service"

func (s *Service) publishSessionEvent(ctx context.Context, eventType string, session *models.Session) {
	if s.bus == nil || session == nil {
		return
	}
	data := map[string]interface{}{
		"session_id":   session.ID,
		"channel_type": session.ChannelType,
		"created_at":   session.CreatedAt.Format(time.RFC3339),
	}
	if session.Title != nil {
		data["title"] = *session.Title
	}
	event := bus.NewEvent(eventType, eventSource, data)
	if err := s.bus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish session event",
			zap.String("event_type", eventType),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

func (s *Service) publishSessionTitle(ctx context.Context, sessionID, title string) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.SessionTitleUpdated, eventSource, map[string]interface{}{
		"session_id": sessionID,
		"title":      title,
	})
	if err := s.bus.Publish(ctx, events.SessionTitleUpdated, event); err != nil {
		s.logger.Error("failed to publish session title event",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (s *Service) publishTaskCreated(ctx context.Context, task *models.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskCreated, eventSource, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
		"channel":    task.ChannelType,
	})
	if err := s.bus.Publish(ctx, events.TaskCreated, event); err != nil {
		s.logger.Error("failed to publish task created event",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// publishCancelRequested relays a cancel to whichever dispatcher goroutine
// holds the task's worker stream. Best effort: the task is marked canceled
// whether or not anyone is listening.
func (s *Service) publishCancelRequested(ctx context.Context, task *models.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskCancelReq, eventSource, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
	})
	if err := s.bus.Publish(ctx, events.BuildTaskCancelSubject(task.ID), event); err != nil {
		s.logger.Warn("failed to publish cancel request",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (s *Service) publishTaskStatus(ctx context.Context, task *models.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskStatus, eventSource, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
		"status":     string(task.Status),
	})
	if err := s.bus.Publish(ctx, events.BuildTaskStatusSubject(task.ID), event); err != nil {
		s.logger.Error("failed to publish task status event",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (s *Service) publishTaskFinished(ctx context.Context, task *models.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskFinished, eventSource, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
		"channel":    task.ChannelType,
		"status":     string(task.Status),
	})
	if err := s.bus.Publish(ctx, events.TaskFinished, event); err != nil {
		s.logger.Error("failed to publish task finished event",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}
