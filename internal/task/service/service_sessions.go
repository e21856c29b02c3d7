package service

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/events"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/title"
)

// Session operations

// CreateSession persists a session row, minting an id when absent, and
// publishes a session.created event. Creation is idempotent: an existing
// id is left untouched and the stored row is returned.
func (s *Service) CreateSession(ctx context.Context, id, channelType string) (*models.Session, error) {
	if channelType == "" {
		channelType = channel.TypeDuplex
	}
	session := &models.Session{ID: id, ChannelType: channelType}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		s.logger.Error("failed to create session", zap.Error(err))
		return nil, err
	}

	// Re-read so an idempotent insert returns the stored row, not the input.
	created, err := s.repo.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	s.publishSessionEvent(ctx, events.SessionCreated, created)
	s.logger.Info("session created",
		zap.String("session_id", created.ID),
		zap.String("channel", created.ChannelType))
	return created, nil
}

// GetSession retrieves a session by ID.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListSessions returns all sessions, most recently active first.
func (s *Service) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.repo.ListSessions(ctx)
}

// RenameSession sets the session title and publishes a
// session.title_updated event.
func (s *Service) RenameSession(ctx context.Context, id, sessionTitle string) error {
	sessionTitle = strings.TrimSpace(sessionTitle)
	if sessionTitle == "" {
		return ErrEmptyTitle
	}
	if err := s.repo.UpdateSessionTitle(ctx, id, sessionTitle); err != nil {
		return err
	}
	s.publishSessionTitle(ctx, id, sessionTitle)
	s.logger.Info("session renamed", zap.String("session_id", id))
	return nil
}

// DeleteSession removes a session together with its tasks and logs, and
// releases any worker still bound to it. The release is best effort; a
// driver with nothing bound for the session returns nil.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		s.logger.Error("failed to delete session", zap.String("session_id", id), zap.Error(err))
		return err
	}
	if s.driver != nil {
		if err := s.driver.Release(ctx, id); err != nil {
			s.logger.Warn("failed to release worker on session delete",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}
	s.publishSessionEvent(ctx, events.SessionDeleted, session)
	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// GenerateSessionTitle names a session from its first message, persists
// the result, and publishes a session.title_updated event. Callers run
// this in the background; title.ErrDisabled means no generator is
// configured.
func (s *Service) GenerateSessionTitle(ctx context.Context, sessionID, message string) (string, error) {
	if s.titles == nil {
		return "", title.ErrDisabled
	}
	generated, err := s.titles.Generate(ctx, message)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateSessionTitle(ctx, sessionID, generated); err != nil {
		return "", err
	}
	s.publishSessionTitle(ctx, sessionID, generated)
	s.logger.Debug("session title generated",
		zap.String("session_id", sessionID),
		zap.String("title", generated))
	return generated, nil
}

// SessionMessages proxies the worker's session transcript for a session.
// The worker owns the conversation history; the control plane only relays it.
func (s *Service) SessionMessages(ctx context.Context, sessionID string) (json.RawMessage, error) {
	ep, err := s.acquireSessionWorker(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.client.SessionMessages(ctx, ep, sessionID)
}
