// Package service implements the control-plane business logic between the
// ingress layers (REST, duplex gateway, webhooks) and the task store:
// session lifecycle, task submission, log reads, cancellation, and the
// worker workspace proxies.
package service

import (
	"errors"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/task/repository"
	"github.com/searle-dev/anywork/internal/title"
	"github.com/searle-dev/anywork/internal/worker"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
)

var (
	// ErrNotCancelable is returned when a cancel request targets a task
	// that already reached a terminal status.
	ErrNotCancelable = errors.New("task is not cancelable")
	// ErrEmptyMessage is returned when a task request carries no message.
	ErrEmptyMessage = errors.New("message is required")
	// ErrEmptyTitle is returned when a session rename carries no title.
	ErrEmptyTitle = errors.New("title is required")
	// ErrUnknownWorkspaceFile is returned for workspace keys outside the
	// exposed set.
	ErrUnknownWorkspaceFile = errors.New("workspace file not found")
)

// Service provides session and task business logic.
type Service struct {
	repo   repository.Repository
	bus    bus.EventBus
	driver worker.Driver
	client *workerapi.Client
	titles *title.Generator
	logger *logger.Logger
}

// NewService creates a new task service.
func NewService(repo repository.Repository, eventBus bus.EventBus, driver worker.Driver, client *workerapi.Client, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    eventBus,
		driver: driver,
		client: client,
		logger: log.WithFields(zap.String("component", "task-service")),
	}
}

// SetTitleGenerator wires the session title generator. Without one,
// GenerateSessionTitle reports title.ErrDisabled.
func (s *Service) SetTitleGenerator(gen *title.Generator) {
	s.titles = gen
}
