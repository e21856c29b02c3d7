// Package repository defines the storage contract for sessions, tasks and
// task logs. Implementations live in subpackages (sqlite covers both the
// SQLite and PostgreSQL drivers via placeholder rebinding).
package repository

import (
	"context"
	"errors"

	"github.com/searle-dev/anywork/internal/task/models"
)

// ErrAlreadyTerminal is returned when a state transition targets a task that
// already reached a terminal status. Terminal rows never change again.
var ErrAlreadyTerminal = errors.New("task already in terminal state")

// TaskUpdate is a partial update applied to a non-terminal task. Nil fields
// are left untouched.
type TaskUpdate struct {
	Status   *models.TaskStatus
	WorkerID *string
	Error    *string
}

// TaskOutcome carries everything recorded at the terminal transition.
type TaskOutcome struct {
	Status           models.TaskStatus
	Result           *string
	StructuredOutput map[string]interface{}
	Error            *string
	CostUSD          *float64
	NumTurns         *int
	DurationMS       *int64
}

// Repository defines the interface for control-plane storage operations.
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	TouchSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksBySession(ctx context.Context, sessionID string) ([]*models.Task, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	MarkTaskRunning(ctx context.Context, id, workerID string) error
	MarkTaskFinished(ctx context.Context, id string, outcome TaskOutcome) error

	// Log operations
	AppendTaskLog(ctx context.Context, log *models.TaskLog) error
	ListTaskLogs(ctx context.Context, taskID string, afterSeq int64, limit int) ([]*models.TaskLog, error)
	CountTaskLogs(ctx context.Context, taskID string) (int64, error)

	Close() error
}
