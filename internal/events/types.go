// Package events provides event types and utilities for the AnyWork event system.
package events

// Event types for tasks
const (
	TaskCreated   = "task.created"  // New pending task, consumed by the dispatcher queue group
	TaskFinished  = "task.finished" // Task reached a terminal status
	TaskCancelReq = "task.cancel"   // Cancellation requested for a dispatched task
	TaskLog       = "task.log"      // Base subject for streamed task log entries
	TaskStatus    = "task.status"   // Base subject for task status transitions
)

// Event types for sessions
const (
	SessionCreated      = "session.created"
	SessionTitleUpdated = "session.title_updated"
	SessionDeleted      = "session.deleted"
)

// Event types for workers
const (
	WorkerAcquired = "worker.acquired"
	WorkerReleased = "worker.released"
	WorkerReaped   = "worker.reaped" // Idle worker torn down by the reaper
)

// BuildTaskLogSubject creates a task log subject for a specific task
func BuildTaskLogSubject(taskID string) string {
	return TaskLog + "." + taskID
}

// BuildTaskLogWildcardSubject creates a wildcard subscription for all task log events
func BuildTaskLogWildcardSubject() string {
	return TaskLog + ".*"
}

// BuildTaskStatusSubject creates a task status subject for a specific task
func BuildTaskStatusSubject(taskID string) string {
	return TaskStatus + "." + taskID
}

// BuildTaskStatusWildcardSubject creates a wildcard subscription for all task status events
func BuildTaskStatusWildcardSubject() string {
	return TaskStatus + ".*"
}

// BuildTaskCancelSubject creates a cancellation subject for a specific task.
// The dispatcher goroutine that owns the run subscribes here, so a cancel
// issued on any instance reaches the one holding the worker stream.
func BuildTaskCancelSubject(taskID string) string {
	return TaskCancelReq + "." + taskID
}
