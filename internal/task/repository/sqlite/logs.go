package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/searle-dev/anywork/internal/common/tracing"
	"github.com/searle-dev/anywork/internal/task/models"
)

// Task log operations

// AppendTaskLog appends a streamed event to a task's log and assigns the next
// sequence number atomically. Sequence numbers are dense and 0-based per
// task: the INSERT computes MAX(seq)+1 in the same statement, and a unique
// conflict (two writers racing on PostgreSQL) is retried until one side wins.
// The assigned seq is written back to log.Seq.
func (r *Repository) AppendTaskLog(ctx context.Context, log *models.TaskLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	metadataJSON := "{}"
	if log.Metadata != nil {
		metadataBytes, err := json.Marshal(log.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize log metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	query := r.db.Rebind(`
		INSERT INTO task_logs (task_id, seq, type, content, metadata, created_at)
		SELECT ?, COALESCE(MAX(seq) + 1, 0), ?, ?, ?, ? FROM task_logs WHERE task_id = ?
		RETURNING seq
	`)
	for {
		err := r.db.QueryRowContext(ctx, query,
			log.TaskID, log.Type, log.Content, metadataJSON, log.CreatedAt, log.TaskID).Scan(&log.Seq)
		if err == nil {
			return nil
		}
		if !isSeqConflict(err) {
			return fmt.Errorf("failed to append task log: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// isSeqConflict reports whether the insert lost the race for the next seq.
// Foreign-key violations (unknown task) deliberately do not match.
func isSeqConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// ListTaskLogs returns log entries with seq > afterSeq in ascending order.
// Pass afterSeq = -1 for the full log and limit <= 0 for no cap.
func (r *Repository) ListTaskLogs(ctx context.Context, taskID string, afterSeq int64, limit int) ([]*models.TaskLog, error) {
	ctx, span := tracing.Tracer("anywork-db").Start(ctx, "db.ListTaskLogs")
	defer span.End()

	query := `
		SELECT task_id, seq, type, content, metadata, created_at
		FROM task_logs WHERE task_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{taskID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TaskLog
	for rows.Next() {
		entry := &models.TaskLog{}
		var metadataJSON string
		if err := rows.Scan(&entry.TaskID, &entry.Seq, &entry.Type, &entry.Content, &metadataJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize log metadata: %w", err)
			}
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// CountTaskLogs returns the number of log entries for a task.
func (r *Repository) CountTaskLogs(ctx context.Context, taskID string) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM task_logs WHERE task_id = ?
	`), taskID).Scan(&count)
	return count, err
}
