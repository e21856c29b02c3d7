package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/searle-dev/anywork/internal/common/tracing"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/repository"
)

const taskColumns = `id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs, push,
	result, structured_output, error, cost_usd, num_turns, duration_ms, worker_id, created_at, started_at, finished_at`

// Task operations

// CreateTask creates a new task in pending state. Skills, bridge configs and
// channel metadata are serialized as given; the defaults merge happens in the
// service layer before the task reaches the store.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	metaJSON := "{}"
	if task.ChannelMeta != nil {
		metaBytes, err := json.Marshal(task.ChannelMeta)
		if err != nil {
			return fmt.Errorf("failed to serialize channel metadata: %w", err)
		}
		metaJSON = string(metaBytes)
	}
	skillsJSON := "[]"
	if task.Skills != nil {
		skillBytes, err := json.Marshal(task.Skills)
		if err != nil {
			return fmt.Errorf("failed to serialize skills: %w", err)
		}
		skillsJSON = string(skillBytes)
	}
	bridgesJSON := "[]"
	if task.BridgeConfigs != nil {
		bridgeBytes, err := json.Marshal(task.BridgeConfigs)
		if err != nil {
			return fmt.Errorf("failed to serialize bridge configs: %w", err)
		}
		bridgesJSON = string(bridgeBytes)
	}
	var pushJSON sql.NullString
	if task.Push != nil {
		pushBytes, err := json.Marshal(task.Push)
		if err != nil {
			return fmt.Errorf("failed to serialize push config: %w", err)
		}
		pushJSON = sql.NullString{String: string(pushBytes), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs, push, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.SessionID, task.ChannelType, metaJSON, task.Status, task.Message, skillsJSON, bridgesJSON, pushJSON, task.CreatedAt)
	return err
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, err
	}
	return task, nil
}

// ListTasksBySession returns all tasks for a session in creation order.
func (r *Repository) ListTasksBySession(ctx context.Context, sessionID string) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("anywork-db").Start(ctx, "db.ListTasksBySession")
	defer span.End()

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListTasksByStatus returns all tasks in the given state, oldest first. Used
// at startup to re-queue pending work and fail tasks orphaned mid-run.
func (r *Repository) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC
	`), status)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// UpdateTask applies a partial update to a non-terminal task. Terminal rows
// are left untouched and reported via ErrAlreadyTerminal.
func (r *Repository) UpdateTask(ctx context.Context, id string, update repository.TaskUpdate) error {
	var sets []string
	var args []interface{}
	if update.Status != nil {
		if update.Status.IsTerminal() {
			return fmt.Errorf("terminal transition for task %s must go through MarkTaskFinished", id)
		}
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.WorkerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *update.WorkerID)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND status IN ('pending', 'running', 'input_required')
	`), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return r.explainTaskUpdateMiss(ctx, id)
	}
	return nil
}

// MarkTaskRunning transitions a pending task to running and stamps
// started_at. The pending guard makes the transition fire at most once.
func (r *Repository) MarkTaskRunning(ctx context.Context, id, workerID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, worker_id = ?, started_at = ? WHERE id = ? AND status = ?
	`), models.TaskStatusRunning, workerID, time.Now().UTC(), id, models.TaskStatusPending)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		task, getErr := r.GetTask(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", repository.ErrAlreadyTerminal, id)
		}
		return fmt.Errorf("task %s is not pending (status %s)", id, task.Status)
	}
	return nil
}

// MarkTaskFinished records the terminal transition exactly once: the status
// guard means the first writer wins and later attempts get
// ErrAlreadyTerminal, which keeps cancellation sticky against trailing
// worker events.
func (r *Repository) MarkTaskFinished(ctx context.Context, id string, outcome repository.TaskOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", outcome.Status)
	}

	var result, errMsg sql.NullString
	if outcome.Result != nil {
		result = sql.NullString{String: *outcome.Result, Valid: true}
	}
	if outcome.Error != nil {
		errMsg = sql.NullString{String: *outcome.Error, Valid: true}
	}
	var structured sql.NullString
	if outcome.StructuredOutput != nil {
		structuredBytes, err := json.Marshal(outcome.StructuredOutput)
		if err != nil {
			return fmt.Errorf("failed to serialize structured output: %w", err)
		}
		structured = sql.NullString{String: string(structuredBytes), Valid: true}
	}
	var cost sql.NullFloat64
	if outcome.CostUSD != nil {
		cost = sql.NullFloat64{Float64: *outcome.CostUSD, Valid: true}
	}
	var turns, duration sql.NullInt64
	if outcome.NumTurns != nil {
		turns = sql.NullInt64{Int64: int64(*outcome.NumTurns), Valid: true}
	}
	if outcome.DurationMS != nil {
		duration = sql.NullInt64{Int64: *outcome.DurationMS, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, result = ?, structured_output = ?, error = ?, cost_usd = ?, num_turns = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status IN ('pending', 'running', 'input_required')
	`), outcome.Status, result, structured, errMsg, cost, turns, duration, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return r.explainTaskUpdateMiss(ctx, id)
	}
	return nil
}

// explainTaskUpdateMiss turns a zero-row guarded update into the right error:
// missing row or terminal row.
func (r *Repository) explainTaskUpdateMiss(ctx context.Context, id string) error {
	task, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", repository.ErrAlreadyTerminal, id)
	}
	return fmt.Errorf("task not found: %s", id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var metaJSON, skillsJSON, bridgesJSON string
	var pushJSON, result, structured, errMsg, workerID sql.NullString
	var cost sql.NullFloat64
	var turns, duration sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := s.Scan(&task.ID, &task.SessionID, &task.ChannelType, &metaJSON, &task.Status, &task.Message,
		&skillsJSON, &bridgesJSON, &pushJSON, &result, &structured, &errMsg, &cost, &turns, &duration,
		&workerID, &task.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &task.ChannelMeta); err != nil {
			return nil, fmt.Errorf("failed to deserialize channel metadata: %w", err)
		}
	}
	if skillsJSON != "" && skillsJSON != "[]" {
		if err := json.Unmarshal([]byte(skillsJSON), &task.Skills); err != nil {
			return nil, fmt.Errorf("failed to deserialize skills: %w", err)
		}
	}
	if bridgesJSON != "" && bridgesJSON != "[]" {
		if err := json.Unmarshal([]byte(bridgesJSON), &task.BridgeConfigs); err != nil {
			return nil, fmt.Errorf("failed to deserialize bridge configs: %w", err)
		}
	}
	if pushJSON.Valid && pushJSON.String != "" {
		if err := json.Unmarshal([]byte(pushJSON.String), &task.Push); err != nil {
			return nil, fmt.Errorf("failed to deserialize push config: %w", err)
		}
	}
	if structured.Valid && structured.String != "" {
		if err := json.Unmarshal([]byte(structured.String), &task.StructuredOutput); err != nil {
			return nil, fmt.Errorf("failed to deserialize structured output: %w", err)
		}
	}
	if result.Valid {
		task.Result = &result.String
	}
	if errMsg.Valid {
		task.Error = &errMsg.String
	}
	if workerID.Valid {
		task.WorkerID = &workerID.String
	}
	if cost.Valid {
		task.CostUSD = &cost.Float64
	}
	if turns.Valid {
		n := int(turns.Int64)
		task.NumTurns = &n
	}
	if duration.Valid {
		task.DurationMS = &duration.Int64
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	defer func() { _ = rows.Close() }()
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
