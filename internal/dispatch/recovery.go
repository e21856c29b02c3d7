package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/repository"
)

// Recover reconciles task state after a restart. Tasks that were running
// or waiting for input lost their worker stream with the old process and
// are marked failed; pending tasks are dispatched again. The channel for
// each pending task comes from the registry so terminal delivery still
// works; tasks whose channel is no longer configured run without it.
func (d *Dispatcher) Recover(ctx context.Context, registry *channel.Registry) error {
	interrupted := 0
	for _, status := range []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusInputRequired} {
		tasks, err := d.repo.ListTasksByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			errMsg := "interrupted by control-plane restart"
			d.setFinished(ctx, task, repository.TaskOutcome{
				Status: models.TaskStatusFailed,
				Error:  &errMsg,
			}, d.logger.WithTaskID(task.ID))
			interrupted++
		}
	}

	pending, err := d.repo.ListTasksByStatus(ctx, models.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	for _, task := range pending {
		var ch channel.Channel
		if registry != nil {
			ch, _ = registry.Get(task.ChannelType)
		}
		go func(task *models.Task, ch channel.Channel) {
			if _, err := d.Run(ctx, task, ch, nil); err != nil {
				d.logger.WithError(err).Error("recovered task run failed",
					zap.String("task_id", task.ID))
			}
		}(task, ch)
	}

	if interrupted > 0 || len(pending) > 0 {
		d.logger.Info("task state recovered",
			zap.Int("interrupted", interrupted),
			zap.Int("redispatched", len(pending)))
	}
	return nil
}
