// Package dispatch executes pending tasks against session workers: acquire,
// prepare, chat, then fan the framed event stream out to the task log, the
// event bus and an optional live subscriber.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/common/appctx"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/events"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/repository"
	"github.com/searle-dev/anywork/internal/worker"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

// sideEffectTimeout bounds delivery and push after the terminal transition.
const sideEffectTimeout = 30 * time.Second

const eventSource = "dispatcher"

// Frame is one message forwarded to a live subscriber, mirroring the worker
// stream with task coordinates attached.
type Frame struct {
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Subscriber is the live sink attached to a run. A Send error marks the
// subscriber closed; the run continues against storage without it.
type Subscriber interface {
	Send(frame Frame) error
}

// Dispatcher drives tasks from pending to a terminal status.
type Dispatcher struct {
	repo   repository.Repository
	driver worker.Driver
	client *workerapi.Client
	bus    bus.EventBus
	push   *PushNotifier
	logger *logger.Logger
}

// New creates a dispatcher on top of the given storage, driver and worker
// client. eventBus may be nil; publishing is then skipped entirely.
func New(repo repository.Repository, driver worker.Driver, client *workerapi.Client, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		driver: driver,
		client: client,
		bus:    eventBus,
		push:   NewPushNotifier(log),
		logger: log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Run executes one pending task end to end and returns the task re-read in
// its final state. ch provides terminal delivery when it implements
// channel.Deliverer and may be nil; sub receives live frames and may be nil.
func (d *Dispatcher) Run(ctx context.Context, task *models.Task, ch channel.Channel, sub Subscriber) (*models.Task, error) {
	log := d.logger.WithTaskID(task.ID).WithSessionID(task.SessionID).WithChannel(task.ChannelType)
	log.Info("dispatching task")

	sink := &liveSink{task: task, sub: sub, logger: log}
	aborted := d.execute(ctx, task, sink, log)

	final, err := d.repo.GetTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload task %s after run: %w", task.ID, err)
	}
	if err := d.repo.TouchSession(ctx, final.SessionID); err != nil {
		log.WithError(err).Warn("failed to touch session after run")
	}

	if aborted || !final.Status.IsTerminal() {
		return final, nil
	}

	// Delivery and push must survive the caller hanging up mid-run.
	sideCtx, cancel := appctx.Detached(ctx, nil, sideEffectTimeout)
	defer cancel()
	if final.Status == models.TaskStatusCompleted {
		d.deliver(sideCtx, ch, final, log)
	}
	if final.Push != nil && final.Push.Wants(final.Status) {
		d.push.Notify(sideCtx, final)
	}
	return final, nil
}

// execute runs the acquire-prepare-chat-stream pipeline. It returns true when
// an infrastructure failure aborted the run: the task is already marked
// failed and delivery and push are skipped.
func (d *Dispatcher) execute(ctx context.Context, task *models.Task, sink *liveSink, log *logger.Logger) bool {
	ep, err := d.driver.Acquire(ctx, task.SessionID)
	if err != nil {
		log.WithError(err).Error("failed to acquire worker")
		d.failTask(ctx, task, sink, fmt.Sprintf("worker acquisition failed: %v", err), log)
		return true
	}

	if err := d.repo.MarkTaskRunning(ctx, task.ID, ep.ID); err != nil {
		// A cancel that landed while the task was still pending wins. Any
		// other non-pending row means a different dispatcher owns the run.
		if errors.Is(err, repository.ErrAlreadyTerminal) {
			log.Info("task finished before dispatch, skipping")
		} else {
			log.WithError(err).Warn("task not dispatchable, skipping")
		}
		return false
	}
	d.publishStatus(ctx, task, models.TaskStatusRunning)

	if len(task.Skills) > 0 || len(task.BridgeConfigs) > 0 {
		if err := d.client.Prepare(ctx, ep, task.ID, task.Skills, task.BridgeConfigs); err != nil {
			log.WithError(err).Error("worker prepare failed")
			d.failTask(ctx, task, sink, err.Error(), log)
			return true
		}
	}

	stream, err := d.client.Chat(ctx, ep, task.SessionID, task.Message)
	if err != nil {
		log.WithError(err).Error("worker chat failed")
		d.failTask(ctx, task, sink, err.Error(), log)
		return true
	}
	defer func() { _ = stream.Close() }()

	if cancelSub := d.relayCancels(task, ep, log); cancelSub != nil {
		defer func() { _ = cancelSub.Unsubscribe() }()
	}

	d.consume(ctx, task, stream, sink, log)
	return false
}

// consume drains the worker stream, persisting every event in receive order
// and applying terminal transitions as they appear. Draining continues past a
// terminal transition so late events still land in the log.
func (d *Dispatcher) consume(ctx context.Context, task *models.Task, stream *workerapi.EventStream, sink *liveSink, log *logger.Logger) {
	var text strings.Builder
	sawTerminal := false

	for {
		ev, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("worker stream ended abnormally")
			}
			break
		}

		d.record(ctx, task, ev, sink, log)

		switch ev.Type {
		case workerapi.EventText:
			text.WriteString(ev.Content)
		case workerapi.EventError:
			sawTerminal = true
			errMsg := ev.Content
			d.setFinished(ctx, task, repository.TaskOutcome{
				Status: models.TaskStatusFailed,
				Error:  &errMsg,
			}, log)
		case workerapi.EventDone:
			sawTerminal = true
			d.setFinished(ctx, task, doneOutcome(ev, text.String()), log)
		}
	}

	// Streams that just close count as a normal completion.
	if !sawTerminal {
		outcome := repository.TaskOutcome{Status: models.TaskStatusCompleted}
		if s := text.String(); s != "" {
			outcome.Result = &s
		}
		d.setFinished(ctx, task, outcome, log)
	}
}

// record persists one stream event, publishes it and forwards it to the live
// subscriber. Persistence failures are logged; the stream keeps flowing.
func (d *Dispatcher) record(ctx context.Context, task *models.Task, ev *workerapi.Event, sink *liveSink, log *logger.Logger) {
	entry := &models.TaskLog{
		TaskID:   task.ID,
		Type:     ev.Type,
		Content:  ev.Content,
		Metadata: ev.Metadata,
	}
	if err := d.repo.AppendTaskLog(ctx, entry); err != nil {
		log.WithError(err).Error("failed to append task log", zap.String("event_type", ev.Type))
	}
	d.publishLog(ctx, entry)
	sink.send(Frame{Type: ev.Type, Content: ev.Content, Metadata: ev.Metadata})
}

// setFinished records a terminal outcome. Terminal rows never change again,
// so a cancel that already landed wins over late done events.
func (d *Dispatcher) setFinished(ctx context.Context, task *models.Task, outcome repository.TaskOutcome, log *logger.Logger) {
	if err := d.repo.MarkTaskFinished(ctx, task.ID, outcome); err != nil {
		if errors.Is(err, repository.ErrAlreadyTerminal) {
			log.Debug("terminal status already recorded", zap.String("attempted", string(outcome.Status)))
		} else {
			log.WithError(err).Error("failed to record terminal status", zap.String("status", string(outcome.Status)))
		}
		return
	}
	d.publishStatus(ctx, task, outcome.Status)
	d.publishFinished(ctx, task, outcome.Status)
}

// failTask marks the task failed after an infrastructure error and emits
// synthetic error and done frames so a live subscriber always observes a
// terminal sequence.
func (d *Dispatcher) failTask(ctx context.Context, task *models.Task, sink *liveSink, message string, log *logger.Logger) {
	errMsg := message
	d.setFinished(ctx, task, repository.TaskOutcome{
		Status: models.TaskStatusFailed,
		Error:  &errMsg,
	}, log)
	sink.send(Frame{Type: workerapi.EventError, Content: message})
	sink.send(Frame{Type: workerapi.EventDone})
}

// relayCancels subscribes to the task's cancel subject for the lifetime of
// the stream. Cancel requests can land on any instance; only the goroutine
// holding the stream knows which worker endpoint to signal.
func (d *Dispatcher) relayCancels(task *models.Task, ep workerapi.Endpoint, log *logger.Logger) bus.Subscription {
	if d.bus == nil {
		return nil
	}
	sub, err := d.bus.Subscribe(events.BuildTaskCancelSubject(task.ID), func(ctx context.Context, _ *bus.Event) error {
		log.Info("relaying cancel request to worker", zap.String("worker_id", ep.ID))
		return d.client.Cancel(ctx, ep, task.SessionID)
	})
	if err != nil {
		log.WithError(err).Warn("failed to subscribe for cancel requests")
		return nil
	}
	return sub
}

// deliver hands a completed task to the channel's platform side effect, at
// most once. Failures are logged and never fail the task.
func (d *Dispatcher) deliver(ctx context.Context, ch channel.Channel, task *models.Task, log *logger.Logger) {
	deliverer, ok := ch.(channel.Deliverer)
	if !ok {
		return
	}
	if err := deliverer.Deliver(ctx, task); err != nil {
		log.WithError(err).Error("channel delivery failed")
	}
}

func (d *Dispatcher) publishStatus(ctx context.Context, task *models.Task, status models.TaskStatus) {
	if d.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskStatus, eventSource, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
		"status":     string(status),
	})
	if err := d.bus.Publish(ctx, events.BuildTaskStatusSubject(task.ID), event); err != nil {
		d.logger.WithError(err).Debug("failed to publish task status")
	}
}

func (d *Dispatcher) publishFinished(ctx context.Context, task *models.Task, status models.TaskStatus) {
	if d.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskFinished, eventSource, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
		"channel":    task.ChannelType,
		"status":     string(status),
	})
	if err := d.bus.Publish(ctx, events.TaskFinished, event); err != nil {
		d.logger.WithError(err).Debug("failed to publish task finished")
	}
}

func (d *Dispatcher) publishLog(ctx context.Context, entry *models.TaskLog) {
	if d.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id": entry.TaskID,
		"seq":     entry.Seq,
		"type":    entry.Type,
		"content": entry.Content,
	}
	if entry.Metadata != nil {
		data["metadata"] = entry.Metadata
	}
	event := bus.NewEvent(events.TaskLog, eventSource, data)
	if err := d.bus.Publish(ctx, events.BuildTaskLogSubject(entry.TaskID), event); err != nil {
		d.logger.WithError(err).Debug("failed to publish task log")
	}
}

// doneOutcome builds the completed outcome from a done event. The result
// prefers the worker's explicit value and falls back to the accumulated text.
func doneOutcome(ev *workerapi.Event, accumulated string) repository.TaskOutcome {
	stats := ev.ParseDoneStats()
	outcome := repository.TaskOutcome{
		Status:     models.TaskStatusCompleted,
		CostUSD:    stats.CostUSD,
		NumTurns:   stats.NumTurns,
		DurationMS: stats.DurationMS,
	}
	result := stats.Result
	if result == "" {
		result = accumulated
	}
	if result != "" {
		outcome.Result = &result
	}
	if structured, ok := ev.Metadata["structured_output"].(map[string]interface{}); ok {
		outcome.StructuredOutput = structured
	}
	return outcome
}

// liveSink wraps the optional subscriber for one run, attaching task
// coordinates and dropping the subscriber permanently after a send failure.
type liveSink struct {
	task   *models.Task
	sub    Subscriber
	logger *logger.Logger
}

func (s *liveSink) send(frame Frame) {
	if s.sub == nil {
		return
	}
	frame.TaskID = s.task.ID
	frame.SessionID = s.task.SessionID
	if err := s.sub.Send(frame); err != nil {
		s.logger.WithError(err).Debug("live subscriber dropped")
		s.sub = nil
	}
}
