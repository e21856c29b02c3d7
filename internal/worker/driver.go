// Package worker provides worker lifecycle drivers. A driver resolves a
// session to a healthy worker endpoint, creating the backing container or
// pod on demand and tearing it down on release.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/searle-dev/anywork/internal/common/config"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/worker/docker"
	"github.com/searle-dev/anywork/internal/worker/kube"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

// ErrWorkerUnavailable wraps every acquisition failure: the task fails
// with a worker error instead of hanging.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// Driver resolves sessions to worker endpoints.
//
// Acquire is idempotent: calling it twice for the same session returns the
// same endpoint, starting the worker only if it is missing or unhealthy.
// Release tears down whatever Acquire created; for the static driver both
// are cheap no-ops.
type Driver interface {
	Acquire(ctx context.Context, sessionID string) (workerapi.Endpoint, error)
	Release(ctx context.Context, sessionID string) error
	Close(ctx context.Context) error
}

// Provide constructs the driver selected by worker.driver.
func Provide(cfg *config.Config, client *workerapi.Client, eventBus bus.EventBus, log *logger.Logger) (Driver, error) {
	switch cfg.Worker.Driver {
	case config.DriverStatic:
		return NewStaticDriver(cfg.Worker.StaticURL, client, log), nil

	case config.DriverLocal:
		dockerClient, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			return nil, fmt.Errorf("create docker client: %w", err)
		}
		return NewLocalDriver(dockerClient, client, cfg.Worker, cfg.Docker, eventBus, log), nil

	case config.DriverOrchestrated:
		kubeClient, err := kube.NewClient(cfg.Kube.Namespace, log)
		if err != nil {
			return nil, fmt.Errorf("create kubernetes client: %w", err)
		}
		return NewOrchestratedDriver(kubeClient, client, cfg.Worker, cfg.Kube, eventBus, log), nil

	default:
		return nil, fmt.Errorf("unknown worker driver %q", cfg.Worker.Driver)
	}
}
