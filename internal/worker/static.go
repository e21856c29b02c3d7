package worker

import (
	"context"
	"fmt"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/pkg/workerapi"
	"go.uber.org/zap"
)

// StaticDriver points every session at one externally managed worker.
// It is the development default and the right choice when the worker runs
// as a sidecar or a fixed peer service.
type StaticDriver struct {
	endpoint workerapi.Endpoint
	client   *workerapi.Client
	logger   *logger.Logger
}

// NewStaticDriver creates a driver for a fixed worker URL.
func NewStaticDriver(url string, client *workerapi.Client, log *logger.Logger) *StaticDriver {
	return &StaticDriver{
		endpoint: workerapi.Endpoint{ID: "static", BaseURL: url},
		client:   client,
		logger:   log.WithFields(zap.String("driver", "static")),
	}
}

// Acquire returns the configured endpoint after confirming the worker
// answers its health check.
func (d *StaticDriver) Acquire(ctx context.Context, sessionID string) (workerapi.Endpoint, error) {
	if !d.client.Health(ctx, d.endpoint) {
		return workerapi.Endpoint{}, fmt.Errorf("%w: static worker at %s failed health check",
			ErrWorkerUnavailable, d.endpoint.BaseURL)
	}
	return d.endpoint, nil
}

// Release is a no-op: the static worker's lifetime is not ours to manage.
func (d *StaticDriver) Release(ctx context.Context, sessionID string) error {
	return nil
}

// Close is a no-op.
func (d *StaticDriver) Close(ctx context.Context) error {
	return nil
}
