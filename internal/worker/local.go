package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/searle-dev/anywork/internal/common/config"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/events"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/worker/docker"
	"github.com/searle-dev/anywork/pkg/workerapi"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Labels on every container the local driver manages.
const (
	labelManaged = "anywork.managed"
	labelSession = "anywork.session"
)

const containerStopTimeout = 10 * time.Second

// LocalDriver runs one worker container per session on the local Docker
// daemon. Containers are named after the session and survive control-plane
// restarts: Acquire finds them again by label.
type LocalDriver struct {
	docker    *docker.Client
	client    *workerapi.Client
	workerCfg config.WorkerConfig
	dockerCfg config.DockerConfig
	eventBus  bus.EventBus
	logger    *logger.Logger

	// flight collapses concurrent Acquires for one session into a single
	// container reconcile; Docker rejects duplicate names.
	flight singleflight.Group

	mu        sync.Mutex
	endpoints map[string]workerapi.Endpoint
}

// NewLocalDriver creates the local Docker driver.
func NewLocalDriver(dockerClient *docker.Client, client *workerapi.Client, workerCfg config.WorkerConfig, dockerCfg config.DockerConfig, eventBus bus.EventBus, log *logger.Logger) *LocalDriver {
	return &LocalDriver{
		docker:    dockerClient,
		client:    client,
		workerCfg: workerCfg,
		dockerCfg: dockerCfg,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("driver", "local")),
		endpoints: make(map[string]workerapi.Endpoint),
	}
}

// Acquire returns a healthy endpoint for the session, reusing a cached or
// labeled container when possible and creating one otherwise.
func (d *LocalDriver) Acquire(ctx context.Context, sessionID string) (workerapi.Endpoint, error) {
	d.mu.Lock()
	ep, ok := d.endpoints[sessionID]
	d.mu.Unlock()
	if ok && d.client.Health(ctx, ep) {
		return ep, nil
	}

	v, err, _ := d.flight.Do(sessionID, func() (interface{}, error) {
		return d.ensureContainer(ctx, sessionID)
	})
	if err != nil {
		return workerapi.Endpoint{}, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	ep = v.(workerapi.Endpoint)

	d.mu.Lock()
	d.endpoints[sessionID] = ep
	d.mu.Unlock()

	d.publishWorkerEvent(ctx, events.WorkerAcquired, sessionID, ep.ID)
	return ep, nil
}

// Release stops and removes the session's container.
func (d *LocalDriver) Release(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	delete(d.endpoints, sessionID)
	d.mu.Unlock()

	containers, err := d.docker.ListContainers(ctx, map[string]string{
		labelSession: sessionLabel(sessionID),
	})
	if err != nil {
		return fmt.Errorf("list containers for session %s: %w", sessionID, err)
	}
	for _, ctr := range containers {
		if err := d.docker.StopContainer(ctx, ctr.ID, containerStopTimeout); err != nil {
			d.logger.Warn("failed to stop container gracefully, forcing removal",
				zap.String("container_id", ctr.ID),
				zap.Error(err))
		}
		if err := d.docker.RemoveContainer(ctx, ctr.ID, true); err != nil {
			return err
		}
		d.logger.Info("worker container removed",
			zap.String("container_id", ctr.ID),
			zap.String("session_id", sessionID))
	}

	d.publishWorkerEvent(ctx, events.WorkerReleased, sessionID, WorkerName(sessionID))
	return nil
}

// Close closes the Docker client. Running containers are left alone so
// sessions stay warm across control-plane restarts.
func (d *LocalDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	active := len(d.endpoints)
	d.mu.Unlock()
	if active > 0 {
		d.logger.Info("leaving worker containers running", zap.Int("count", active))
	}
	return d.docker.Close()
}

func (d *LocalDriver) ensureContainer(ctx context.Context, sessionID string) (workerapi.Endpoint, error) {
	name := WorkerName(sessionID)

	existing, err := d.docker.ListContainers(ctx, map[string]string{
		labelSession: sessionLabel(sessionID),
	})
	if err != nil {
		return workerapi.Endpoint{}, err
	}

	var containerID string
	if len(existing) > 0 {
		containerID = existing[0].ID
		if existing[0].State != "running" {
			if err := d.docker.StartContainer(ctx, containerID); err != nil {
				// The container is stale beyond restarting; replace it.
				d.logger.Warn("removing container that failed to restart",
					zap.String("container_id", containerID),
					zap.Error(err))
				_ = d.docker.RemoveContainer(ctx, containerID, true)
				containerID = ""
			}
		}
	}

	if containerID == "" {
		containerID, err = d.launchContainer(ctx, sessionID, name)
		if err != nil {
			return workerapi.Endpoint{}, err
		}
	}

	ip, err := d.docker.GetContainerIP(ctx, containerID)
	if err != nil {
		d.logger.Warn("failed to get container IP, trying localhost",
			zap.String("container_id", containerID),
			zap.Error(err))
		ip = "127.0.0.1"
	}

	ep := workerapi.Endpoint{
		ID:      name,
		BaseURL: fmt.Sprintf("http://%s:%d", ip, d.workerCfg.Port),
	}
	if err := d.client.WaitHealthy(ctx, ep, d.workerCfg.ReadyTimeout()); err != nil {
		_ = d.docker.RemoveContainer(ctx, containerID, true)
		return workerapi.Endpoint{}, fmt.Errorf("worker health check failed: %w", err)
	}
	return ep, nil
}

func (d *LocalDriver) launchContainer(ctx context.Context, sessionID, name string) (string, error) {
	workspacePath, err := d.workspacePath(sessionID)
	if err != nil {
		return "", err
	}

	cfg := docker.ContainerConfig{
		Name:  name,
		Image: d.workerCfg.Image,
		Env:   d.buildEnv(),
		Mounts: []docker.MountConfig{
			{Source: workspacePath, Target: "/workspace"},
		},
		NetworkMode: d.dockerCfg.Network,
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: sessionLabel(sessionID),
		},
	}

	containerID, err := d.docker.CreateContainer(ctx, cfg)
	if err != nil {
		// Most create failures on a fresh host are a missing image.
		if pullErr := d.docker.PullImage(ctx, d.workerCfg.Image); pullErr != nil {
			return "", err
		}
		containerID, err = d.docker.CreateContainer(ctx, cfg)
		if err != nil {
			return "", err
		}
	}

	if err := d.docker.StartContainer(ctx, containerID); err != nil {
		_ = d.docker.RemoveContainer(ctx, containerID, true)
		return "", err
	}
	return containerID, nil
}

// workspacePath ensures the per-session host directory that is bind
// mounted at /workspace.
func (d *LocalDriver) workspacePath(sessionID string) (string, error) {
	dir := filepath.Join(d.dockerCfg.WorkspaceBasePath, sessionLabel(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func (d *LocalDriver) buildEnv() []string {
	env := []string{
		"WORKSPACE_DIR=/workspace",
		fmt.Sprintf("PORT=%d", d.workerCfg.Port),
	}
	keys := make([]string, 0, len(d.workerCfg.Env))
	for k := range d.workerCfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, d.workerCfg.Env[k]))
	}
	return env
}

func (d *LocalDriver) publishWorkerEvent(ctx context.Context, eventType, sessionID, workerID string) {
	if d.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "worker-driver", map[string]interface{}{
		"session_id": sessionID,
		"worker_id":  workerID,
	})
	if err := d.eventBus.Publish(ctx, eventType, evt); err != nil {
		d.logger.Warn("failed to publish worker event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}
