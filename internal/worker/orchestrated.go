package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/searle-dev/anywork/internal/common/config"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/events"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/worker/kube"
	"github.com/searle-dev/anywork/pkg/workerapi"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const reapInterval = time.Minute

type endpointState struct {
	endpoint workerapi.Endpoint
	lastUsed time.Time
}

// OrchestratedDriver runs one worker pod per session in a Kubernetes
// namespace, fronted by a ClusterIP service. Idle workers are reaped after
// kube.idleTtlSeconds; the pod's workspace is an emptyDir or, with
// persistent storage, a PVC that survives reaping.
type OrchestratedDriver struct {
	kube      *kube.Client
	client    *workerapi.Client
	workerCfg config.WorkerConfig
	kubeCfg   config.KubeConfig
	eventBus  bus.EventBus
	logger    *logger.Logger

	// endpointURL maps a worker name to its base URL. Cluster DNS in
	// production; tests point it at a local server.
	endpointURL func(name string) string

	// flight collapses concurrent Acquires for one session into a single
	// reconcile pass.
	flight singleflight.Group

	mu        sync.Mutex
	endpoints map[string]*endpointState

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOrchestratedDriver creates the Kubernetes driver and starts the idle
// reaper when a TTL is configured.
func NewOrchestratedDriver(kubeClient *kube.Client, client *workerapi.Client, workerCfg config.WorkerConfig, kubeCfg config.KubeConfig, eventBus bus.EventBus, log *logger.Logger) *OrchestratedDriver {
	d := &OrchestratedDriver{
		kube:      kubeClient,
		client:    client,
		workerCfg: workerCfg,
		kubeCfg:   kubeCfg,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("driver", "orchestrated")),
		endpoints: make(map[string]*endpointState),
		stopCh:    make(chan struct{}),
	}
	d.endpointURL = func(name string) string {
		return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", name, kubeClient.Namespace(), workerCfg.Port)
	}
	if kubeCfg.IdleTTL() > 0 {
		go d.runReaper()
	}
	return d
}

// Acquire reconciles the session's pod, service, and optional PVC into
// existence and waits for the worker to answer health checks.
func (d *OrchestratedDriver) Acquire(ctx context.Context, sessionID string) (workerapi.Endpoint, error) {
	d.mu.Lock()
	st, ok := d.endpoints[sessionID]
	if ok {
		st.lastUsed = time.Now()
	}
	d.mu.Unlock()

	if ok && d.client.Health(ctx, st.endpoint) {
		return st.endpoint, nil
	}

	v, err, _ := d.flight.Do(sessionID, func() (interface{}, error) {
		return d.reconcile(ctx, sessionID)
	})
	if err != nil {
		return workerapi.Endpoint{}, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	ep := v.(workerapi.Endpoint)

	d.mu.Lock()
	d.endpoints[sessionID] = &endpointState{endpoint: ep, lastUsed: time.Now()}
	d.mu.Unlock()

	d.publishWorkerEvent(ctx, events.WorkerAcquired, sessionID, ep.ID)
	return ep, nil
}

// Release tears down the session's pod and service. With persistent
// storage the PVC goes too: release means the session is gone for good.
func (d *OrchestratedDriver) Release(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	delete(d.endpoints, sessionID)
	d.mu.Unlock()

	name := WorkerName(sessionID)
	deletePVC := d.kubeCfg.WorkspaceStorage == config.WorkspacePersistent
	if err := d.teardown(ctx, name, deletePVC); err != nil {
		return err
	}
	d.publishWorkerEvent(ctx, events.WorkerReleased, sessionID, name)
	return nil
}

// Close stops the reaper. Pods are left running: sessions are durable and
// the next control-plane instance adopts them by name.
func (d *OrchestratedDriver) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	return nil
}

func (d *OrchestratedDriver) reconcile(ctx context.Context, sessionID string) (workerapi.Endpoint, error) {
	name := WorkerName(sessionID)
	labels := map[string]string{
		"app":        "anywork-worker",
		labelSession: sessionLabel(sessionID),
	}

	pvcName := ""
	if d.kubeCfg.WorkspaceStorage == config.WorkspacePersistent {
		pvcName = name
		if err := d.kube.EnsurePVC(ctx, name, d.kubeCfg.WorkspaceSize, d.kubeCfg.StorageClass, labels); err != nil {
			return workerapi.Endpoint{}, err
		}
	}

	status, err := d.kube.PodStatus(ctx, name)
	if err != nil {
		return workerapi.Endpoint{}, err
	}
	if status.Found && (status.Phase == "Failed" || status.Phase == "Succeeded") {
		d.logger.Info("replacing terminated worker pod",
			zap.String("pod", name),
			zap.String("phase", status.Phase))
		if err := d.kube.DeletePod(ctx, name); err != nil {
			return workerapi.Endpoint{}, err
		}
		status.Found = false
	}
	if !status.Found {
		spec := kube.PodSpec{
			Name:          name,
			Image:         d.workerCfg.Image,
			Port:          d.workerCfg.Port,
			Env:           d.buildEnv(),
			Labels:        labels,
			PVCName:       pvcName,
			CPURequest:    d.kubeCfg.CPURequest,
			CPULimit:      d.kubeCfg.CPULimit,
			MemoryRequest: d.kubeCfg.MemoryRequest,
			MemoryLimit:   d.kubeCfg.MemoryLimit,
		}
		if err := d.kube.EnsurePod(ctx, spec); err != nil {
			return workerapi.Endpoint{}, err
		}
	}

	if err := d.kube.EnsureService(ctx, name, labels, d.workerCfg.Port); err != nil {
		return workerapi.Endpoint{}, err
	}

	ep := workerapi.Endpoint{ID: name, BaseURL: d.endpointURL(name)}
	if err := d.client.WaitHealthy(ctx, ep, d.workerCfg.ReadyTimeout()); err != nil {
		// Leave the pod in place: the next Acquire reconciles it, and a
		// crash-looping pod is easier to debug than a deleted one.
		return workerapi.Endpoint{}, fmt.Errorf("worker pod %s not ready: %w", name, err)
	}
	return ep, nil
}

func (d *OrchestratedDriver) buildEnv() map[string]string {
	env := map[string]string{
		"WORKSPACE_DIR": "/workspace",
		"PORT":          fmt.Sprintf("%d", d.workerCfg.Port),
	}
	for k, v := range d.workerCfg.Env {
		env[k] = v
	}
	return env
}

func (d *OrchestratedDriver) teardown(ctx context.Context, name string, deletePVC bool) error {
	if err := d.kube.DeletePod(ctx, name); err != nil {
		return err
	}
	if err := d.kube.DeleteService(ctx, name); err != nil {
		return err
	}
	if deletePVC {
		if err := d.kube.DeletePVC(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (d *OrchestratedDriver) runReaper() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapIdle(time.Now())
		}
	}
}

// reapIdle tears down workers whose last use is older than the TTL. The
// PVC stays: idle is not deleted, and the workspace must survive a respawn.
func (d *OrchestratedDriver) reapIdle(now time.Time) {
	ttl := d.kubeCfg.IdleTTL()
	if ttl <= 0 {
		return
	}

	d.mu.Lock()
	expired := make(map[string]workerapi.Endpoint)
	for sessionID, st := range d.endpoints {
		if now.Sub(st.lastUsed) > ttl {
			expired[sessionID] = st.endpoint
			delete(d.endpoints, sessionID)
		}
	}
	d.mu.Unlock()

	for sessionID, ep := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := d.teardown(ctx, ep.ID, false); err != nil {
			d.logger.Warn("failed to reap idle worker",
				zap.String("worker_id", ep.ID),
				zap.Error(err))
			cancel()
			continue
		}
		cancel()
		d.logger.Info("reaped idle worker",
			zap.String("worker_id", ep.ID),
			zap.String("session_id", sessionID))
		d.publishWorkerEvent(context.Background(), events.WorkerReaped, sessionID, ep.ID)
	}
}

func (d *OrchestratedDriver) publishWorkerEvent(ctx context.Context, eventType, sessionID, workerID string) {
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
