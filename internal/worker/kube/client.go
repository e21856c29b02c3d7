// Package kube wraps client-go with the pod, service, and PVC operations
// the orchestrated worker driver needs.
package kube

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/searle-dev/anywork/internal/common/logger"
	"go.uber.org/zap"
)

// PodSpec describes a worker pod.
type PodSpec struct {
	Name   string
	Image  string
	Port   int
	Env    map[string]string
	Labels map[string]string
	// PVCName mounts the named claim at /workspace; empty means emptyDir.
	PVCName       string
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// PodStatus is the condensed pod state the driver reconciles against.
type PodStatus struct {
	Found bool
	Phase string
	Ready bool
}

// Client performs namespaced operations against a Kubernetes cluster.
type Client struct {
	clientset kubernetes.Interface
	namespace string
	logger    *logger.Logger
}

// NewClient creates a client using in-cluster config when available,
// falling back to the local kubeconfig.
func NewClient(namespace string, log *logger.Logger) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		configOverrides := &clientcmd.ConfigOverrides{}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)
		cfg, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return NewClientWithClientset(clientset, namespace, log), nil
}

// NewClientWithClientset wraps an existing clientset, used by tests with
// the fake clientset.
func NewClientWithClientset(clientset kubernetes.Interface, namespace string, log *logger.Logger) *Client {
	return &Client{
		clientset: clientset,
		namespace: namespace,
		logger:    log.WithFields(zap.String("namespace", namespace)),
	}
}

// Namespace returns the namespace all operations target.
func (c *Client) Namespace() string { return c.namespace }

// EnsurePVC creates the workspace claim if it does not exist.
func (c *Client) EnsurePVC(ctx context.Context, name, size, storageClass string, labels map[string]string) error {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
			Labels:    labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteOnce,
			},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(size),
				},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = &storageClass
	}

	_, err := c.clientset.CoreV1().PersistentVolumeClaims(c.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create pvc %s: %w", name, err)
	}
	return nil
}

// EnsurePod creates the worker pod if it does not exist.
func (c *Client) EnsurePod(ctx context.Context, spec PodSpec) error {
	pod := c.buildPod(spec)
	_, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create pod %s: %w", spec.Name, err)
	}
	if err == nil {
		c.logger.Info("worker pod created", zap.String("pod", spec.Name))
	}
	return nil
}

// PodStatus reports whether the named pod exists and is ready.
func (c *Client) PodStatus(ctx context.Context, name string) (PodStatus, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return PodStatus{}, nil
		}
		return PodStatus{}, fmt.Errorf("get pod %s: %w", name, err)
	}
	return PodStatus{
		Found: true,
		Phase: string(pod.Status.Phase),
		Ready: isPodReady(pod),
	}, nil
}

// DeletePod removes the pod; a missing pod is not an error.
func (c *Client) DeletePod(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

// EnsureService creates a ClusterIP service for the worker pod.
func (c *Client) EnsureService(ctx context.Context, name string, selector map[string]string, port int) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
			Labels:    selector,
		},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(port),
				TargetPort: intstr.FromString("http"),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
	_, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create service %s: %w", name, err)
	}
	return nil
}

// DeleteService removes the service; a missing service is not an error.
func (c *Client) DeleteService(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	return nil
}

// DeletePVC removes the workspace claim; a missing claim is not an error.
func (c *Client) DeletePVC(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().PersistentVolumeClaims(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete pvc %s: %w", name, err)
	}
	return nil
}

func (c *Client) buildPod(spec PodSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	addQuantity(resources.Requests, corev1.ResourceCPU, spec.CPURequest, c.logger)
	addQuantity(resources.Requests, corev1.ResourceMemory, spec.MemoryRequest, c.logger)
	addQuantity(resources.Limits, corev1.ResourceCPU, spec.CPULimit, c.logger)
	addQuantity(resources.Limits, corev1.ResourceMemory, spec.MemoryLimit, c.logger)

	var workspaceSource corev1.VolumeSource
	if spec.PVCName != "" {
		workspaceSource = corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: spec.PVCName,
			},
		}
	} else {
		workspaceSource = corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{},
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: c.namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{{
				Name:  "worker",
				Image: spec.Image,
				Ports: []corev1.ContainerPort{{
					Name:          "http",
					ContainerPort: int32(spec.Port),
					Protocol:      corev1.ProtocolTCP,
				}},
				Env: env,
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: "/health",
							Port: intstr.FromString("http"),
						},
					},
					InitialDelaySeconds: 2,
					PeriodSeconds:       3,
				},
				Resources: resources,
				VolumeMounts: []corev1.VolumeMount{{
					Name:      "workspace",
					MountPath: "/workspace",
				}},
			}},
			Volumes: []corev1.Volume{{
				Name:         "workspace",
				VolumeSource: workspaceSource,
			}},
		},
	}
}

// addQuantity parses a quantity into the list, skipping empty or invalid
// values so a bad resource string degrades to "no limit" instead of a panic.
func addQuantity(list corev1.ResourceList, name corev1.ResourceName, value string, log *logger.Logger) {
	if value == "" {
		return
	}
	q, err := resource.ParseQuantity(value)
	if err != nil {
		log.Warn("invalid resource quantity, skipping",
			zap.String("resource", string(name)),
			zap.String("value", value),
			zap.Error(err))
		return
	}
	list[name] = q
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
