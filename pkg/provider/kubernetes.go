package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

const (
	// PodLabel marks server pods with their cluster name
	PodLabel = "runway.dev/cluster"

	DefaultServerImage = "ghcr.io/cuemby/runway:latest"
	defaultNamespace   = "default"
)

// Kubernetes runs a cluster's dispatch server as a single pod
type Kubernetes struct {
	newClient func(cluster *types.Cluster) (kubernetes.Interface, error)
}

// NewKubernetes creates a provider that loads kubeconfig, honouring the
// cluster's kube context, and falls back to in-cluster config
func NewKubernetes() *Kubernetes {
	return &Kubernetes{newClient: clientFromKubeconfig}
}

// NewKubernetesWithClient creates a provider bound to one clientset
func NewKubernetesWithClient(cs kubernetes.Interface) *Kubernetes {
	return &Kubernetes{
		newClient: func(*types.Cluster) (kubernetes.Interface, error) { return cs, nil },
	}
}

func clientFromKubeconfig(cluster *types.Cluster) (kubernetes.Interface, error) {
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: cluster.Credentials.KubeContext},
	).ClientConfig()
	if err != nil {
		inCluster, inErr := rest.InClusterConfig()
		if inErr != nil {
			return nil, err
		}
		cfg = inCluster
	}
	return kubernetes.NewForConfig(cfg)
}

func (k *Kubernetes) Kind() types.ProviderKind { return types.ProviderKubernetes }

func (k *Kubernetes) Create(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	cs, err := k.client(cluster)
	if err != nil {
		return nil, err
	}
	ns := namespace(cluster)

	if pod, err := k.findPod(ctx, cs, cluster); err == nil {
		return podInstance(pod), nil
	} else if !errors.Is(err, ErrInstanceNotFound) {
		return nil, classifyKube(cluster.Name, err)
	}

	pod, err := serverPod(cluster)
	if err != nil {
		return nil, errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonInvalidConfig, err)
	}
	created, err := cs.CoreV1().Pods(ns).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, classifyKube(cluster.Name, err)
	}
	return podInstance(created), nil
}

func (k *Kubernetes) Describe(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	cs, err := k.client(cluster)
	if err != nil {
		return nil, err
	}
	if cluster.InstanceID == "" {
		pod, err := k.findPod(ctx, cs, cluster)
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				return nil, err
			}
			return nil, classifyKube(cluster.Name, err)
		}
		return podInstance(pod), nil
	}

	pod, err := cs.CoreV1().Pods(namespace(cluster)).Get(ctx, cluster.InstanceID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, classifyKube(cluster.Name, err)
	}
	if !podLive(pod) {
		return nil, ErrInstanceNotFound
	}
	return podInstance(pod), nil
}

func (k *Kubernetes) Terminate(ctx context.Context, cluster *types.Cluster) error {
	cs, err := k.client(cluster)
	if err != nil {
		return err
	}
	ns := namespace(cluster)

	pods, err := cs.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: PodLabel + "=" + cluster.Name})
	if err != nil {
		return classifyKube(cluster.Name, err)
	}
	for _, pod := range pods.Items {
		err := cs.CoreV1().Pods(ns).Delete(ctx, pod.Name, *metav1.NewDeleteOptions(0))
		if err != nil && !apierrors.IsNotFound(err) {
			return classifyKube(cluster.Name, err)
		}
	}
	return nil
}

func (k *Kubernetes) client(cluster *types.Cluster) (kubernetes.Interface, error) {
	cs, err := k.newClient(cluster)
	if err != nil {
		return nil, errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonCredentials,
			fmt.Errorf("failed to load kubeconfig: %w", err))
	}
	return cs, nil
}

func (k *Kubernetes) findPod(ctx context.Context, cs kubernetes.Interface, cluster *types.Cluster) (*corev1.Pod, error) {
	pods, err := cs.CoreV1().Pods(namespace(cluster)).List(ctx, metav1.ListOptions{
		LabelSelector: PodLabel + "=" + cluster.Name,
	})
	if err != nil {
		return nil, err
	}
	for i := range pods.Items {
		if podLive(&pods.Items[i]) {
			return &pods.Items[i], nil
		}
	}
	return nil, ErrInstanceNotFound
}

func serverPod(cluster *types.Cluster) (*corev1.Pod, error) {
	image := cluster.Instance.Image
	if image == "" {
		image = DefaultServerImage
	}
	port := cluster.Port()

	requests := corev1.ResourceList{}
	if cluster.Instance.CPU != "" {
		q, err := resource.ParseQuantity(cluster.Instance.CPU)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu %q: %w", cluster.Instance.CPU, err)
		}
		requests[corev1.ResourceCPU] = q
	}
	if cluster.Instance.Memory != "" {
		q, err := resource.ParseQuantity(cluster.Instance.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory %q: %w", cluster.Instance.Memory, err)
		}
		requests[corev1.ResourceMemory] = q
	}

	command := []string{"runway", "server", "start",
		"--host", "0.0.0.0", "--port", strconv.Itoa(port), "--no-nohup"}
	if cluster.DenAuthRequired {
		command = append(command, "--den-auth")
	}
	ports := []corev1.ContainerPort{{Name: "dispatch", ContainerPort: int32(port)}}
	if cluster.HealthPort > 0 {
		command = append(command, "--health-port", strconv.Itoa(cluster.HealthPort))
		ports = append(ports, corev1.ContainerPort{Name: "grpc-health", ContainerPort: int32(cluster.HealthPort)})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "runway-" + cluster.Name + "-" + uuid.NewString()[:8],
			Namespace: namespace(cluster),
			Labels:    map[string]string{PodLabel: cluster.Name},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{{
				Name:      "server",
				Image:     image,
				Command:   command,
				Ports:     ports,
				Resources: corev1.ResourceRequirements{Requests: requests},
			}},
		},
	}, nil
}

func namespace(cluster *types.Cluster) string {
	if cluster.Credentials.KubeNamespace != "" {
		return cluster.Credentials.KubeNamespace
	}
	return defaultNamespace
}

func podLive(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil {
		return false
	}
	return pod.Status.Phase != corev1.PodFailed && pod.Status.Phase != corev1.PodSucceeded
}

func podInstance(pod *corev1.Pod) *Instance {
	out := &Instance{
		ID:      pod.Name,
		Address: pod.Status.PodIP,
		State:   StatePending,
	}
	if pod.Status.Phase == corev1.PodRunning {
		out.State = StateRunning
	}
	return out
}

func classifyKube(cluster string, err error) error {
	reason := errdefs.ReasonTransient
	switch {
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		reason = errdefs.ReasonQuota
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		reason = errdefs.ReasonCredentials
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		reason = errdefs.ReasonInvalidConfig
	}
	return errdefs.NewProvisioningError(cluster, reason, err)
}
