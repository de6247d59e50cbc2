package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client wraps the Kubernetes API for namespace, pod and event access. It
// prefers in-cluster configuration and falls back to KUBECONFIG (or the
// default kubeconfig path) when running locally.
type Client struct {
	clientset kubernetes.Interface
	restCfg   *rest.Config
	logger    *slog.Logger
}

// New builds a cluster client.
func New(log *slog.Logger) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}

	return &Client{clientset: clientset, restCfg: cfg, logger: log}, nil
}

// NamespaceInfo is the subset of namespace metadata the registry needs.
type NamespaceInfo struct {
	Name      string
	CreatedAt *time.Time
}

// NamespaceExists reports whether the namespace is present.
func (c *Client) NamespaceExists(ctx context.Context, name string) (bool, error) {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get namespace %s: %w", name, err)
	}
	return true, nil
}

// ListNamespaces returns namespaces whose name carries the given prefix.
func (c *Client) ListNamespaces(ctx context.Context, prefix string) ([]NamespaceInfo, error) {
	list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	infos := make([]NamespaceInfo, 0, len(list.Items))
	for _, ns := range list.Items {
		if ns.Status.Phase == corev1.NamespaceTerminating {
			continue
		}
		if prefix != "" && !strings.HasPrefix(ns.Name, prefix) {
			continue
		}
		info := NamespaceInfo{Name: ns.Name}
		if !ns.CreationTimestamp.IsZero() {
			created := ns.CreationTimestamp.Time
			info.CreatedAt = &created
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DeleteNamespace removes a namespace with foreground propagation. A missing
// namespace is not an error, so repeated teardown stays idempotent. When wait
// is set the call polls until the namespace is gone or the timeout elapses.
func (c *Client) DeleteNamespace(ctx context.Context, name string, waitGone bool, timeout time.Duration) error {
	policy := metav1.DeletePropagationForeground
	err := c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete namespace %s: %w", name, err)
	}
	if !waitGone {
		return nil
	}
	err = wait.PollUntilContextTimeout(ctx, time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		exists, err := c.NamespaceExists(ctx, name)
		if err != nil {
			return false, err
		}
		return !exists, nil
	})
	if err != nil {
		return fmt.Errorf("wait for namespace %s deletion: %w", name, err)
	}
	return nil
}

// ListPods summarizes every pod in the namespace.
func (c *Client) ListPods(ctx context.Context, namespace string) ([]PodSummary, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}
	summaries := make([]PodSummary, 0, len(list.Items))
	for i := range list.Items {
		summaries = append(summaries, summarizePod(&list.Items[i]))
	}
	return summaries, nil
}

// Event is a trimmed cluster event for the dashboard.
type Event struct {
	Type      string     `json:"type"`
	Reason    string     `json:"reason"`
	Message   string     `json:"message"`
	Object    string     `json:"object"`
	Count     int32      `json:"count"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	FirstSeen *time.Time `json:"first_seen,omitempty"`
}

// ListEvents returns up to limit recent events for the namespace.
func (c *Client) ListEvents(ctx context.Context, namespace string, limit int) ([]Event, error) {
	opts := metav1.ListOptions{}
	if limit > 0 {
		opts.Limit = int64(limit)
	}
	list, err := c.clientset.CoreV1().Events(namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list events in %s: %w", namespace, err)
	}
	events := make([]Event, 0, len(list.Items))
	for _, item := range list.Items {
		ev := Event{
			Type:    item.Type,
			Reason:  item.Reason,
			Message: item.Message,
			Object:  fmt.Sprintf("%s/%s", strings.ToLower(item.InvolvedObject.Kind), item.InvolvedObject.Name),
			Count:   item.Count,
		}
		if !item.LastTimestamp.IsZero() {
			t := item.LastTimestamp.Time
			ev.LastSeen = &t
		}
		if !item.FirstTimestamp.IsZero() {
			t := item.FirstTimestamp.Time
			ev.FirstSeen = &t
		}
		events = append(events, ev)
	}
	return events, nil
}

func summarizePod(pod *corev1.Pod) PodSummary {
	summary := PodSummary{
		Name:  pod.Name,
		Phase: string(pod.Status.Phase),
	}
	if !pod.CreationTimestamp.IsZero() {
		created := pod.CreationTimestamp.Time
		summary.Created = &created
	}
	for _, cs := range pod.Status.ContainerStatuses {
		container := ContainerSummary{
			Name:     cs.Name,
			Ready:    cs.Ready,
			Restarts: cs.RestartCount,
			State:    "unknown",
		}
		switch {
		case cs.State.Running != nil:
			container.State = "running"
		case cs.State.Waiting != nil:
			container.State = "waiting"
			container.StateDetail = cs.State.Waiting.Reason
		case cs.State.Terminated != nil:
			container.State = "terminated"
			container.StateDetail = cs.State.Terminated.Reason
		}
		summary.Containers = append(summary.Containers, container)
	}
	return summary
}
