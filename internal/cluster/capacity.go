package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Memory footprints of the two topologies in Mi: queue mode runs
// main(512) + webhook(256) + 2*worker(512), regular mode runs main only.
const (
	QueueModeMemoryMi   = 1792
	RegularModeMemoryMi = 512
)

const mi = 1024 * 1024

// MemoryReport summarizes cluster memory in Mi.
type MemoryReport struct {
	AllocatableMi      int64 `json:"allocatable_mi"`
	UsedMi             int64 `json:"used_mi"`
	AvailableMi        int64 `json:"available_mi"`
	UtilizationPercent int   `json:"utilization_percent"`
}

// CanDeploy gates new deployments on available memory per topology.
type CanDeploy struct {
	QueueMode   bool `json:"queue_mode"`
	RegularMode bool `json:"regular_mode"`
}

// NamespaceMemory is the per-deployment memory footprint.
type NamespaceMemory struct {
	Namespace  string `json:"namespace"`
	MemoryMi   int64  `json:"memory_mi"`
	Mode       string `json:"mode"`
	AgeSeconds int64  `json:"age_seconds"`
}

// ResourceReport is the cluster capacity view served to the dashboard.
type ResourceReport struct {
	Memory      *MemoryReport     `json:"memory"`
	CanDeploy   CanDeploy         `json:"can_deploy"`
	Deployments []NamespaceMemory `json:"deployments"`
}

// Resources computes allocatable versus requested memory and the per-version
// footprints for namespaces carrying the managed prefix.
func (c *Client) Resources(ctx context.Context, prefix string) (ResourceReport, error) {
	report := ResourceReport{Deployments: []NamespaceMemory{}}

	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return report, fmt.Errorf("list nodes: %w", err)
	}
	var allocatable int64
	for _, node := range nodes.Items {
		if q, ok := node.Status.Allocatable[corev1.ResourceMemory]; ok {
			allocatable += q.Value()
		}
	}

	pods, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return report, fmt.Errorf("list pods: %w", err)
	}
	var requested int64
	perNamespace := make(map[string]int64)
	modes := make(map[string]string)
	for _, pod := range pods.Items {
		podMemory := podMemoryRequests(&pod)
		requested += podMemory
		if prefix == "" || !strings.HasPrefix(pod.Namespace, prefix) {
			continue
		}
		perNamespace[pod.Namespace] += podMemory
		if strings.Contains(pod.Name, "worker") || strings.Contains(pod.Name, "webhook") {
			modes[pod.Namespace] = "queue"
		}
	}

	allocatableMi := allocatable / mi
	usedMi := requested / mi
	availableMi := allocatableMi - usedMi
	utilization := 0
	if allocatableMi > 0 {
		utilization = int(usedMi * 100 / allocatableMi)
	}
	report.Memory = &MemoryReport{
		AllocatableMi:      allocatableMi,
		UsedMi:             usedMi,
		AvailableMi:        availableMi,
		UtilizationPercent: utilization,
	}
	report.CanDeploy = CanDeploy{
		QueueMode:   availableMi >= QueueModeMemoryMi,
		RegularMode: availableMi >= RegularModeMemoryMi,
	}

	namespaces, err := c.ListNamespaces(ctx, prefix)
	if err != nil {
		return report, err
	}
	now := time.Now()
	for _, ns := range namespaces {
		mode := modes[ns.Name]
		if mode == "" {
			mode = "regular"
		}
		var age int64
		if ns.CreatedAt != nil {
			age = int64(now.Sub(*ns.CreatedAt).Seconds())
		}
		report.Deployments = append(report.Deployments, NamespaceMemory{
			Namespace:  ns.Name,
			MemoryMi:   perNamespace[ns.Name] / mi,
			Mode:       mode,
			AgeSeconds: age,
		})
	}
	// Oldest deployments first: candidates for cleanup when memory runs low.
	sort.SliceStable(report.Deployments, func(i, j int) bool {
		return report.Deployments[i].AgeSeconds > report.Deployments[j].AgeSeconds
	})
	return report, nil
}

func podMemoryRequests(pod *corev1.Pod) int64 {
	var total int64
	for _, container := range pod.Spec.Containers {
		if q, ok := container.Resources.Requests[corev1.ResourceMemory]; ok {
			total += q.Value()
		}
	}
	return total
}
