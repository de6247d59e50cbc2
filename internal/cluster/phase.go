package cluster

import (
	"fmt"
	"strings"
	"time"
)

// Pod naming from the helm chart templates:
//
//	postgres-*      PostgreSQL StatefulSet (isolated per-version database)
//	n8n-main-*      main application StatefulSet
//	n8n-worker-*    worker Deployment pods (queue mode)
//	n8n-webhook-*   webhook Deployment pods (queue mode)
const (
	podPrefixPostgres = "postgres-"
	podPrefixMain     = "n8n-main"
	podPrefixWorker   = "n8n-worker"
	podPrefixWebhook  = "n8n-webhook"
)

const maxContainerRestarts = 5

// PodSummary is a flattened pod status snapshot.
type PodSummary struct {
	Name       string             `json:"name"`
	Phase      string             `json:"phase"`
	Created    *time.Time         `json:"created,omitempty"`
	Containers []ContainerSummary `json:"containers"`
}

// ContainerSummary reports a single container's state.
type ContainerSummary struct {
	Name        string `json:"name"`
	Ready       bool   `json:"ready"`
	State       string `json:"state"`
	StateDetail string `json:"state_detail,omitempty"`
	Restarts    int32  `json:"restart_count"`
}

// Phase is the granular deployment startup state.
type Phase string

const (
	PhaseDBStarting      Phase = "db-starting"
	PhaseAppStarting     Phase = "n8n-starting"
	PhaseWorkersStarting Phase = "workers-starting"
	PhaseRunning         Phase = "running"
	PhaseFailed          Phase = "failed"
	PhaseUnknown         Phase = "unknown"
)

var phaseLabels = map[Phase]string{
	PhaseDBStarting:      "DB starting",
	PhaseAppStarting:     "n8n starting",
	PhaseWorkersStarting: "Workers",
	PhaseRunning:         "Running",
	PhaseFailed:          "Failed",
	PhaseUnknown:         "Unknown",
}

// PhaseInfo pairs the phase with a human-readable progress message.
type PhaseInfo struct {
	Phase     Phase  `json:"phase"`
	Label     string `json:"label"`
	Message   string `json:"message,omitempty"`
	FailedPod string `json:"failed_pod,omitempty"`
	Reason    string `json:"reason,omitempty"`
	PodsReady int    `json:"pods_ready,omitempty"`
	PodsTotal int    `json:"pods_total,omitempty"`
}

// failureReasons are container waiting/terminated details that mark a pod as
// failed regardless of its reported phase.
var failureReasons = map[string]struct{}{
	"CrashLoopBackOff": {},
	"ErrImagePull":     {},
	"ImagePullBackOff": {},
	"Error":            {},
}

// IsPodRunning reports whether the pod is Running with all containers ready.
func IsPodRunning(pod PodSummary) bool {
	if pod.Phase != "Running" || len(pod.Containers) == 0 {
		return false
	}
	for _, c := range pod.Containers {
		if !c.Ready {
			return false
		}
	}
	return true
}

// IsPodFailed reports whether the pod is in a crash or backoff condition.
func IsPodFailed(pod PodSummary) bool {
	if pod.Phase == "Failed" {
		return true
	}
	for _, c := range pod.Containers {
		if _, bad := failureReasons[c.StateDetail]; bad {
			return true
		}
		if c.Restarts > maxContainerRestarts {
			return true
		}
	}
	return false
}

// ReadyCounts returns how many pods are fully ready out of the total.
func ReadyCounts(pods []PodSummary) (ready, total int) {
	for _, pod := range pods {
		if IsPodRunning(pod) {
			ready++
		}
	}
	return ready, len(pods)
}

// CalculatePhase derives the deployment phase from pod statuses. The phase
// sequence is db-starting, n8n-starting, workers-starting (queue mode only),
// running; any crash or backoff condition short-circuits to failed.
func CalculatePhase(pods []PodSummary, queueMode bool) PhaseInfo {
	if len(pods) == 0 {
		return PhaseInfo{
			Phase:   PhaseDBStarting,
			Label:   phaseLabels[PhaseDBStarting],
			Message: "Waiting for pods...",
		}
	}

	var postgres, main, workers, webhooks []PodSummary
	for _, pod := range pods {
		switch {
		case strings.HasPrefix(pod.Name, podPrefixPostgres):
			postgres = append(postgres, pod)
		case strings.HasPrefix(pod.Name, podPrefixWorker):
			workers = append(workers, pod)
		case strings.HasPrefix(pod.Name, podPrefixWebhook):
			webhooks = append(webhooks, pod)
		case strings.HasPrefix(pod.Name, podPrefixMain):
			main = append(main, pod)
		}
	}
	relevant := make([]PodSummary, 0, len(pods))
	relevant = append(relevant, postgres...)
	relevant = append(relevant, main...)
	relevant = append(relevant, workers...)
	relevant = append(relevant, webhooks...)

	for _, pod := range relevant {
		if IsPodFailed(pod) {
			return PhaseInfo{
				Phase:     PhaseFailed,
				Label:     phaseLabels[PhaseFailed],
				FailedPod: pod.Name,
				Reason:    failureReason(pod),
			}
		}
	}

	if !anyRunning(postgres) {
		return PhaseInfo{
			Phase:   PhaseDBStarting,
			Label:   phaseLabels[PhaseDBStarting],
			Message: podProgress(postgres, "postgres"),
		}
	}

	if !anyRunning(main) {
		return PhaseInfo{
			Phase:   PhaseAppStarting,
			Label:   phaseLabels[PhaseAppStarting],
			Message: podProgress(main, podPrefixMain),
		}
	}

	if queueMode {
		workersRunning := len(workers) > 0 && allRunning(workers)
		webhookRunning := anyRunning(webhooks)
		if !(workersRunning && webhookRunning) {
			workersReady := 0
			for _, pod := range workers {
				if IsPodRunning(pod) {
					workersReady++
				}
			}
			webhookState := "starting"
			if webhookRunning {
				webhookState = "ready"
			}
			return PhaseInfo{
				Phase:   PhaseWorkersStarting,
				Label:   phaseLabels[PhaseWorkersStarting],
				Message: fmt.Sprintf("Workers: %d/%d, Webhook: %s", workersReady, len(workers), webhookState),
			}
		}
	}

	ready, total := ReadyCounts(relevant)
	return PhaseInfo{
		Phase:     PhaseRunning,
		Label:     phaseLabels[PhaseRunning],
		PodsReady: ready,
		PodsTotal: total,
	}
}

func anyRunning(pods []PodSummary) bool {
	for _, pod := range pods {
		if IsPodRunning(pod) {
			return true
		}
	}
	return false
}

func allRunning(pods []PodSummary) bool {
	for _, pod := range pods {
		if !IsPodRunning(pod) {
			return false
		}
	}
	return true
}

func failureReason(pod PodSummary) string {
	for _, c := range pod.Containers {
		if c.StateDetail != "" {
			return fmt.Sprintf("%s: %s", c.Name, c.StateDetail)
		}
	}
	if pod.Phase != "" {
		return pod.Phase
	}
	return "Unknown error"
}

func podProgress(pods []PodSummary, podType string) string {
	if len(pods) == 0 {
		return fmt.Sprintf("Waiting for %s pod...", podType)
	}
	pod := pods[0]
	switch pod.Phase {
	case "Pending":
		for _, c := range pod.Containers {
			switch c.StateDetail {
			case "ContainerCreating":
				return "Creating container..."
			case "PodInitializing":
				return "Initializing..."
			}
		}
		return "Pod pending..."
	case "Running":
		ready := 0
		for _, c := range pod.Containers {
			if c.Ready {
				ready++
			}
		}
		if ready < len(pod.Containers) {
			return fmt.Sprintf("Containers: %d/%d ready", ready, len(pod.Containers))
		}
		return "Starting..."
	}
	return fmt.Sprintf("Status: %s", pod.Phase)
}
