package cluster

import "testing"

func runningPod(name string) PodSummary {
	return PodSummary{
		Name:  name,
		Phase: "Running",
		Containers: []ContainerSummary{
			{Name: "main", Ready: true, State: "running"},
		},
	}
}

func pendingPod(name, detail string) PodSummary {
	return PodSummary{
		Name:  name,
		Phase: "Pending",
		Containers: []ContainerSummary{
			{Name: "main", Ready: false, State: "waiting", StateDetail: detail},
		},
	}
}

func TestCalculatePhaseNoPods(t *testing.T) {
	info := CalculatePhase(nil, false)
	if info.Phase != PhaseDBStarting {
		t.Fatalf("expected db-starting, got %s", info.Phase)
	}
	if info.Message == "" {
		t.Fatal("expected a waiting message")
	}
}

func TestCalculatePhaseDBStarting(t *testing.T) {
	pods := []PodSummary{
		pendingPod("postgres-n8n-v1-85-0-0", "ContainerCreating"),
		pendingPod("n8n-main-0", ""),
	}
	info := CalculatePhase(pods, false)
	if info.Phase != PhaseDBStarting {
		t.Fatalf("expected db-starting, got %s", info.Phase)
	}
	if info.Message != "Creating container..." {
		t.Fatalf("unexpected message %q", info.Message)
	}
}

func TestCalculatePhaseAppStarting(t *testing.T) {
	pods := []PodSummary{
		runningPod("postgres-n8n-v1-85-0-0"),
		pendingPod("n8n-main-0", "PodInitializing"),
	}
	info := CalculatePhase(pods, false)
	if info.Phase != PhaseAppStarting {
		t.Fatalf("expected n8n-starting, got %s", info.Phase)
	}
}

func TestCalculatePhaseWorkersStarting(t *testing.T) {
	pods := []PodSummary{
		runningPod("postgres-n8n-v1-85-0-0"),
		runningPod("n8n-main-0"),
		runningPod("n8n-worker-7f9d8-a"),
		pendingPod("n8n-worker-7f9d8-b", ""),
		pendingPod("n8n-webhook-66c4d-x", ""),
	}
	info := CalculatePhase(pods, true)
	if info.Phase != PhaseWorkersStarting {
		t.Fatalf("expected workers-starting, got %s", info.Phase)
	}
	if info.Message != "Workers: 1/2, Webhook: starting" {
		t.Fatalf("unexpected message %q", info.Message)
	}
}

func TestCalculatePhaseRunning(t *testing.T) {
	pods := []PodSummary{
		runningPod("postgres-n8n-v1-85-0-0"),
		runningPod("n8n-main-0"),
		runningPod("n8n-worker-7f9d8-a"),
		runningPod("n8n-webhook-66c4d-x"),
	}
	info := CalculatePhase(pods, true)
	if info.Phase != PhaseRunning {
		t.Fatalf("expected running, got %s", info.Phase)
	}
	if info.PodsReady != 4 || info.PodsTotal != 4 {
		t.Fatalf("expected 4/4 pods, got %d/%d", info.PodsReady, info.PodsTotal)
	}
}

func TestCalculatePhaseQueuePodsIgnoredInRegularMode(t *testing.T) {
	pods := []PodSummary{
		runningPod("postgres-n8n-v1-85-0-0"),
		runningPod("n8n-main-0"),
		pendingPod("n8n-worker-7f9d8-a", ""),
	}
	info := CalculatePhase(pods, false)
	if info.Phase != PhaseRunning {
		t.Fatalf("expected running in regular mode, got %s", info.Phase)
	}
}

func TestCalculatePhaseFailedOnBackoff(t *testing.T) {
	pods := []PodSummary{
		runningPod("postgres-n8n-v1-85-0-0"),
		pendingPod("n8n-main-0", "CrashLoopBackOff"),
	}
	info := CalculatePhase(pods, false)
	if info.Phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", info.Phase)
	}
	if info.FailedPod != "n8n-main-0" {
		t.Fatalf("unexpected failed pod %q", info.FailedPod)
	}
	if info.Reason != "main: CrashLoopBackOff" {
		t.Fatalf("unexpected reason %q", info.Reason)
	}
}

func TestCalculatePhaseFailedOnRestartStorm(t *testing.T) {
	pod := runningPod("n8n-main-0")
	pod.Containers[0].Restarts = 6
	pods := []PodSummary{runningPod("postgres-n8n-v1-85-0-0"), pod}
	info := CalculatePhase(pods, false)
	if info.Phase != PhaseFailed {
		t.Fatalf("expected failed on restart storm, got %s", info.Phase)
	}
}

func TestReadyCounts(t *testing.T) {
	pods := []PodSummary{
		runningPod("postgres-n8n-v1-85-0-0"),
		pendingPod("n8n-main-0", ""),
	}
	ready, total := ReadyCounts(pods)
	if ready != 1 || total != 2 {
		t.Fatalf("got %d/%d, want 1/2", ready, total)
	}
}

func TestIsPodRunningRequiresReadyContainers(t *testing.T) {
	pod := PodSummary{
		Name:  "n8n-main-0",
		Phase: "Running",
		Containers: []ContainerSummary{
			{Name: "main", Ready: true},
			{Name: "sidecar", Ready: false},
		},
	}
	if IsPodRunning(pod) {
		t.Fatal("pod with unready container must not count as running")
	}
	if IsPodRunning(PodSummary{Name: "n8n-main-0", Phase: "Running"}) {
		t.Fatal("pod without containers must not count as running")
	}
}
