package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/cluster"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

type stubCluster struct {
	namespaces []cluster.NamespaceInfo
	pods       map[string][]cluster.PodSummary
	podErr     map[string]error
	deleted    []string
	installed  bool
}

func (s *stubCluster) NamespaceExists(_ context.Context, name string) (bool, error) {
	for _, ns := range s.namespaces {
		if ns.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubCluster) ListNamespaces(_ context.Context, prefix string) ([]cluster.NamespaceInfo, error) {
	return s.namespaces, nil
}

func (s *stubCluster) DeleteNamespace(_ context.Context, name string, _ bool, _ time.Duration) error {
	s.deleted = append(s.deleted, name)
	return nil
}

func (s *stubCluster) ListPods(_ context.Context, namespace string) ([]cluster.PodSummary, error) {
	if err := s.podErr[namespace]; err != nil {
		return nil, err
	}
	return s.pods[namespace], nil
}

func (s *stubCluster) ListEvents(_ context.Context, _ string, _ int) ([]cluster.Event, error) {
	return nil, nil
}

type stubReleases struct {
	installErr   error
	uninstallErr error
	values       map[string]map[string]any
	installed    []string
	uninstalled  []string
}

func (s *stubReleases) Install(_ context.Context, namespace string, _ map[string]any) error {
	if s.installErr != nil {
		return s.installErr
	}
	s.installed = append(s.installed, namespace)
	return nil
}

func (s *stubReleases) Uninstall(_ context.Context, namespace string) error {
	s.uninstalled = append(s.uninstalled, namespace)
	return s.uninstallErr
}

func (s *stubReleases) Values(_ context.Context, namespace string) (map[string]any, error) {
	if v, ok := s.values[namespace]; ok {
		return v, nil
	}
	return map[string]any{}, nil
}

type stubSnapshots struct{ known map[string]bool }

func (s *stubSnapshots) Exists(_ context.Context, filename string) (bool, error) {
	return s.known[filename], nil
}

type stubRecorder struct{ entries []domain.ActivityItem }

func (s *stubRecorder) Record(kind domain.ActivityType, target, details string) {
	s.entries = append(s.entries, domain.ActivityItem{Type: kind, Target: target, Details: details})
}

func newTestService(c *stubCluster, r *stubReleases, snaps *stubSnapshots, rec *stubRecorder) *Service {
	return New(c, r, snaps, rec, slog.Default(), 5*time.Second, time.Minute)
}

func readyPods(names ...string) []cluster.PodSummary {
	pods := make([]cluster.PodSummary, 0, len(names))
	for _, name := range names {
		pods = append(pods, cluster.PodSummary{
			Name:       name,
			Phase:      "Running",
			Containers: []cluster.ContainerSummary{{Name: "main", Ready: true, State: "running"}},
		})
	}
	return pods
}

func TestCreateDerivesNamespaceAndPort(t *testing.T) {
	c := &stubCluster{}
	r := &stubReleases{}
	rec := &stubRecorder{}
	svc := newTestService(c, r, nil, rec)

	record, err := svc.Create(context.Background(), domain.DeployRequest{Version: "1.92.0", Mode: domain.ModeQueue, IsolatedDB: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if record.Namespace != "n8n-v1-92-0" {
		t.Fatalf("namespace = %s", record.Namespace)
	}
	if record.URL != "http://localhost:31920" {
		t.Fatalf("url = %s", record.URL)
	}
	if record.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", record.Status)
	}
	if len(r.installed) != 1 || r.installed[0] != "n8n-v1-92-0" {
		t.Fatalf("install calls = %v", r.installed)
	}
	if len(rec.entries) != 1 || rec.entries[0].Type != domain.ActivityDeployed || rec.entries[0].Target != "1.92.0" {
		t.Fatalf("journal entries = %+v", rec.entries)
	}
}

func TestCreateRejectsDuplicateVersion(t *testing.T) {
	c := &stubCluster{namespaces: []cluster.NamespaceInfo{{Name: "n8n-v1-92-0"}}}
	svc := newTestService(c, &stubReleases{}, nil, &stubRecorder{})

	_, err := svc.Create(context.Background(), domain.DeployRequest{Version: "1.92.0", Mode: domain.ModeQueue})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreateRejectsMalformedVersion(t *testing.T) {
	svc := newTestService(&stubCluster{}, &stubReleases{}, nil, &stubRecorder{})
	for _, raw := range []string{"", "1.92", "latest", "v1.92.0"} {
		if _, err := svc.Create(context.Background(), domain.DeployRequest{Version: raw}); !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("version %q: expected invalid request, got %v", raw, err)
		}
	}
}

func TestCreateFromSnapshotRecordsRestore(t *testing.T) {
	rec := &stubRecorder{}
	snaps := &stubSnapshots{known: map[string]bool{"n8n-20250101-120000.sql": true}}
	svc := newTestService(&stubCluster{}, &stubReleases{}, snaps, rec)

	record, err := svc.Create(context.Background(), domain.DeployRequest{
		Version:  "1.92.0",
		Mode:     domain.ModeRegular,
		Snapshot: "n8n-20250101-120000.sql",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if record.Snapshot != "n8n-20250101-120000.sql" {
		t.Fatalf("snapshot = %q", record.Snapshot)
	}
	if len(rec.entries) != 1 || rec.entries[0].Type != domain.ActivityRestored {
		t.Fatalf("journal entries = %+v", rec.entries)
	}
}

func TestCreateRejectsUnknownSnapshot(t *testing.T) {
	svc := newTestService(&stubCluster{}, &stubReleases{}, &stubSnapshots{}, &stubRecorder{})
	_, err := svc.Create(context.Background(), domain.DeployRequest{Version: "1.92.0", Mode: domain.ModeRegular, Snapshot: "missing.sql"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateCleansUpOnInstallFailure(t *testing.T) {
	c := &stubCluster{}
	r := &stubReleases{installErr: errors.New("chart exploded")}
	svc := newTestService(c, r, nil, &stubRecorder{})

	_, err := svc.Create(context.Background(), domain.DeployRequest{Version: "1.92.0", Mode: domain.ModeRegular})
	if err == nil {
		t.Fatal("expected install error")
	}
	if len(c.deleted) != 1 || c.deleted[0] != "n8n-v1-92-0" {
		t.Fatalf("expected namespace cleanup, got %v", c.deleted)
	}
}

func TestRemoveUnknownNamespace(t *testing.T) {
	svc := newTestService(&stubCluster{}, &stubReleases{}, nil, &stubRecorder{})
	if err := svc.Remove(context.Background(), "n8n-v9-99-9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoveAcceptsBareVersion(t *testing.T) {
	c := &stubCluster{namespaces: []cluster.NamespaceInfo{{Name: "n8n-v1-92-0"}}}
	r := &stubReleases{}
	rec := &stubRecorder{}
	svc := newTestService(c, r, nil, rec)

	if err := svc.Remove(context.Background(), "1.92.0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(c.deleted) != 1 || c.deleted[0] != "n8n-v1-92-0" {
		t.Fatalf("deleted = %v", c.deleted)
	}
	if len(rec.entries) != 1 || rec.entries[0].Type != domain.ActivityDeleted || rec.entries[0].Target != "1.92.0" {
		t.Fatalf("journal entries = %+v", rec.entries)
	}
}

func TestRemoveProceedsWhenUninstallFails(t *testing.T) {
	c := &stubCluster{namespaces: []cluster.NamespaceInfo{{Name: "n8n-v1-92-0"}}}
	r := &stubReleases{uninstallErr: errors.New("release store down")}
	svc := newTestService(c, r, nil, &stubRecorder{})

	if err := svc.Remove(context.Background(), "n8n-v1-92-0"); err != nil {
		t.Fatalf("Remove must survive uninstall failure: %v", err)
	}
	if len(c.deleted) != 1 {
		t.Fatalf("namespace not deleted: %v", c.deleted)
	}
}

func TestListKeepsUnreachableNamespaces(t *testing.T) {
	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-time.Hour)
	c := &stubCluster{
		namespaces: []cluster.NamespaceInfo{
			{Name: "n8n-v1-85-0", CreatedAt: &older},
			{Name: "n8n-v1-92-0", CreatedAt: &newer},
			{Name: "n8n-v1-90-1", CreatedAt: &newer},
		},
		pods: map[string][]cluster.PodSummary{
			"n8n-v1-85-0": readyPods("postgres-n8n-v1-85-0-0", "n8n-main-0"),
			"n8n-v1-92-0": readyPods("postgres-n8n-v1-92-0-0", "n8n-main-0", "n8n-worker-a", "n8n-worker-b", "n8n-webhook-x"),
		},
		podErr: map[string]error{"n8n-v1-90-1": fmt.Errorf("node gone")},
	}
	svc := newTestService(c, &stubReleases{}, nil, &stubRecorder{})

	records, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 (unreachable must not be dropped)", len(records))
	}

	byNS := make(map[string]domain.Version, len(records))
	for _, r := range records {
		byNS[r.Namespace] = r
	}
	degraded := byNS["n8n-v1-90-1"]
	if !degraded.Degraded || degraded.Status != domain.StatusUnknown {
		t.Fatalf("unreachable namespace: %+v", degraded)
	}
	if byNS["n8n-v1-85-0"].Status != domain.StatusRunning {
		t.Fatalf("healthy regular deployment: %+v", byNS["n8n-v1-85-0"])
	}
	queue := byNS["n8n-v1-92-0"]
	if queue.Mode != domain.ModeQueue {
		t.Fatalf("mode inference failed: %+v", queue)
	}
	if queue.Pods.Ready != 5 || queue.Pods.Total != 5 {
		t.Fatalf("pod counts: %+v", queue.Pods)
	}

	// Newest first.
	if records[len(records)-1].Namespace != "n8n-v1-85-0" {
		t.Fatalf("expected oldest last, got order %v", []string{records[0].Namespace, records[1].Namespace, records[2].Namespace})
	}
}

func TestListReadsModeAndSnapshotFromReleaseValues(t *testing.T) {
	created := time.Now()
	c := &stubCluster{
		namespaces: []cluster.NamespaceInfo{{Name: "n8n-v1-92-0", CreatedAt: &created}},
		pods: map[string][]cluster.PodSummary{
			"n8n-v1-92-0": readyPods("postgres-n8n-v1-92-0-0", "n8n-main-0"),
		},
	}
	r := &stubReleases{values: map[string]map[string]any{
		"n8n-v1-92-0": {
			"n8n": map[string]any{"mode": "regular"},
			"database": map[string]any{
				"isolated": map[string]any{
					"snapshot": map[string]any{"enabled": true, "name": "n8n-20250101-120000.sql"},
				},
			},
		},
	}}
	svc := newTestService(c, r, nil, &stubRecorder{})

	records, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if records[0].Mode != domain.ModeRegular {
		t.Fatalf("mode = %s, want regular from release values", records[0].Mode)
	}
	if records[0].Snapshot != "n8n-20250101-120000.sql" {
		t.Fatalf("snapshot = %q", records[0].Snapshot)
	}
}
