// Package registry owns the deployment lifecycle: creating, listing and
// tearing down per-version namespaces. The cluster is the source of truth;
// the registry keeps no state of its own and recomputes status from live pod
// data on every read.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/cluster"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/helm"
)

// Cluster is the namespace and pod surface the registry needs.
type Cluster interface {
	NamespaceExists(ctx context.Context, name string) (bool, error)
	ListNamespaces(ctx context.Context, prefix string) ([]cluster.NamespaceInfo, error)
	DeleteNamespace(ctx context.Context, name string, waitGone bool, timeout time.Duration) error
	ListPods(ctx context.Context, namespace string) ([]cluster.PodSummary, error)
	ListEvents(ctx context.Context, namespace string, limit int) ([]cluster.Event, error)
}

// Releases provisions and removes the per-namespace chart release.
type Releases interface {
	Install(ctx context.Context, namespace string, values map[string]any) error
	Uninstall(ctx context.Context, namespace string) error
	Values(ctx context.Context, namespace string) (map[string]any, error)
}

// Snapshots checks that a seed dump exists before a deployment references it.
type Snapshots interface {
	Exists(ctx context.Context, filename string) (bool, error)
}

// Recorder appends entries to the activity journal.
type Recorder interface {
	Record(kind domain.ActivityType, target, details string)
}

// Service implements the deployment registry.
type Service struct {
	cluster   Cluster
	releases  Releases
	snapshots Snapshots
	recorder  Recorder
	logger    *slog.Logger

	statusTimeout   time.Duration
	teardownTimeout time.Duration
}

// New builds a registry service. snapshots may be nil when no snapshot store
// is configured; seeded deployments are then rejected.
func New(c Cluster, r Releases, s Snapshots, rec Recorder, log *slog.Logger, statusTimeout, teardownTimeout time.Duration) *Service {
	if statusTimeout <= 0 {
		statusTimeout = 5 * time.Second
	}
	if teardownTimeout <= 0 {
		teardownTimeout = 60 * time.Second
	}
	return &Service{
		cluster:         c,
		releases:        r,
		snapshots:       s,
		recorder:        rec,
		logger:          log,
		statusTimeout:   statusTimeout,
		teardownTimeout: teardownTimeout,
	}
}

// Create deploys a new version. The namespace and port are derived from the
// version string; a request naming an already-deployed version conflicts.
func (s *Service) Create(ctx context.Context, req domain.DeployRequest) (domain.Version, error) {
	var record domain.Version

	v, err := domain.ParseVersion(req.Version)
	if err != nil {
		return record, err
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeQueue
	}
	if mode, err = domain.ParseMode(string(mode)); err != nil {
		return record, err
	}
	if req.Name != "" {
		// Custom names are accepted for compatibility but the namespace stays
		// version-derived so lookup by version keeps working.
		s.logger.Warn("ignoring custom deployment name", "name", req.Name, "version", v.String())
	}

	namespace := domain.NamespaceFor(v)
	port, err := domain.Port(v)
	if err != nil {
		return record, err
	}

	exists, err := s.cluster.NamespaceExists(ctx, namespace)
	if err != nil {
		return record, fmt.Errorf("check namespace: %w", err)
	}
	if exists {
		return record, fmt.Errorf("%w: version %s is already deployed in %s", domain.ErrConflict, v.String(), namespace)
	}

	if req.Snapshot != "" {
		if s.snapshots == nil {
			return record, fmt.Errorf("%w: snapshot store is not configured", domain.ErrUnavailable)
		}
		ok, err := s.snapshots.Exists(ctx, req.Snapshot)
		if err != nil {
			return record, fmt.Errorf("check snapshot %s: %w", req.Snapshot, err)
		}
		if !ok {
			return record, fmt.Errorf("%w: snapshot %s", domain.ErrNotFound, req.Snapshot)
		}
	}

	values := helm.DeployValues(v.String(), mode, port, req.IsolatedDB, req.Snapshot)
	if err := s.releases.Install(ctx, namespace, values); err != nil {
		// Leave no half-created namespace behind; a retry must not conflict.
		if cleanupErr := s.cluster.DeleteNamespace(context.WithoutCancel(ctx), namespace, false, 0); cleanupErr != nil {
			s.logger.Error("cleanup after failed install", "namespace", namespace, "error", cleanupErr)
		}
		return record, err
	}

	if req.Snapshot != "" {
		s.recorder.Record(domain.ActivityRestored, v.String(), "from "+req.Snapshot)
	} else {
		s.recorder.Record(domain.ActivityDeployed, v.String(), fmt.Sprintf("%s mode", mode))
	}
	s.logger.Info("version deployed", "version", v.String(), "namespace", namespace, "mode", mode, "port", port)

	return domain.Version{
		Version:   v.String(),
		Namespace: namespace,
		Mode:      mode,
		Status:    domain.StatusPending,
		Phase:     string(cluster.PhaseDBStarting),
		URL:       domain.URLFor(port),
		Snapshot:  req.Snapshot,
	}, nil
}

// Remove tears down a deployment. The argument may be a namespace or a bare
// version string. Removal is idempotent at the helm level but a missing
// namespace is reported as not found.
func (s *Service) Remove(ctx context.Context, target string) error {
	namespace := target
	if !strings.HasPrefix(namespace, domain.NamespacePrefix) {
		v, err := domain.ParseVersion(target)
		if err != nil {
			return fmt.Errorf("%w: %q is neither a managed namespace nor a version", domain.ErrInvalidRequest, target)
		}
		namespace = domain.NamespaceFor(v)
	}

	exists, err := s.cluster.NamespaceExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("check namespace: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: deployment %s", domain.ErrNotFound, namespace)
	}

	if err := s.releases.Uninstall(ctx, namespace); err != nil {
		// Namespace deletion below removes the workload either way.
		s.logger.Warn("helm uninstall failed, deleting namespace anyway", "namespace", namespace, "error", err)
	}
	if err := s.cluster.DeleteNamespace(ctx, namespace, true, s.teardownTimeout); err != nil {
		return err
	}

	version := namespace
	if v, ok := domain.VersionFromNamespace(namespace); ok {
		version = v
	}
	s.recorder.Record(domain.ActivityDeleted, version, "")
	s.logger.Info("version removed", "namespace", namespace)
	return nil
}

// List returns every managed deployment with live status, newest first. Pod
// data is fetched per namespace in parallel with a bounded timeout; a
// namespace that cannot be inspected in time is reported degraded with
// status unknown rather than dropped.
func (s *Service) List(ctx context.Context) ([]domain.Version, error) {
	namespaces, err := s.cluster.ListNamespaces(ctx, domain.NamespacePrefix)
	if err != nil {
		return nil, err
	}

	records := make([]domain.Version, len(namespaces))
	var wg sync.WaitGroup
	for i, ns := range namespaces {
		wg.Add(1)
		go func(i int, ns cluster.NamespaceInfo) {
			defer wg.Done()
			records[i] = s.describe(ctx, ns)
		}(i, ns)
	}
	wg.Wait()

	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].CreatedAt, records[j].CreatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return records, nil
}

// Get returns the live record for one namespace.
func (s *Service) Get(ctx context.Context, namespace string) (domain.Version, error) {
	exists, err := s.cluster.NamespaceExists(ctx, namespace)
	if err != nil {
		return domain.Version{}, fmt.Errorf("check namespace: %w", err)
	}
	if !exists {
		return domain.Version{}, fmt.Errorf("%w: deployment %s", domain.ErrNotFound, namespace)
	}
	return s.describe(ctx, cluster.NamespaceInfo{Name: namespace}), nil
}

// Phase returns the granular startup phase for one namespace.
func (s *Service) Phase(ctx context.Context, namespace string) (cluster.PhaseInfo, error) {
	exists, err := s.cluster.NamespaceExists(ctx, namespace)
	if err != nil {
		return cluster.PhaseInfo{}, fmt.Errorf("check namespace: %w", err)
	}
	if !exists {
		return cluster.PhaseInfo{}, fmt.Errorf("%w: deployment %s", domain.ErrNotFound, namespace)
	}
	pods, err := s.cluster.ListPods(ctx, namespace)
	if err != nil {
		return cluster.PhaseInfo{}, err
	}
	mode, _ := s.deploymentValues(ctx, namespace, pods)
	return cluster.CalculatePhase(pods, mode == domain.ModeQueue), nil
}

// Pods lists pod summaries for one namespace.
func (s *Service) Pods(ctx context.Context, namespace string) ([]cluster.PodSummary, error) {
	return s.cluster.ListPods(ctx, namespace)
}

// Events lists recent cluster events for one namespace.
func (s *Service) Events(ctx context.Context, namespace string, limit int) ([]cluster.Event, error) {
	return s.cluster.ListEvents(ctx, namespace, limit)
}

// Exists reports whether the namespace is a live deployment.
func (s *Service) Exists(ctx context.Context, namespace string) (bool, error) {
	return s.cluster.NamespaceExists(ctx, namespace)
}

func (s *Service) describe(ctx context.Context, ns cluster.NamespaceInfo) domain.Version {
	ctx, cancel := context.WithTimeout(ctx, s.statusTimeout)
	defer cancel()

	record := domain.Version{
		Namespace: ns.Name,
		Status:    domain.StatusUnknown,
		Mode:      domain.ModeRegular,
		CreatedAt: ns.CreatedAt,
	}
	if v, ok := domain.VersionFromNamespace(ns.Name); ok {
		record.Version = v
		if parsed, err := domain.ParseVersion(v); err == nil {
			if port, err := domain.Port(parsed); err == nil {
				record.URL = domain.URLFor(port)
			}
		}
	} else {
		record.Version = strings.TrimPrefix(ns.Name, domain.NamespacePrefix)
	}

	pods, err := s.cluster.ListPods(ctx, ns.Name)
	if err != nil {
		s.logger.Warn("pod status unavailable", "namespace", ns.Name, "error", err)
		record.Degraded = true
		return record
	}
	mode, snapshot := s.deploymentValues(ctx, ns.Name, pods)
	record.Mode = mode
	record.Snapshot = snapshot

	info := cluster.CalculatePhase(pods, mode == domain.ModeQueue)
	record.Phase = string(info.Phase)
	record.Pods.Ready, record.Pods.Total = cluster.ReadyCounts(pods)
	switch info.Phase {
	case cluster.PhaseRunning:
		record.Status = domain.StatusRunning
	case cluster.PhaseFailed:
		record.Status = domain.StatusFailed
	default:
		record.Status = domain.StatusPending
	}
	return record
}

// deploymentValues recovers mode and snapshot seed from the release values,
// falling back to pod name inference when the release is unreadable.
func (s *Service) deploymentValues(ctx context.Context, namespace string, pods []cluster.PodSummary) (domain.Mode, string) {
	values, err := s.releases.Values(ctx, namespace)
	if err != nil {
		s.logger.Warn("release values unavailable", "namespace", namespace, "error", err)
		return inferMode(pods), ""
	}

	mode := inferMode(pods)
	if n8n, ok := values["n8n"].(map[string]any); ok {
		if m, err := domain.ParseMode(stringValue(n8n["mode"])); err == nil {
			mode = m
		}
	}
	var snapshot string
	if db, ok := values["database"].(map[string]any); ok {
		if isolated, ok := db["isolated"].(map[string]any); ok {
			if snap, ok := isolated["snapshot"].(map[string]any); ok {
				snapshot = stringValue(snap["name"])
			}
		}
	}
	return mode, snapshot
}

func inferMode(pods []cluster.PodSummary) domain.Mode {
	for _, pod := range pods {
		if strings.Contains(pod.Name, "worker") || strings.Contains(pod.Name, "webhook") {
			return domain.ModeQueue
		}
	}
	return domain.ModeRegular
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
