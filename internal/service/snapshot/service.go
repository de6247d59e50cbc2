// Package snapshot manages point-in-time database dumps: taking them from
// running deployments, storing them in an S3-compatible bucket and validating
// restore requests.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

// MaxUploadBytes caps externally uploaded dump files.
const MaxUploadBytes = 500 << 20

const autoTimeLayout = "20060102-150405"

var (
	// autoPattern matches automatic dumps whose creation time is encoded in
	// the filename (n8n-20250102-150405.sql).
	autoPattern = regexp.MustCompile(`^n8n-(\d{8}-\d{6})\.sql$`)
	// namePattern restricts user-supplied snapshot names.
	namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
)

// Dumper streams a SQL dump of a deployment's database.
type Dumper interface {
	DumpDatabase(ctx context.Context, namespace string, w io.Writer) error
}

// Recorder appends entries to the activity journal.
type Recorder interface {
	Record(kind domain.ActivityType, target, details string)
}

// Service implements snapshot lifecycle on top of a Store.
type Service struct {
	store    Store
	dumper   Dumper
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a snapshot service. store may be nil when no bucket is
// configured; every operation then reports unavailable.
func New(store Store, dumper Dumper, recorder Recorder, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		dumper:   dumper,
		recorder: recorder,
		logger:   log,
		now:      time.Now,
	}
}

func (s *Service) ready() error {
	if s.store == nil {
		return fmt.Errorf("%w: snapshot store is not configured", domain.ErrUnavailable)
	}
	return nil
}

// List returns all stored snapshots, newest first. Auto snapshots order by
// the timestamp in their filename, named ones by object modification time.
func (s *Service) List(ctx context.Context) ([]domain.Snapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	objects, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	snapshots := make([]domain.Snapshot, 0, len(objects))
	for _, object := range objects {
		snapshots = append(snapshots, classify(object))
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		a, b := snapshots[i].Timestamp, snapshots[j].Timestamp
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return snapshots, nil
}

func classify(object ObjectInfo) domain.Snapshot {
	if m := autoPattern.FindStringSubmatch(object.Key); m != nil {
		snap := domain.Snapshot{Filename: object.Key, Type: domain.SnapshotAuto}
		if ts, err := time.Parse(autoTimeLayout, m[1]); err == nil {
			snap.Timestamp = &ts
		}
		return snap
	}
	snap := domain.Snapshot{
		Filename: object.Key,
		Name:     strings.TrimSuffix(object.Key, ".sql"),
		Type:     domain.SnapshotNamed,
	}
	if !object.LastModified.IsZero() {
		modified := object.LastModified
		snap.Timestamp = &modified
	}
	return snap
}

// Create dumps the database of a running deployment into the store. An empty
// name produces an automatic timestamped snapshot.
func (s *Service) Create(ctx context.Context, namespace, name string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := s.ready(); err != nil {
		return snap, err
	}

	var filename string
	if name == "" {
		filename = fmt.Sprintf("n8n-%s.sql", s.now().UTC().Format(autoTimeLayout))
	} else {
		if !namePattern.MatchString(name) {
			return snap, fmt.Errorf("%w: snapshot name may contain letters, digits, dash and underscore only", domain.ErrInvalidRequest)
		}
		filename = name + ".sql"
		exists, err := s.store.Exists(ctx, filename)
		if err != nil {
			return snap, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
		}
		if exists {
			return snap, fmt.Errorf("%w: snapshot %s already exists", domain.ErrConflict, filename)
		}
	}

	// Stream the dump straight into the bucket, nothing is buffered on disk.
	pr, pw := io.Pipe()
	dumpErr := make(chan error, 1)
	go func() {
		err := s.dumper.DumpDatabase(ctx, namespace, pw)
		pw.CloseWithError(err)
		dumpErr <- err
	}()

	if err := s.store.Put(ctx, filename, pr, -1); err != nil {
		pr.CloseWithError(err)
		// The dump failing poisons the pipe and surfaces here as a store
		// error; prefer reporting the root cause.
		if dErr := <-dumpErr; dErr != nil {
			return snap, fmt.Errorf("dump database of %s: %w", namespace, dErr)
		}
		return snap, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if err := <-dumpErr; err != nil {
		// The partial object is useless, drop it.
		if removeErr := s.store.Remove(context.WithoutCancel(ctx), filename); removeErr != nil {
			s.logger.Error("remove partial snapshot", "filename", filename, "error", removeErr)
		}
		return snap, fmt.Errorf("dump database of %s: %w", namespace, err)
	}

	target := namespace
	if v, ok := domain.VersionFromNamespace(namespace); ok {
		target = v
	}
	s.recorder.Record(domain.ActivitySnapshot, target, filename)
	s.logger.Info("snapshot created", "filename", filename, "namespace", namespace)
	return classify(ObjectInfo{Key: filename, LastModified: s.now()}), nil
}

// Delete removes a stored snapshot.
func (s *Service) Delete(ctx context.Context, filename string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := validateFilename(filename); err != nil {
		return err
	}
	exists, err := s.store.Exists(ctx, filename)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("%w: snapshot %s", domain.ErrNotFound, filename)
	}
	if err := s.store.Remove(ctx, filename); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	s.logger.Info("snapshot deleted", "filename", filename)
	return nil
}

// Upload stores an externally produced dump file under a user-chosen name.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader, size int64) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := s.ready(); err != nil {
		return snap, err
	}
	if !namePattern.MatchString(name) {
		return snap, fmt.Errorf("%w: snapshot name may contain letters, digits, dash and underscore only", domain.ErrInvalidRequest)
	}
	if size > MaxUploadBytes {
		return snap, fmt.Errorf("%w: dump exceeds %d bytes", domain.ErrInvalidRequest, int64(MaxUploadBytes))
	}
	filename := name + ".sql"
	exists, err := s.store.Exists(ctx, filename)
	if err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if exists {
		return snap, fmt.Errorf("%w: snapshot %s already exists", domain.ErrConflict, filename)
	}
	if err := s.store.Put(ctx, filename, io.LimitReader(r, MaxUploadBytes), size); err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	s.logger.Info("snapshot uploaded", "filename", filename, "size", size)
	return classify(ObjectInfo{Key: filename, LastModified: s.now()}), nil
}

// Exists reports whether the named dump is stored. Used to validate restore
// requests before a deployment references the file.
func (s *Service) Exists(ctx context.Context, filename string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if err := validateFilename(filename); err != nil {
		return false, err
	}
	exists, err := s.store.Exists(ctx, filename)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return exists, nil
}

func validateFilename(filename string) error {
	if filename == "" || strings.Contains(filename, "/") || strings.Contains(filename, "..") {
		return fmt.Errorf("%w: invalid snapshot filename %q", domain.ErrInvalidRequest, filename)
	}
	if !strings.HasSuffix(filename, ".sql") {
		return fmt.Errorf("%w: snapshot filename must end in .sql", domain.ErrInvalidRequest)
	}
	return nil
}
