package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// NamespacePrefix is prepended to the sanitized version string to derive the
// namespace name. The namespace is the primary key of a deployment; it is
// always version-derived, never user-supplied.
const NamespacePrefix = "n8n-v"

const portBase = 30000

// Mode selects the deployment topology.
type Mode string

const (
	// ModeQueue provisions main, webhook and worker pods against a shared broker.
	ModeQueue Mode = "queue"
	// ModeRegular provisions a single main pod.
	ModeRegular Mode = "regular"
)

// ParseMode validates a raw mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeQueue, ModeRegular:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("%w: mode must be %q or %q", ErrInvalidRequest, ModeQueue, ModeRegular)
	}
}

// Status is the coarse deployment state, recomputed from pod readiness on
// every read.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
	// StatusUnknown marks a record whose pod data could not be fetched. The
	// record is surfaced with Degraded set rather than dropped from listings.
	StatusUnknown Status = "unknown"
)

// PodCounts reports observed pod readiness.
type PodCounts struct {
	Ready int `json:"ready"`
	Total int `json:"total"`
}

// Version is the deployment record for one deployed application version.
type Version struct {
	Version   string     `json:"version"`
	Namespace string     `json:"namespace"`
	Mode      Mode       `json:"mode"`
	Status    Status     `json:"status"`
	Phase     string     `json:"phase,omitempty"`
	Pods      PodCounts  `json:"pods"`
	URL       string     `json:"url"`
	Snapshot  string     `json:"snapshot,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// DeployRequest asks for a new version deployment. Name is a deprecated
// extension point: it is accepted on the wire but never overrides the
// version-derived namespace.
type DeployRequest struct {
	Version    string `json:"version"`
	Mode       Mode   `json:"mode"`
	IsolatedDB bool   `json:"isolated_db"`
	Name       string `json:"name,omitempty"`
	Snapshot   string `json:"snapshot,omitempty"`
}

// ParseVersion validates a version string. Pre-release suffixes are allowed
// (1.86.0-beta.1); build metadata and partial versions are not.
func ParseVersion(raw string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: version must be major.minor.patch (e.g. 1.85.0): %v", ErrInvalidRequest, err)
	}
	return v, nil
}

// Port derives the deterministic NodePort for a version:
//
//	30000 + major*1000 + minor*10 + patch
//
// Distinct versions map to distinct ports only while minor <= 99 and
// patch <= 9, so those bounds are enforced here instead of silently
// overlapping another version's port.
func Port(v *semver.Version) (int, error) {
	if v.Minor() > 99 {
		return 0, fmt.Errorf("%w: minor version %d exceeds 99, port would collide", ErrInvalidRequest, v.Minor())
	}
	if v.Patch() > 9 {
		return 0, fmt.Errorf("%w: patch version %d exceeds 9, port would collide", ErrInvalidRequest, v.Patch())
	}
	return portBase + int(v.Major())*1000 + int(v.Minor())*10 + int(v.Patch()), nil
}

// URLFor returns the local access URL for a version's NodePort.
func URLFor(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

var namespaceCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// NamespaceFor derives the namespace name for a version: the fixed prefix
// plus the version with every non-alphanumeric run collapsed to a dash
// (1.86.0-beta.1 -> n8n-v1-86-0-beta-1).
func NamespaceFor(v *semver.Version) string {
	sanitized := namespaceCleaner.ReplaceAllString(strings.ToLower(v.String()), "-")
	return NamespacePrefix + strings.Trim(sanitized, "-")
}

var namespaceVersion = regexp.MustCompile(`^n8n-v(\d+)-(\d+)-(\d+)`)

// VersionFromNamespace recovers the numeric version encoded in a namespace
// name. Pre-release suffixes are not recoverable; the reported version is the
// numeric triple only, mirroring how namespaces are parsed on listing.
func VersionFromNamespace(namespace string) (string, bool) {
	m := namespaceVersion.FindStringSubmatch(namespace)
	if m == nil {
		return "", false
	}
	return fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3]), true
}
