package domain

import "time"

// SnapshotType distinguishes automatic timestamped dumps from user-named ones.
type SnapshotType string

const (
	SnapshotAuto  SnapshotType = "auto"
	SnapshotNamed SnapshotType = "named"
)

// Snapshot is an immutable point-in-time database export held in the backup
// store. Auto snapshots encode their creation time in the filename
// (n8n-20250102-150405.sql); named snapshots carry a user label.
type Snapshot struct {
	Filename  string       `json:"filename"`
	Name      string       `json:"name,omitempty"`
	Type      SnapshotType `json:"type"`
	Timestamp *time.Time   `json:"timestamp"`
}
