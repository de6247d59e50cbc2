package domain

// ActivityType classifies a user action in the journal.
type ActivityType string

const (
	ActivityDeployed ActivityType = "deployed"
	ActivityDeleted  ActivityType = "deleted"
	ActivityRestored ActivityType = "restored"
	ActivitySnapshot ActivityType = "snapshot"
)

// ActivityItem is one journal entry. Timestamp is epoch milliseconds; the
// journal is session-wide state with no per-entry owner.
type ActivityItem struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Target    string       `json:"target"`
	Timestamp int64        `json:"timestamp"`
	Details   string       `json:"details,omitempty"`
}
