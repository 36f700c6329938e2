package kv

// Persisted state layout. Key construction lives here so every
// component agrees on the namespace.
const (
	prefixPending    = "pending:"
	prefixReputation = "reputation:"
	prefixFlagged    = "flagged:"
)

// PendingTaskKey is the snapshot slot for a non-terminal task persisted
// at shutdown and restored on next start.
func PendingTaskKey(taskID string) string { return prefixPending + taskID }

// PendingTaskPrefix lists all persisted task snapshots.
func PendingTaskPrefix() string { return prefixPending }

// ReputationKey stores one reputation entry per (agent, version).
func ReputationKey(agentID, version string) string {
	return prefixReputation + agentID + ":" + version
}

// ReputationPrefix lists all reputation entries.
func ReputationPrefix() string { return prefixReputation }

// FlaggedKey is the sticky flag record for an agent.
func FlaggedKey(agentID string) string { return prefixFlagged + agentID }

// FlaggedPrefix lists all sticky flag records.
func FlaggedPrefix() string { return prefixFlagged }
