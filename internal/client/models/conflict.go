package models

import "time"

type ConflictType string

const (
	// ConflictConcurrentEdit: both sides changed since the last sync.
	ConflictConcurrentEdit ConflictType = "concurrent_edit"
	// ConflictServerDelete: the server deleted an item that has local edits.
	ConflictServerDelete ConflictType = "server_delete"
	// ConflictAdoption: an unlinked remote item matches local records by
	// title and identifying field but cannot be linked automatically.
	ConflictAdoption ConflictType = "adoption"
)

type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionKeptLocal  Resolution = "kept_local"
	ResolutionKeptServer Resolution = "kept_server"
)

// ConflictRecord preserves both versions of a record until the user decides.
// ServerSnapshot is nil when the server side was deleted.
type ConflictRecord struct {
	ID             string
	VaultID        string
	RecordID       string
	RemoteID       string
	Type           ConflictType
	LocalSnapshot  *Snapshot
	ServerSnapshot *Snapshot
	LocalRevision  time.Time
	ServerRevision time.Time
	Summary        string
	Resolution     Resolution
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

// Open reports whether the conflict still awaits a decision.
func (c *ConflictRecord) Open() bool {
	return c.Resolution == ResolutionUnresolved
}
