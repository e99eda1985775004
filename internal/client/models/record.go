// Package models defines the domain types of the vault synchronization engine:
// records and their kind specific payloads, remote vaults, folders, conflict
// records and pending operations.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRecord = errors.New("invalid record")

// RemoteLink ties a record to an item in a remote vault. RemoteID is empty
// until the item's create operation has been acknowledged.
type RemoteLink struct {
	VaultID           string
	RemoteID          string
	RevisionDate      time.Time
	IsLocallyModified bool
}

// Record is the unified secret entry. A record carries at most one linkage:
// Remote, OfflineSource, or neither for a purely local record.
type Record struct {
	ID           string
	Title        Field
	Notes        Field
	Favorite     bool
	FolderID     string
	CustomFields []CustomField
	Payload      Payload

	Remote        *RemoteLink
	OfflineSource string

	// Deleted marks a local deletion still waiting for the server to
	// acknowledge it.
	Deleted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind returns the payload kind.
func (r *Record) Kind() RecordKind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// RemoteID returns the linked remote item id, if any.
func (r *Record) RemoteID() string {
	if r.Remote == nil {
		return ""
	}
	return r.Remote.RemoteID
}

// VaultID returns the linked vault id, if any.
func (r *Record) VaultID() string {
	if r.Remote == nil {
		return ""
	}
	return r.Remote.VaultID
}

// IsLocallyModified reports an unsynced local edit of a remote item.
func (r *Record) IsLocallyModified() bool {
	return r.Remote != nil && r.Remote.IsLocallyModified
}

// IsPureLocal reports a record without any linkage.
func (r *Record) IsPureLocal() bool {
	return r.Remote == nil && r.OfflineSource == ""
}

// Validate checks the structural invariants of a record.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if r.Payload == nil || !r.Payload.Kind().Valid() {
		return fmt.Errorf("%w: missing or unknown payload", ErrInvalidRecord)
	}
	if r.Remote != nil && r.OfflineSource != "" {
		return fmt.Errorf("%w: remote and offline linkage are mutually exclusive", ErrInvalidRecord)
	}
	if r.Remote != nil && r.Remote.VaultID == "" {
		return fmt.Errorf("%w: remote linkage without vault", ErrInvalidRecord)
	}
	return nil
}

// Snapshot is the full plaintext content of a record, without linkage. It is
// what conflicts preserve and what pending operations carry.
type Snapshot struct {
	Title    Field         `json:"title"`
	Notes    Field         `json:"notes,omitempty"`
	Favorite bool          `json:"favorite,omitempty"`
	FolderID string        `json:"folder_id,omitempty"`
	Fields   []CustomField `json:"fields,omitempty"`
	Payload  Envelope      `json:"payload"`
}

// Snapshot captures the content of r.
func (r *Record) Snapshot() (*Snapshot, error) {
	env, err := Wrap(r.Payload)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Title:    r.Title,
		Notes:    r.Notes,
		Favorite: r.Favorite,
		FolderID: r.FolderID,
		Fields:   r.CustomFields,
		Payload:  env,
	}, nil
}

// ApplyTo replaces the content of r with s, leaving id and linkage alone.
func (s *Snapshot) ApplyTo(r *Record) error {
	p, err := s.Payload.Unwrap()
	if err != nil {
		return err
	}
	r.Title = s.Title
	r.Notes = s.Notes
	r.Favorite = s.Favorite
	r.FolderID = s.FolderID
	r.CustomFields = s.Fields
	r.Payload = p
	return nil
}

// Marshal encodes the snapshot for storage.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a stored snapshot. Empty input yields nil.
func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &s, nil
}

// SameContent reports whether two records hold identical user content.
// Folder placement is ignored.
func SameContent(a, b *Record) bool {
	sa, err := a.Snapshot()
	if err != nil {
		return false
	}
	sb, err := b.Snapshot()
	if err != nil {
		return false
	}
	sa.FolderID, sb.FolderID = "", ""

	ja, err := sa.Marshal()
	if err != nil {
		return false
	}
	jb, err := sb.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
