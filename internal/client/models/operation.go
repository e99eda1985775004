package models

import "time"

type OperationKind string

const (
	OpCreate  OperationKind = "create"
	OpUpdate  OperationKind = "update"
	OpDelete  OperationKind = "delete"
	OpRestore OperationKind = "restore"
)

// OperationTarget is the remote object family an operation applies to.
type OperationTarget string

const (
	TargetCipher OperationTarget = "cipher"
	TargetFolder OperationTarget = "folder"
)

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusFailed     OperationStatus = "failed"
	StatusCompleted  OperationStatus = "completed"
)

// PendingOperation is one local mutation waiting for delivery. Payload is a
// marshalled Snapshot for cipher targets and a FolderPayload for folders.
type PendingOperation struct {
	ID         string
	VaultID    string
	RecordID   string
	RemoteID   string
	Kind       OperationKind
	Target     OperationTarget
	RecordKind RecordKind
	Payload    []byte

	Status     OperationStatus
	RetryCount int
	MaxRetries int
	LastError  string

	NextRetryAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastAttemptAt time.Time
	CompletedAt   time.Time
}

// Exhausted reports whether automatic retries are used up.
func (o *PendingOperation) Exhausted() bool {
	return o.RetryCount >= o.MaxRetries
}

// FolderPayload is the content of a folder operation.
type FolderPayload struct {
	Name string `json:"name"`
}
