// Package duplicate finds catalog records that share a physical file and
// collapses each group onto a single surviving record, with a quarantine
// backup taken before anything destructive happens.
package duplicate

import (
	"time"
)

// Status is the lifecycle state of one duplicate group.
type Status string

const (
	// StatusPending means the group is known but its file has no backup yet.
	StatusPending Status = "pending"
	// StatusStaged means the physical file is copied to quarantine and hashed.
	StatusStaged Status = "staged"
	// StatusAnalyzed means a primary record has been selected.
	StatusAnalyzed Status = "analyzed"
	// StatusCompleted means every loser record is resolved.
	StatusCompleted Status = "completed"
)

// Group is one set of records sharing a physical file, keyed by run and
// file key.
type Group struct {
	RunID   string
	FileKey string
	Status  Status

	// MemberIDs are the record ids in the group, in discovery order.
	MemberIDs []string
	// PrimaryID is the surviving record, set when the group reaches analyzed.
	PrimaryID string

	// TempPath is the quarantine object path holding the backup copy.
	TempPath string
	// FileHash is the SHA-256 of the backup, computed during staging.
	FileHash string
	FileSize int64

	// ClaimedBy marks the worker currently staging or resolving the group.
	ClaimedBy string
	ClaimedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
