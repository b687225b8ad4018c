package chantal

import "time"

// Snapshot is a named, immutable freeze of one Repository's ContentItem and
// RepositoryFile membership at one instant.
//
// Snapshots never mutate after creation. Deleting a Snapshot removes only
// its Store rows; pool blobs are reclaimed solely by the Reconciler once no
// reference to them remains anywhere.
type Snapshot struct {
	ID           string
	RepositoryID string
	Name         string
	Description  string
	CreatedAt    time.Time
}

// View is a named, ordered composition of repositories that share a Kind,
// published as one fanned-out tree. A View has no content of its own.
type View struct {
	Name        string
	Description string
	Type        Kind
	// Members lists constituent repository IDs in publish-priority order;
	// order is preserved in the published item list. There is no
	// tie-break: two members with different blobs under the same output
	// filename fail the publish with PublishConflict.
	Members []string
}

// ViewSnapshot is a named, atomic freeze of a View: one sibling Snapshot
// per constituent Repository, all sharing ViewSnapshot.Name.
//
// The sibling Snapshots and the ViewSnapshot row are created in one
// transaction (see snapshot.Manager.CreateView). A member repository that
// CreateView skipped as empty (CreateViewOptions.SkipEmptyMembers) has no
// sibling Snapshot and no entry in Snapshots.
type ViewSnapshot struct {
	ViewName    string
	Name        string
	Description string
	CreatedAt   time.Time
	// Snapshots maps repository ID to the name of the sibling Snapshot
	// frozen alongside this ViewSnapshot.
	Snapshots map[string]string
}

// SyncHistory is an append-only record of one sync attempt against one
// Repository.
type SyncHistory struct {
	ID           string
	RepositoryID string
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       SyncStatus

	Discovered int
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64

	// ErrorSummary holds a human-readable rollup of per-item failures; it
	// is empty on a fully successful sync.
	ErrorSummary string
}

// SyncStatus is the terminal state of a SyncHistory record.
type SyncStatus string

const (
	SyncSuccess    SyncStatus = "success"
	SyncPartial    SyncStatus = "partial"    // some items failed, repository-level pipeline completed
	SyncFailed     SyncStatus = "failed"     // repository-level failure, aborted cleanly
	SyncCancelled  SyncStatus = "cancelled"
)
