// Package store defines the persistence contract for Chantal's entity
// graph: Repository, ContentItem, RepositoryFile, Snapshot, View,
// ViewSnapshot, and SyncHistory, plus the junction mutations that keep
// them consistent.
//
// store/postgres is the production backend; store/sqlite backs unit tests
// and small offline installs. Both implement Store identically — callers
// (syncer, publisher, snapshot, view, reconciler) depend only on this
// package, never on a concrete backend.
package store

import (
	"context"
	"io"

	"github.com/slauger/chantal"
)

// Store is the entity-graph persistence contract.
//
// Implementations must run every multi-row mutation inside a single
// transaction (repository.go §4.B "Concurrency"). ContentItem and
// RepositoryFile inserts must collapse duplicate sha256 values via
// "ON CONFLICT (sha256) DO NOTHING" semantics rather than erroring.
type Store interface {
	io.Closer

	// Repository CRUD. DeleteRepository removes only the repository's
	// junction rows and SyncHistory, never its ContentItems or
	// RepositoryFiles — those may be shared with other repositories.
	CreateRepository(ctx context.Context, r chantal.Repository) error
	GetRepository(ctx context.Context, id string) (chantal.Repository, error)
	ListRepositories(ctx context.Context) ([]chantal.Repository, error)
	UpdateRepository(ctx context.Context, r chantal.Repository) error
	DeleteRepository(ctx context.Context, id string) error

	// PutContentItem inserts c, or does nothing if its sha256 already
	// exists. It reports whether a new row was created, so callers (the
	// Syncer) can distinguish "downloaded and inserted" from "deduped
	// against an existing blob" for their SyncHistory counters.
	PutContentItem(ctx context.Context, c chantal.ContentItem) (created bool, err error)
	GetContentItem(ctx context.Context, sha256 chantal.Digest) (chantal.ContentItem, error)

	// PutRepositoryFile behaves like PutContentItem for RepositoryFile rows.
	PutRepositoryFile(ctx context.Context, f chantal.RepositoryFile) (created bool, err error)
	GetRepositoryFile(ctx context.Context, sha256 chantal.Digest) (chantal.RepositoryFile, error)

	// ReplaceMembership atomically sets repository id's current
	// ContentItem and RepositoryFile membership to exactly the given
	// sets, in one transaction. It implements the Syncer's "membership is
	// replaced, not accumulated" rule (§4.E step 6). HOSTED repositories
	// never call this; their membership only grows via out-of-band
	// introduction.
	ReplaceMembership(ctx context.Context, repositoryID string, items, files []chantal.Digest) error

	// ListMembers returns the current ContentItems and RepositoryFiles
	// referenced by repositoryID.
	ListMembers(ctx context.Context, repositoryID string) ([]chantal.ContentItem, []chantal.RepositoryFile, error)

	// ListQuery filters ContentItems for content.list/content.search.
	ListContentItems(ctx context.Context, q ListQuery) ([]chantal.ContentItem, error)

	// Snapshot lifecycle (§4.G).
	CreateSnapshot(ctx context.Context, repositoryID, name, description string) (chantal.Snapshot, error)
	GetSnapshot(ctx context.Context, repositoryID, name string) (chantal.Snapshot, error)
	SnapshotMembers(ctx context.Context, repositoryID, name string) ([]chantal.ContentItem, []chantal.RepositoryFile, error)
	DeleteSnapshot(ctx context.Context, repositoryID, name string) error
	// CopySnapshot creates a new Snapshot named targetName on
	// targetRepositoryID whose membership is copied from the source
	// snapshot. The Store does not enforce that the two repositories
	// share a type; the snapshot Manager does, before calling this.
	CopySnapshot(ctx context.Context, sourceRepositoryID, sourceName, targetRepositoryID, targetName string) (chantal.Snapshot, error)

	// Views and ViewSnapshots (§4.G, §4.H). PutView upserts a View's
	// description, type, and ordered member list in one transaction,
	// materializing it from configuration the same way a Repository is
	// materialized on first sync.
	PutView(ctx context.Context, v chantal.View) error
	GetView(ctx context.Context, name string) (chantal.View, error)
	ListViews(ctx context.Context) ([]chantal.View, error)
	// CreateViewSnapshot creates sibling repository Snapshots (one per
	// memberSnapshots entry, which callers have already decided upon) and
	// the ViewSnapshot row in one transaction. The snapshot Manager is
	// responsible for the "skip-with-warning on empty repository" policy
	// decision; by the time this is called every entry in
	// memberSnapshots is meant to be created.
	CreateViewSnapshot(ctx context.Context, viewName, name, description string, memberSnapshots map[string]string) (chantal.ViewSnapshot, error)
	GetViewSnapshot(ctx context.Context, viewName, name string) (chantal.ViewSnapshot, error)
	DeleteViewSnapshot(ctx context.Context, viewName, name string) error

	// SyncHistory.
	AppendSyncHistory(ctx context.Context, h chantal.SyncHistory) error
	ListSyncHistory(ctx context.Context, repositoryID string, limit int) ([]chantal.SyncHistory, error)

	// IterateReferencedContent and IterateReferencedFiles stream every
	// sha256 referenced anywhere in the entity graph — current
	// membership, Snapshots, and ViewSnapshots alike — for the
	// Reconciler's orphan/missing passes. Implementations must not
	// materialize the whole set in memory.
	IterateReferencedContent(ctx context.Context, fn func(chantal.Digest) error) error
	IterateReferencedFiles(ctx context.Context, fn func(chantal.Digest) error) error
}

// ListQuery filters and paginates ContentItems for content.list/search.
//
// A zero-value ListQuery matches everything. NamePattern is matched as a
// case-insensitive substring, not a regex — the pattern-filter regex
// semantics in §4.E.4a belong to the Syncer's filter pipeline, not Store
// queries.
type ListQuery struct {
	RepositoryID string
	ContentType  chantal.Kind
	NamePattern  string
	Architecture string
	Limit        int
	Offset       int
}
