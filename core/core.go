// Package core is Chantal's facade: the verbs spec.md §6 names as
// "operations exposed to external CLI" (sync, check_updates, the
// snapshot.*/publish.*/pool.*/content.* families), gathered behind one
// entry point so a CLI, an HTTP handler, or a test can drive the whole
// engine without wiring Store/Pool/lock.Manager/Syncer/Publisher/
// Snapshot Manager/View Resolver/Reconciler by hand.
//
// Grounded on the teacher's libindex.Libindex: a thin struct holding
// already-constructed collaborators, whose exported methods are the only
// thing callers above it ever see. CLI dispatch itself — turning argv
// into a call here — is out of scope, same as libindex never parses
// flags.
package core

import (
	"context"
	"fmt"
	"path"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/config"
	"github.com/slauger/chantal/internal/lock"
	"github.com/slauger/chantal/pool"
	"github.com/slauger/chantal/publisher"
	"github.com/slauger/chantal/reconciler"
	"github.com/slauger/chantal/snapshot"
	"github.com/slauger/chantal/store"
	"github.com/slauger/chantal/syncer"
	"github.com/slauger/chantal/view"
)

// Core bundles Chantal's engine-level collaborators behind the verbs
// spec.md §6 names.
type Core struct {
	store   store.Store
	pool    *pool.Pool
	locks   *lock.Manager
	sync    *syncer.Syncer
	publish *publisher.Manager
	snaps   *snapshot.Manager
	views   *view.Resolver
	recon   *reconciler.Reconciler
}

// New wires a Core over an already-open Store and Pool, sharing one
// lock.Manager across the Syncer and Publisher the way a real deployment
// would (one process, one set of advisory locks).
func New(st store.Store, p *pool.Pool, locks *lock.Manager) *Core {
	return &Core{
		store:   st,
		pool:    p,
		locks:   locks,
		sync:    syncer.New(st, p, locks),
		publish: publisher.New(st, p, locks),
		snaps:   snapshot.New(st),
		views:   view.New(st),
		recon:   reconciler.New(st, p),
	}
}

// matchesSelector implements the repository_id | all | pattern selector
// shared by sync and check_updates: "all" and "" match every repository,
// anything else is first tried as a path.Match glob pattern (so "el9-*"
// selects "el9-baseos" and "el9-appstream") and falls back to an exact
// id match if the selector isn't a valid pattern.
func matchesSelector(id, selector string) bool {
	if selector == "" || selector == "all" {
		return true
	}
	if ok, err := path.Match(selector, id); err == nil && ok {
		return true
	}
	return id == selector
}

// Sync runs sync(repository_id | all | pattern): every repo in repos whose
// id matches selector is synced in turn, each yielding its own
// SyncHistory. One repository's failure doesn't stop the others — each
// result's error, if any, travels alongside its SyncHistory.
type SyncResult struct {
	RepositoryID string
	History      chantal.SyncHistory
	Err          error
}

func (c *Core) Sync(ctx context.Context, repos []config.Repository, global config.Global, selector string) []SyncResult {
	var out []SyncResult
	for _, repo := range repos {
		if !matchesSelector(repo.ID, selector) {
			continue
		}
		h, err := c.sync.SyncWithGlobal(ctx, repo, global)
		out = append(out, SyncResult{RepositoryID: repo.ID, History: h, Err: err})
	}
	return out
}

// CheckUpdates runs check_updates(repository_id | all): for every repo
// matching selector, reports {up-to-date, changed, error} without
// downloading payloads.
func (c *Core) CheckUpdates(ctx context.Context, repos []config.Repository, global config.Global, selector string) []syncer.CheckResult {
	var out []syncer.CheckResult
	for _, repo := range repos {
		if !matchesSelector(repo.ID, selector) {
			continue
		}
		out = append(out, c.sync.CheckUpdatesWithGlobal(ctx, repo, global))
	}
	return out
}

// SnapshotCreate is snapshot.create(repository_id, name, description?).
func (c *Core) SnapshotCreate(ctx context.Context, repositoryID, name, description string) (chantal.Snapshot, error) {
	return c.snaps.Create(ctx, repositoryID, name, description)
}

// SnapshotCreateView is snapshot.create(view_name, name, description?),
// the View-scoped sibling of SnapshotCreate.
func (c *Core) SnapshotCreateView(ctx context.Context, viewName, name, description string, skipEmptyMembers bool) (chantal.ViewSnapshot, []string, error) {
	return c.snaps.CreateView(ctx, viewName, name, description, snapshot.CreateViewOptions{SkipEmptyMembers: skipEmptyMembers})
}

// SnapshotDiff is snapshot.diff(a, b) → {added, removed, updated}.
func (c *Core) SnapshotDiff(ctx context.Context, repositoryID, a, b string) (snapshot.Diff, error) {
	return c.snaps.Compare(ctx, repositoryID, a, b)
}

// SnapshotCopy is snapshot.copy(source, target_repository, target_name).
func (c *Core) SnapshotCopy(ctx context.Context, sourceRepositoryID, sourceName, targetRepositoryID, targetName string) (chantal.Snapshot, error) {
	return c.snaps.Copy(ctx, sourceRepositoryID, sourceName, targetRepositoryID, targetName)
}

// SnapshotDelete is snapshot.delete(repository_id | view_name, name).
func (c *Core) SnapshotDelete(ctx context.Context, repositoryID, name string) error {
	return c.snaps.Delete(ctx, repositoryID, name)
}

// PublishRepository is publish.repository(repository_id, target_path).
func (c *Core) PublishRepository(ctx context.Context, repositoryID, targetPath string) error {
	return c.publish.PublishRepository(ctx, repositoryID, targetPath)
}

// PublishSnapshot is publish.snapshot(repository_id, snapshot_name, target_path).
func (c *Core) PublishSnapshot(ctx context.Context, repositoryID, snapshotName, targetPath string) error {
	return c.publish.PublishSnapshot(ctx, repositoryID, snapshotName, targetPath)
}

// PublishView is publish.snapshot's view-scoped sibling for a View's live
// membership rather than a frozen ViewSnapshot.
func (c *Core) PublishView(ctx context.Context, viewName, targetPath string) error {
	return c.publish.PublishView(ctx, viewName, targetPath)
}

// PublishViewSnapshot is publish.snapshot(view_name, snapshot_name, target_path).
func (c *Core) PublishViewSnapshot(ctx context.Context, viewName, snapshotName, targetPath string) error {
	return c.publish.PublishViewSnapshot(ctx, viewName, snapshotName, targetPath)
}

// Unpublish is publish.unpublish(target_path).
func (c *Core) Unpublish(ctx context.Context, targetPath string) error {
	return c.publish.Unpublish(ctx, targetPath)
}

// PoolStats summarizes pool.stats(): blob counts and total bytes per
// bucket, derived from a plain Walk rather than a Store query — the pool
// is the source of truth for what's actually on disk.
type PoolStats struct {
	ContentBlobs int
	ContentBytes int64
	FileBlobs    int
	FileBytes    int64
}

func (c *Core) PoolStats(ctx context.Context) (PoolStats, error) {
	var s PoolStats
	if err := c.pool.Walk(ctx, pool.Content, func(_ chantal.Digest, size int64) error {
		s.ContentBlobs++
		s.ContentBytes += size
		return nil
	}); err != nil {
		return PoolStats{}, fmt.Errorf("core: pool.stats content: %w", err)
	}
	if err := c.pool.Walk(ctx, pool.Files, func(_ chantal.Digest, size int64) error {
		s.FileBlobs++
		s.FileBytes += size
		return nil
	}); err != nil {
		return PoolStats{}, fmt.Errorf("core: pool.stats files: %w", err)
	}
	return s, nil
}

// scopeToOptions turns a pool.*(scope) selector (empty for whole pool, a
// repository id to restrict it) into reconciler.Options.
func scopeToOptions(scope string, verify bool) reconciler.Options {
	return reconciler.Options{RepositoryID: scope, VerifyCorruption: verify}
}

// scanKind runs a Scan and collects only Findings of kind.
func (c *Core) scanKind(ctx context.Context, scope string, verify bool, kind reconciler.FindingKind) ([]reconciler.Finding, error) {
	var out []reconciler.Finding
	err := c.recon.Scan(ctx, scopeToOptions(scope, verify), func(f reconciler.Finding) error {
		if f.Kind == kind {
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

// PoolVerify is pool.verify(scope): full orphan/missing/corrupt scan,
// rehashing every present blob.
func (c *Core) PoolVerify(ctx context.Context, scope string) ([]reconciler.Finding, error) {
	var out []reconciler.Finding
	err := c.recon.Scan(ctx, scopeToOptions(scope, true), func(f reconciler.Finding) error {
		out = append(out, f)
		return nil
	})
	return out, err
}

// PoolOrphans is pool.orphans(scope): present blobs nothing references.
func (c *Core) PoolOrphans(ctx context.Context, scope string) ([]reconciler.Finding, error) {
	return c.scanKind(ctx, scope, false, reconciler.Orphan)
}

// PoolMissing is pool.missing(scope): referenced blobs absent from disk.
func (c *Core) PoolMissing(ctx context.Context, scope string) ([]reconciler.Finding, error) {
	return c.scanKind(ctx, scope, false, reconciler.Missing)
}

// CleanupReport is the outcome of pool.cleanup(scope, dry_run).
type CleanupReport struct {
	Orphans  []reconciler.Finding
	Deleted  bool
	TmpSwept int
}

// PoolCleanup is pool.cleanup(scope, dry_run): finds orphaned blobs and,
// unless dryRun, deletes them from the pool, then sweeps abandoned entries
// out of the pool's tmp/ write-staging arena. It never touches the Store —
// an orphan by definition has no Store reference to clean up, and tmp/
// entries never had one to begin with.
func (c *Core) PoolCleanup(ctx context.Context, scope string, dryRun bool) (CleanupReport, error) {
	orphans, err := c.scanKind(ctx, scope, false, reconciler.Orphan)
	if err != nil {
		return CleanupReport{}, err
	}
	report := CleanupReport{Orphans: orphans}
	if dryRun {
		return report, nil
	}
	for _, f := range orphans {
		if err := c.pool.Delete(f.Bucket, f.Digest); err != nil {
			return report, fmt.Errorf("core: pool.cleanup: deleting %s: %w", f.Digest, err)
		}
	}
	report.Deleted = true
	swept, err := c.recon.SweepTmp(ctx)
	if err != nil {
		return report, fmt.Errorf("core: pool.cleanup: sweeping tmp: %w", err)
	}
	report.TmpSwept = swept
	return report, nil
}

// ContentList is content.list/search(query): Store-backed filtering and
// pagination. There is deliberately one method for both verbs — "search"
// is "list" with NamePattern set, the distinction lives in how a caller
// populates q, not in the Core's API surface.
func (c *Core) ContentList(ctx context.Context, q store.ListQuery) ([]chantal.ContentItem, error) {
	return c.store.ListContentItems(ctx, q)
}

// ContentShow is content.show(sha256): the stored ContentItem plus its
// derived package URL (spec.md §3 addition).
func (c *Core) ContentShow(ctx context.Context, sha256 chantal.Digest) (chantal.ContentItem, error) {
	return c.store.GetContentItem(ctx, sha256)
}
