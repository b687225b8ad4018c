// Package publisher implements Chantal's Publisher (spec.md §4.F):
// materializing a repository's, snapshot's, view's, or view snapshot's
// current content set as a client-servable, ecosystem-native directory
// tree at a target path.
//
// Grounded on the teacher's libindex.Libindex "lock → delegate → report"
// shape, generalized from "index a manifest" to "resolve a content set,
// hand it to the registered ecosystem.Publisher, then atomically swap the
// result into place" — the swap mechanics themselves (swap.go) follow the
// same never-leave-a-half-written-artifact discipline as pool.Put's
// temp-file-then-rename, scaled up from one file to a whole directory
// tree.
package publisher

import (
	"context"
	"fmt"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
	"github.com/slauger/chantal/internal/lock"
	"github.com/slauger/chantal/pool"
	"github.com/slauger/chantal/store"
	"github.com/slauger/chantal/view"
)

// Manager drives Chantal's publish operations end to end.
type Manager struct {
	store    store.Store
	pool     *pool.Pool
	locks    *lock.Manager
	resolver *view.Resolver
}

// New builds a Manager over the given Store, Pool, and lock Manager.
func New(st store.Store, p *pool.Pool, locks *lock.Manager) *Manager {
	return &Manager{store: st, pool: p, locks: locks, resolver: view.New(st)}
}

// PublishRepository publishes repositoryID's current (live) membership to
// targetPath, in the repository's own configured Mode.
func (m *Manager) PublishRepository(ctx context.Context, repositoryID, targetPath string) error {
	repo, err := m.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return err
	}
	items, files, err := m.store.ListMembers(ctx, repositoryID)
	if err != nil {
		return err
	}
	return m.publish(ctx, targetPath, repo.Type, repo.Mode, items, files)
}

// PublishSnapshot publishes a single repository's frozen snapshot
// membership to targetPath.
func (m *Manager) PublishSnapshot(ctx context.Context, repositoryID, snapshotName, targetPath string) error {
	repo, err := m.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return err
	}
	items, files, err := m.store.SnapshotMembers(ctx, repositoryID, snapshotName)
	if err != nil {
		return err
	}
	return m.publish(ctx, targetPath, repo.Type, repo.Mode, items, files)
}

// PublishView publishes the live membership of every member repository of
// viewName, merged in the View's declared member order, to targetPath.
//
// Views aggregate repositories that may each carry a different Mode, but
// ecosystem.PublishRequest takes one Mode for the whole tree; Chantal
// resolves that by always publishing views in MIRROR mode, whatever the
// members' own Modes are. PublishView takes no Mode argument, so no other
// mode can be requested for a view.
func (m *Manager) PublishView(ctx context.Context, viewName, targetPath string) error {
	v, err := m.store.GetView(ctx, viewName)
	if err != nil {
		return err
	}
	members, err := m.resolver.Resolve(ctx, viewName)
	if err != nil {
		return err
	}
	items, files := view.Flatten(members)
	return m.publish(ctx, targetPath, v.Type, chantal.ModeMirror, items, files)
}

// PublishViewSnapshot publishes a previously frozen ViewSnapshot: each
// member repository's sibling Snapshot, merged in the View's declared
// member order.
func (m *Manager) PublishViewSnapshot(ctx context.Context, viewName, snapshotName, targetPath string) error {
	v, err := m.store.GetView(ctx, viewName)
	if err != nil {
		return err
	}
	members, err := m.resolver.ResolveSnapshot(ctx, viewName, snapshotName)
	if err != nil {
		return err
	}
	items, files := view.Flatten(members)
	return m.publish(ctx, targetPath, v.Type, chantal.ModeMirror, items, files)
}

// Unpublish removes a previously published tree. It is intentionally a
// plain recursive removal, not a swap — there is no "previous tree" to
// preserve once the caller has decided the target should no longer exist.
func (m *Manager) Unpublish(ctx context.Context, targetPath string) error {
	_, release, err := m.locks.PublishTarget(ctx, targetPath)
	if err != nil {
		return err
	}
	defer release()
	return removeTree(targetPath)
}

// publish resolves the registered ecosystem.Publisher for kind, builds a
// sibling temp tree, hands it the given content set, and atomically swaps
// the result into targetPath.
func (m *Manager) publish(ctx context.Context, targetPath string, kind chantal.Kind, mode chantal.Mode, items []chantal.ContentItem, files []chantal.RepositoryFile) error {
	lockCtx, release, err := m.locks.PublishTarget(ctx, targetPath)
	if err != nil {
		return err
	}
	defer release()

	if err := checkConflicts(items); err != nil {
		return err
	}

	eco, ok := ecosystem.Lookup(kind)
	if !ok {
		return chantal.NewError("publisher.publish", chantal.KindConfig,
			fmt.Sprintf("no ecosystem registered for %q", kind), nil)
	}

	tempDir, err := buildTempTree(targetPath)
	if err != nil {
		return err
	}

	req := ecosystem.PublishRequest{
		Mode:      mode,
		TargetDir: tempDir,
		Items:     items,
		Files:     files,
		Pool:      m.pool,
	}
	if err := eco.Publisher.Publish(lockCtx, req); err != nil {
		cleanupTempTree(tempDir)
		return err
	}

	if err := atomicSwap(targetPath, tempDir); err != nil {
		cleanupTempTree(tempDir)
		return err
	}
	return nil
}

// checkConflicts implements spec.md §4.F step 3's PublishConflict rule: a
// publish is rejected if two ContentItems with different sha256 values
// would land on the same ecosystem-required destination. Every
// ecosystem.Publisher in this repository keys its destination by
// filename alone (a flat or single-level-bucketed namespace), so a
// filename collision between distinct blobs is the collision the spec
// means here.
func checkConflicts(items []chantal.ContentItem) error {
	bySHA := make(map[string]chantal.Digest, len(items))
	for _, item := range items {
		if existing, ok := bySHA[item.Filename]; ok && existing.String() != item.SHA256.String() {
			return chantal.NewError("publisher.checkConflicts", chantal.KindPublishConflict,
				fmt.Sprintf("two distinct content items both resolve to filename %q", item.Filename), nil)
		}
		bySHA[item.Filename] = item.SHA256
	}
	return nil
}
