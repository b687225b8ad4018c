// Package snapshot implements Chantal's Snapshot Manager (spec.md §4.G):
// capturing, diffing, copying, and deleting immutable point-in-time
// repository and view selections.
//
// Grounded on the teacher's libvuln/updater "fetch, then diff against the
// prior state" shape — generalized here from "one updater's vulnerability
// set" to "one repository's (or view's) content membership at a point in
// time" — with the diff itself dispatching to internal/version.Compare
// for per-ecosystem version ordering, same as the Syncer's
// only_latest_version filter stage.
package snapshot

import (
	"context"
	"fmt"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/internal/version"
	"github.com/slauger/chantal/store"
)

// Manager drives Chantal's snapshot lifecycle.
type Manager struct {
	store store.Store
}

// New builds a Manager over st.
func New(st store.Store) *Manager {
	return &Manager{store: st}
}

// Create freezes repositoryID's current membership as a named Snapshot.
func (m *Manager) Create(ctx context.Context, repositoryID, name, description string) (chantal.Snapshot, error) {
	return m.store.CreateSnapshot(ctx, repositoryID, name, description)
}

// CreateViewOptions controls the "skip-with-warning on empty repository"
// policy spec.md §4.G leaves to this layer: by default an empty member
// repository fails the whole view snapshot; SkipEmptyMembers lets the
// caller opt into silently omitting it instead.
type CreateViewOptions struct {
	SkipEmptyMembers bool
}

// CreateView freezes every member repository of viewName as sibling
// Snapshots named name, then records the ViewSnapshot row tying them
// together. All creations happen in the Store's one transaction (store.go
// §CreateViewSnapshot's contract); the member-resolution and
// empty-repository policy decisions made here are what the Store expects
// to have already happened by the time it's called.
func (m *Manager) CreateView(ctx context.Context, viewName, name, description string, opts CreateViewOptions) (chantal.ViewSnapshot, []string, error) {
	v, err := m.store.GetView(ctx, viewName)
	if err != nil {
		return chantal.ViewSnapshot{}, nil, err
	}

	memberSnapshots := make(map[string]string, len(v.Members))
	var skipped []string
	for _, repositoryID := range v.Members {
		items, _, err := m.store.ListMembers(ctx, repositoryID)
		if err != nil {
			return chantal.ViewSnapshot{}, nil, err
		}
		if len(items) == 0 {
			if !opts.SkipEmptyMembers {
				return chantal.ViewSnapshot{}, nil, chantal.NewError("snapshot.CreateView", chantal.KindConfig,
					fmt.Sprintf("member repository %q has zero members; pass SkipEmptyMembers to allow", repositoryID), nil)
			}
			skipped = append(skipped, repositoryID)
			continue
		}
		memberSnapshots[repositoryID] = name
	}

	vs, err := m.store.CreateViewSnapshot(ctx, viewName, name, description, memberSnapshots)
	if err != nil {
		return chantal.ViewSnapshot{}, nil, err
	}
	return vs, skipped, nil
}

// Diff is the before/after classification of two snapshots' content.
type Diff struct {
	Added   []chantal.ContentItem
	Removed []chantal.ContentItem
	Updated []UpdatedPair
}

// UpdatedPair is one (name, architecture) group present in both snapshots
// under a different version. Direction is not distinguished: From is
// whichever snapshot came first in the Compare call, whether that's an
// upgrade or a downgrade is for the caller to decide from the ecosystem's
// version ordering.
type UpdatedPair struct {
	From chantal.ContentItem
	To   chantal.ContentItem
}

// Compare computes added/removed/updated between repositoryID's snapshots
// from and to, per spec.md §4.G's Diff algorithm: added = to \ from,
// removed = from \ to, updated = same (name, architecture) pair present in
// both with a different version.
func (m *Manager) Compare(ctx context.Context, repositoryID, from, to string) (Diff, error) {
	repo, err := repoKind(ctx, m.store, repositoryID)
	if err != nil {
		return Diff{}, err
	}

	fromItems, _, err := m.store.SnapshotMembers(ctx, repositoryID, from)
	if err != nil {
		return Diff{}, err
	}
	toItems, _, err := m.store.SnapshotMembers(ctx, repositoryID, to)
	if err != nil {
		return Diff{}, err
	}

	fromBySHA := indexBySHA(fromItems)
	toBySHA := indexBySHA(toItems)
	fromByKey := indexByNameArch(fromItems)
	toByKey := indexByNameArch(toItems)

	var d Diff
	for sha, item := range toBySHA {
		if _, ok := fromBySHA[sha]; !ok {
			d.Added = append(d.Added, item)
		}
	}
	for sha, item := range fromBySHA {
		if _, ok := toBySHA[sha]; !ok {
			d.Removed = append(d.Removed, item)
		}
	}

	for key, fromGroup := range fromByKey {
		toGroup, ok := toByKey[key]
		if !ok {
			continue
		}
		for _, a := range fromGroup {
			for _, b := range toGroup {
				if a.Version == b.Version {
					continue
				}
				cmp, err := version.Compare(repo, a.Version, b.Version)
				if err != nil {
					return Diff{}, fmt.Errorf("snapshot: comparing versions for %s/%s: %w", key.name, key.arch, err)
				}
				if cmp != 0 {
					d.Updated = append(d.Updated, UpdatedPair{From: a, To: b})
				}
			}
		}
	}
	return d, nil
}

// Copy promotes a Snapshot's membership (database pointers only, zero
// bytes moved) to a new name under targetRepositoryID. Both repositories
// must share a Kind — Chantal never mixes ecosystems within one
// repository's membership.
func (m *Manager) Copy(ctx context.Context, sourceRepositoryID, sourceName, targetRepositoryID, targetName string) (chantal.Snapshot, error) {
	sourceKind, err := repoKind(ctx, m.store, sourceRepositoryID)
	if err != nil {
		return chantal.Snapshot{}, err
	}
	targetKind, err := repoKind(ctx, m.store, targetRepositoryID)
	if err != nil {
		return chantal.Snapshot{}, err
	}
	if sourceKind != targetKind {
		return chantal.Snapshot{}, chantal.NewError("snapshot.Copy", chantal.KindConfig,
			fmt.Sprintf("cannot copy a %s snapshot onto a %s repository", sourceKind, targetKind), nil)
	}
	return m.store.CopySnapshot(ctx, sourceRepositoryID, sourceName, targetRepositoryID, targetName)
}

// Delete removes a Snapshot and its junction rows. Pool blobs are never
// touched here — the Reconciler's orphan pass reclaims them once nothing
// else references them.
func (m *Manager) Delete(ctx context.Context, repositoryID, name string) error {
	return m.store.DeleteSnapshot(ctx, repositoryID, name)
}

func repoKind(ctx context.Context, st store.Store, repositoryID string) (chantal.Kind, error) {
	repo, err := st.GetRepository(ctx, repositoryID)
	if err != nil {
		return "", err
	}
	return repo.Type, nil
}

func indexBySHA(items []chantal.ContentItem) map[string]chantal.ContentItem {
	out := make(map[string]chantal.ContentItem, len(items))
	for _, i := range items {
		out[i.SHA256.String()] = i
	}
	return out
}

type nameArchKey struct {
	name, arch string
}

func indexByNameArch(items []chantal.ContentItem) map[nameArchKey][]chantal.ContentItem {
	out := make(map[nameArchKey][]chantal.ContentItem)
	for _, i := range items {
		key := nameArchKey{i.Name, i.Architecture}
		out[key] = append(out[key], i)
	}
	return out
}
