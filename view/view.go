// Package view implements Chantal's View Resolver (spec.md §4.H): turning
// a named, ordered composition of same-Kind repositories into the ordered
// per-member content streams the Publisher fans out into one combined
// tree.
//
// Grounded on the same "resolve first, act later" split the teacher's
// indexer uses between scanning a manifest's layers and reporting on
// them: Resolve here never touches the pool or a target filesystem, it
// only reads the Store and hands back ordered data for the Publisher (or
// content.list/search) to act on.
package view

import (
	"context"
	"fmt"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/store"
)

// Resolver resolves Views and ViewSnapshots against the Store.
type Resolver struct {
	store store.Store
}

// New builds a Resolver over st.
func New(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Member is one repository's contribution to a resolved view, in the
// view's declared member order.
type Member struct {
	RepositoryID string
	Items        []chantal.ContentItem
	Files        []chantal.RepositoryFile
}

// Resolve returns viewName's current (live) membership, one Member per
// constituent repository, in View.Members order. There is deliberately no
// cross-repository dedup here (spec.md §4.H): two members may each list
// the same ContentItem, and the Publisher — not the Resolver — is what
// decides how same-filename collisions across members are handled.
func (r *Resolver) Resolve(ctx context.Context, viewName string) ([]Member, error) {
	v, err := r.store.GetView(ctx, viewName)
	if err != nil {
		return nil, err
	}
	return r.resolveMembers(ctx, v.Members, func(repositoryID string) ([]chantal.ContentItem, []chantal.RepositoryFile, error) {
		return r.store.ListMembers(ctx, repositoryID)
	})
}

// ResolveSnapshot returns the frozen membership of viewName's ViewSnapshot
// named snapshotName, one Member per repository the View currently lists,
// in View order. A member with no sibling Snapshot in the ViewSnapshot
// resolves to a Member with no items or files.
func (r *Resolver) ResolveSnapshot(ctx context.Context, viewName, snapshotName string) ([]Member, error) {
	v, err := r.store.GetView(ctx, viewName)
	if err != nil {
		return nil, err
	}
	vs, err := r.store.GetViewSnapshot(ctx, viewName, snapshotName)
	if err != nil {
		return nil, err
	}
	return r.resolveMembers(ctx, v.Members, func(repositoryID string) ([]chantal.ContentItem, []chantal.RepositoryFile, error) {
		memberSnapshot, ok := vs.Snapshots[repositoryID]
		if !ok {
			return nil, nil, nil
		}
		return r.store.SnapshotMembers(ctx, repositoryID, memberSnapshot)
	})
}

func (r *Resolver) resolveMembers(ctx context.Context, repositoryIDs []string, fetch func(repositoryID string) ([]chantal.ContentItem, []chantal.RepositoryFile, error)) ([]Member, error) {
	out := make([]Member, 0, len(repositoryIDs))
	for _, repositoryID := range repositoryIDs {
		items, files, err := fetch(repositoryID)
		if err != nil {
			return nil, fmt.Errorf("view: resolving member %s: %w", repositoryID, err)
		}
		out = append(out, Member{RepositoryID: repositoryID, Items: items, Files: files})
	}
	return out, nil
}

// Flatten merges a resolved view's members into one combined item/file
// list, in member order — the shape the publisher package's PublishView
// hands to an ecosystem.Publisher. It is a separate step from Resolve so
// callers that need per-member attribution (content.list with a
// repository breakdown) aren't forced to re-derive it from a flat slice.
func Flatten(members []Member) ([]chantal.ContentItem, []chantal.RepositoryFile) {
	var items []chantal.ContentItem
	var files []chantal.RepositoryFile
	for _, m := range members {
		items = append(items, m.Items...)
		files = append(files, m.Files...)
	}
	return items, files
}
