package reconciler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/pool"
	"github.com/slauger/chantal/store/sqlite"
)

func newTestReconciler(t *testing.T) (*Reconciler, *pool.Pool, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	p, err := pool.Open(filepath.Join(t.TempDir(), "pool"))
	if err != nil {
		t.Fatalf("pool.Open: %v", err)
	}
	return New(st, p), p, st
}

func TestScanFindsOrphanAndMissing(t *testing.T) {
	ctx := context.Background()
	r, p, st := newTestReconciler(t)

	if err := st.CreateRepository(ctx, chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	referencedDigest, _, err := p.Put(ctx, pool.Content, bytes.NewReader([]byte("referenced-bytes")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put referenced: %v", err)
	}
	item := chantal.ContentItem{SHA256: referencedDigest, Filename: "pkg.rpm", Name: "pkg", ContentType: chantal.KindRPM}
	if _, err := st.PutContentItem(ctx, item); err != nil {
		t.Fatalf("PutContentItem: %v", err)
	}
	if err := st.ReplaceMembership(ctx, "baseos", []chantal.Digest{referencedDigest}, nil); err != nil {
		t.Fatalf("ReplaceMembership: %v", err)
	}

	orphanDigest, _, err := p.Put(ctx, pool.Content, bytes.NewReader([]byte("orphan-bytes")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put orphan: %v", err)
	}

	missingDigest := chantal.MustParseSHA256("5555555555555555555555555555555555555555555555555555555555555555"[:64])
	missingItem := chantal.ContentItem{SHA256: missingDigest, Filename: "ghost.rpm", Name: "ghost", ContentType: chantal.KindRPM}
	if _, err := st.PutContentItem(ctx, missingItem); err != nil {
		t.Fatalf("PutContentItem(missing): %v", err)
	}
	if err := st.ReplaceMembership(ctx, "baseos", []chantal.Digest{referencedDigest, missingDigest}, nil); err != nil {
		t.Fatalf("ReplaceMembership: %v", err)
	}

	var orphans, missing []chantal.Digest
	err = r.Scan(ctx, Options{}, func(f Finding) error {
		switch f.Kind {
		case Orphan:
			orphans = append(orphans, f.Digest)
		case Missing:
			missing = append(missing, f.Digest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(orphans) != 1 || orphans[0].String() != orphanDigest.String() {
		t.Fatalf("orphans = %v, want [%s]", orphans, orphanDigest)
	}
	if len(missing) != 1 || missing[0].String() != missingDigest.String() {
		t.Fatalf("missing = %v, want [%s]", missing, missingDigest)
	}
}

func TestScanVerifyCorruptionDetectsTamperedBlob(t *testing.T) {
	ctx := context.Background()
	r, p, st := newTestReconciler(t)

	if err := st.CreateRepository(ctx, chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	d, _, err := p.Put(ctx, pool.Content, bytes.NewReader([]byte("original-bytes")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item := chantal.ContentItem{SHA256: d, Filename: "pkg.rpm", Name: "pkg", ContentType: chantal.KindRPM}
	if _, err := st.PutContentItem(ctx, item); err != nil {
		t.Fatalf("PutContentItem: %v", err)
	}
	if err := st.ReplaceMembership(ctx, "baseos", []chantal.Digest{d}, nil); err != nil {
		t.Fatalf("ReplaceMembership: %v", err)
	}

	if err := os.WriteFile(p.PathOf(pool.Content, d), []byte("tampered-bytes-of-different-length"), 0o640); err != nil {
		t.Fatalf("tampering with pool file: %v", err)
	}

	var corrupt []chantal.Digest
	err = r.Scan(ctx, Options{VerifyCorruption: true}, func(f Finding) error {
		if f.Kind == Corrupt {
			corrupt = append(corrupt, f.Digest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(corrupt) != 1 || corrupt[0].String() != d.String() {
		t.Fatalf("corrupt = %v, want [%s]", corrupt, d)
	}
}

func TestScanScopedToRepository(t *testing.T) {
	ctx := context.Background()
	r, p, st := newTestReconciler(t)

	for _, id := range []string{"baseos", "appstream"} {
		if err := st.CreateRepository(ctx, chantal.Repository{ID: id, Name: id, Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}); err != nil {
			t.Fatalf("CreateRepository(%s): %v", id, err)
		}
	}

	baseosDigest, _, err := p.Put(ctx, pool.Content, bytes.NewReader([]byte("baseos-bytes")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	baseosItem := chantal.ContentItem{SHA256: baseosDigest, Filename: "a.rpm", Name: "a", ContentType: chantal.KindRPM}
	st.PutContentItem(ctx, baseosItem)
	st.ReplaceMembership(ctx, "baseos", []chantal.Digest{baseosDigest}, nil)

	appstreamDigest, _, err := p.Put(ctx, pool.Content, bytes.NewReader([]byte("appstream-bytes")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	appstreamItem := chantal.ContentItem{SHA256: appstreamDigest, Filename: "b.rpm", Name: "b", ContentType: chantal.KindRPM}
	st.PutContentItem(ctx, appstreamItem)
	st.ReplaceMembership(ctx, "appstream", []chantal.Digest{appstreamDigest}, nil)

	var orphans []chantal.Digest
	err = r.Scan(ctx, Options{RepositoryID: "baseos"}, func(f Finding) error {
		if f.Kind == Orphan {
			orphans = append(orphans, f.Digest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(orphans) != 1 || orphans[0].String() != appstreamDigest.String() {
		t.Fatalf("scoped to baseos, expected appstream's blob reported as an orphan; got %v", orphans)
	}
}
