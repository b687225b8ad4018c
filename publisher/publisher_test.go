package publisher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slauger/chantal"
	_ "github.com/slauger/chantal/ecosystem/rpm"
	"github.com/slauger/chantal/internal/lock"
	"github.com/slauger/chantal/locksource"
	"github.com/slauger/chantal/pool"
	"github.com/slauger/chantal/store/sqlite"
)

func newTestManager(t *testing.T) (*Manager, *pool.Pool) {
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
	locks := lock.New(&locksource.Local{}, 5*time.Second)
	return New(st, p, locks), p
}

func putBlob(t *testing.T, p *pool.Pool, body string) chantal.Digest {
	t.Helper()
	d, _, err := p.Put(context.Background(), pool.Content, bytes.NewReader([]byte(body)), chantal.Digest{})
	if err != nil {
		t.Fatalf("pool.Put: %v", err)
	}
	return d
}

func TestPublishRepositoryLinksContent(t *testing.T) {
	ctx := context.Background()
	m, p := newTestManager(t)

	repo := chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}
	if err := m.store.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	digest := putBlob(t, p, "rpm-bytes")
	item := chantal.ContentItem{SHA256: digest, Filename: "nginx-1.24.0-2.el9.x86_64.rpm", SizeBytes: 9, ContentType: chantal.KindRPM, Name: "nginx", Version: "1.24.0-2.el9", Architecture: "x86_64"}
	if _, err := m.store.PutContentItem(ctx, item); err != nil {
		t.Fatalf("PutContentItem: %v", err)
	}
	if err := m.store.ReplaceMembership(ctx, repo.ID, []chantal.Digest{digest}, nil); err != nil {
		t.Fatalf("ReplaceMembership: %v", err)
	}

	target := filepath.Join(t.TempDir(), "published", "baseos")
	if err := m.PublishRepository(ctx, "baseos", target); err != nil {
		t.Fatalf("PublishRepository: %v", err)
	}

	want := filepath.Join(target, "Packages", "nginx-1.24.0-2.el9.x86_64.rpm")
	got, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("reading published package: %v", err)
	}
	if string(got) != "rpm-bytes" {
		t.Fatalf("published content = %q, want %q", got, "rpm-bytes")
	}
}

func TestPublishRepublishSwapsAtomically(t *testing.T) {
	ctx := context.Background()
	m, p := newTestManager(t)

	repo := chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}
	if err := m.store.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	d1 := putBlob(t, p, "v1-bytes")
	item1 := chantal.ContentItem{SHA256: d1, Filename: "pkg-1.rpm", SizeBytes: 8, ContentType: chantal.KindRPM, Name: "pkg", Version: "1"}
	m.store.PutContentItem(ctx, item1)
	m.store.ReplaceMembership(ctx, repo.ID, []chantal.Digest{d1}, nil)

	target := filepath.Join(t.TempDir(), "published", "baseos")
	if err := m.PublishRepository(ctx, "baseos", target); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	d2 := putBlob(t, p, "v2-bytes")
	item2 := chantal.ContentItem{SHA256: d2, Filename: "pkg-2.rpm", SizeBytes: 8, ContentType: chantal.KindRPM, Name: "pkg", Version: "2"}
	m.store.PutContentItem(ctx, item2)
	m.store.ReplaceMembership(ctx, repo.ID, []chantal.Digest{d2}, nil)

	if err := m.PublishRepository(ctx, "baseos", target); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	if _, err := os.Stat(filepath.Join(target, "Packages", "pkg-1.rpm")); !os.IsNotExist(err) {
		t.Fatalf("expected old package gone after republish, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "Packages", "pkg-2.rpm")); err != nil {
		t.Fatalf("expected new package present: %v", err)
	}
	if _, err := os.Stat(target + ".trash"); !os.IsNotExist(err) {
		t.Fatalf("trash directory should be cleaned up, stat err = %v", err)
	}
}

func TestPublishDetectsFilenameConflict(t *testing.T) {
	ctx := context.Background()
	m, p := newTestManager(t)

	repo := chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}
	m.store.CreateRepository(ctx, repo)

	d1 := putBlob(t, p, "alpha")
	d2 := putBlob(t, p, "beta")
	item1 := chantal.ContentItem{SHA256: d1, Filename: "dup.rpm", Name: "alpha"}
	item2 := chantal.ContentItem{SHA256: d2, Filename: "dup.rpm", Name: "beta"}
	m.store.PutContentItem(ctx, item1)
	m.store.PutContentItem(ctx, item2)
	m.store.ReplaceMembership(ctx, repo.ID, []chantal.Digest{d1, d2}, nil)

	target := filepath.Join(t.TempDir(), "published", "baseos")
	err := m.PublishRepository(ctx, "baseos", target)
	if err == nil {
		t.Fatal("expected a PublishConflict error")
	}
	if chantal.KindOf(err) != chantal.KindPublishConflict {
		t.Fatalf("KindOf(err) = %v, want PublishConflict", chantal.KindOf(err))
	}
}

func TestUnpublishRemovesTree(t *testing.T) {
	ctx := context.Background()
	m, p := newTestManager(t)

	repo := chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}
	m.store.CreateRepository(ctx, repo)
	d := putBlob(t, p, "bytes")
	item := chantal.ContentItem{SHA256: d, Filename: "pkg.rpm", Name: "pkg"}
	m.store.PutContentItem(ctx, item)
	m.store.ReplaceMembership(ctx, repo.ID, []chantal.Digest{d}, nil)

	target := filepath.Join(t.TempDir(), "published", "baseos")
	if err := m.PublishRepository(ctx, "baseos", target); err != nil {
		t.Fatalf("PublishRepository: %v", err)
	}
	if err := m.Unpublish(ctx, target); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected target removed, stat err = %v", err)
	}
}
