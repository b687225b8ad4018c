package sqlite

import (
	"context"
	"testing"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test/baseos", Enabled: true, Mode: chantal.ModeMirror, Attrs: map[string]string{"arch": "x86_64"}}
	if err := s.CreateRepository(ctx, r); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	got, err := s.GetRepository(ctx, "baseos")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if got.Name != "BaseOS" || got.Attrs["arch"] != "x86_64" {
		t.Fatalf("got %+v", got)
	}

	got.Enabled = false
	if err := s.UpdateRepository(ctx, got); err != nil {
		t.Fatalf("UpdateRepository: %v", err)
	}
	got, err = s.GetRepository(ctx, "baseos")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected Enabled=false after update")
	}

	if _, err := s.GetRepository(ctx, "missing"); chantal.KindOf(err) != chantal.KindConfig {
		t.Fatalf("expected KindConfig for missing repository, got %v", err)
	}
}

func TestContentItemDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := chantal.ContentItem{
		SHA256: chantal.MustParseSHA256("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		Filename: "nginx-1.20.2-1.el9.x86_64.rpm", SizeBytes: 1234567,
		ContentType: chantal.KindRPM, Name: "nginx", Version: "1.20.2-1.el9", Architecture: "x86_64",
	}
	created, err := s.PutContentItem(ctx, c)
	if err != nil || !created {
		t.Fatalf("PutContentItem: created=%v err=%v", created, err)
	}
	created, err = s.PutContentItem(ctx, c)
	if err != nil || created {
		t.Fatalf("PutContentItem (dup): created=%v err=%v", created, err)
	}
}

func TestMembershipReplaceAndSnapshotDiff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	repo := chantal.Repository{ID: "r1", Name: "r1", Type: chantal.KindRPM, Mode: chantal.ModeFiltered}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	c1 := mkItem(t, "1111111111111111111111111111111111111111111111111111111111111111"[:64], "nginx", "1.0")
	c2 := mkItem(t, "2222222222222222222222222222222222222222222222222222222222222222"[:64], "curl", "8.0")
	for _, c := range []chantal.ContentItem{c1, c2} {
		if _, err := s.PutContentItem(ctx, c); err != nil {
			t.Fatalf("PutContentItem: %v", err)
		}
	}
	if err := s.ReplaceMembership(ctx, "r1", []chantal.Digest{c1.SHA256}, nil); err != nil {
		t.Fatalf("ReplaceMembership: %v", err)
	}

	if _, err := s.CreateSnapshot(ctx, "r1", "before", ""); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	if err := s.ReplaceMembership(ctx, "r1", []chantal.Digest{c2.SHA256}, nil); err != nil {
		t.Fatalf("ReplaceMembership (2): %v", err)
	}
	if _, err := s.CreateSnapshot(ctx, "r1", "after", ""); err != nil {
		t.Fatalf("CreateSnapshot (2): %v", err)
	}

	before, _, err := s.SnapshotMembers(ctx, "r1", "before")
	if err != nil {
		t.Fatalf("SnapshotMembers: %v", err)
	}
	after, _, err := s.SnapshotMembers(ctx, "r1", "after")
	if err != nil {
		t.Fatalf("SnapshotMembers (2): %v", err)
	}
	if len(before) != 1 || before[0].Name != "nginx" {
		t.Fatalf("before snapshot: %+v", before)
	}
	if len(after) != 1 || after[0].Name != "curl" {
		t.Fatalf("after snapshot: %+v", after)
	}
}

func TestListContentItemsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	items := []chantal.ContentItem{
		mkItem(t, padHex("a1"), "nginx", "1.0"),
		mkItem(t, padHex("a2"), "nginx-module", "1.0"),
		mkItem(t, padHex("a3"), "curl", "8.0"),
	}
	for _, c := range items {
		if _, err := s.PutContentItem(ctx, c); err != nil {
			t.Fatalf("PutContentItem: %v", err)
		}
	}

	got, err := s.ListContentItems(ctx, store.ListQuery{NamePattern: "nginx"})
	if err != nil {
		t.Fatalf("ListContentItems: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
}

func mkItem(t *testing.T, hexsum, name, version string) chantal.ContentItem {
	t.Helper()
	return chantal.ContentItem{
		SHA256: chantal.MustParseSHA256(hexsum), Filename: name + "-" + version,
		ContentType: chantal.KindRPM, Name: name, Version: version, Architecture: "x86_64",
	}
}

func padHex(prefix string) string {
	b := make([]byte, 64)
	copy(b, prefix)
	for i := len(prefix); i < 64; i++ {
		b[i] = '0'
	}
	return string(b)
}
