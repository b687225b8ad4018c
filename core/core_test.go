package core

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/config"
	"github.com/slauger/chantal/internal/lock"
	"github.com/slauger/chantal/locksource"
	"github.com/slauger/chantal/pool"
	"github.com/slauger/chantal/store"
	"github.com/slauger/chantal/store/sqlite"
)

func newTestCore(t *testing.T) (*Core, *pool.Pool, *sqlite.Store) {
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
	return New(st, p, locks), p, st
}

func TestMatchesSelector(t *testing.T) {
	cases := []struct {
		id, selector string
		want         bool
	}{
		{"baseos", "", true},
		{"baseos", "all", true},
		{"baseos", "baseos", true},
		{"baseos", "appstream", false},
		{"el9-baseos", "el9-*", true},
		{"el8-baseos", "el9-*", false},
	}
	for _, c := range cases {
		if got := matchesSelector(c.id, c.selector); got != c.want {
			t.Errorf("matchesSelector(%q, %q) = %v, want %v", c.id, c.selector, got, c.want)
		}
	}
}

func TestSyncSelectorPattern(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCore(t)

	repos := []config.Repository{
		{ID: "el9-baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test/baseos", Enabled: true, Mode: chantal.ModeHosted},
		{ID: "el9-appstream", Name: "AppStream", Type: chantal.KindRPM, Feed: "https://example.test/appstream", Enabled: true, Mode: chantal.ModeHosted},
		{ID: "el8-baseos", Name: "BaseOS8", Type: chantal.KindRPM, Feed: "https://example.test/el8", Enabled: true, Mode: chantal.ModeHosted},
	}

	results := c.Sync(ctx, repos, config.Global{}, "el9-*")
	if len(results) != 2 {
		t.Fatalf("Sync(el9-*) returned %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("repo %s: unexpected error: %v", r.RepositoryID, r.Err)
		}
		if r.History.Status != chantal.SyncSuccess {
			t.Errorf("repo %s: status = %v, want success", r.RepositoryID, r.History.Status)
		}
	}
}

func TestCheckUpdatesHostedIsAlwaysUpToDate(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCore(t)

	repos := []config.Repository{
		{ID: "local", Name: "Local", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeHosted},
	}
	results := c.CheckUpdates(ctx, repos, config.Global{}, "all")
	if len(results) != 1 || results[0].Status != "up-to-date" {
		t.Fatalf("CheckUpdates = %+v, want one up-to-date result", results)
	}
}

func TestPoolStatsAndCleanup(t *testing.T) {
	ctx := context.Background()
	c, p, st := newTestCore(t)

	if err := st.CreateRepository(ctx, chantal.Repository{ID: "baseos", Name: "BaseOS", Type: chantal.KindRPM, Feed: "https://example.test", Enabled: true, Mode: chantal.ModeMirror}); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	referenced, _, err := p.Put(ctx, pool.Content, bytes.NewReader([]byte("kept")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put referenced: %v", err)
	}
	item := chantal.ContentItem{SHA256: referenced, Filename: "kept.rpm", Name: "kept", ContentType: chantal.KindRPM}
	if _, err := st.PutContentItem(ctx, item); err != nil {
		t.Fatalf("PutContentItem: %v", err)
	}
	if err := st.ReplaceMembership(ctx, "baseos", []chantal.Digest{referenced}, nil); err != nil {
		t.Fatalf("ReplaceMembership: %v", err)
	}

	orphan, _, err := p.Put(ctx, pool.Content, bytes.NewReader([]byte("orphaned")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put orphan: %v", err)
	}

	stats, err := c.PoolStats(ctx)
	if err != nil {
		t.Fatalf("PoolStats: %v", err)
	}
	if stats.ContentBlobs != 2 {
		t.Fatalf("ContentBlobs = %d, want 2", stats.ContentBlobs)
	}

	dry, err := c.PoolCleanup(ctx, "", true)
	if err != nil {
		t.Fatalf("PoolCleanup(dry_run): %v", err)
	}
	if dry.Deleted {
		t.Fatal("dry run must not report Deleted")
	}
	if len(dry.Orphans) != 1 || dry.Orphans[0].Digest.String() != orphan.String() {
		t.Fatalf("dry run orphans = %+v, want [%s]", dry.Orphans, orphan)
	}
	if has, _ := p.Has(pool.Content, orphan); !has {
		t.Fatal("dry run must not remove the orphan blob")
	}

	real, err := c.PoolCleanup(ctx, "", false)
	if err != nil {
		t.Fatalf("PoolCleanup: %v", err)
	}
	if !real.Deleted {
		t.Fatal("expected Deleted = true")
	}
	if has, _ := p.Has(pool.Content, orphan); has {
		t.Fatal("expected orphan blob removed from pool")
	}
	if has, _ := p.Has(pool.Content, referenced); !has {
		t.Fatal("referenced blob must survive cleanup")
	}
}

func TestContentListAndShow(t *testing.T) {
	ctx := context.Background()
	c, _, st := newTestCore(t)

	d := chantal.MustParseSHA256("1111111111111111111111111111111111111111111111111111111111111111"[:64])
	item := chantal.ContentItem{SHA256: d, Filename: "nginx-1.24.0.rpm", Name: "nginx", Version: "1.24.0", Architecture: "x86_64", ContentType: chantal.KindRPM}
	if _, err := st.PutContentItem(ctx, item); err != nil {
		t.Fatalf("PutContentItem: %v", err)
	}

	got, err := c.ContentList(ctx, store.ListQuery{NamePattern: "nginx"})
	if err != nil {
		t.Fatalf("ContentList: %v", err)
	}
	if len(got) != 1 || got[0].Name != "nginx" {
		t.Fatalf("ContentList = %+v, want one nginx item", got)
	}

	shown, err := c.ContentShow(ctx, d)
	if err != nil {
		t.Fatalf("ContentShow: %v", err)
	}
	purl := shown.Purl()
	if purl.Type != "rpm" || purl.Name != "nginx" {
		t.Fatalf("Purl() = %+v, want type=rpm name=nginx", purl)
	}
}
