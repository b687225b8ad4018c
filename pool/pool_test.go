package pool

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/slauger/chantal"
)

func TestPutDedup(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	payload := []byte("repository payload contents")
	d1, n1, err := p.Put(ctx, Content, bytes.NewReader(payload), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n1 != int64(len(payload)) {
		t.Fatalf("size: got %d want %d", n1, len(payload))
	}

	d2, _, err := p.Put(ctx, Content, bytes.NewReader(payload), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put (dup): %v", err)
	}
	if d1.String() != d2.String() {
		t.Fatalf("dedup produced different digests: %s != %s", d1, d2)
	}

	has, err := p.Has(Content, d1)
	if err != nil || !has {
		t.Fatalf("Has: %v %v", has, err)
	}
}

func TestPutChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := chantal.NewSHA256(make([]byte, 32))
	_, _, err = p.Put(context.Background(), Content, bytes.NewReader([]byte("hello")), want)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if chantal.KindOf(err) != chantal.KindChecksumMismatch {
		t.Fatalf("kind: got %v", chantal.KindOf(err))
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	d, _, err := p.Put(ctx, Content, bytes.NewReader([]byte("intact")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Verify(Content, d); err != nil {
		t.Fatalf("Verify on intact blob: %v", err)
	}

	if err := os.WriteFile(p.PathOf(Content, d), []byte("tampered"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := p.Verify(Content, d); err == nil {
		t.Fatal("expected corruption error")
	} else if chantal.KindOf(err) != chantal.KindPoolCorruption {
		t.Fatalf("kind: got %v", chantal.KindOf(err))
	}
}

func TestLinkIntoAndDelete(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	d, _, err := p.Put(ctx, Files, bytes.NewReader([]byte("repomd")), chantal.Digest{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "repodata", "repomd.xml")
	if err := p.LinkInto(Files, d, dest); err != nil {
		t.Fatalf("LinkInto: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read linked file: %v", err)
	}
	if string(got) != "repomd" {
		t.Fatalf("content: got %q", got)
	}

	if err := p.Delete(Files, d); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	has, err := p.Has(Files, d)
	if err != nil || has {
		t.Fatalf("Has after delete: %v %v", has, err)
	}
	// Deleting an already-absent blob is not an error.
	if err := p.Delete(Files, d); err != nil {
		t.Fatalf("Delete (again): %v", err)
	}
}

func TestWalk(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	want := map[string]int64{}
	for _, s := range []string{"a", "bb", "ccc"} {
		d, n, err := p.Put(ctx, Content, bytes.NewReader([]byte(s)), chantal.Digest{})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		want[d.Hex()] = n
	}

	got := map[string]int64{}
	if err := p.Walk(ctx, Content, func(d chantal.Digest, size int64) error {
		got[d.Hex()] = size
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Walk visited %d blobs, want %d", len(got), len(want))
	}
	for hex, size := range want {
		if got[hex] != size {
			t.Fatalf("blob %s: got size %d want %d", hex, got[hex], size)
		}
	}
}
