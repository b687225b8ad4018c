// Package pool implements Chantal's content-addressed blob store: two
// buckets (content payloads, repository metadata files) fanned out two
// levels deep by sha256 prefix, written crash-safely via temp-file-then-
// rename, and published to repository trees by hard link rather than copy.
//
// Grounded on the teacher's toolkit/spool (Arena/Dir/File temp-directory
// lifecycle) and pkg/tmp (self-removing temp file) packages: the same
// "never leave a half-written file at its final name" discipline, adapted
// from a scan-time temp file to a permanent content-addressed one.
package pool

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slauger/chantal"
)

// Bucket names a pool subtree. Content payloads and repository metadata
// files are kept apart because their lifetimes differ: metadata churns on
// every sync, payloads are retained until no Snapshot references them.
type Bucket string

const (
	Content Bucket = "content"
	Files   Bucket = "files"
)

// Pool is a content-addressed blob store rooted at a directory.
type Pool struct {
	root string
	dev  uint64
	have bool // whether dev was resolved
}

// Open roots a Pool at dir, creating its bucket and tmp subdirectories if
// they don't already exist.
func Open(dir string) (*Pool, error) {
	p := &Pool{root: dir}
	for _, sub := range []string{string(Content), string(Files), "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("pool: open %s: %w", dir, err)
		}
	}
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err == nil {
		p.dev = uint64(st.Dev)
		p.have = true
	}
	return p, nil
}

// shard returns the two-level fan-out path for a digest within bucket,
// e.g. content/ab/cd/abcd....
func (p *Pool) shard(b Bucket, d chantal.Digest) string {
	hex := d.Hex()
	return filepath.Join(p.root, string(b), hex[:2], hex[2:4], hex)
}

// PathOf returns the on-disk path a digest would live at in bucket. It does
// not guarantee the blob exists; callers that need that guarantee use Has.
func (p *Pool) PathOf(b Bucket, d chantal.Digest) string {
	return p.shard(b, d)
}

// Has reports whether a blob is present in bucket under digest.
func (p *Pool) Has(b Bucket, d chantal.Digest) (bool, error) {
	_, err := os.Stat(p.shard(b, d))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("pool: stat: %w", err)
	}
}

// Put streams r into bucket, computing its sha256 as it writes, and
// installs the result at its content-addressed path. If a blob with the
// resulting digest already exists, the temp file is discarded and Put
// returns the existing digest — the dedup path named in the Store's
// "ON CONFLICT (sha256) DO NOTHING" invariant has a pool-side twin here.
//
// wantDigest, if non-zero, is verified against the computed digest before
// installation; a mismatch returns a ChecksumMismatch error and the temp
// file is removed without being installed.
func (p *Pool) Put(ctx context.Context, b Bucket, r io.Reader, wantDigest chantal.Digest) (chantal.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(p.root, "tmp"), "put-*")
	if err != nil {
		return chantal.Digest{}, 0, fmt.Errorf("pool: create temp: %w", err)
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmp.Name())
		}
		tmp.Close()
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return chantal.Digest{}, 0, fmt.Errorf("pool: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return chantal.Digest{}, 0, fmt.Errorf("pool: sync: %w", err)
	}

	got := chantal.NewSHA256(h.Sum(nil))
	if wantDigest.String() != "" && wantDigest.String() != got.String() {
		return chantal.Digest{}, 0, chantal.NewError("pool.Put", chantal.KindChecksumMismatch,
			fmt.Sprintf("expected %s, got %s", wantDigest, got), nil)
	}

	dest := p.shard(b, got)
	if _, err := os.Stat(dest); err == nil {
		return got, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return chantal.Digest{}, 0, fmt.Errorf("pool: mkdir shard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return chantal.Digest{}, 0, fmt.Errorf("pool: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		// Another writer may have installed the same digest concurrently;
		// that's the dedup path, not a failure.
		if _, statErr := os.Stat(dest); statErr == nil {
			removeTmp = true
			return got, n, nil
		}
		removeTmp = true
		return chantal.Digest{}, 0, fmt.Errorf("pool: rename into place: %w", err)
	}
	removeTmp = false
	return got, n, nil
}

// Verify recomputes the digest of the blob at (bucket, d) and confirms it
// still matches its name. A mismatch indicates pool corruption — bit rot,
// a truncated write that slipped past Put, or out-of-band tampering.
func (p *Pool) Verify(b Bucket, d chantal.Digest) error {
	f, err := os.Open(p.shard(b, d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return chantal.NewError("pool.Verify", chantal.KindPoolCorruption,
				fmt.Sprintf("missing blob %s", d), err)
		}
		return fmt.Errorf("pool: open: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("pool: read: %w", err)
	}
	got := chantal.NewSHA256(h.Sum(nil))
	if got.String() != d.String() {
		return chantal.NewError("pool.Verify", chantal.KindPoolCorruption,
			fmt.Sprintf("blob %s hashes to %s", d, got), nil)
	}
	return nil
}

// Delete removes a blob from bucket. It is not an error to delete a digest
// that isn't present — callers (the Reconciler's cleanup pass) may race
// against another cleanup run.
func (p *Pool) Delete(b Bucket, d chantal.Digest) error {
	if err := os.Remove(p.shard(b, d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pool: delete: %w", err)
	}
	return nil
}

// LinkInto publishes the blob at (bucket, d) to dest via hard link,
// creating dest's parent directories as needed. If dest's parent directory
// already exists on a different filesystem from the pool root, it returns
// a KindCrossDevice error before attempting the link syscall; an EXDEV
// from the link itself is reported with the same kind. No copy fallback
// is attempted.
func (p *Pool) LinkInto(b Bucket, d chantal.Digest, dest string) error {
	src := p.shard(b, d)

	if p.have {
		var st unix.Stat_t
		if err := unix.Stat(filepath.Dir(dest), &st); err == nil && uint64(st.Dev) != p.dev {
			return chantal.NewError("pool.LinkInto", chantal.KindCrossDevice,
				fmt.Sprintf("destination %s is on a different filesystem than the pool", dest), nil)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("pool: mkdir dest parent: %w", err)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pool: remove stale dest: %w", err)
	}
	if err := os.Link(src, dest); err != nil {
		if errors.Is(err, unix.EXDEV) {
			return chantal.NewError("pool.LinkInto", chantal.KindCrossDevice, dest+": cross-device link", err)
		}
		return fmt.Errorf("pool: link: %w", err)
	}
	return nil
}

// LinkContent implements ecosystem.Linker.
func (p *Pool) LinkContent(sha256 chantal.Digest, dest string) error { return p.LinkInto(Content, sha256, dest) }

// LinkFile implements ecosystem.Linker.
func (p *Pool) LinkFile(sha256 chantal.Digest, dest string) error { return p.LinkInto(Files, sha256, dest) }

// Open returns a reader over the blob at (bucket, d). Callers must Close it.
func (p *Pool) Open(b Bucket, d chantal.Digest) (io.ReadCloser, error) {
	f, err := os.Open(p.shard(b, d))
	if err != nil {
		return nil, fmt.Errorf("pool: open: %w", err)
	}
	return f, nil
}

// OpenFile implements ecosystem.Linker: it opens a preserved RepositoryFile
// blob so a FILTERED-mode Publisher can re-read upstream metadata (e.g.
// updateinfo.xml.gz, Release) it didn't itself author, rather than needing
// a parallel read-side plumbing path.
func (p *Pool) OpenFile(sha256 chantal.Digest) (io.ReadCloser, error) { return p.Open(Files, sha256) }

// Stat reports the size in bytes of the blob at (bucket, d).
func (p *Pool) Stat(b Bucket, d chantal.Digest) (int64, error) {
	fi, err := os.Stat(p.shard(b, d))
	if err != nil {
		return 0, fmt.Errorf("pool: stat: %w", err)
	}
	return fi.Size(), nil
}

// SweepTmp removes files in the pool's tmp/ arena older than olderThan —
// in-flight writes abandoned by a crashed or killed Put (the temp file
// itself is disposable by construction, the same invariant pkg/tmp's
// self-removing File type encoded for the teacher's scan-time temp
// files). It never touches content/ or files/, only the write-staging
// area Put uses before its final rename.
func (p *Pool) SweepTmp(olderThan time.Duration) (int, error) {
	dir := filepath.Join(p.root, "tmp")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("pool: reading tmp arena: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	swept := 0
	for _, de := range entries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return swept, fmt.Errorf("pool: sweeping %s: %w", de.Name(), err)
		}
		swept++
	}
	return swept, nil
}

// Walk visits every blob stored in bucket, passing its digest and size to
// fn one at a time without collecting them. The Reconciler uses this to
// enumerate pool contents for its orphan and missing-blob passes.
func (p *Pool) Walk(ctx context.Context, b Bucket, fn func(d chantal.Digest, size int64) error) error {
	base := filepath.Join(p.root, string(b))
	return filepath.WalkDir(base, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		name := de.Name()
		d, err := chantal.ParseSHA256(name)
		if err != nil {
			// Not a content-addressed file, an unexpected stray: it is
			// skipped, neither passed to fn nor deleted.
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		return fn(d, info.Size())
	})
}
