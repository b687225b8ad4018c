package apk

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

type publisher struct{}

func (publisher) Kind() chantal.Kind { return chantal.KindAPK }

// Publish implements ecosystem.Publisher.
//
// MIRROR mode hard-links every *.apk to its upstream filename plus the
// original APKINDEX.tar.gz verbatim, per spec §4.F's APK shape.
//
// FILTERED and HOSTED mode rebuild APKINDEX.tar.gz's inner line-oriented
// APKINDEX record set from req.Items directly, the same record shape
// parseRecords reads. The directory an upstream repository publishes
// under (<branch>/<repository>/<arch>) is recovered from the preserved
// APKINDEX.tar.gz's OriginalPath rather than repeated in PublishRequest;
// HOSTED repositories (no upstream APKINDEX) publish at TargetDir's root.
func (publisher) Publish(ctx context.Context, req ecosystem.PublishRequest) error {
	dir := indexDir(req.Files)

	for _, item := range req.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(req.TargetDir, filepath.FromSlash(dir), item.Filename)
		if err := req.Pool.LinkContent(item.SHA256, dest); err != nil {
			return fmt.Errorf("apk: publish %s: %w", item.Filename, err)
		}
	}

	switch req.Mode {
	case chantal.ModeMirror:
		for _, f := range req.Files {
			if err := ctx.Err(); err != nil {
				return err
			}
			dest := filepath.Join(req.TargetDir, f.OriginalPath)
			if err := req.Pool.LinkFile(f.SHA256, dest); err != nil {
				return fmt.Errorf("apk: publish metadata %s: %w", f.OriginalPath, err)
			}
		}
		return nil
	case chantal.ModeFiltered, chantal.ModeHosted:
		return regenerateIndex(req, dir)
	default:
		return chantal.NewError("apk.Publish", chantal.KindConfig,
			fmt.Sprintf("unsupported mode %s", req.Mode), nil)
	}
}

// indexDir recovers "<branch>/<repository>/<arch>" from the preserved
// APKINDEX.tar.gz's upstream-relative path. Empty when no upstream
// APKINDEX was preserved (a HOSTED repository has none).
func indexDir(files []chantal.RepositoryFile) string {
	for _, f := range files {
		if f.FileType != "APKINDEX" {
			continue
		}
		return strings.TrimSuffix(f.OriginalPath, "/APKINDEX.tar.gz")
	}
	return ""
}

// regenerateIndex rebuilds dir/APKINDEX.tar.gz from req.Items, for
// FILTERED and HOSTED modes.
func regenerateIndex(req ecosystem.PublishRequest, dir string) error {
	raw := buildIndexRecords(req.Items)

	gz, err := tarGzipIndex(raw)
	if err != nil {
		return fmt.Errorf("apk: build APKINDEX.tar.gz: %w", err)
	}

	dest := filepath.Join(req.TargetDir, filepath.FromSlash(dir), "APKINDEX.tar.gz")
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("apk: mkdir %s: %w", path.Dir(dest), err)
	}
	if err := os.WriteFile(dest, gz, 0o640); err != nil {
		return fmt.Errorf("apk: write APKINDEX.tar.gz: %w", err)
	}
	return nil
}

// buildIndexRecords reconstructs APKINDEX's line-oriented record set from
// req.Items, carrying forward description/license/legacy checksum from
// the Metadata keys candidateFromRecord stashed there at sync time.
func buildIndexRecords(items []chantal.ContentItem) []byte {
	var buf bytes.Buffer
	for _, item := range items {
		fmt.Fprintf(&buf, "P:%s\n", item.Name)
		fmt.Fprintf(&buf, "V:%s\n", item.Version)
		fmt.Fprintf(&buf, "A:%s\n", item.Architecture)
		fmt.Fprintf(&buf, "S:%d\n", item.SizeBytes)
		if desc := metaStr(item.Metadata, "description"); desc != "" {
			fmt.Fprintf(&buf, "T:%s\n", desc)
		}
		if lic := metaStr(item.Metadata, "license"); lic != "" {
			fmt.Fprintf(&buf, "L:%s\n", lic)
		}
		if legacy := metaStr(item.Metadata, "legacy_sha1"); legacy != "" {
			fmt.Fprintf(&buf, "C:%s\n", legacy)
		}
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

func metaStr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// tarGzipIndex wraps raw as the sole "APKINDEX" entry of a gzip'd tar
// archive, the shape extractIndexFile unwraps on the read side.
func tarGzipIndex(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	if err := tw.WriteHeader(&tar.Header{
		Name: "APKINDEX",
		Mode: 0o644,
		Size: int64(len(raw)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(raw); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
