package rpm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

type publisher struct{}

func (publisher) Kind() chantal.Kind { return chantal.KindRPM }

// Publish implements ecosystem.Publisher.
//
// MIRROR mode hard-links every preserved RepositoryFile to its upstream
// OriginalPath and every ContentItem to Packages/<filename> verbatim, the
// way spec §4.F describes for RPM's Packages/ + repodata/ shape.
//
// FILTERED and HOSTED mode can't reuse the upstream repodata/ verbatim —
// req.Items is a subset (FILTERED) or has no upstream repodata at all
// (HOSTED) — so both regenerate repodata/repomd.xml and
// repodata/primary.xml.gz from req.Items directly, and, when an upstream
// updateinfo.xml.gz was preserved (only possible in FILTERED, read back
// via req.Pool.OpenFile), regenerate it filtered down to the advisories
// whose pkglist still names a published package. comps.xml/modules.yaml
// are carried forward verbatim when present, since neither is
// package-list-shaped and filtering them isn't meaningful. filelists.xml
// and other.xml are deliberately not regenerated in this pass — doing so
// needs the same per-package file-list/changelog data primary.xml.gz
// doesn't carry and this Parser doesn't currently fetch — so repomd.xml
// for FILTERED/HOSTED output only ever references primary and
// (optionally) updateinfo; see DESIGN.md.
func (publisher) Publish(ctx context.Context, req ecosystem.PublishRequest) error {
	for _, item := range req.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(req.TargetDir, "Packages", item.Filename)
		if err := req.Pool.LinkContent(item.SHA256, dest); err != nil {
			return fmt.Errorf("rpm: publish %s: %w", item.Filename, err)
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
				return fmt.Errorf("rpm: publish metadata %s: %w", f.OriginalPath, err)
			}
		}
		return nil
	case chantal.ModeFiltered, chantal.ModeHosted:
		return regenerateRepodata(ctx, req)
	default:
		return chantal.NewError("rpm.Publish", chantal.KindConfig,
			fmt.Sprintf("unsupported mode %s", req.Mode), nil)
	}
}

// regenerateRepodata rebuilds repodata/ from req.Items rather than
// replaying preserved upstream metadata, for FILTERED and HOSTED modes.
func regenerateRepodata(ctx context.Context, req ecosystem.PublishRequest) error {
	repodataDir := filepath.Join(req.TargetDir, "repodata")
	if err := os.MkdirAll(repodataDir, 0o750); err != nil {
		return fmt.Errorf("rpm: mkdir repodata: %w", err)
	}

	primaryXML, err := buildPrimaryXML(req.Items)
	if err != nil {
		return fmt.Errorf("rpm: build primary.xml: %w", err)
	}
	primaryDatum, err := writeRepodataEntry(repodataDir, "primary", primaryXML)
	if err != nil {
		return err
	}
	entries := []repoMDDatum{primaryDatum}

	// comps/modules carry forward verbatim: neither is filtered by
	// package membership, so there's nothing to regenerate.
	for _, f := range req.Files {
		if f.FileType != "comps" && f.FileType != "modules" {
			continue
		}
		dest := filepath.Join(req.TargetDir, f.OriginalPath)
		if err := req.Pool.LinkFile(f.SHA256, dest); err != nil {
			return fmt.Errorf("rpm: publish metadata %s: %w", f.OriginalPath, err)
		}
		datum := repoMDDatum{Type: f.FileType}
		datum.Location.Href = f.OriginalPath
		datum.Checksum.Type = "sha256"
		datum.Checksum.Value = f.SHA256.Hex()
		datum.OpenChecksum.Type = "sha256"
		datum.OpenChecksum.Value = f.SHA256.Hex()
		entries = append(entries, datum)
	}

	if updateinfoXML, ok, err := buildFilteredUpdateinfo(req); err != nil {
		return fmt.Errorf("rpm: build updateinfo.xml: %w", err)
	} else if ok {
		datum, err := writeRepodataEntry(repodataDir, "updateinfo", updateinfoXML)
		if err != nil {
			return err
		}
		entries = append(entries, datum)
	}

	md := repoMD{Data: entries}
	mdBytes, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("rpm: marshal repomd.xml: %w", err)
	}
	mdBytes = append([]byte(xml.Header), mdBytes...)
	if err := os.WriteFile(filepath.Join(repodataDir, "repomd.xml"), mdBytes, 0o640); err != nil {
		return fmt.Errorf("rpm: write repomd.xml: %w", err)
	}
	return nil
}

// writeRepodataEntry gzips body, writes it to repodataDir as
// <sha256>-<role>.xml.gz (the naming convention real DNF repos use), and
// returns the repomd.xml <data> entry describing it: Checksum is the
// gzip'd file's sha256, OpenChecksum is the decompressed body's.
func writeRepodataEntry(repodataDir, role string, body []byte) (repoMDDatum, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return repoMDDatum{}, fmt.Errorf("rpm: gzip %s: %w", role, err)
	}
	if err := gw.Close(); err != nil {
		return repoMDDatum{}, fmt.Errorf("rpm: gzip %s: %w", role, err)
	}
	gzipped := buf.Bytes()

	sum := sha256.Sum256(gzipped)
	open := sha256.Sum256(body)
	name := chantal.NewSHA256(sum[:]).Hex() + "-" + role + ".xml.gz"

	if err := os.WriteFile(filepath.Join(repodataDir, name), gzipped, 0o640); err != nil {
		return repoMDDatum{}, fmt.Errorf("rpm: write %s: %w", role, err)
	}

	d := repoMDDatum{Type: role}
	d.Location.Href = "repodata/" + name
	d.Checksum.Type = "sha256"
	d.Checksum.Value = chantal.NewSHA256(sum[:]).Hex()
	d.OpenChecksum.Type = "sha256"
	d.OpenChecksum.Value = chantal.NewSHA256(open[:]).Hex()
	return d, nil
}

// buildPrimaryXML reconstructs primary.xml.gz's <metadata> body from
// req.Items, using the epoch/ver/release/license/group Candidate.Metadata
// keys the Parser stashed there at sync time.
func buildPrimaryXML(items []chantal.ContentItem) ([]byte, error) {
	meta := primaryMetadata{PackageCount: len(items)}
	for _, item := range items {
		p := primaryPkg{
			Name: item.Name,
			Arch: item.Architecture,
		}
		p.Version.Epoch = metaString(item.Metadata, "epoch")
		p.Version.Ver = metaString(item.Metadata, "ver")
		p.Version.Rel = metaString(item.Metadata, "release")
		p.Checksum.Type = "sha256"
		p.Checksum.Pkgid = "YES"
		p.Checksum.Value = item.SHA256.Hex()
		p.Size.Package = item.SizeBytes
		p.Location.Href = "Packages/" + item.Filename
		p.Format.License = metaString(item.Metadata, "license")
		p.Format.Group = metaString(item.Metadata, "group")
		meta.Packages = append(meta.Packages, p)
	}
	out, err := xml.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// buildFilteredUpdateinfo reads the repository's preserved upstream
// updateinfo.xml.gz (if any) and rewrites it keeping only advisories with
// at least one pkglist package whose name matches a published item — the
// same Name req.Items already survived the repository's filter set on,
// so an advisory's presence tracks filter inclusion exactly. Returns
// ok=false when there is no upstream updateinfo to filter (HOSTED mode,
// or a FILTERED repository whose upstream never published one).
func buildFilteredUpdateinfo(req ecosystem.PublishRequest) ([]byte, bool, error) {
	var src *chantal.RepositoryFile
	for i := range req.Files {
		if req.Files[i].FileType == "updateinfo" {
			src = &req.Files[i]
			break
		}
	}
	if src == nil {
		return nil, false, nil
	}

	rc, err := req.Pool.OpenFile(src.SHA256)
	if err != nil {
		return nil, false, fmt.Errorf("opening preserved updateinfo: %w", err)
	}
	defer rc.Close()
	raw, err := decompressReader(src.OriginalPath, rc)
	if err != nil {
		return nil, false, err
	}

	var doc updateInfoDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("parsing preserved updateinfo: %w", err)
	}

	published := make(map[string]bool, len(req.Items))
	for _, item := range req.Items {
		published[item.Name] = true
	}

	var kept []advisory
	for _, adv := range doc.Updates {
		var collections []collection
		for _, col := range adv.PkgList {
			var pkgs []advisoryPkg
			for _, p := range col.Packages {
				if published[p.Name] {
					pkgs = append(pkgs, p)
				}
			}
			if len(pkgs) > 0 {
				col.Packages = pkgs
				collections = append(collections, col)
			}
		}
		if len(collections) > 0 {
			adv.PkgList = collections
			kept = append(kept, adv)
		}
	}

	out, err := xml.MarshalIndent(updateInfoDoc{Updates: kept}, "", "  ")
	if err != nil {
		return nil, false, err
	}
	return append([]byte(xml.Header), out...), true, nil
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
