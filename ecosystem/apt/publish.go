package apt

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

type publisher struct{}

func (publisher) Kind() chantal.Kind { return chantal.KindAPT }

// Publish implements ecosystem.Publisher for MIRROR mode: pool/<filename>
// for every .deb plus the preserved InRelease/Release(+.gpg)/Packages
// blobs at their upstream-relative paths, per spec §4.F's APT shape.
//
// FILTERED and HOSTED mode regenerate Release and every component/
// architecture's Packages file directly from req.Items — Release/
// Packages.gpg signing is out of scope (spec's Non-goals exclude
// signing), so the regenerated Release is always written unsigned, with
// no accompanying .gpg.
func (publisher) Publish(ctx context.Context, req ecosystem.PublishRequest) error {
	for _, item := range req.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(req.TargetDir, "pool", item.Filename)
		if err := req.Pool.LinkContent(item.SHA256, dest); err != nil {
			return fmt.Errorf("apt: publish %s: %w", item.Filename, err)
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
				return fmt.Errorf("apt: publish metadata %s: %w", f.OriginalPath, err)
			}
		}
		return nil
	case chantal.ModeFiltered, chantal.ModeHosted:
		return regenerateDists(req)
	default:
		return chantal.NewError("apt.Publish", chantal.KindConfig,
			fmt.Sprintf("unsupported mode %s", req.Mode), nil)
	}
}

// distGroup is one component/architecture's surviving package set.
type distGroup struct {
	component, architecture string
	items                   []chantal.ContentItem
}

// regenerateDists rebuilds dists/<suite>/Release and every
// component/binary-<arch>/Packages(.gz) from req.Items, for FILTERED and
// HOSTED modes.
func regenerateDists(req ecosystem.PublishRequest) error {
	suite, origin := releaseIdentity(req)

	groups := make(map[string]*distGroup)
	var order []string
	for _, item := range req.Items {
		comp, _ := item.Metadata["component"].(string)
		if comp == "" {
			comp = "main"
		}
		key := comp + "/" + item.Architecture
		g, ok := groups[key]
		if !ok {
			g = &distGroup{component: comp, architecture: item.Architecture}
			groups[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, item)
	}
	sort.Strings(order)

	type writtenFile struct {
		relPath string
		body    []byte
	}
	var written []writtenFile

	for _, key := range order {
		g := groups[key]
		plain := buildPackagesStanzas(g.items)
		gz, err := gzipContent(plain)
		if err != nil {
			return fmt.Errorf("apt: gzip Packages for %s: %w", key, err)
		}

		base := fmt.Sprintf("dists/%s/%s/binary-%s/Packages", suite, g.component, g.architecture)
		if err := writeDistFile(req.TargetDir, base, plain); err != nil {
			return err
		}
		if err := writeDistFile(req.TargetDir, base+".gz", gz); err != nil {
			return err
		}
		written = append(written,
			writtenFile{relPath: fmt.Sprintf("%s/binary-%s/Packages", g.component, g.architecture), body: plain},
			writtenFile{relPath: fmt.Sprintf("%s/binary-%s/Packages.gz", g.component, g.architecture), body: gz},
		)
	}

	var components, architectures []string
	seenComp, seenArch := map[string]bool{}, map[string]bool{}
	for _, key := range order {
		g := groups[key]
		if !seenComp[g.component] {
			seenComp[g.component] = true
			components = append(components, g.component)
		}
		if !seenArch[g.architecture] {
			seenArch[g.architecture] = true
			architectures = append(architectures, g.architecture)
		}
	}

	var release strings.Builder
	fmt.Fprintf(&release, "Origin: %s\n", origin)
	fmt.Fprintf(&release, "Label: %s\n", origin)
	fmt.Fprintf(&release, "Suite: %s\n", suite)
	fmt.Fprintf(&release, "Codename: %s\n", suite)
	fmt.Fprintf(&release, "Architectures: %s\n", strings.Join(architectures, " "))
	fmt.Fprintf(&release, "Components: %s\n", strings.Join(components, " "))
	fmt.Fprintf(&release, "Description: %s, regenerated FILTERED publication\n", origin)
	release.WriteString("MD5Sum:\n")
	for _, wf := range written {
		sum := md5.Sum(wf.body)
		fmt.Fprintf(&release, " %x %16d %s\n", sum, len(wf.body), wf.relPath)
	}
	release.WriteString("SHA1:\n")
	for _, wf := range written {
		sum := sha1.Sum(wf.body)
		fmt.Fprintf(&release, " %x %16d %s\n", sum, len(wf.body), wf.relPath)
	}
	release.WriteString("SHA256:\n")
	for _, wf := range written {
		sum := sha256.Sum256(wf.body)
		fmt.Fprintf(&release, " %x %16d %s\n", sum, len(wf.body), wf.relPath)
	}

	return writeDistFile(req.TargetDir, fmt.Sprintf("dists/%s/Release", suite), []byte(release.String()))
}

// releaseIdentity recovers the Suite and Origin to publish under by
// reading the repository's own preserved Release/InRelease stanza back
// (if one was preserved at sync time) rather than inventing one, so a
// FILTERED republish still identifies itself the way upstream did.
// Falls back to "stable"/"chantal" when no upstream Release exists
// (HOSTED mode, or FILTERED against a repository that never had one).
func releaseIdentity(req ecosystem.PublishRequest) (suite, origin string) {
	suite, origin = "stable", "chantal"
	for _, f := range req.Files {
		if f.FileType != "Release" && f.FileType != "InRelease" {
			continue
		}
		rc, err := req.Pool.OpenFile(f.SHA256)
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		hdrs, err := stanzas(raw)
		if err != nil || len(hdrs) == 0 {
			continue
		}
		h := hdrs[0]
		if s := h.Get("Suite"); s != "" {
			suite = s
		} else if c := h.Get("Codename"); c != "" {
			suite = c
		}
		if o := h.Get("Origin"); o != "" {
			origin = o
		}
		break
	}
	return suite, origin
}

// buildPackagesStanzas reconstructs one component/architecture's Packages
// file from the Candidate.Metadata keys candidateFromStanza stashed there
// at sync time.
func buildPackagesStanzas(items []chantal.ContentItem) []byte {
	var buf bytes.Buffer
	for _, item := range items {
		fmt.Fprintf(&buf, "Package: %s\n", item.Name)
		fmt.Fprintf(&buf, "Version: %s\n", item.Version)
		fmt.Fprintf(&buf, "Architecture: %s\n", item.Architecture)
		writeIfSet(&buf, "Section", metaStr(item.Metadata, "section"))
		writeIfSet(&buf, "Priority", metaStr(item.Metadata, "priority"))
		writeIfSet(&buf, "Multi-Arch", metaStr(item.Metadata, "multi_arch"))
		writeIfSet(&buf, "Depends", metaStr(item.Metadata, "depends"))
		writeIfSet(&buf, "Pre-Depends", metaStr(item.Metadata, "pre_depends"))
		writeIfSet(&buf, "Recommends", metaStr(item.Metadata, "recommends"))
		writeIfSet(&buf, "Suggests", metaStr(item.Metadata, "suggests"))
		writeIfSet(&buf, "Breaks", metaStr(item.Metadata, "breaks"))
		writeIfSet(&buf, "Conflicts", metaStr(item.Metadata, "conflicts"))
		writeIfSet(&buf, "Replaces", metaStr(item.Metadata, "replaces"))
		writeIfSet(&buf, "Provides", metaStr(item.Metadata, "provides"))
		fmt.Fprintf(&buf, "Filename: pool/%s\n", item.Filename)
		fmt.Fprintf(&buf, "Size: %d\n", item.SizeBytes)
		writeIfSet(&buf, "MD5sum", metaStr(item.Metadata, "md5sum"))
		writeIfSet(&buf, "SHA1", metaStr(item.Metadata, "sha1"))
		fmt.Fprintf(&buf, "SHA256: %s\n", item.SHA256.Hex())
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

func writeIfSet(buf *bytes.Buffer, field, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(buf, "%s: %s\n", field, value)
}

func metaStr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func gzipContent(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeDistFile(targetDir, relPath string, body []byte) error {
	dest := filepath.Join(targetDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("apt: mkdir %s: %w", relPath, err)
	}
	if err := os.WriteFile(dest, body, 0o640); err != nil {
		return fmt.Errorf("apt: write %s: %w", relPath, err)
	}
	return nil
}
