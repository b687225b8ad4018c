// Package apt implements the ecosystem.Parser/ecosystem.Publisher pair for
// APT/DEB repositories: InRelease/Release(+.gpg), per-component Packages
// files, and (optionally) source packages.
//
// Stanza parsing is grounded on the teacher's dpkg/scanner.go, which reads
// dpkg's "status" database — itself an RFC-822-like stanza format — via
// net/textproto's MIME-header reader. Packages and Release files use the
// same stanza shape, so the same approach applies directly. Version
// ordering uses go-deb-version, the library the teacher's debian/matcher.go
// uses for dpkg version comparison.
package apt

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

func init() {
	ecosystem.Register(chantal.KindAPT, ecosystem.Ecosystem{Parser: &parser{}, Publisher: &publisher{}})
}

type parser struct{}

func (parser) Kind() chantal.Kind { return chantal.KindAPT }

// stanzas splits raw into RFC-822-like records separated by blank lines,
// reading each with net/textproto the way dpkg/scanner.go reads "status".
func stanzas(raw []byte) ([]textproto.MIMEHeader, error) {
	var out []textproto.MIMEHeader
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	for {
		hdr, err := tp.ReadMIMEHeader()
		if len(hdr) > 0 {
			out = append(out, hdr)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if len(hdr) == 0 {
				break
			}
		}
	}
	return out, nil
}

func decompress(name string, b []byte) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("apt: gzip: %w", err)
		}
		return r, nil
	case strings.HasSuffix(name, ".xz"):
		r, err := xz.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("apt: xz: %w", err)
		}
		return r, nil
	case strings.HasSuffix(name, ".bz2"):
		return bzip2.NewReader(bytes.NewReader(b)), nil
	default:
		return bytes.NewReader(b), nil
	}
}

// Parse implements ecosystem.Parser. repo.Attrs carries apt-specific
// repository configuration: "suite", "components" (comma-separated),
// "architectures" (comma-separated), and "include_source_packages"
// ("true"/"false").
func (parser) Parse(ctx context.Context, repo chantal.Repository, fetch ecosystem.Fetcher) (ecosystem.ParseResult, error) {
	var result ecosystem.ParseResult
	suite := repo.Attrs["suite"]
	if suite == "" {
		suite = "stable"
	}

	releasePath := "dists/" + suite + "/InRelease"
	rf, _, err := fetch.FetchFile(ctx, releasePath, "metadata", "InRelease")
	if err != nil {
		releasePath = "dists/" + suite + "/Release"
		rf, _, err = fetch.FetchFile(ctx, releasePath, "metadata", "Release")
		if err != nil {
			return result, fmt.Errorf("apt: fetch Release: %w", err)
		}
		if grf, _, gerr := fetch.FetchFile(ctx, releasePath+".gpg", "metadata", "Release.gpg"); gerr == nil {
			result.Files = append(result.Files, grf)
		}
	}
	result.Files = append(result.Files, rf)

	components := splitList(repo.Attrs["components"], "main")
	architectures := splitList(repo.Attrs["architectures"], "amd64")

	for _, comp := range components {
		for _, arch := range architectures {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			base := fmt.Sprintf("dists/%s/%s/binary-%s/Packages", suite, comp, arch)
			var raw []byte
			var used string
			for _, ext := range []string{".gz", ".xz", ""} {
				candidate := base + ext
				if frf, data, ferr := fetch.FetchFile(ctx, candidate, "metadata", "Packages"); ferr == nil {
					result.Files = append(result.Files, frf)
					raw = data
					used = candidate
					break
				}
			}
			if raw == nil {
				continue // component/arch combination absent from this suite, not fatal
			}
			dr, err := decompress(used, raw)
			if err != nil {
				return result, err
			}
			plain, err := io.ReadAll(dr)
			if err != nil {
				return result, fmt.Errorf("apt: decompress %s: %w", used, err)
			}
			hdrs, err := stanzas(plain)
			if err != nil {
				return result, fmt.Errorf("apt: parse %s: %w", used, err)
			}
			for _, h := range hdrs {
				result.Candidates = append(result.Candidates, candidateFromStanza(h, repo.Feed, comp))
			}
		}
	}

	if repo.Attrs["include_source_packages"] == "true" {
		srcPath := fmt.Sprintf("dists/%s/source/Sources", suite)
		if srf, raw, err := fetch.FetchFile(ctx, srcPath, "metadata", "Sources"); err == nil {
			result.Files = append(result.Files, srf)
			hdrs, _ := stanzas(raw)
			for _, h := range hdrs {
				c := ecosystem.Candidate{
					Name:         h.Get("Package"),
					Version:      h.Get("Version"),
					Architecture: "source",
					Metadata:     map[string]any{"section": h.Get("Section")},
				}
				result.Candidates = append(result.Candidates, c)
			}
		}
	}

	return result, nil
}

func candidateFromStanza(h textproto.MIMEHeader, feed, component string) ecosystem.Candidate {
	var want chantal.Digest
	if sum := h.Get("Sha256"); sum != "" {
		if d, err := chantal.ParseSHA256(sum); err == nil {
			want = d
		}
	}
	size, _ := strconv.ParseInt(h.Get("Size"), 10, 64)

	c := ecosystem.Candidate{
		Name:           h.Get("Package"),
		Version:        h.Get("Version"),
		Architecture:   h.Get("Architecture"),
		PayloadURL:     strings.TrimSuffix(feed, "/") + "/" + h.Get("Filename"),
		ExpectedSHA256: want,
		ExpectedSize:   size,
		Metadata: map[string]any{
			"depends":      h.Get("Depends"),
			"pre_depends":  h.Get("Pre-Depends"),
			"recommends":   h.Get("Recommends"),
			"suggests":     h.Get("Suggests"),
			"breaks":       h.Get("Breaks"),
			"conflicts":    h.Get("Conflicts"),
			"replaces":     h.Get("Replaces"),
			"provides":     h.Get("Provides"),
			"component":    component,
			"section":      h.Get("Section"),
			"priority":     h.Get("Priority"),
			"multi_arch":   h.Get("Multi-Arch"),
			"sha1":         h.Get("Sha1"),
			"md5sum":       h.Get("MD5sum"),
		},
	}
	return c
}

func splitList(s, def string) []string {
	if s == "" {
		return []string{def}
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{def}
	}
	return out
}
