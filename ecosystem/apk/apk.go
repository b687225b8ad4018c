// Package apk implements the ecosystem.Parser/ecosystem.Publisher pair for
// Alpine APK repositories: APKINDEX.tar.gz's inner line-oriented
// APKINDEX file.
//
// Version ordering uses go-apk-version, the library the teacher's
// alpine/matcher.go uses for Alpine's version+revision comparison.
package apk

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

func init() {
	ecosystem.Register(chantal.KindAPK, ecosystem.Ecosystem{Parser: &parser{}, Publisher: &publisher{}})
}

type parser struct{}

func (parser) Kind() chantal.Kind { return chantal.KindAPK }

// Parse implements ecosystem.Parser. repo.Attrs carries "branch",
// "repository", and "arch" (e.g. "v3.19", "main", "x86_64"), combined into
// the upstream path <branch>/<repository>/<arch>/APKINDEX.tar.gz.
func (parser) Parse(ctx context.Context, repo chantal.Repository, fetch ecosystem.Fetcher) (ecosystem.ParseResult, error) {
	var result ecosystem.ParseResult
	dir := fmt.Sprintf("%s/%s/%s", repo.Attrs["branch"], repo.Attrs["repository"], repo.Attrs["arch"])
	indexPath := dir + "/APKINDEX.tar.gz"

	rf, raw, err := fetch.FetchFile(ctx, indexPath, "metadata", "APKINDEX")
	if err != nil {
		return result, fmt.Errorf("apk: fetch APKINDEX.tar.gz: %w", err)
	}
	result.Files = append(result.Files, rf)

	inner, err := extractIndexFile(raw)
	if err != nil {
		return result, err
	}

	records, err := parseRecords(inner)
	if err != nil {
		return result, err
	}
	for _, r := range records {
		c, staleWarning := candidateFromRecord(r, dir)
		if staleWarning != "" {
			slog.WarnContext(ctx, "apk: legacy checksum mismatch, trusting download-time sha256", "package", c.Name, "detail", staleWarning)
		}
		result.Candidates = append(result.Candidates, c)
	}
	return result, nil
}

// extractIndexFile unwraps the APKINDEX tarball and returns the bytes of
// its inner "APKINDEX" entry.
func extractIndexFile(gz []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, fmt.Errorf("apk: gzip: %w", err)
	}
	tr := tar.NewReader(zr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("apk: tar: %w", err)
		}
		if h.Name == "APKINDEX" {
			return io.ReadAll(tr)
		}
	}
	return nil, chantal.NewError("apk.Parse", chantal.KindConfig, "APKINDEX.tar.gz has no APKINDEX entry", nil)
}

// record is one APKINDEX stanza: single-letter keys, one per line, a
// record ends at the first blank line.
type record map[byte]string

// parseRecords splits raw into APKINDEX's line-oriented, blank-line-
// delimited records.
func parseRecords(raw []byte) ([]record, error) {
	var out []record
	cur := record{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = record{}
			}
			continue
		}
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		cur[line[0]] = line[2:]
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out, sc.Err()
}

// candidateFromRecord maps one APKINDEX record's single-letter keys (P
// name, V version, A arch, S size, C legacy base64 "Q1..." SHA1 checksum,
// T description, L license, t build time) onto a Candidate. A non-empty
// staleWarning return means the legacy checksum didn't decode cleanly —
// reported as a warning by the caller, never a parse failure.
func candidateFromRecord(r record, dir string) (c ecosystem.Candidate, staleWarning string) {
	name := r['P']
	version := r['V']
	c = ecosystem.Candidate{
		Name:         name,
		Version:      version,
		Architecture: r['A'],
		PayloadURL:   dir + "/" + name + "-" + version + ".apk",
		Metadata: map[string]any{
			"description": r['T'],
			"license":     r['L'],
			"legacy_sha1": r['C'],
		},
	}
	if sz, err := strconv.ParseInt(r['S'], 10, 64); err == nil {
		c.ExpectedSize = sz
	}
	if bt, err := strconv.ParseInt(r['t'], 10, 64); err == nil {
		c.BuildTime = time.Unix(bt, 0).UTC()
	}
	if legacy := r['C']; legacy != "" {
		decoded, err := decodeLegacyChecksum(legacy)
		if err != nil {
			staleWarning = fmt.Sprintf("record for %s has unparseable legacy checksum %q: %v", name, legacy, err)
		} else if d, derr := chantal.NewDigest(chantal.SHA1, decoded); derr == nil {
			c.LegacySHA1 = d
		} else {
			staleWarning = fmt.Sprintf("record for %s has a legacy checksum of the wrong length: %v", name, derr)
		}
	}
	return c, staleWarning
}

// decodeLegacyChecksum decodes APKINDEX's "Q1"-prefixed base64 SHA1
// checksum. Chantal never trusts it for identity — sha256 recomputed at
// download time is identity — but a malformed value is still worth
// surfacing as a StaleIndex warning.
func decodeLegacyChecksum(s string) ([]byte, error) {
	if len(s) < 2 || s[:2] != "Q1" {
		return nil, fmt.Errorf("missing Q1 prefix")
	}
	return base64.StdEncoding.DecodeString(s[2:])
}
