// Package helm implements the ecosystem.Parser/ecosystem.Publisher pair
// for Helm chart repositories: index.yaml.
//
// index.yaml is parsed with a small hand-rolled reader rather than a YAML
// library: the teacher's go.mod carries no YAML dependency anywhere (Helm
// packaging is outside claircore's domain), and index.yaml's subset — a
// flat "entries: {chart: [- field: value, ...]}" shape with scalar string
// values only — doesn't need a general YAML document model. See
// DESIGN.md for why no example-pack YAML library was wired here instead.
//
// Version ordering uses Masterminds/semver, the library the teacher's
// rhel/rhcc/purl.go and gobin/matcher.go already depend on for SemVer
// comparison.
package helm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

func init() {
	ecosystem.Register(chantal.KindHelm, ecosystem.Ecosystem{Parser: &parser{}, Publisher: &publisher{}})
}

type parser struct{}

func (parser) Kind() chantal.Kind { return chantal.KindHelm }

// entry is one chart version's index.yaml record.
type entry struct {
	name, version, appVersion, digest string
	urls                              []string
}

// Parse implements ecosystem.Parser.
func (parser) Parse(ctx context.Context, repo chantal.Repository, fetch ecosystem.Fetcher) (ecosystem.ParseResult, error) {
	var result ecosystem.ParseResult

	rf, raw, err := fetch.FetchFile(ctx, "index.yaml", "metadata", "index")
	if err != nil {
		return result, fmt.Errorf("helm: fetch index.yaml: %w", err)
	}
	result.Files = append(result.Files, rf)

	entries, err := parseIndex(raw)
	if err != nil {
		return result, fmt.Errorf("helm: parse index.yaml: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var want chantal.Digest
		if e.digest != "" {
			digestHex := strings.TrimPrefix(e.digest, "sha256:")
			if d, err := chantal.ParseSHA256(digestHex); err == nil {
				want = d
			}
		}
		payload := ""
		if len(e.urls) > 0 {
			payload = resolveURL(repo.Feed, e.urls[0])
		}
		result.Candidates = append(result.Candidates, ecosystem.Candidate{
			Name:           e.name,
			Version:        e.version,
			Architecture:   "noarch",
			PayloadURL:     payload,
			ExpectedSHA256: want,
			Metadata: map[string]any{
				"app_version": e.appVersion,
				"urls":        e.urls,
			},
		})
	}
	return result, nil
}

// resolveURL resolves a possibly-relative chart URL against feed, per
// index.yaml's "urls may be relative or absolute" rule.
func resolveURL(feed, u string) string {
	if strings.Contains(u, "://") {
		return u
	}
	return strings.TrimSuffix(feed, "/") + "/" + strings.TrimPrefix(u, "/")
}

// parseIndex reads the subset of YAML index.yaml actually uses:
//
//	entries:
//	  mychart:
//	    - name: mychart
//	      version: 1.2.3
//	      appVersion: "4.5.6"
//	      digest: sha256:...
//	      urls:
//	        - mychart-1.2.3.tgz
//
// A line's indentation and leading "- " mark structure; everything else is
// a "key: value" scalar pair. Quoted values have their quotes stripped.
func parseIndex(raw []byte) ([]entry, error) {
	var entries []entry
	var cur *entry
	inEntries := false
	inURLs := false
	entryIndent := 0

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimLeft(line, " ")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if !inEntries {
			if strings.HasPrefix(trimmed, "entries:") {
				inEntries = true
			}
			continue
		}

		indent := len(line) - len(trimmed)
		switch {
		case inURLs && cur != nil && indent > entryIndent && strings.HasPrefix(trimmed, "-"):
			cur.urls = append(cur.urls, unquote(strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))))
		case strings.HasPrefix(trimmed, "- "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &entry{}
			entryIndent = indent
			inURLs = false
			applyField(cur, strings.TrimPrefix(trimmed, "- "))
		case trimmed == "urls:":
			inURLs = true
		default:
			if cur != nil {
				applyField(cur, trimmed)
			}
			inURLs = false
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func applyField(e *entry, kv string) {
	i := strings.Index(kv, ":")
	if i == -1 {
		return
	}
	key := strings.TrimSpace(kv[:i])
	val := unquote(strings.TrimSpace(kv[i+1:]))
	switch key {
	case "name":
		e.name = val
	case "version":
		e.version = val
	case "appVersion":
		e.appVersion = val
	case "digest":
		e.digest = val
	case "urls":
		// inline empty list marker; actual entries follow on subsequent lines
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			if unq, err := strconv.Unquote(s); err == nil {
				return unq
			}
			return s[1 : len(s)-1]
		}
	}
	return s
}
