package helm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

type publisher struct{}

func (publisher) Kind() chantal.Kind { return chantal.KindHelm }

// Publish implements ecosystem.Publisher.
//
// MIRROR mode hard-links every chart .tgz to its upstream filename plus
// the original index.yaml verbatim, per spec §4.F's Helm shape.
//
// FILTERED and HOSTED mode rewrite index.yaml's entries from req.Items
// directly — digest and urls must change to match what's actually
// published (a filtered republish can't point at upstream's URLs or
// carry upstream's full entry set), so index.yaml is regenerated rather
// than carried forward.
func (publisher) Publish(ctx context.Context, req ecosystem.PublishRequest) error {
	for _, item := range req.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(req.TargetDir, item.Filename)
		if err := req.Pool.LinkContent(item.SHA256, dest); err != nil {
			return fmt.Errorf("helm: publish %s: %w", item.Filename, err)
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
				return fmt.Errorf("helm: publish metadata %s: %w", f.OriginalPath, err)
			}
		}
		return nil
	case chantal.ModeFiltered, chantal.ModeHosted:
		return regenerateIndex(req)
	default:
		return chantal.NewError("helm.Publish", chantal.KindConfig,
			fmt.Sprintf("unsupported mode %s", req.Mode), nil)
	}
}

// regenerateIndex rebuilds index.yaml from req.Items, for FILTERED and
// HOSTED modes.
func regenerateIndex(req ecosystem.PublishRequest) error {
	body := buildIndexYAML(req.Items)
	return os.WriteFile(filepath.Join(req.TargetDir, "index.yaml"), body, 0o640)
}

// buildIndexYAML writes index.yaml's "entries: {chart: [- field: ...]}"
// shape (the same subset parseIndex reads) grouping req.Items by chart
// name, in the order parseIndex's hand-rolled reader expects: no general
// YAML library, since index.yaml's subset doesn't need one (see
// DESIGN.md).
func buildIndexYAML(items []chantal.ContentItem) []byte {
	byChart := make(map[string][]chantal.ContentItem)
	var names []string
	for _, item := range items {
		if _, ok := byChart[item.Name]; !ok {
			names = append(names, item.Name)
		}
		byChart[item.Name] = append(byChart[item.Name], item)
	}
	sort.Strings(names)

	var buf strings.Builder
	buf.WriteString("apiVersion: v1\n")
	buf.WriteString("entries:\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "  %s:\n", name)
		versions := byChart[name]
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
		for _, item := range versions {
			fmt.Fprintf(&buf, "    - name: %s\n", item.Name)
			fmt.Fprintf(&buf, "      version: %s\n", item.Version)
			if appVersion := metaStr(item.Metadata, "app_version"); appVersion != "" {
				fmt.Fprintf(&buf, "      appVersion: %q\n", appVersion)
			}
			fmt.Fprintf(&buf, "      digest: sha256:%s\n", item.SHA256.Hex())
			buf.WriteString("      urls:\n")
			fmt.Fprintf(&buf, "        - %s\n", item.Filename)
		}
	}
	fmt.Fprintf(&buf, "generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	return []byte(buf.String())
}

func metaStr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
