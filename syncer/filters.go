package syncer

import (
	"fmt"
	"time"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/config"
	"github.com/slauger/chantal/ecosystem"
	"github.com/slauger/chantal/internal/version"
)

// applyFilters runs spec.md §4.E's six filter stages, in order, each
// narrowing the candidate set the previous stage produced. Stage (f) is
// rejected by config.Repository.Validate for ModeMirror, but is checked
// again here defensively since filters can be reached without passing
// through Validate in tests.
func applyFilters(kind chantal.Kind, mode chantal.Mode, f config.Filters, candidates []ecosystem.Candidate) ([]ecosystem.Candidate, error) {
	out, err := filterPatterns(f, candidates)
	if err != nil {
		return nil, err
	}
	out = filterArchitecture(f, out)
	out = filterSize(f, out)
	out, err = filterBuildTime(f, out)
	if err != nil {
		return nil, err
	}
	out = filterEcosystem(kind, f, out)
	if f.OnlyLatestVersion && mode != chantal.ModeMirror {
		out, err = filterOnlyLatestVersion(kind, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// (a) pattern filter: disjunctive include list (empty = include-all),
// then an exclude list applied over the survivors. Both operate on Name.
func filterPatterns(f config.Filters, candidates []ecosystem.Candidate) ([]ecosystem.Candidate, error) {
	include, exclude, err := f.CompiledPatterns()
	if err != nil {
		return nil, chantal.NewError("syncer.filterPatterns", chantal.KindConfig, err.Error(), nil)
	}
	var out []ecosystem.Candidate
	for _, c := range candidates {
		if len(include) > 0 {
			matched := false
			for _, re := range include {
				if re.MatchString(c.Name) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		excluded := false
		for _, re := range exclude {
			if re.MatchString(c.Name) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// (b) architecture filter: include list (empty = include-all), then
// exclude list over the survivors.
func filterArchitecture(f config.Filters, candidates []ecosystem.Candidate) []ecosystem.Candidate {
	include := toSet(f.IncludeArchitectures)
	exclude := toSet(f.ExcludeArchitectures)
	var out []ecosystem.Candidate
	for _, c := range candidates {
		if len(include) > 0 && !include[c.Architecture] {
			continue
		}
		if exclude[c.Architecture] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// (c) size filter: min_bytes <= size <= max_bytes (max_bytes=0 is unbounded).
func filterSize(f config.Filters, candidates []ecosystem.Candidate) []ecosystem.Candidate {
	var out []ecosystem.Candidate
	for _, c := range candidates {
		if c.ExpectedSize < f.MinBytes {
			continue
		}
		if f.MaxBytes > 0 && c.ExpectedSize > f.MaxBytes {
			continue
		}
		out = append(out, c)
	}
	return out
}

// (d) build-time filter: after <= build_time <= before. A candidate
// without a known BuildTime is never excluded by this stage — "skip if
// absent" per spec.md §4.E.4d.
func filterBuildTime(f config.Filters, candidates []ecosystem.Candidate) ([]ecosystem.Candidate, error) {
	if f.After == "" && f.Before == "" {
		return candidates, nil
	}
	var after, before time.Time
	var err error
	if f.After != "" {
		if after, err = time.Parse(time.RFC3339, f.After); err != nil {
			return nil, chantal.NewError("syncer.filterBuildTime", chantal.KindConfig, "parsing after", err)
		}
	}
	if f.Before != "" {
		if before, err = time.Parse(time.RFC3339, f.Before); err != nil {
			return nil, chantal.NewError("syncer.filterBuildTime", chantal.KindConfig, "parsing before", err)
		}
	}
	var out []ecosystem.Candidate
	for _, c := range candidates {
		if c.BuildTime.IsZero() {
			out = append(out, c)
			continue
		}
		if !after.IsZero() && c.BuildTime.Before(after) {
			continue
		}
		if !before.IsZero() && c.BuildTime.After(before) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// (e) ecosystem filters: rules specific to one Kind, applied over whatever
// Metadata its Parser populated.
func filterEcosystem(kind chantal.Kind, f config.Filters, candidates []ecosystem.Candidate) []ecosystem.Candidate {
	switch kind {
	case chantal.KindRPM:
		return filterRPM(f, candidates)
	case chantal.KindAPT:
		return filterAPT(f, candidates)
	default:
		return candidates
	}
}

func filterRPM(f config.Filters, candidates []ecosystem.Candidate) []ecosystem.Candidate {
	groups := toSet(f.IncludeGroups)
	licenses := toSet(f.IncludeLicenses)
	var out []ecosystem.Candidate
	for _, c := range candidates {
		if f.ExcludeSourcePackages && c.Architecture == "src" {
			continue
		}
		if len(groups) > 0 && !groups[metaString(c, "group")] {
			continue
		}
		if len(licenses) > 0 && !licenses[metaString(c, "license")] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func filterAPT(f config.Filters, candidates []ecosystem.Candidate) []ecosystem.Candidate {
	components := toSet(f.IncludeComponents)
	priorities := toSet(f.IncludePriorities)
	var out []ecosystem.Candidate
	for _, c := range candidates {
		if len(components) > 0 && !components[metaString(c, "component")] {
			continue
		}
		if len(priorities) > 0 && !priorities[metaString(c, "priority")] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// (f) post-processing: group by (name, architecture), keep only the
// maximum version under kind's native ordering. Disallowed in ModeMirror
// by the caller.
func filterOnlyLatestVersion(kind chantal.Kind, candidates []ecosystem.Candidate) ([]ecosystem.Candidate, error) {
	type key struct{ name, arch string }
	groups := make(map[key][]ecosystem.Candidate)
	var order []key
	for _, c := range candidates {
		k := key{c.Name, c.Architecture}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}
	out := make([]ecosystem.Candidate, 0, len(order))
	for _, k := range order {
		group := groups[k]
		versions := make([]string, len(group))
		for i, c := range group {
			versions[i] = c.Version
		}
		best, err := version.Max(kind, versions)
		if err != nil {
			return nil, chantal.NewError("syncer.filterOnlyLatestVersion", chantal.KindConfig,
				fmt.Sprintf("comparing versions of %s/%s", k.name, k.arch), err)
		}
		out = append(out, group[best])
	}
	return out, nil
}

func toSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}
	return m
}

func metaString(c ecosystem.Candidate, key string) string {
	if c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}
