// Package config holds the validated Go structs the core operates on.
// Turning a YAML/TOML/whatever file on disk into these structs is an
// explicit external collaborator's job (spec.md's "YAML config loader"
// Non-goal); this package only validates what it's handed.
package config

import (
	"fmt"
	"regexp"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/download"
	"github.com/slauger/chantal/internal/slug"
)

// Proxy is the validated form of download.ProxyConfig, kept as a separate
// type so config doesn't force every caller to import download just to
// build a Global.
type Proxy struct {
	Enabled bool
	HTTP    string
	HTTPS   string
	NoProxy string
}

func (p Proxy) toDownload(explicit bool) download.ProxyConfig {
	return download.ProxyConfig{Enabled: p.Enabled, HTTP: p.HTTP, HTTPS: p.HTTPS, NoProxy: p.NoProxy, Explicit: explicit}
}

// Global carries the settings that apply across every repository unless a
// Repository overrides them: the pool root directory, the default proxy,
// and the default download concurrency.
type Global struct {
	PoolDir  string
	Proxy    Proxy
	HasProxy bool // true if Proxy was configured at all, for the repository→global→env precedence chain

	// DownloadWorkers bounds how many payloads the Syncer downloads
	// concurrently for a repository, when a Repository doesn't set its
	// own. Zero means DefaultDownloadWorkers.
	DownloadWorkers int
}

// DefaultDownloadWorkers is the download concurrency used when neither a
// Repository nor Global names one.
const DefaultDownloadWorkers = 4

// Validate checks Global for internal consistency.
func (g Global) Validate() error {
	if g.PoolDir == "" {
		return chantal.NewError("config.Global.Validate", chantal.KindConfig, "pool_dir must be set", nil)
	}
	return nil
}

// DownloadProxy returns the download.ProxyConfig form of g's proxy setting.
func (g Global) DownloadProxy() download.ProxyConfig {
	return g.Proxy.toDownload(g.HasProxy)
}

// Auth is the validated form of download.Auth.
type Auth struct {
	Mode download.AuthMode

	User, Pass    string
	Token         string
	HeaderName    string
	HeaderValue   string
	ClientCertPEM string
	ClientKeyPEM  string
}

func (a Auth) toDownload() download.Auth {
	return download.Auth{
		Mode: a.Mode, User: a.User, Pass: a.Pass, Token: a.Token,
		HeaderName: a.HeaderName, HeaderValue: a.HeaderValue,
		ClientCertPEM: a.ClientCertPEM, ClientKeyPEM: a.ClientKeyPEM,
	}
}

func (a Auth) validate() error {
	switch a.Mode {
	case "", download.AuthNone:
		return nil
	case download.AuthBasic:
		if a.User == "" {
			return fmt.Errorf("auth mode basic requires user")
		}
	case download.AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("auth mode bearer requires token")
		}
	case download.AuthHeader:
		if a.HeaderName == "" {
			return fmt.Errorf("auth mode header requires header_name")
		}
	case download.AuthMTLS:
		if a.ClientCertPEM == "" || a.ClientKeyPEM == "" {
			return fmt.Errorf("auth mode mtls requires client_cert and client_key paths")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", a.Mode)
	}
	return nil
}

// TLS is the validated form of download.TLSConfig.
type TLS struct {
	CABundlePath       string
	InsecureSkipVerify bool
}

func (t TLS) toDownload() download.TLSConfig {
	return download.TLSConfig{CABundlePath: t.CABundlePath, InsecureSkipVerify: t.InsecureSkipVerify}
}

// Filters is the per-repository filter configuration applied by the
// Syncer, one field per spec.md §4.E filter stage (a)-(f).
type Filters struct {
	// (a) pattern filter, operating on ContentItem.Name.
	IncludePatterns []string
	ExcludePatterns []string

	// (b) architecture filter.
	IncludeArchitectures []string
	ExcludeArchitectures []string

	// (c) size filter, bytes. Zero MaxBytes means unbounded.
	MinBytes int64
	MaxBytes int64

	// (d) build-time filter. Held as RFC3339 strings; the syncer parses them
	// when the filter runs and reports a parse failure as a KindConfig error.
	After  string // RFC3339, empty = unbounded
	Before string // RFC3339, empty = unbounded

	// (e) ecosystem filters.
	ExcludeSourcePackages bool     // RPM: exclude .src.rpm
	IncludeGroups         []string // RPM: group/category allow-list, empty = all
	IncludeLicenses       []string // RPM: license allow-list, empty = all
	IncludeComponents     []string // APT: component allow-list, empty = all
	IncludePriorities     []string // APT: priority allow-list, empty = all

	// (f) post-processing. Disallowed in ModeMirror (see spec.md §4.E).
	OnlyLatestVersion bool
}

// CompiledPatterns pre-compiles IncludePatterns/ExcludePatterns once, so the
// Syncer doesn't recompile a repository's filter regexes per candidate.
func (f Filters) CompiledPatterns() (include, exclude []*regexp.Regexp, err error) {
	compile := func(list []string) ([]*regexp.Regexp, error) {
		out := make([]*regexp.Regexp, 0, len(list))
		for _, p := range list {
			re, cerr := regexp.Compile(p)
			if cerr != nil {
				return nil, fmt.Errorf("%q: %w", p, cerr)
			}
			out = append(out, re)
		}
		return out, nil
	}
	if include, err = compile(f.IncludePatterns); err != nil {
		return nil, nil, fmt.Errorf("include_patterns: %w", err)
	}
	if exclude, err = compile(f.ExcludePatterns); err != nil {
		return nil, nil, fmt.Errorf("exclude_patterns: %w", err)
	}
	return include, exclude, nil
}

func (f Filters) validate(mode chantal.Mode) error {
	if _, _, err := f.CompiledPatterns(); err != nil {
		return err
	}
	if f.MaxBytes > 0 && f.MinBytes > f.MaxBytes {
		return fmt.Errorf("min_bytes (%d) exceeds max_bytes (%d)", f.MinBytes, f.MaxBytes)
	}
	if f.OnlyLatestVersion && mode == chantal.ModeMirror {
		return fmt.Errorf("only_latest_version is disallowed in mirror mode")
	}
	return nil
}

// Repository is the validated form of one upstream feed's configuration.
type Repository struct {
	ID   string
	Name string
	Type chantal.Kind
	Feed string

	Enabled bool
	Mode    chantal.Mode

	// Attrs carries ecosystem-specific keys (apt's suite/components/
	// architectures, apk's branch/repository/arch) verbatim through to the
	// matching ecosystem.Parser.
	Attrs map[string]string

	Auth  Auth
	TLS   TLS
	Proxy Proxy

	HasProxy bool // distinguishes "no proxy" from "inherit global"

	Filters Filters

	RequestsPerSec float64
	MaxAttempts    int

	// DownloadWorkers bounds this repository's download fan-out. Zero
	// falls back to Global.DownloadWorkers, then DefaultDownloadWorkers.
	DownloadWorkers int
}

// ResolvedDownloadWorkers applies the repository→global→default
// precedence chain DownloadConfig uses for other per-repository settings.
func (r Repository) ResolvedDownloadWorkers(global Global) int {
	switch {
	case r.DownloadWorkers > 0:
		return r.DownloadWorkers
	case global.DownloadWorkers > 0:
		return global.DownloadWorkers
	default:
		return DefaultDownloadWorkers
	}
}

// Validate checks a Repository for internal consistency: slug rules on ID,
// a recognized Type/Mode, a non-empty Feed (HOSTED repositories still name
// a feed for provenance even though nothing is fetched from it), and a
// filter configuration consistent with Mode.
func (r Repository) Validate() error {
	if err := slug.Validate("repository.id", r.ID); err != nil {
		return err
	}
	if r.Name == "" {
		return chantal.NewError("config.Repository.Validate", chantal.KindConfig, "name must be set", nil)
	}
	switch r.Type {
	case chantal.KindRPM, chantal.KindAPT, chantal.KindHelm, chantal.KindAPK:
	default:
		return chantal.NewError("config.Repository.Validate", chantal.KindConfig,
			fmt.Sprintf("unknown repository type %q", r.Type), nil)
	}
	if !r.Mode.Valid() {
		return chantal.NewError("config.Repository.Validate", chantal.KindConfig,
			fmt.Sprintf("unknown repository mode %q", r.Mode), nil)
	}
	if r.Feed == "" {
		return chantal.NewError("config.Repository.Validate", chantal.KindConfig, "feed must be set", nil)
	}
	if err := r.Auth.validate(); err != nil {
		return chantal.NewError("config.Repository.Validate", chantal.KindConfig, err.Error(), nil)
	}
	if err := r.Filters.validate(r.Mode); err != nil {
		return chantal.NewError("config.Repository.Validate", chantal.KindConfig, err.Error(), nil)
	}
	return nil
}

// ToChantal projects r onto the generic chantal.Repository shape an
// ecosystem.Parser consumes. LastSyncAt is the caller's (Store's)
// responsibility to fill in; config never tracks runtime state.
func (r Repository) ToChantal() chantal.Repository {
	return chantal.Repository{
		ID:      r.ID,
		Name:    r.Name,
		Type:    r.Type,
		Feed:    r.Feed,
		Enabled: r.Enabled,
		Mode:    r.Mode,
		Attrs:   r.Attrs,
	}
}

// DownloadConfig builds a download.Config for r layered over global.
func (r Repository) DownloadConfig(global Global) download.Config {
	proxy := r.Proxy.toDownload(r.HasProxy)
	return download.Config{
		Auth:           r.Auth.toDownload(),
		TLS:            r.TLS.toDownload(),
		Proxy:          proxy,
		GlobalProxy:    global.DownloadProxy(),
		MaxAttempts:    r.MaxAttempts,
		RequestsPerSec: r.RequestsPerSec,
	}
}

// View is the validated form of one cross-repository view definition (see
// spec.md §4.H). All OrderedMembers must share one repository Type; that
// invariant is checked against the Store at resolution time, not here,
// since config alone doesn't know each member's Type.
type View struct {
	Name           string
	Description    string
	Type           chantal.Kind
	OrderedMembers []string // repository IDs, publish-order significant
}

// Validate checks View for internal consistency.
func (v View) Validate() error {
	if err := slug.Validate("view.name", v.Name); err != nil {
		return err
	}
	if len(v.OrderedMembers) == 0 {
		return chantal.NewError("config.View.Validate", chantal.KindConfig, "view must name at least one member repository", nil)
	}
	seen := make(map[string]bool, len(v.OrderedMembers))
	for _, m := range v.OrderedMembers {
		if err := slug.Validate("view.ordered_members[]", m); err != nil {
			return err
		}
		if seen[m] {
			return chantal.NewError("config.View.Validate", chantal.KindConfig,
				fmt.Sprintf("member %q listed more than once", m), nil)
		}
		seen[m] = true
	}
	return nil
}

// ToChantal projects v onto the generic chantal.View shape store.PutView
// consumes.
func (v View) ToChantal() chantal.View {
	return chantal.View{Name: v.Name, Description: v.Description, Type: v.Type, Members: v.OrderedMembers}
}
