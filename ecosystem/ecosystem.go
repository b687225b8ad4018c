// Package ecosystem defines the dispatch interfaces the core orchestration
// packages (syncer, publisher) use to stay ecosystem-agnostic: a Parser
// (upstream metadata → normalized Candidates + preserved RepositoryFile
// blobs) and a Publisher (normalized records → ecosystem-native tree).
//
// The core never switches on "if rpm else if deb …" outside the registry
// lookups in this package — grounded on the teacher's indexer/libvuln
// driver "VersionedScanner + registry" pattern (one interface per concern,
// a package-level map keyed by a string tag, Register panicking on a
// duplicate key).
package ecosystem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/slauger/chantal"
)

// Candidate is one upstream-declared artifact a Parser has normalized out
// of ecosystem-specific metadata, before it has been downloaded or
// filtered.
type Candidate struct {
	Name         string
	Version      string
	Architecture string

	// PayloadURL is resolved against the repository's feed; absolute URLs
	// (Helm's index.yaml sometimes declares them) are used as-is.
	PayloadURL string

	// ExpectedSHA256 is the upstream-declared checksum, when the ecosystem
	// provides one directly in sha256 (RPM primary.xml, APT Packages). It
	// is empty when the upstream only offers a weaker algorithm (APK's
	// legacy SHA1) or none (Helm's digest field is itself sha256, so Helm
	// always populates this).
	ExpectedSHA256 chantal.Digest
	ExpectedSize   int64
	BuildTime      time.Time

	// LegacySHA1 is the decoded checksum from an ecosystem that only
	// declares a weaker digest (APK's "Q1"-prefixed base64 SHA1 in
	// APKINDEX). Zero-value (String() == "") unless the upstream record
	// decoded cleanly; the Syncer recomputes sha1 over the downloaded
	// payload and compares it against this value, warning (never failing)
	// on a mismatch.
	LegacySHA1 chantal.Digest

	// Metadata carries ecosystem-specific attributes verbatim into
	// ContentItem.Metadata: RPM epoch/release/license/group, APT
	// Depends/Section/Priority, Helm appVersion, and so on.
	Metadata map[string]any
}

// ParseResult is everything a Parser extracted from one repository's
// upstream metadata: the full candidate set (before any filter stage
// runs) and every metadata blob that must be preserved as a
// RepositoryFile for MIRROR-mode publication.
type ParseResult struct {
	Candidates []Candidate
	Files      []chantal.RepositoryFile
}

// Fetcher retrieves one upstream path relative to a repository's feed,
// storing it into the pool's RepositoryFile bucket as a side effect and
// returning both the resulting record and its decoded bytes so the Parser
// can read it further (decompressing, unmarshaling) without knowing how
// the blob got onto disk.
//
// Implementations wrap a download.Manager and a pool.Pool; Parsers are
// tested against a fake Fetcher that serves fixture bytes, keeping
// ecosystem/* tests free of real HTTP and filesystem I/O.
type Fetcher interface {
	FetchFile(ctx context.Context, relativePath, fileCategory, fileType string) (chantal.RepositoryFile, []byte, error)
}

// Parser turns one repository's upstream metadata into a normalized
// ParseResult. Implementations must preserve the original metadata bytes
// via Fetcher even when they also extract structured data from them —
// MIRROR-mode publication reconstitutes the upstream tree byte-for-byte
// from those preserved blobs, never from re-serialized structures.
type Parser interface {
	Kind() chantal.Kind
	Parse(ctx context.Context, repo chantal.Repository, fetch Fetcher) (ParseResult, error)
}

// PublishRequest is everything a Publisher needs to materialize one
// ecosystem-native tree. TargetDir is a sibling temp directory already
// created by the caller on the same filesystem as Pool's root, so every
// link the Publisher makes lands inside it; the caller performs the final
// atomic rename.
type PublishRequest struct {
	Mode      chantal.Mode
	TargetDir string
	Items     []chantal.ContentItem
	Files     []chantal.RepositoryFile
	Pool      Linker
}

// Linker is the subset of pool.Pool a Publisher needs: hard-linking
// content and metadata blobs into a target tree, and reading a preserved
// metadata blob back out when regenerating a derived index requires
// inspecting bytes the Pool already holds (FILTERED-mode updateinfo and
// Release regeneration read an upstream blob preserved under Files;
// APKINDEX and index.yaml regeneration work from Items and file records
// alone).
type Linker interface {
	LinkContent(sha256 chantal.Digest, dest string) error
	LinkFile(sha256 chantal.Digest, dest string) error
	OpenFile(sha256 chantal.Digest) (io.ReadCloser, error)
}

// Publisher materializes a PublishRequest's normalized records as an
// ecosystem-native, client-servable directory tree.
type Publisher interface {
	Kind() chantal.Kind
	// Publish writes req.TargetDir's contents. It never touches anything
	// outside TargetDir; the atomic swap into the final location is the
	// publisher package's job, not this interface's.
	Publish(ctx context.Context, req PublishRequest) error
}

// Ecosystem bundles the Parser/Publisher pair one Kind registers under.
type Ecosystem struct {
	Parser    Parser
	Publisher Publisher
}

var registry = struct {
	sync.Mutex
	m map[chantal.Kind]Ecosystem
}{m: make(map[chantal.Kind]Ecosystem)}

// Register registers an Ecosystem under kind. It panics if kind is
// already registered — a programming error, never a runtime condition.
func Register(kind chantal.Kind, e Ecosystem) {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.m[kind]; ok {
		panic(fmt.Sprintf("ecosystem: %s already registered", kind))
	}
	registry.m[kind] = e
}

// Lookup returns the Ecosystem registered for kind.
func Lookup(kind chantal.Kind) (Ecosystem, bool) {
	registry.Lock()
	defer registry.Unlock()
	e, ok := registry.m[kind]
	return e, ok
}

// Registered returns every registered Kind, for callers that enumerate
// supported ecosystems (e.g. config validation).
func Registered() []chantal.Kind {
	registry.Lock()
	defer registry.Unlock()
	out := make([]chantal.Kind, 0, len(registry.m))
	for k := range registry.m {
		out = append(out, k)
	}
	return out
}
