package chantal

import "time"

// Repository is a logical upstream feed: one DNF/APT/Helm/APK source
// configured by the caller.
//
// A Repository is materialized in the Store on its first successful sync
// after appearing in configuration. It is never deleted automatically when
// removed from configuration; the Reconciler's orphan pass is what
// eventually reclaims its blobs, once nothing references them any more.
type Repository struct {
	ID   string
	Name string
	Type Kind
	Feed string

	Enabled bool
	Mode    Mode

	LastSyncAt time.Time

	// Attrs carries ecosystem-specific repository configuration: apt's
	// distribution/components/architectures, apk's branch/repository/arch,
	// and so on. Ecosystem packages own the keys they read from here.
	Attrs map[string]string
}

// ContentItem is one logical artifact — one RPM, one DEB, one chart
// tarball, one APK — identified by its sha256 across the whole system.
//
// Two upstreams that serve bit-identical blobs share one ContentItem row
// and one pool file; filename, version, and name are attributes, not
// identity.
type ContentItem struct {
	SHA256      Digest
	Filename    string
	SizeBytes   int64
	ContentType Kind
	Name        string
	Version     string
	Architecture string

	// Metadata carries ecosystem-specific structured data: dependencies,
	// RPM epoch/release, the chart's appVersion, and so on.
	Metadata map[string]any
}

// RepositoryFile is a metadata blob belonging to a Repository: repomd.xml,
// primary.xml.gz, APKINDEX.tar.gz, index.yaml, InRelease, kickstart
// assets, and so forth.
//
// RepositoryFiles live in a distinct pool bucket from ContentItems because
// their lifetime and identity rules differ: metadata churns far faster
// than payloads, and old versions are never deleted automatically — only
// the current pointer on the owning Repository moves.
type RepositoryFile struct {
	SHA256       Digest
	FileCategory string // "metadata" | "kickstart"
	FileType     string // ecosystem-specific role: "repomd", "primary", "APKINDEX", ...
	OriginalPath string // upstream-relative path, used to reconstitute MIRROR trees byte-for-byte
	Compression  string
	SizeBytes    int64
}
