package chantal

// Kind identifies a package ecosystem. It is the discriminator used
// throughout the generic content model (Repository.Type, View.Type) and is
// the registry key ecosystem packages register themselves under — see
// ecosystem.Register.
type Kind string

// Ecosystems implemented by the core. New ecosystems register themselves
// under a new Kind without changing any code outside ecosystem/*; see the
// "interface polymorphism over ecosystems" design note.
const (
	KindRPM  Kind = "rpm"
	KindAPT  Kind = "deb"
	KindHelm Kind = "helm"
	KindAPK  Kind = "apk"
)

// Mode controls how a Syncer treats upstream payload/metadata and how a
// Publisher reconstitutes a tree.
type Mode string

const (
	// ModeMirror preserves all upstream metadata blobs verbatim and mirrors
	// every payload that survives filter stages (a)-(e). Post-processing
	// (only_latest_version) is disallowed: it would desynchronize mirrored
	// metadata from the payload set it describes.
	ModeMirror Mode = "mirror"
	// ModeFiltered applies the full filter pipeline and regenerates
	// metadata from the Store. Where upstream metadata was GPG-signed, the
	// regenerated output is emitted unsigned.
	ModeFiltered Mode = "filtered"
	// ModeHosted has no upstream: ContentItems are introduced out-of-band
	// and the Publisher always generates metadata from the Store.
	ModeHosted Mode = "hosted"
)

// String implements fmt.Stringer.
func (m Mode) String() string { return string(m) }

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeMirror, ModeFiltered, ModeHosted:
		return true
	default:
		return false
	}
}
