package chantal

import (
	"errors"
	"strings"
)

// Error is the chantal error domain type.
//
// Components should create an Error at the system boundary (HTTP response,
// filesystem call, database round-trip) and let it propagate; intermediate
// layers should wrap with [fmt.Errorf] and "%w" rather than construct a new
// Error, except to reclassify the Kind.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Op      string
	Message string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteByte(']')
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Inner != nil {
		b.WriteString(": ")
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is] against one of the ErrorKind sentinels.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && e.Kind == k
}

// Unwrap enables [errors.Unwrap] and [errors.As] into Inner.
func (e *Error) Unwrap() error { return e.Inner }

// ErrorKind classifies an [Error] per the taxonomy in the system design:
// propagation policy (item-level vs repository-level vs fatal) is driven
// entirely off this value.
type ErrorKind string

// Defined error kinds. See the component design for propagation policy:
// item-level kinds (ChecksumMismatch, StaleIndex) never abort a batch;
// repository-level kinds (Network, Auth, Config, LockTimeout) abort that
// repository's sync/publish cleanly; Cancelled aborts whatever's running.
const (
	// KindConfig marks invalid or missing configuration. Fatal at the
	// boundary between the core and its caller; never retried.
	KindConfig = ErrorKind("config")
	// KindNetwork marks transient I/O: 5xx, 429, connection resets,
	// timeouts. Retried by the download manager.
	KindNetwork = ErrorKind("network")
	// KindAuth marks 401/403 responses or a TLS client-certificate
	// handshake failure. Not retried.
	KindAuth = ErrorKind("auth")
	// KindChecksumMismatch marks a downloaded blob whose recomputed sha256
	// disagrees with the expected value. The temp file is removed; only
	// the offending item's sync fails.
	KindChecksumMismatch = ErrorKind("checksum_mismatch")
	// KindPoolCorruption marks an existing pool file whose rehash disagrees
	// with its filename. Never auto-healed.
	KindPoolCorruption = ErrorKind("pool_corruption")
	// KindStaleIndex marks an APK legacy-SHA1 mismatch between an
	// APKINDEX record and the downloaded blob. Warning, not a failure.
	KindStaleIndex = ErrorKind("stale_index")
	// KindPublishConflict marks two view/snapshot members resolving to the
	// same output filename where the ecosystem disallows duplicates.
	// Fatal for that publish.
	KindPublishConflict = ErrorKind("publish_conflict")
	// KindCrossDevice marks an attempted hard link across filesystem
	// boundaries. Fatal; requires reconfiguration.
	KindCrossDevice = ErrorKind("cross_device")
	// KindLockTimeout marks failure to acquire a per-repository or
	// per-publish-target advisory lock before the deadline.
	KindLockTimeout = ErrorKind("lock_timeout")
	// KindCancelled marks a caller-initiated abort.
	KindCancelled = ErrorKind("cancelled")
	// KindInternal is the fallback for anything that doesn't fit a more
	// specific kind above.
	KindInternal = ErrorKind("internal")
)

// Error implements error so an ErrorKind value is usable directly as an
// [errors.Is] sentinel (errors.Is(err, chantal.KindNetwork)).
func (k ErrorKind) Error() string { return string(k) }

// NewError constructs an *Error, wrapping inner (which may be nil).
func NewError(op string, kind ErrorKind, msg string, inner error) *Error {
	return &Error{Op: op, Kind: kind, Message: msg, Inner: inner}
}

// KindOf reports the ErrorKind carried by err, walking the chain with
// [errors.As]. It returns the empty ErrorKind if err is nil, and
// KindInternal if err carries no *Error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsItemLevel reports whether err should only fail the single item it
// describes, never abort the whole repository sync.
func IsItemLevel(err error) bool {
	switch KindOf(err) {
	case KindChecksumMismatch, KindStaleIndex:
		return true
	default:
		return false
	}
}
