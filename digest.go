// Package chantal implements the content-addressed storage and composition
// engine for mirroring heterogeneous package repositories offline.
//
// The package defines the generic content model shared by every ecosystem:
// [Repository], [ContentItem], [RepositoryFile], [Snapshot], [View], and
// [ViewSnapshot]. Ecosystem-specific parsing and publishing live in the
// sibling ecosystem/* packages; storage lives in pool and store;
// orchestration lives in syncer, publisher, snapshot, view, and reconciler.
package chantal

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"hash"
)

// Recognized digest algorithms.
//
// sha256 is the only algorithm used for content identity; md5 and sha1 are
// retained only to verify upstream-declared checksums that predate sha256
// (RPM primary.xml "pkgid", Debian Release files, legacy APK indexes).
const (
	SHA256 = "sha256"
	SHA1   = "sha1"
	MD5    = "md5"
)

// Digest is an algorithm-tagged checksum, stored and compared as
// "algo:hex".
//
// Pool paths and ContentItem/RepositoryFile identity always use a sha256
// Digest; other algorithms only ever appear inside metadata_json as
// additional, informational checksums.
type Digest struct {
	algo     string
	checksum []byte
	repr     string
}

// Checksum returns the raw checksum bytes.
func (d Digest) Checksum() []byte { return d.checksum }

// Algorithm returns the digest's algorithm name.
func (d Digest) Algorithm() string { return d.algo }

// Hex returns the lowercase hex-encoded checksum, without the algorithm
// prefix. For a sha256 Digest this is the 64-hex string used as pool and
// ContentItem identity.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.checksum)
}

// Hash returns a fresh instance of the hashing algorithm backing this
// Digest.
func (d Digest) Hash() hash.Hash {
	switch d.algo {
	case SHA256:
		return sha256.New()
	case SHA1:
		return sha1.New()
	case MD5:
		return md5.New()
	default:
		panic("chantal: Hash called on a zero Digest")
	}
}

// String implements [fmt.Stringer].
func (d Digest) String() string { return d.repr }

// MarshalText implements [encoding.TextMarshaler].
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.repr), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return &DigestError{msg: fmt.Sprintf("invalid digest format: %q", t)}
	}
	algo := string(t[:i])
	b := make([]byte, hex.DecodedLen(len(t[i+1:])))
	if _, err := hex.Decode(b, t[i+1:]); err != nil {
		return &DigestError{msg: "unable to decode digest as hex", inner: err}
	}
	d.algo = algo
	return d.setChecksum(b)
}

func (d *Digest) setChecksum(b []byte) error {
	var sz int
	switch d.algo {
	case SHA256:
		sz = sha256.Size
	case SHA1:
		sz = sha1.Size
	case MD5:
		sz = md5.Size
	default:
		return &DigestError{msg: fmt.Sprintf("unknown digest algorithm %q", d.algo)}
	}
	if l := len(b); l != sz {
		return &DigestError{msg: fmt.Sprintf("bad checksum length for %s: %d", d.algo, l)}
	}
	el := hex.EncodedLen(sz)
	hl := len(d.algo) + 1
	sb := make([]byte, hl+el)
	copy(sb, d.algo)
	sb[len(d.algo)] = ':'
	hex.Encode(sb[hl:], b)

	d.checksum = b
	d.repr = string(sb)
	return nil
}

// Scan implements [database/sql.Scanner].
func (d *Digest) Scan(i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	default:
		return &DigestError{msg: fmt.Sprintf("invalid digest source type: %T", v)}
	}
}

// Value implements [database/sql/driver.Valuer].
func (d Digest) Value() (driver.Value, error) {
	return d.repr, nil
}

// NewDigest constructs a Digest from raw checksum bytes.
func NewDigest(algo string, sum []byte) (Digest, error) {
	d := Digest{algo: algo}
	return d, d.setChecksum(sum)
}

// NewSHA256 constructs a sha256 Digest from raw checksum bytes. It panics if
// sum is not 32 bytes long; callers computing a checksum with
// [crypto/sha256] should use this form since the length is known statically.
func NewSHA256(sum []byte) Digest {
	d, err := NewDigest(SHA256, sum)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDigest parses a "algo:hex" string into a Digest, validating its
// shape.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	return d, d.UnmarshalText([]byte(s))
}

// ParseSHA256 parses a bare 64-character hex string (no "sha256:" prefix)
// as used for pool paths and ContentItem/RepositoryFile identity.
func ParseSHA256(hexsum string) (Digest, error) {
	b, err := hex.DecodeString(hexsum)
	if err != nil {
		return Digest{}, &DigestError{msg: "sha256 is not valid hex", inner: err}
	}
	return NewDigest(SHA256, b)
}

// MustParseSHA256 works like [ParseSHA256] but panics on error. Intended for
// tests and package-level constant-ish values.
func MustParseSHA256(hexsum string) Digest {
	d, err := ParseSHA256(hexsum)
	if err != nil {
		panic(err)
	}
	return d
}

// DigestError is the concrete error type returned from Digest's parsing
// methods.
type DigestError struct {
	msg   string
	inner error
}

// Error implements error.
func (e *DigestError) Error() string { return e.msg }

// Unwrap enables [errors.Unwrap].
func (e *DigestError) Unwrap() error { return e.inner }
