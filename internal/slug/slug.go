// Package slug validates the identifiers Chantal uses as path segments:
// repository IDs, snapshot names, and view names all end up as directory
// components somewhere under the pool or a published tree, so all three
// share one restrictive rule rather than each package inventing its own.
package slug

import (
	"fmt"
	"regexp"

	"github.com/slauger/chantal"
)

// pattern matches SPEC_FULL.md's "lowercase, [a-z0-9._-]" rule. A leading
// dot is excluded on purpose: ".." and dotfile-like segments have no
// business as path components under the pool.
var pattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// MaxLength bounds identifiers well under common filesystem path-component
// limits (255 bytes on ext4/xfs) while leaving room for sharding prefixes.
const MaxLength = 128

// Validate reports whether s is a legal Chantal slug, returning a
// chantal.Error of KindConfig describing the first violation.
func Validate(field, s string) error {
	if s == "" {
		return chantal.NewError("slug.Validate", chantal.KindConfig,
			fmt.Sprintf("%s: must not be empty", field), nil)
	}
	if len(s) > MaxLength {
		return chantal.NewError("slug.Validate", chantal.KindConfig,
			fmt.Sprintf("%s: %q exceeds %d bytes", field, s, MaxLength), nil)
	}
	if !pattern.MatchString(s) {
		return chantal.NewError("slug.Validate", chantal.KindConfig,
			fmt.Sprintf("%s: %q must match %s", field, s, pattern.String()), nil)
	}
	return nil
}

// Valid is Validate without the error detail, for callers that only need a
// yes/no answer (e.g. a filter deciding whether to even attempt a lookup).
func Valid(s string) bool {
	return len(s) > 0 && len(s) <= MaxLength && pattern.MatchString(s)
}
