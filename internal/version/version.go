// Package version adapts each ecosystem's native version-ordering library
// behind one Compare signature.
//
// The filter pipeline's only_latest_version stage and the snapshot diff's
// "updated" classification both need "is a newer than b" answers that are
// correct per-ecosystem — RPM's EVR rules aren't Debian's dpkg rules aren't
// SemVer aren't APK's "version-rN" revision suffix. Rather than reimplement
// any of those orderings, this package is a thin shim over the same
// libraries the teacher already uses for fixed-version comparison in its
// vulnerability matchers: github.com/knqyf263/go-rpm-version (rhel),
// github.com/knqyf263/go-deb-version (debian), github.com/knqyf263/go-apk-version
// (alpine), and github.com/Masterminds/semver (already a dependency via
// gobin and rhcc purl generation) for Helm.
package version

import (
	"fmt"

	"github.com/Masterminds/semver"
	apkversion "github.com/knqyf263/go-apk-version"
	debversion "github.com/knqyf263/go-deb-version"
	rpmversion "github.com/knqyf263/go-rpm-version"

	"github.com/slauger/chantal"
)

// Compare returns -1, 0, or 1 as a compares less than, equal to, or greater
// than b, using the version ordering native to kind.
func Compare(kind chantal.Kind, a, b string) (int, error) {
	switch kind {
	case chantal.KindRPM:
		return compareRPM(a, b)
	case chantal.KindAPT:
		return compareDeb(a, b)
	case chantal.KindAPK:
		return compareAPK(a, b)
	case chantal.KindHelm:
		return compareSemver(a, b)
	default:
		return 0, fmt.Errorf("version: no comparator registered for kind %q", kind)
	}
}

func compareRPM(a, b string) (int, error) {
	va, vb := rpmversion.NewVersion(a), rpmversion.NewVersion(b)
	switch va.Compare(vb) {
	case rpmversion.GREATER:
		return 1, nil
	case rpmversion.LESS:
		return -1, nil
	default:
		return 0, nil
	}
}

func compareDeb(a, b string) (int, error) {
	va, err := debversion.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("version: invalid debian version %q: %w", a, err)
	}
	vb, err := debversion.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("version: invalid debian version %q: %w", b, err)
	}
	switch {
	case va.LessThan(vb):
		return -1, nil
	case vb.LessThan(va):
		return 1, nil
	default:
		return 0, nil
	}
}

func compareAPK(a, b string) (int, error) {
	va, err := apkversion.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("version: invalid apk version %q: %w", a, err)
	}
	vb, err := apkversion.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("version: invalid apk version %q: %w", b, err)
	}
	switch {
	case va.LessThan(vb):
		return -1, nil
	case vb.LessThan(va):
		return 1, nil
	default:
		return 0, nil
	}
}

func compareSemver(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("version: invalid chart version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("version: invalid chart version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}

// Max returns the index into vs of its maximum element under kind's native
// ordering. If vs is empty it returns 0 and a nil error; callers always
// call it over a non-empty (name, architecture) group.
func Max(kind chantal.Kind, vs []string) (int, error) {
	best := 0
	for i := 1; i < len(vs); i++ {
		c, err := Compare(kind, vs[i], vs[best])
		if err != nil {
			return 0, err
		}
		if c > 0 {
			best = i
		}
	}
	return best, nil
}
