package chantal

import "github.com/package-url/packageurl-go"

// Purl derives the package URL for c, per its ContentType. rpm, deb, and
// apk map onto their registered purl types directly; Helm charts have no
// registered purl type, so "generic" is used with a checksum qualifier, the
// same fallback the purl spec recommends for untyped artifacts.
func (c *ContentItem) Purl() packageurl.PackageURL {
	qualifiers := packageurl.QualifiersFromMap(map[string]string{
		"arch": c.Architecture,
	})
	switch c.ContentType {
	case KindRPM:
		return packageurl.PackageURL{
			Type:       "rpm",
			Name:       c.Name,
			Version:    c.Version,
			Qualifiers: qualifiers,
		}
	case KindAPT:
		return packageurl.PackageURL{
			Type:       "deb",
			Name:       c.Name,
			Version:    c.Version,
			Qualifiers: qualifiers,
		}
	case KindAPK:
		return packageurl.PackageURL{
			Type:       "apk",
			Name:       c.Name,
			Version:    c.Version,
			Qualifiers: qualifiers,
		}
	case KindHelm:
		return packageurl.PackageURL{
			Type:    "generic",
			Name:    c.Name,
			Version: c.Version,
			Qualifiers: packageurl.QualifiersFromMap(map[string]string{
				"checksum": "sha256:" + c.SHA256.Hex(),
			}),
		}
	default:
		return packageurl.PackageURL{
			Type:    "generic",
			Name:    c.Name,
			Version: c.Version,
		}
	}
}
