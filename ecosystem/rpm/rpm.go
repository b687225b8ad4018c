// Package rpm implements the ecosystem.Parser/ecosystem.Publisher pair for
// DNF/YUM repositories: repomd.xml, primary.xml.gz, and the other
// repodata/ entries, plus the optional .treeinfo installer-asset set.
//
// Grounded on the teacher's rhel/ updater (repomd.xml-driven metadata
// discovery) generalized from "find the CVE feed" to "preserve and
// republish every repodata entry", and on go-rpm-version for EVR
// ordering — the same library rhel/matcher.go uses for fixed-version
// comparison.
package rpm

import (
	"bytes"
	"compress/bzip2"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

func init() {
	p := &parser{}
	ecosystem.Register(chantal.KindRPM, ecosystem.Ecosystem{Parser: p, Publisher: &publisher{}})
}

type parser struct{}

func (parser) Kind() chantal.Kind { return chantal.KindRPM }

// repoMD mirrors repodata/repomd.xml's schema: a flat list of <data>
// entries, each describing one metadata file by role (type).
type repoMD struct {
	XMLName xml.Name       `xml:"repomd"`
	Data    []repoMDDatum  `xml:"data"`
}

type repoMDDatum struct {
	Type     string `xml:"type,attr"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Checksum struct {
		Type  string `xml:"type,attr,omitempty"`
		Value string `xml:",chardata"`
	} `xml:"checksum"`
	OpenChecksum struct {
		Type  string `xml:"type,attr,omitempty"`
		Value string `xml:",chardata"`
	} `xml:"open-checksum"`
}

// primaryMetadata mirrors repodata/primary.xml.gz's <metadata> root.
type primaryMetadata struct {
	XMLName      xml.Name     `xml:"metadata"`
	PackageCount int          `xml:"packages,attr,omitempty"`
	Packages     []primaryPkg `xml:"package"`
}

type primaryPkg struct {
	Name    string `xml:"name"`
	Arch    string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Checksum struct {
		Type  string `xml:"type,attr"`
		Pkgid string `xml:"pkgid,attr"`
		Value string `xml:",chardata"`
	} `xml:"checksum"`
	Size struct {
		Package int64 `xml:"package,attr"`
	} `xml:"size"`
	Time struct {
		Build int64 `xml:"build,attr"`
	} `xml:"time"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Format struct {
		License string `xml:"license"`
		Group   string `xml:"group"`
	} `xml:"format"`
}

// evr formats an RPM epoch:version-release string the way go-rpm-version
// expects it, omitting a zero/absent epoch.
func evr(epoch, ver, rel string) string {
	v := ver
	if rel != "" {
		v += "-" + rel
	}
	if epoch != "" && epoch != "0" {
		v = epoch + ":" + v
	}
	return v
}

// decompress returns a reader over b's decompressed content, dispatching
// on name's extension. Uncompressed content (no recognized suffix) is
// returned as-is.
func decompress(name string, b []byte) (io.Reader, error) {
	switch {
	case hasSuffix(name, ".gz"):
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("rpm: gzip: %w", err)
		}
		return r, nil
	case hasSuffix(name, ".xz"):
		r, err := xz.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("rpm: xz: %w", err)
		}
		return r, nil
	case hasSuffix(name, ".bz2"):
		return bzip2.NewReader(bytes.NewReader(b)), nil
	default:
		return bytes.NewReader(b), nil
	}
}

func hasSuffix(s, suf string) bool {
	return len(s) >= len(suf) && s[len(s)-len(suf):] == suf
}

// decompressReader reads rc fully and decompresses it per name's
// extension, the way decompress does for already-in-memory bytes — used
// when the source is a pool-backed io.ReadCloser (a preserved
// RepositoryFile opened via ecosystem.Linker.OpenFile) rather than a
// Fetcher result.
func decompressReader(name string, rc io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("rpm: read %s: %w", name, err)
	}
	dr, err := decompress(name, raw)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(dr)
}

// updateInfoDoc mirrors repodata/updateinfo.xml's <updates> root: a flat
// list of advisories, each carrying the package collections it applies
// to. Modeled structurally (rather than preserved-and-patched raw XML)
// so FILTERED-mode publication can drop unmatched packages, and whole
// advisories left with none, without reassembling XML by hand.
type updateInfoDoc struct {
	XMLName xml.Name   `xml:"updates"`
	Updates []advisory `xml:"update"`
}

type advisory struct {
	Type        string       `xml:"type,attr"`
	Status      string       `xml:"status,attr,omitempty"`
	Version     string       `xml:"version,attr,omitempty"`
	From        string       `xml:"from,attr,omitempty"`
	ID          string       `xml:"id"`
	Title       string       `xml:"title"`
	Issued      dateStamp    `xml:"issued"`
	Updated     *dateStamp   `xml:"updated,omitempty"`
	Severity    string       `xml:"severity,omitempty"`
	Description string       `xml:"description,omitempty"`
	References  []reference  `xml:"references>reference,omitempty"`
	PkgList     []collection `xml:"pkglist>collection"`
}

type dateStamp struct {
	Date string `xml:"date,attr"`
}

type reference struct {
	Href  string `xml:"href,attr"`
	ID    string `xml:"id,attr,omitempty"`
	Type  string `xml:"type,attr,omitempty"`
	Title string `xml:"title,attr,omitempty"`
}

type collection struct {
	Short    string        `xml:"short,attr,omitempty"`
	Name     string        `xml:"name,omitempty"`
	Packages []advisoryPkg `xml:"package"`
}

type advisoryPkg struct {
	Name     string    `xml:"name,attr"`
	Version  string    `xml:"version,attr"`
	Release  string    `xml:"release,attr"`
	Epoch    string    `xml:"epoch,attr,omitempty"`
	Arch     string    `xml:"arch,attr"`
	Src      string    `xml:"src,attr,omitempty"`
	Filename string    `xml:"filename"`
	Sum      *checksum `xml:"sum,omitempty"`
}

type checksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// Parse implements ecosystem.Parser.
func (parser) Parse(ctx context.Context, repo chantal.Repository, fetch ecosystem.Fetcher) (ecosystem.ParseResult, error) {
	var result ecosystem.ParseResult

	repomdFile, repomdBytes, err := fetch.FetchFile(ctx, "repodata/repomd.xml", "metadata", "repomd")
	if err != nil {
		return result, fmt.Errorf("rpm: fetch repomd.xml: %w", err)
	}
	result.Files = append(result.Files, repomdFile)
	var md repoMD
	if err := xml.Unmarshal(repomdBytes, &md); err != nil {
		return result, fmt.Errorf("rpm: parse repomd.xml: %w", err)
	}

	var primaryBytes []byte
	for _, d := range md.Data {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rf, raw, err := fetch.FetchFile(ctx, d.Location.Href, "metadata", d.Type)
		if err != nil {
			return result, fmt.Errorf("rpm: fetch %s (%s): %w", d.Location.Href, d.Type, err)
		}
		result.Files = append(result.Files, rf)
		if d.Type == "primary" {
			primaryBytes = raw
		}
	}
	if primaryBytes == nil {
		return result, chantal.NewError("rpm.Parse", chantal.KindConfig, "repomd.xml has no primary entry", nil)
	}

	primaryLoc := ""
	for _, d := range md.Data {
		if d.Type == "primary" {
			primaryLoc = d.Location.Href
		}
	}
	dr, err := decompress(primaryLoc, primaryBytes)
	if err != nil {
		return result, err
	}
	var meta primaryMetadata
	if err := xml.NewDecoder(dr).Decode(&meta); err != nil {
		return result, fmt.Errorf("rpm: parse primary.xml: %w", err)
	}

	for _, p := range meta.Packages {
		var want chantal.Digest
		if p.Checksum.Type == "sha256" {
			if d, err := chantal.ParseSHA256(p.Checksum.Value); err == nil {
				want = d
			}
		}
		c := ecosystem.Candidate{
			Name:           p.Name,
			Version:        evr(p.Version.Epoch, p.Version.Ver, p.Version.Rel),
			Architecture:   p.Arch,
			PayloadURL:     p.Location.Href,
			ExpectedSHA256: want,
			ExpectedSize:   p.Size.Package,
			Metadata: map[string]any{
				"epoch":             p.Version.Epoch,
				"ver":               p.Version.Ver,
				"release":           p.Version.Rel,
				"license":           p.Format.License,
				"group":             p.Format.Group,
				"declared_checksum": p.Checksum.Type + ":" + p.Checksum.Value,
			},
		}
		if p.Time.Build > 0 {
			c.Metadata["build_time_epoch"] = p.Time.Build
			c.BuildTime = time.Unix(p.Time.Build, 0).UTC()
		}
		result.Candidates = append(result.Candidates, c)
	}

	if rf, raw, err := fetch.FetchFile(ctx, ".treeinfo", "metadata", "treeinfo"); err == nil {
		result.Files = append(result.Files, rf)
		for _, asset := range treeinfoAssets(raw) {
			if arf, _, err := fetch.FetchFile(ctx, asset, "kickstart", path.Base(asset)); err == nil {
				result.Files = append(result.Files, arf)
			}
		}
	}

	return result, nil
}

// treeinfoAssets scans a .treeinfo body (an INI-like format) for the
// well-known installer asset paths. A minimal scan is sufficient: Chantal
// only needs to know which paths to fetch and preserve, not the full
// .treeinfo schema.
func treeinfoAssets(raw []byte) []string {
	names := []string{"vmlinuz", "initrd.img", "boot.iso", "install.img", "efiboot.img"}
	var found []string
	for _, line := range bytes.Split(raw, []byte("\n")) {
		kv := bytes.SplitN(line, []byte("="), 2)
		if len(kv) != 2 {
			continue
		}
		val := string(bytes.TrimSpace(kv[1]))
		for _, n := range names {
			if path.Base(val) == n || hasSuffix(val, "/"+n) {
				found = append(found, val)
			}
		}
	}
	return found
}
