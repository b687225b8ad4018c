package rpm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

// fakeLinker is an in-memory ecosystem.Linker: blobs keyed by sha256 hex,
// LinkContent/LinkFile write them to dest, OpenFile reads them back.
type fakeLinker struct {
	blobs map[string][]byte
}

func (f fakeLinker) put(dest string, hex string) error {
	b, ok := f.blobs[hex]
	if !ok {
		return chantal.NewError("fakeLinker", chantal.KindConfig, "no blob for "+hex, nil)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	return os.WriteFile(dest, b, 0o640)
}

func (f fakeLinker) LinkContent(d chantal.Digest, dest string) error { return f.put(dest, d.Hex()) }
func (f fakeLinker) LinkFile(d chantal.Digest, dest string) error    { return f.put(dest, d.Hex()) }

func (f fakeLinker) OpenFile(d chantal.Digest) (io.ReadCloser, error) {
	b, ok := f.blobs[d.Hex()]
	if !ok {
		return nil, chantal.NewError("fakeLinker", chantal.KindConfig, "no blob for "+d.Hex(), nil)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

const sampleUpdateinfo = `<?xml version="1.0" encoding="UTF-8"?>
<updates>
  <update type="security" status="final" version="1">
    <id>RHSA-A</id>
    <title>nginx security update</title>
    <issued date="2025-01-01"/>
    <severity>Important</severity>
    <pkglist>
      <collection short="el9">
        <package name="nginx" version="1.20.1" release="1.el9" arch="x86_64">
          <filename>nginx-1.20.1-1.el9.x86_64.rpm</filename>
        </package>
      </collection>
    </pkglist>
  </update>
  <update type="security" status="final" version="1">
    <id>RHSA-B</id>
    <title>kernel security update</title>
    <issued date="2025-01-02"/>
    <severity>Critical</severity>
    <pkglist>
      <collection short="el9">
        <package name="kernel" version="5.14.0" release="1.el9" arch="x86_64">
          <filename>kernel-5.14.0-1.el9.x86_64.rpm</filename>
        </package>
      </collection>
    </pkglist>
  </update>
</updates>`

func digestOf(t *testing.T, b []byte) chantal.Digest {
	t.Helper()
	sum := sha256.Sum256(b)
	return chantal.NewSHA256(sum[:])
}

// TestPublishFilteredRegeneratesUpdateinfo is the FILTERED updateinfo seed
// scenario: upstream updateinfo.xml.gz carries RHSA-A (nginx) and RHSA-B
// (kernel); the repository's filter admits only nginx, so req.Items (what
// the Syncer already filtered) contains only nginx. Publish must
// regenerate updateinfo.xml.gz containing RHSA-A alone.
func TestPublishFilteredRegeneratesUpdateinfo(t *testing.T) {
	updateinfoGz := gzipBytes(t, sampleUpdateinfo)
	updateinfoDigest := digestOf(t, updateinfoGz)

	nginxBlob := []byte("fake nginx rpm payload")
	nginxDigest := digestOf(t, nginxBlob)

	linker := fakeLinker{blobs: map[string][]byte{
		updateinfoDigest.Hex(): updateinfoGz,
		nginxDigest.Hex():      nginxBlob,
	}}

	items := []chantal.ContentItem{
		{
			SHA256:       nginxDigest,
			Filename:     "nginx-1.20.1-1.el9.x86_64.rpm",
			SizeBytes:    int64(len(nginxBlob)),
			ContentType:  chantal.KindRPM,
			Name:         "nginx",
			Version:      "1.20.1-1.el9",
			Architecture: "x86_64",
			Metadata: map[string]any{
				"epoch":   "0",
				"ver":     "1.20.1",
				"release": "1.el9",
				"license": "BSD",
				"group":   "Applications/Internet",
			},
		},
	}
	files := []chantal.RepositoryFile{
		{SHA256: updateinfoDigest, FileCategory: "metadata", FileType: "updateinfo", OriginalPath: "repodata/updateinfo.xml.gz"},
	}

	dir := t.TempDir()
	req := ecosystem.PublishRequest{
		Mode:      chantal.ModeFiltered,
		TargetDir: dir,
		Items:     items,
		Files:     files,
		Pool:      linker,
	}

	if err := (publisher{}).Publish(context.Background(), req); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "Packages", "nginx-1.20.1-1.el9.x86_64.rpm")); err != nil {
		t.Fatalf("nginx payload not linked: %v", err)
	}

	repomdBytes, err := os.ReadFile(filepath.Join(dir, "repodata", "repomd.xml"))
	if err != nil {
		t.Fatalf("reading repomd.xml: %v", err)
	}
	var md repoMD
	if err := xml.Unmarshal(repomdBytes, &md); err != nil {
		t.Fatalf("parsing repomd.xml: %v", err)
	}

	var updateinfoHref string
	var sawPrimary bool
	for _, d := range md.Data {
		switch d.Type {
		case "primary":
			sawPrimary = true
		case "updateinfo":
			updateinfoHref = d.Location.Href
		}
	}
	if !sawPrimary {
		t.Fatalf("repomd.xml missing primary entry: %+v", md.Data)
	}
	if updateinfoHref == "" {
		t.Fatalf("repomd.xml missing updateinfo entry: %+v", md.Data)
	}

	gz, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(updateinfoHref)))
	if err != nil {
		t.Fatalf("reading regenerated updateinfo: %v", err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		t.Fatalf("gunzip regenerated updateinfo: %v", err)
	}
	raw, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("reading gunzipped updateinfo: %v", err)
	}

	var doc updateInfoDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parsing regenerated updateinfo: %v", err)
	}
	if len(doc.Updates) != 1 {
		t.Fatalf("got %d advisories, want 1 (RHSA-A only): %+v", len(doc.Updates), doc.Updates)
	}
	if doc.Updates[0].ID != "RHSA-A" {
		t.Fatalf("got advisory %q, want RHSA-A", doc.Updates[0].ID)
	}
}
