package rpm

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/slauger/chantal"
)

type fakeFetcher struct{ files map[string][]byte }

func (f fakeFetcher) FetchFile(_ context.Context, relativePath, category, fileType string) (chantal.RepositoryFile, []byte, error) {
	b, ok := f.files[relativePath]
	if !ok {
		return chantal.RepositoryFile{}, nil, chantal.NewError("fakeFetcher", chantal.KindConfig, relativePath+" not found", nil)
	}
	return chantal.RepositoryFile{OriginalPath: relativePath, FileCategory: category, FileType: fileType}, b, nil
}

const sampleRepomd = `<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <data type="primary">
    <checksum type="sha256">aaaa</checksum>
    <open-checksum type="sha256">bbbb</open-checksum>
    <location href="repodata/primary.xml.gz"/>
  </data>
</repomd>`

const samplePrimary = `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" packages="1">
  <package type="rpm">
    <name>nginx</name>
    <arch>x86_64</arch>
    <version epoch="0" ver="1.24.0" rel="2.el9"/>
    <checksum type="sha256" pkgid="YES">cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc</checksum>
    <size package="1234567"/>
    <time build="1700000000"/>
    <location href="Packages/nginx-1.24.0-2.el9.x86_64.rpm"/>
    <format>
      <license>BSD</license>
      <group>Applications/Internet</group>
    </format>
  </package>
</metadata>`

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestParseRepomdAndPrimary(t *testing.T) {
	p := parser{}
	fetch := fakeFetcher{files: map[string][]byte{
		"repodata/repomd.xml":       []byte(sampleRepomd),
		"repodata/primary.xml.gz": gzipBytes(t, samplePrimary),
	}}

	result, err := p.Parse(context.Background(), chantal.Repository{}, fetch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Files) != 2 || result.Files[0].FileType != "repomd" || result.Files[1].FileType != "primary" {
		t.Fatalf("unexpected files: %+v", result.Files)
	}
	if len(result.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(result.Candidates))
	}
	c := result.Candidates[0]
	if c.Name != "nginx" || c.Version != "1.24.0-2.el9" || c.Architecture != "x86_64" {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	if c.ExpectedSize != 1234567 {
		t.Fatalf("unexpected size: %d", c.ExpectedSize)
	}
}

func TestEVRFormatsEpoch(t *testing.T) {
	if got := evr("0", "1.2", "3.el9"); got != "1.2-3.el9" {
		t.Fatalf("zero epoch should be omitted, got %q", got)
	}
	if got := evr("2", "1.2", "3.el9"); got != "2:1.2-3.el9" {
		t.Fatalf("non-zero epoch should be prefixed, got %q", got)
	}
}
