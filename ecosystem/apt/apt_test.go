package apt

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"

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

const samplePackages = `Package: curl
Version: 8.5.0-2
Architecture: amd64
Filename: pool/main/c/curl/curl_8.5.0-2_amd64.deb
Size: 289000
SHA256: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
Depends: libc6 (>= 2.34)
Section: web
Priority: optional

Package: nginx
Version: 1.24.0-2
Architecture: amd64
Filename: pool/main/n/nginx/nginx_1.24.0-2_amd64.deb
Size: 1024000
SHA256: bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
Section: httpd
Priority: optional

`

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

func TestParsePackages(t *testing.T) {
	p := parser{}
	repo := chantal.Repository{
		Feed: "https://deb.example.test",
		Attrs: map[string]string{
			"suite": "bookworm", "components": "main", "architectures": "amd64",
		},
	}
	fetch := fakeFetcher{files: map[string][]byte{
		"dists/bookworm/InRelease":                        []byte("Suite: bookworm\n"),
		"dists/bookworm/main/binary-amd64/Packages.gz": gzipBytes(t, samplePackages),
	}}

	result, err := p.Parse(context.Background(), repo, fetch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(result.Candidates))
	}
	c := result.Candidates[0]
	if c.Name != "curl" || c.Version != "8.5.0-2" || c.Architecture != "amd64" {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	if c.PayloadURL != "https://deb.example.test/pool/main/c/curl/curl_8.5.0-2_amd64.deb" {
		t.Fatalf("unexpected payload URL: %q", c.PayloadURL)
	}
	if c.ExpectedSHA256.String() == "" {
		t.Fatal("expected sha256 to be parsed from stanza")
	}
	if c.ExpectedSize != 289000 {
		t.Fatalf("unexpected size: %d", c.ExpectedSize)
	}
}

func TestParseFallsBackToReleaseWithoutInRelease(t *testing.T) {
	p := parser{}
	repo := chantal.Repository{
		Feed: "https://deb.example.test",
		Attrs: map[string]string{"suite": "bookworm"},
	}
	fetch := fakeFetcher{files: map[string][]byte{
		"dists/bookworm/Release":                    []byte("Suite: bookworm\n"),
		"dists/bookworm/main/binary-amd64/Packages": []byte(samplePackages),
	}}

	result, err := p.Parse(context.Background(), repo, fetch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(result.Candidates))
	}
}
