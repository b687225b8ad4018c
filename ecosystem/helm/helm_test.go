package helm

import (
	"context"
	"testing"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/ecosystem"
)

type fakeFetcher struct{ files map[string][]byte }

func (f fakeFetcher) FetchFile(_ context.Context, relativePath, category, fileType string) (chantal.RepositoryFile, []byte, error) {
	b, ok := f.files[relativePath]
	if !ok {
		return chantal.RepositoryFile{}, nil, chantal.NewError("fakeFetcher", chantal.KindConfig, relativePath+" not found", nil)
	}
	return chantal.RepositoryFile{OriginalPath: relativePath, FileCategory: category, FileType: fileType, SizeBytes: int64(len(b))}, b, nil
}

const sampleIndex = `apiVersion: v1
entries:
  mychart:
    - name: mychart
      version: 1.2.3
      appVersion: "4.5.6"
      digest: sha256:` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `
      urls:
        - mychart-1.2.3.tgz
    - name: mychart
      version: 1.0.0
      appVersion: "4.0.0"
      digest: sha256:` + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" + `
      urls:
        - https://charts.example.test/mychart-1.0.0.tgz
generated: "2024-01-01T00:00:00Z"
`

func TestParseIndex(t *testing.T) {
	p := parser{}
	repo := chantal.Repository{Feed: "https://charts.example.test"}
	fetch := fakeFetcher{files: map[string][]byte{"index.yaml": []byte(sampleIndex)}}

	result, err := p.Parse(context.Background(), repo, fetch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(result.Candidates))
	}
	if len(result.Files) != 1 || result.Files[0].OriginalPath != "index.yaml" {
		t.Fatalf("expected index.yaml preserved, got %+v", result.Files)
	}

	first := result.Candidates[0]
	if first.Name != "mychart" || first.Version != "1.2.3" {
		t.Fatalf("unexpected first candidate: %+v", first)
	}
	if first.PayloadURL != "https://charts.example.test/mychart-1.2.3.tgz" {
		t.Fatalf("relative URL not resolved against feed: %q", first.PayloadURL)
	}
	if first.ExpectedSHA256.String() == "" {
		t.Fatal("expected digest to be parsed")
	}

	second := result.Candidates[1]
	if second.PayloadURL != "https://charts.example.test/mychart-1.0.0.tgz" {
		t.Fatalf("absolute URL should be used as-is: %q", second.PayloadURL)
	}
}

func TestParseIndexMissing(t *testing.T) {
	p := parser{}
	_, err := p.Parse(context.Background(), chantal.Repository{}, fakeFetcher{files: map[string][]byte{}})
	if err == nil {
		t.Fatal("expected an error when index.yaml is missing")
	}
}
