package apk

import (
	"archive/tar"
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

const sampleAPKINDEX = `P:curl
V:8.5.0-r0
A:x86_64
S:123456
T:a command line tool
L:MIT
C:Q1abcdefghijklmnopqrstuvwxyz1234567890=

P:openssl
V:3.1.4-r0
A:x86_64
S:654321
T:SSL/TLS toolkit
L:Apache-2.0
C:garbage-not-base64-q1

`

func buildIndexTarGz(t *testing.T, apkindex string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte(apkindex)
	if err := tw.WriteHeader(&tar.Header{Name: "APKINDEX", Size: int64(len(body)), Mode: 0o644}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestParseAPKINDEX(t *testing.T) {
	p := parser{}
	repo := chantal.Repository{Attrs: map[string]string{"branch": "v3.19", "repository": "main", "arch": "x86_64"}}
	fetch := fakeFetcher{files: map[string][]byte{
		"v3.19/main/x86_64/APKINDEX.tar.gz": buildIndexTarGz(t, sampleAPKINDEX),
	}}

	result, err := p.Parse(context.Background(), repo, fetch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(result.Candidates))
	}
	if result.Candidates[0].Name != "curl" || result.Candidates[0].Version != "8.5.0-r0" {
		t.Fatalf("unexpected first candidate: %+v", result.Candidates[0])
	}
	if result.Candidates[0].PayloadURL != "v3.19/main/x86_64/curl-8.5.0-r0.apk" {
		t.Fatalf("unexpected payload URL: %q", result.Candidates[0].PayloadURL)
	}
}

func TestDecodeLegacyChecksumRejectsMissingPrefix(t *testing.T) {
	if _, err := decodeLegacyChecksum("garbage-not-base64-q1"); err == nil {
		t.Fatal("expected an error for a checksum missing the Q1 prefix")
	}
}

// TestCandidateFromRecordPopulatesLegacySHA1 is the APK StaleIndex seed
// scenario's decode half: a well-formed "Q1"-prefixed legacy checksum
// must populate Candidate.LegacySHA1 (so the Syncer can later compare it
// against the downloaded payload's real sha1), with no staleWarning.
func TestCandidateFromRecordPopulatesLegacySHA1(t *testing.T) {
	r := record{'P': "curl", 'V': "8.5.0-r0", 'A': "x86_64", 'S': "123", 'C': "Q1AQIDBAUGBwgJCgsMDQ4PEBESExQ="}
	c, warn := candidateFromRecord(r, "v3.19/main/x86_64")
	if warn != "" {
		t.Fatalf("unexpected staleWarning: %q", warn)
	}
	if c.LegacySHA1.String() == "" {
		t.Fatal("expected LegacySHA1 to be populated")
	}
	if got := c.LegacySHA1.Hex(); got != "0102030405060708090a0b0c0d0e0f1011121314" {
		t.Fatalf("got LegacySHA1 %s, want 0102030405060708090a0b0c0d0e0f1011121314", got)
	}
}

// TestDecodeLegacyChecksumMismatchIsWarningNotFailure documents the
// StaleIndex invariant at the unit level: a record whose legacy checksum
// decodes cleanly but doesn't match a downloaded payload is never this
// package's concern to fail on — candidateFromRecord only ever returns a
// staleWarning for an undecodable value, never for a decoded-but-wrong
// one. The actual downloaded-payload comparison lives in the Syncer (see
// syncer.TestSyncAPKLegacyChecksumMismatchWarnsNotFails).
func TestDecodeLegacyChecksumMismatchIsWarningNotFailure(t *testing.T) {
	r := record{'P': "curl", 'V': "8.5.0-r0", 'A': "x86_64", 'S': "123", 'C': "Q1AQIDBAUGBwgJCgsMDQ4PEBESExQ="}
	c, warn := candidateFromRecord(r, "v3.19/main/x86_64")
	if warn != "" {
		t.Fatalf("a cleanly-decoded legacy checksum must never produce a staleWarning, got %q", warn)
	}
	if c.LegacySHA1.String() == "" {
		t.Fatal("expected LegacySHA1 to be populated even though it may later mismatch the download")
	}
}
