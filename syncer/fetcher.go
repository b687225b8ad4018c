package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/download"
	"github.com/slauger/chantal/pool"
)

// poolFetcher implements ecosystem.Fetcher over a download.Manager and a
// pool.Pool: every metadata blob a Parser asks for is fetched once, stored
// content-addressed in the Files bucket, and handed back to the Parser as
// bytes so it can decompress and unmarshal it without knowing any of that
// happened.
type poolFetcher struct {
	dl   *download.Manager
	pool *pool.Pool
	feed string
}

func newPoolFetcher(dl *download.Manager, p *pool.Pool, feed string) *poolFetcher {
	return &poolFetcher{dl: dl, pool: p, feed: feed}
}

// FetchFile implements ecosystem.Fetcher.
func (f *poolFetcher) FetchFile(ctx context.Context, relativePath, fileCategory, fileType string) (chantal.RepositoryFile, []byte, error) {
	u := resolveURL(f.feed, relativePath)
	res, err := f.dl.Get(ctx, u, nil)
	if err != nil {
		return chantal.RepositoryFile{}, nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return chantal.RepositoryFile{}, nil, chantal.NewError("syncer.FetchFile", chantal.KindNetwork,
			fmt.Sprintf("reading %s", relativePath), err)
	}

	digest, size, err := f.pool.Put(ctx, pool.Files, bytes.NewReader(raw), chantal.Digest{})
	if err != nil {
		return chantal.RepositoryFile{}, nil, err
	}

	return chantal.RepositoryFile{
		SHA256:       digest,
		FileCategory: fileCategory,
		FileType:     fileType,
		OriginalPath: relativePath,
		Compression:  compressionOf(relativePath),
		SizeBytes:    size,
	}, raw, nil
}

// resolveURL resolves relativePath against feed: an absolute URL (Helm
// index.yaml entries sometimes declare one) is used as-is, everything else
// is joined onto feed.
func resolveURL(feed, relativePath string) string {
	if strings.Contains(relativePath, "://") {
		return relativePath
	}
	return strings.TrimSuffix(feed, "/") + "/" + strings.TrimPrefix(relativePath, "/")
}

func compressionOf(name string) string {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return "gzip"
	case strings.HasSuffix(name, ".xz"):
		return "xz"
	case strings.HasSuffix(name, ".bz2"):
		return "bzip2"
	default:
		return ""
	}
}
