// Package postgres is the production store.Store backend: jackc/pgx/v5
// for the connection pool and query execution, doug-martin/goqu/v8 for the
// dynamic content.list/search query, and prometheus/client_golang +
// OpenTelemetry for per-method instrumentation — the same shape as the
// teacher's datastore/postgres/v2 package (storeCommon.method wrapper,
// pool-stat gauges), adapted from the indexer/matcher domain to this
// one's entity graph.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/pkg/poolstats"
)

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn and returns a ready Store. The
// caller is responsible for running migrations beforehand — per
// SPEC_FULL's ambient-stack section, Chantal's core never owns schema
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, chantal.NewError("postgres.Open", chantal.KindConfig, "parsing dsn", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close implements io.Closer.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// RegisterCollector registers a poolstats.Collector for this Store's
// connection pool with reg, labeled appname. It is the per-connection-pool
// complement to the per-call instrumentation in metrics.go: method counts
// and durations say how Store calls are going, this says whether the pool
// itself is saturated (acquire waits, exhausted idle conns).
func (s *Store) RegisterCollector(reg prometheus.Registerer, appname string) error {
	return reg.Register(poolstats.NewCollector(s.pool, appname))
}

func marshalAttrs(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

// CreateRepository implements store.Store.
func (s *Store) CreateRepository(ctx context.Context, r chantal.Repository) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	attrs, err := marshalAttrs(r.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}
	const q = `
INSERT INTO repositories (id, name, type, feed, enabled, mode, last_sync_at, attrs)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, q, r.ID, r.Name, string(r.Type), r.Feed, r.Enabled, string(r.Mode), r.LastSyncAt, attrs)
	return err
}

// GetRepository implements store.Store.
func (s *Store) GetRepository(ctx context.Context, id string) (r chantal.Repository, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	const q = `
SELECT id, name, type, feed, enabled, mode, last_sync_at, attrs
FROM repositories WHERE id = $1`
	var attrs []byte
	row := s.pool.QueryRow(ctx, q, id)
	if err = row.Scan(&r.ID, &r.Name, &r.Type, &r.Feed, &r.Enabled, &r.Mode, &r.LastSyncAt, &attrs); err != nil {
		if err == pgx.ErrNoRows {
			return chantal.Repository{}, chantal.NewError("postgres.GetRepository", chantal.KindConfig, "no such repository: "+id, err)
		}
		return chantal.Repository{}, err
	}
	r.Attrs = map[string]string{}
	err = json.Unmarshal(attrs, &r.Attrs)
	return r, err
}

// ListRepositories implements store.Store.
func (s *Store) ListRepositories(ctx context.Context) (out []chantal.Repository, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	const q = `SELECT id, name, type, feed, enabled, mode, last_sync_at, attrs FROM repositories ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r chantal.Repository
		var attrs []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Feed, &r.Enabled, &r.Mode, &r.LastSyncAt, &attrs); err != nil {
			return nil, err
		}
		r.Attrs = map[string]string{}
		if err := json.Unmarshal(attrs, &r.Attrs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRepository implements store.Store.
func (s *Store) UpdateRepository(ctx context.Context, r chantal.Repository) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	attrs, err := marshalAttrs(r.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}
	const q = `
UPDATE repositories SET name=$2, type=$3, feed=$4, enabled=$5, mode=$6, last_sync_at=$7, attrs=$8
WHERE id=$1`
	tag, err := s.pool.Exec(ctx, q, r.ID, r.Name, string(r.Type), r.Feed, r.Enabled, string(r.Mode), r.LastSyncAt, attrs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return chantal.NewError("postgres.UpdateRepository", chantal.KindConfig, "no such repository: "+r.ID, nil)
	}
	return nil
}

// DeleteRepository implements store.Store. Per §4.B it never cascades to
// ContentItems or RepositoryFiles, only the repository's own junction
// rows and SyncHistory.
func (s *Store) DeleteRepository(ctx context.Context, id string) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, q := range []string{
			`DELETE FROM repository_content_items WHERE repository_id = $1`,
			`DELETE FROM repository_repository_files WHERE repository_id = $1`,
			`DELETE FROM sync_history WHERE repository_id = $1`,
			`DELETE FROM snapshot_content_items WHERE snapshot_id IN (SELECT id FROM snapshots WHERE repository_id = $1)`,
			`DELETE FROM snapshot_repository_files WHERE snapshot_id IN (SELECT id FROM snapshots WHERE repository_id = $1)`,
			`DELETE FROM snapshots WHERE repository_id = $1`,
			`DELETE FROM repositories WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutContentItem implements store.Store.
func (s *Store) PutContentItem(ctx context.Context, c chantal.ContentItem) (created bool, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	const q = `
INSERT INTO content_items (sha256, filename, size_bytes, content_type, name, version, architecture, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (sha256) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, c.SHA256, c.Filename, c.SizeBytes, string(c.ContentType), c.Name, c.Version, c.Architecture, meta)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetContentItem implements store.Store.
func (s *Store) GetContentItem(ctx context.Context, sha256 chantal.Digest) (c chantal.ContentItem, err error) {
	ctx, done := method(ctx, &err)
	defer done()
	return scanContentItem(s.pool.QueryRow(ctx, `
SELECT sha256, filename, size_bytes, content_type, name, version, architecture, metadata
FROM content_items WHERE sha256 = $1`, sha256))
}

func scanContentItem(row pgx.Row) (chantal.ContentItem, error) {
	var c chantal.ContentItem
	var meta []byte
	if err := row.Scan(&c.SHA256, &c.Filename, &c.SizeBytes, &c.ContentType, &c.Name, &c.Version, &c.Architecture, &meta); err != nil {
		return chantal.ContentItem{}, err
	}
	c.Metadata = map[string]any{}
	return c, json.Unmarshal(meta, &c.Metadata)
}

// PutRepositoryFile implements store.Store.
func (s *Store) PutRepositoryFile(ctx context.Context, f chantal.RepositoryFile) (created bool, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	const q = `
INSERT INTO repository_files (sha256, file_category, file_type, original_path, compression, size_bytes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (sha256) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, f.SHA256, f.FileCategory, f.FileType, f.OriginalPath, f.Compression, f.SizeBytes)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetRepositoryFile implements store.Store.
func (s *Store) GetRepositoryFile(ctx context.Context, sha256 chantal.Digest) (f chantal.RepositoryFile, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	row := s.pool.QueryRow(ctx, `
SELECT sha256, file_category, file_type, original_path, compression, size_bytes
FROM repository_files WHERE sha256 = $1`, sha256)
	err = row.Scan(&f.SHA256, &f.FileCategory, &f.FileType, &f.OriginalPath, &f.Compression, &f.SizeBytes)
	return f, err
}

// ReplaceMembership implements store.Store.
func (s *Store) ReplaceMembership(ctx context.Context, repositoryID string, items, files []chantal.Digest) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM repository_content_items WHERE repository_id = $1`, repositoryID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM repository_repository_files WHERE repository_id = $1`, repositoryID); err != nil {
			return err
		}
		for _, d := range items {
			if _, err := tx.Exec(ctx, `INSERT INTO repository_content_items (repository_id, sha256) VALUES ($1, $2)`, repositoryID, d); err != nil {
				return err
			}
		}
		for _, d := range files {
			if _, err := tx.Exec(ctx, `INSERT INTO repository_repository_files (repository_id, sha256) VALUES ($1, $2)`, repositoryID, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMembers implements store.Store.
func (s *Store) ListMembers(ctx context.Context, repositoryID string) (items []chantal.ContentItem, files []chantal.RepositoryFile, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	rows, err := s.pool.Query(ctx, `
SELECT c.sha256, c.filename, c.size_bytes, c.content_type, c.name, c.version, c.architecture, c.metadata
FROM content_items c JOIN repository_content_items m ON m.sha256 = c.sha256
WHERE m.repository_id = $1`, repositoryID)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		c, err := scanContentItem(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		items = append(items, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	frows, err := s.pool.Query(ctx, `
SELECT f.sha256, f.file_category, f.file_type, f.original_path, f.compression, f.size_bytes
FROM repository_files f JOIN repository_repository_files m ON m.sha256 = f.sha256
WHERE m.repository_id = $1`, repositoryID)
	if err != nil {
		return nil, nil, err
	}
	defer frows.Close()
	for frows.Next() {
		var f chantal.RepositoryFile
		if err := frows.Scan(&f.SHA256, &f.FileCategory, &f.FileType, &f.OriginalPath, &f.Compression, &f.SizeBytes); err != nil {
			return nil, nil, err
		}
		files = append(files, f)
	}
	return items, files, frows.Err()
}

// AppendSyncHistory implements store.Store.
func (s *Store) AppendSyncHistory(ctx context.Context, h chantal.SyncHistory) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	const q = `
INSERT INTO sync_history (id, repository_id, started_at, finished_at, status, discovered, downloaded, skipped, failed, bytes, error_summary)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.pool.Exec(ctx, q, h.ID, h.RepositoryID, h.StartedAt, h.FinishedAt, string(h.Status),
		h.Discovered, h.Downloaded, h.Skipped, h.Failed, h.Bytes, h.ErrorSummary)
	return err
}

// ListSyncHistory implements store.Store.
func (s *Store) ListSyncHistory(ctx context.Context, repositoryID string, limit int) (out []chantal.SyncHistory, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, repository_id, started_at, finished_at, status, discovered, downloaded, skipped, failed, bytes, error_summary
FROM sync_history WHERE repository_id = $1 ORDER BY started_at DESC LIMIT $2`, repositoryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h chantal.SyncHistory
		if err := rows.Scan(&h.ID, &h.RepositoryID, &h.StartedAt, &h.FinishedAt, &h.Status,
			&h.Discovered, &h.Downloaded, &h.Skipped, &h.Failed, &h.Bytes, &h.ErrorSummary); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// IterateReferencedContent implements store.Store.
func (s *Store) IterateReferencedContent(ctx context.Context, fn func(chantal.Digest) error) error {
	const q = `
SELECT DISTINCT sha256 FROM (
	SELECT sha256 FROM repository_content_items
	UNION
	SELECT sha256 FROM snapshot_content_items
) u`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d chantal.Digest
		if err := rows.Scan(&d); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

// IterateReferencedFiles implements store.Store.
func (s *Store) IterateReferencedFiles(ctx context.Context, fn func(chantal.Digest) error) error {
	const q = `
SELECT DISTINCT sha256 FROM (
	SELECT sha256 FROM repository_repository_files
	UNION
	SELECT sha256 FROM snapshot_repository_files
) u`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d chantal.Digest
		if err := rows.Scan(&d); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}
