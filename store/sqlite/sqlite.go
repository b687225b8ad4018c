// Package sqlite is the modernc.org/sqlite-backed store.Store
// implementation used by unit tests and small offline installs that don't
// want to run Postgres. Unlike store/postgres, which expects an external
// migration harness, this backend creates its own schema on Open — tests
// need a throwaway database, not a migrated one.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY, name TEXT, type TEXT, feed TEXT,
	enabled INTEGER, mode TEXT, last_sync_at TEXT, attrs TEXT
);
CREATE TABLE IF NOT EXISTS content_items (
	sha256 TEXT PRIMARY KEY, filename TEXT, size_bytes INTEGER, content_type TEXT,
	name TEXT, version TEXT, architecture TEXT, metadata TEXT
);
CREATE TABLE IF NOT EXISTS repository_files (
	sha256 TEXT PRIMARY KEY, file_category TEXT, file_type TEXT,
	original_path TEXT, compression TEXT, size_bytes INTEGER
);
CREATE TABLE IF NOT EXISTS repository_content_items (
	repository_id TEXT, sha256 TEXT, PRIMARY KEY (repository_id, sha256)
);
CREATE TABLE IF NOT EXISTS repository_repository_files (
	repository_id TEXT, sha256 TEXT, PRIMARY KEY (repository_id, sha256)
);
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY, repository_id TEXT, name TEXT, description TEXT, created_at TEXT,
	UNIQUE (repository_id, name)
);
CREATE TABLE IF NOT EXISTS snapshot_content_items (snapshot_id TEXT, sha256 TEXT);
CREATE TABLE IF NOT EXISTS snapshot_repository_files (snapshot_id TEXT, sha256 TEXT);
CREATE TABLE IF NOT EXISTS views (name TEXT PRIMARY KEY, description TEXT, type TEXT);
CREATE TABLE IF NOT EXISTS view_members (view_name TEXT, repository_id TEXT, position INTEGER);
CREATE TABLE IF NOT EXISTS view_snapshots (
	view_name TEXT, name TEXT, description TEXT, created_at TEXT, PRIMARY KEY (view_name, name)
);
CREATE TABLE IF NOT EXISTS sync_history (
	id TEXT PRIMARY KEY, repository_id TEXT, started_at TEXT, finished_at TEXT, status TEXT,
	discovered INTEGER, downloaded INTEGER, skipped INTEGER, failed INTEGER, bytes INTEGER, error_summary TEXT
);
`

// Store is the sqlite-backed store.Store implementation.
type Store struct {
	db *sql.DB
	// mu serializes writes; sqlite allows one writer at a time and
	// modernc.org/sqlite surfaces "database is locked" otherwise under
	// concurrent syncer fan-out.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open creates (if necessary) and opens the sqlite database at path. Use
// ":memory:" for ephemeral test databases.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func marshalAttrs(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (s *Store) CreateRepository(ctx context.Context, r chantal.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, err := marshalAttrs(r.Attrs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO repositories (id, name, type, feed, enabled, mode, last_sync_at, attrs) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, string(r.Type), r.Feed, r.Enabled, string(r.Mode), r.LastSyncAt, attrs)
	return err
}

func (s *Store) GetRepository(ctx context.Context, id string) (chantal.Repository, error) {
	var r chantal.Repository
	var attrs string
	row := s.db.QueryRowContext(ctx, `SELECT id,name,type,feed,enabled,mode,last_sync_at,attrs FROM repositories WHERE id=?`, id)
	if err := row.Scan(&r.ID, &r.Name, &r.Type, &r.Feed, &r.Enabled, &r.Mode, &r.LastSyncAt, &attrs); err != nil {
		if err == sql.ErrNoRows {
			return chantal.Repository{}, chantal.NewError("sqlite.GetRepository", chantal.KindConfig, "no such repository: "+id, err)
		}
		return chantal.Repository{}, err
	}
	r.Attrs = map[string]string{}
	return r, json.Unmarshal([]byte(attrs), &r.Attrs)
}

func (s *Store) ListRepositories(ctx context.Context) ([]chantal.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,name,type,feed,enabled,mode,last_sync_at,attrs FROM repositories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chantal.Repository
	for rows.Next() {
		var r chantal.Repository
		var attrs string
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Feed, &r.Enabled, &r.Mode, &r.LastSyncAt, &attrs); err != nil {
			return nil, err
		}
		r.Attrs = map[string]string{}
		if err := json.Unmarshal([]byte(attrs), &r.Attrs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRepository(ctx context.Context, r chantal.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, err := marshalAttrs(r.Attrs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE repositories SET name=?,type=?,feed=?,enabled=?,mode=?,last_sync_at=?,attrs=? WHERE id=?`,
		r.Name, string(r.Type), r.Feed, r.Enabled, string(r.Mode), r.LastSyncAt, attrs, r.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return chantal.NewError("sqlite.UpdateRepository", chantal.KindConfig, "no such repository: "+r.ID, nil)
	}
	return nil
}

func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM repository_content_items WHERE repository_id=?`,
		`DELETE FROM repository_repository_files WHERE repository_id=?`,
		`DELETE FROM sync_history WHERE repository_id=?`,
		`DELETE FROM snapshot_content_items WHERE snapshot_id IN (SELECT id FROM snapshots WHERE repository_id=?)`,
		`DELETE FROM snapshot_repository_files WHERE snapshot_id IN (SELECT id FROM snapshots WHERE repository_id=?)`,
		`DELETE FROM snapshots WHERE repository_id=?`,
		`DELETE FROM repositories WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) PutContentItem(ctx context.Context, c chantal.ContentItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO content_items (sha256,filename,size_bytes,content_type,name,version,architecture,metadata)
VALUES (?,?,?,?,?,?,?,?)`,
		c.SHA256.String(), c.Filename, c.SizeBytes, string(c.ContentType), c.Name, c.Version, c.Architecture, meta)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanContentItem(row interface{ Scan(...any) error }) (chantal.ContentItem, error) {
	var c chantal.ContentItem
	var sha, meta string
	if err := row.Scan(&sha, &c.Filename, &c.SizeBytes, &c.ContentType, &c.Name, &c.Version, &c.Architecture, &meta); err != nil {
		return chantal.ContentItem{}, err
	}
	d, err := chantal.ParseSHA256(sha)
	if err != nil {
		return chantal.ContentItem{}, err
	}
	c.SHA256 = d
	c.Metadata = map[string]any{}
	return c, json.Unmarshal([]byte(meta), &c.Metadata)
}

func (s *Store) GetContentItem(ctx context.Context, sha256 chantal.Digest) (chantal.ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT sha256,filename,size_bytes,content_type,name,version,architecture,metadata FROM content_items WHERE sha256=?`, sha256.String())
	return scanContentItem(row)
}

func (s *Store) PutRepositoryFile(ctx context.Context, f chantal.RepositoryFile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO repository_files (sha256,file_category,file_type,original_path,compression,size_bytes)
VALUES (?,?,?,?,?,?)`, f.SHA256.String(), f.FileCategory, f.FileType, f.OriginalPath, f.Compression, f.SizeBytes)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) GetRepositoryFile(ctx context.Context, sha256 chantal.Digest) (chantal.RepositoryFile, error) {
	var f chantal.RepositoryFile
	var sha string
	row := s.db.QueryRowContext(ctx, `
SELECT sha256,file_category,file_type,original_path,compression,size_bytes FROM repository_files WHERE sha256=?`, sha256.String())
	if err := row.Scan(&sha, &f.FileCategory, &f.FileType, &f.OriginalPath, &f.Compression, &f.SizeBytes); err != nil {
		return chantal.RepositoryFile{}, err
	}
	d, err := chantal.ParseSHA256(sha)
	f.SHA256 = d
	return f, err
}

func (s *Store) ReplaceMembership(ctx context.Context, repositoryID string, items, files []chantal.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM repository_content_items WHERE repository_id=?`, repositoryID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM repository_repository_files WHERE repository_id=?`, repositoryID); err != nil {
		return err
	}
	for _, d := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO repository_content_items (repository_id,sha256) VALUES (?,?)`, repositoryID, d.String()); err != nil {
			return err
		}
	}
	for _, d := range files {
		if _, err := tx.ExecContext(ctx, `INSERT INTO repository_repository_files (repository_id,sha256) VALUES (?,?)`, repositoryID, d.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListMembers(ctx context.Context, repositoryID string) ([]chantal.ContentItem, []chantal.RepositoryFile, error) {
	return s.listMembersQuery(ctx, `
SELECT c.sha256,c.filename,c.size_bytes,c.content_type,c.name,c.version,c.architecture,c.metadata
FROM content_items c JOIN repository_content_items m ON m.sha256=c.sha256 WHERE m.repository_id=?`,
		`SELECT f.sha256,f.file_category,f.file_type,f.original_path,f.compression,f.size_bytes
FROM repository_files f JOIN repository_repository_files m ON m.sha256=f.sha256 WHERE m.repository_id=?`,
		repositoryID)
}

func (s *Store) listMembersQuery(ctx context.Context, itemQ, fileQ, arg string) ([]chantal.ContentItem, []chantal.RepositoryFile, error) {
	rows, err := s.db.QueryContext(ctx, itemQ, arg)
	if err != nil {
		return nil, nil, err
	}
	var items []chantal.ContentItem
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

	frows, err := s.db.QueryContext(ctx, fileQ, arg)
	if err != nil {
		return nil, nil, err
	}
	defer frows.Close()
	var files []chantal.RepositoryFile
	for frows.Next() {
		var f chantal.RepositoryFile
		var sha string
		if err := frows.Scan(&sha, &f.FileCategory, &f.FileType, &f.OriginalPath, &f.Compression, &f.SizeBytes); err != nil {
			return nil, nil, err
		}
		d, err := chantal.ParseSHA256(sha)
		if err != nil {
			return nil, nil, err
		}
		f.SHA256 = d
		files = append(files, f)
	}
	return items, files, frows.Err()
}

func (s *Store) ListContentItems(ctx context.Context, q store.ListQuery) ([]chantal.ContentItem, error) {
	var b strings.Builder
	var args []any
	b.WriteString(`SELECT c.sha256,c.filename,c.size_bytes,c.content_type,c.name,c.version,c.architecture,c.metadata FROM content_items c`)
	var where []string
	if q.RepositoryID != "" {
		b.WriteString(` JOIN repository_content_items m ON m.sha256=c.sha256`)
		where = append(where, `m.repository_id=?`)
		args = append(args, q.RepositoryID)
	}
	if q.ContentType != "" {
		where = append(where, `c.content_type=?`)
		args = append(args, string(q.ContentType))
	}
	if q.Architecture != "" {
		where = append(where, `c.architecture=?`)
		args = append(args, q.Architecture)
	}
	if q.NamePattern != "" {
		where = append(where, `c.name LIKE ?`)
		args = append(args, "%"+q.NamePattern+"%")
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY c.name")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		// sqlite only accepts OFFSET after a LIMIT; -1 means no limit.
		b.WriteString(" LIMIT -1")
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, q.Offset)
	}
	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chantal.ContentItem
	for rows.Next() {
		c, err := scanContentItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateSnapshot(ctx context.Context, repositoryID, name, description string) (chantal.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chantal.Snapshot{}, err
	}
	defer tx.Rollback()

	snap := chantal.Snapshot{ID: uuid.NewString(), RepositoryID: repositoryID, Name: name, Description: description}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots (id,repository_id,name,description,created_at) VALUES (?,?,?,?,datetime('now'))`,
		snap.ID, repositoryID, name, description); err != nil {
		return chantal.Snapshot{}, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM snapshots WHERE id=?`, snap.ID).Scan(&snap.CreatedAt); err != nil {
		return chantal.Snapshot{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshot_content_items (snapshot_id,sha256) SELECT ?,sha256 FROM repository_content_items WHERE repository_id=?`,
		snap.ID, repositoryID); err != nil {
		return chantal.Snapshot{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshot_repository_files (snapshot_id,sha256) SELECT ?,sha256 FROM repository_repository_files WHERE repository_id=?`,
		snap.ID, repositoryID); err != nil {
		return chantal.Snapshot{}, err
	}
	return snap, tx.Commit()
}

func (s *Store) GetSnapshot(ctx context.Context, repositoryID, name string) (chantal.Snapshot, error) {
	var snap chantal.Snapshot
	row := s.db.QueryRowContext(ctx, `SELECT id,repository_id,name,description,created_at FROM snapshots WHERE repository_id=? AND name=?`, repositoryID, name)
	err := row.Scan(&snap.ID, &snap.RepositoryID, &snap.Name, &snap.Description, &snap.CreatedAt)
	return snap, err
}

func (s *Store) SnapshotMembers(ctx context.Context, repositoryID, name string) ([]chantal.ContentItem, []chantal.RepositoryFile, error) {
	snap, err := s.GetSnapshot(ctx, repositoryID, name)
	if err != nil {
		return nil, nil, err
	}
	return s.listMembersQuery(ctx, `
SELECT c.sha256,c.filename,c.size_bytes,c.content_type,c.name,c.version,c.architecture,c.metadata
FROM content_items c JOIN snapshot_content_items m ON m.sha256=c.sha256 WHERE m.snapshot_id=?`,
		`SELECT f.sha256,f.file_category,f.file_type,f.original_path,f.compression,f.size_bytes
FROM repository_files f JOIN snapshot_repository_files m ON m.sha256=f.sha256 WHERE m.snapshot_id=?`,
		snap.ID)
}

func (s *Store) DeleteSnapshot(ctx context.Context, repositoryID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM snapshots WHERE repository_id=? AND name=?`, repositoryID, name).Scan(&id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_content_items WHERE snapshot_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_repository_files WHERE snapshot_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CopySnapshot(ctx context.Context, sourceRepositoryID, sourceName, targetRepositoryID, targetName string) (chantal.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var srcID string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM snapshots WHERE repository_id=? AND name=?`, sourceRepositoryID, sourceName).Scan(&srcID); err != nil {
		return chantal.Snapshot{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chantal.Snapshot{}, err
	}
	defer tx.Rollback()

	out := chantal.Snapshot{ID: uuid.NewString(), RepositoryID: targetRepositoryID, Name: targetName}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots (id,repository_id,name,description,created_at) VALUES (?,?,?,'',datetime('now'))`,
		out.ID, targetRepositoryID, targetName); err != nil {
		return chantal.Snapshot{}, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM snapshots WHERE id=?`, out.ID).Scan(&out.CreatedAt); err != nil {
		return chantal.Snapshot{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_content_items (snapshot_id,sha256) SELECT ?,sha256 FROM snapshot_content_items WHERE snapshot_id=?`, out.ID, srcID); err != nil {
		return chantal.Snapshot{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_repository_files (snapshot_id,sha256) SELECT ?,sha256 FROM snapshot_repository_files WHERE snapshot_id=?`, out.ID, srcID); err != nil {
		return chantal.Snapshot{}, err
	}
	return out, tx.Commit()
}

func (s *Store) PutView(ctx context.Context, v chantal.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO views (name,description,type) VALUES (?,?,?)
ON CONFLICT (name) DO UPDATE SET description=excluded.description, type=excluded.type`,
		v.Name, v.Description, string(v.Type)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM view_members WHERE view_name=?`, v.Name); err != nil {
		return err
	}
	for i, repositoryID := range v.Members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO view_members (view_name,repository_id,position) VALUES (?,?,?)`,
			v.Name, repositoryID, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetView(ctx context.Context, name string) (chantal.View, error) {
	var v chantal.View
	row := s.db.QueryRowContext(ctx, `SELECT name,description,type FROM views WHERE name=?`, name)
	if err := row.Scan(&v.Name, &v.Description, &v.Type); err != nil {
		return chantal.View{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT repository_id FROM view_members WHERE view_name=? ORDER BY position`, name)
	if err != nil {
		return chantal.View{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return chantal.View{}, err
		}
		v.Members = append(v.Members, id)
	}
	return v, rows.Err()
}

func (s *Store) ListViews(ctx context.Context) ([]chantal.View, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM views ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	var out []chantal.View
	for _, n := range names {
		v, err := s.GetView(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) CreateViewSnapshot(ctx context.Context, viewName, name, description string, memberSnapshots map[string]string) (chantal.ViewSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chantal.ViewSnapshot{}, err
	}
	defer tx.Rollback()

	vs := chantal.ViewSnapshot{ViewName: viewName, Name: name, Description: description, Snapshots: map[string]string{}}
	for repoID, snapName := range memberSnapshots {
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots (id,repository_id,name,description,created_at) VALUES (?,?,?,?,datetime('now'))`,
			id, repoID, snapName, description); err != nil {
			return chantal.ViewSnapshot{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_content_items (snapshot_id,sha256) SELECT ?,sha256 FROM repository_content_items WHERE repository_id=?`, id, repoID); err != nil {
			return chantal.ViewSnapshot{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_repository_files (snapshot_id,sha256) SELECT ?,sha256 FROM repository_repository_files WHERE repository_id=?`, id, repoID); err != nil {
			return chantal.ViewSnapshot{}, err
		}
		vs.Snapshots[repoID] = snapName
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO view_snapshots (view_name,name,description,created_at) VALUES (?,?,?,datetime('now'))`, viewName, name, description); err != nil {
		return chantal.ViewSnapshot{}, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM view_snapshots WHERE view_name=? AND name=?`, viewName, name).Scan(&vs.CreatedAt); err != nil {
		return chantal.ViewSnapshot{}, err
	}
	return vs, tx.Commit()
}

func (s *Store) GetViewSnapshot(ctx context.Context, viewName, name string) (chantal.ViewSnapshot, error) {
	vs := chantal.ViewSnapshot{ViewName: viewName, Name: name, Snapshots: map[string]string{}}
	row := s.db.QueryRowContext(ctx, `SELECT description,created_at FROM view_snapshots WHERE view_name=? AND name=?`, viewName, name)
	if err := row.Scan(&vs.Description, &vs.CreatedAt); err != nil {
		return chantal.ViewSnapshot{}, err
	}
	v, err := s.GetView(ctx, viewName)
	if err != nil {
		return chantal.ViewSnapshot{}, err
	}
	for _, repoID := range v.Members {
		var snapName string
		if err := s.db.QueryRowContext(ctx, `SELECT name FROM snapshots WHERE repository_id=? AND name=?`, repoID, name).Scan(&snapName); err != nil {
			if err == sql.ErrNoRows {
				// This member has no sibling Snapshot under this name; leave it out of Snapshots.
				continue
			}
			return chantal.ViewSnapshot{}, err
		}
		vs.Snapshots[repoID] = snapName
	}
	return vs, nil
}

func (s *Store) DeleteViewSnapshot(ctx context.Context, viewName, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM view_snapshots WHERE view_name=? AND name=?`, viewName, name)
	return err
}

func (s *Store) AppendSyncHistory(ctx context.Context, h chantal.SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_history (id,repository_id,started_at,finished_at,status,discovered,downloaded,skipped,failed,bytes,error_summary)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.RepositoryID, h.StartedAt, h.FinishedAt, string(h.Status), h.Discovered, h.Downloaded, h.Skipped, h.Failed, h.Bytes, h.ErrorSummary)
	return err
}

func (s *Store) ListSyncHistory(ctx context.Context, repositoryID string, limit int) ([]chantal.SyncHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,repository_id,started_at,finished_at,status,discovered,downloaded,skipped,failed,bytes,error_summary
FROM sync_history WHERE repository_id=? ORDER BY started_at DESC LIMIT ?`, repositoryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chantal.SyncHistory
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

func (s *Store) IterateReferencedContent(ctx context.Context, fn func(chantal.Digest) error) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT sha256 FROM (SELECT sha256 FROM repository_content_items UNION SELECT sha256 FROM snapshot_content_items)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return err
		}
		d, err := chantal.ParseSHA256(sha)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) IterateReferencedFiles(ctx context.Context, fn func(chantal.Digest) error) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT sha256 FROM (SELECT sha256 FROM repository_repository_files UNION SELECT sha256 FROM snapshot_repository_files)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return err
		}
		d, err := chantal.ParseSHA256(sha)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}
