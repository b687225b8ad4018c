package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/slauger/chantal"
)

// CreateSnapshot implements store.Store.
func (s *Store) CreateSnapshot(ctx context.Context, repositoryID, name, description string) (snap chantal.Snapshot, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	snap = chantal.Snapshot{ID: uuid.NewString(), RepositoryID: repositoryID, Name: name, Description: description}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
INSERT INTO snapshots (id, repository_id, name, description, created_at)
VALUES ($1, $2, $3, $4, now()) RETURNING created_at`,
			snap.ID, snap.RepositoryID, snap.Name, snap.Description).Scan(&snap.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO snapshot_content_items (snapshot_id, sha256)
SELECT $1, sha256 FROM repository_content_items WHERE repository_id = $2`, snap.ID, repositoryID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO snapshot_repository_files (snapshot_id, sha256)
SELECT $1, sha256 FROM repository_repository_files WHERE repository_id = $2`, snap.ID, repositoryID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return chantal.Snapshot{}, err
	}
	return snap, nil
}

// GetSnapshot implements store.Store.
func (s *Store) GetSnapshot(ctx context.Context, repositoryID, name string) (snap chantal.Snapshot, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	row := s.pool.QueryRow(ctx, `
SELECT id, repository_id, name, description, created_at
FROM snapshots WHERE repository_id = $1 AND name = $2`, repositoryID, name)
	err = row.Scan(&snap.ID, &snap.RepositoryID, &snap.Name, &snap.Description, &snap.CreatedAt)
	return snap, err
}

// SnapshotMembers implements store.Store.
func (s *Store) SnapshotMembers(ctx context.Context, repositoryID, name string) (items []chantal.ContentItem, files []chantal.RepositoryFile, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	snap, err := s.GetSnapshot(ctx, repositoryID, name)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT c.sha256, c.filename, c.size_bytes, c.content_type, c.name, c.version, c.architecture, c.metadata
FROM content_items c JOIN snapshot_content_items m ON m.sha256 = c.sha256
WHERE m.snapshot_id = $1`, snap.ID)
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
FROM repository_files f JOIN snapshot_repository_files m ON m.sha256 = f.sha256
WHERE m.snapshot_id = $1`, snap.ID)
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

// DeleteSnapshot implements store.Store. Junction rows are removed; pool
// blobs are untouched (§4.G "Delete").
func (s *Store) DeleteSnapshot(ctx context.Context, repositoryID, name string) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM snapshots WHERE repository_id = $1 AND name = $2`, repositoryID, name).Scan(&id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM snapshot_content_items WHERE snapshot_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM snapshot_repository_files WHERE snapshot_id = $1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
		return err
	})
}

// CopySnapshot implements store.Store (§4.G "Copy (promotion)" — zero
// bytes copied, database only).
func (s *Store) CopySnapshot(ctx context.Context, sourceRepositoryID, sourceName, targetRepositoryID, targetName string) (out chantal.Snapshot, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	out = chantal.Snapshot{ID: uuid.NewString(), RepositoryID: targetRepositoryID, Name: targetName}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var srcID string
		if err := tx.QueryRow(ctx, `SELECT id FROM snapshots WHERE repository_id = $1 AND name = $2`, sourceRepositoryID, sourceName).Scan(&srcID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
INSERT INTO snapshots (id, repository_id, name, description, created_at)
VALUES ($1, $2, $3, '', now()) RETURNING created_at`, out.ID, targetRepositoryID, targetName).Scan(&out.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO snapshot_content_items (snapshot_id, sha256) SELECT $1, sha256 FROM snapshot_content_items WHERE snapshot_id = $2`, out.ID, srcID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO snapshot_repository_files (snapshot_id, sha256) SELECT $1, sha256 FROM snapshot_repository_files WHERE snapshot_id = $2`, out.ID, srcID)
		return err
	})
	if err != nil {
		return chantal.Snapshot{}, err
	}
	return out, nil
}

// PutView implements store.Store, upserting v's description, type, and
// ordered member list in one transaction.
func (s *Store) PutView(ctx context.Context, v chantal.View) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO views (name, description, type) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET description = excluded.description, type = excluded.type`,
			v.Name, v.Description, string(v.Type)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM view_members WHERE view_name = $1`, v.Name); err != nil {
			return err
		}
		for i, repositoryID := range v.Members {
			if _, err := tx.Exec(ctx, `INSERT INTO view_members (view_name, repository_id, position) VALUES ($1, $2, $3)`,
				v.Name, repositoryID, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetView implements store.Store.
func (s *Store) GetView(ctx context.Context, name string) (v chantal.View, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	row := s.pool.QueryRow(ctx, `SELECT name, description, type FROM views WHERE name = $1`, name)
	if err := row.Scan(&v.Name, &v.Description, &v.Type); err != nil {
		return chantal.View{}, err
	}
	rows, err := s.pool.Query(ctx, `SELECT repository_id FROM view_members WHERE view_name = $1 ORDER BY position`, name)
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

// ListViews implements store.Store.
func (s *Store) ListViews(ctx context.Context) (out []chantal.View, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	rows, err := s.pool.Query(ctx, `SELECT name FROM views ORDER BY name`)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, n := range names {
		v, err := s.GetView(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// CreateViewSnapshot implements store.Store. All sibling snapshot rows and
// the ViewSnapshot row are created in one transaction (§4.G "Atomic view
// snapshots").
func (s *Store) CreateViewSnapshot(ctx context.Context, viewName, name, description string, memberSnapshots map[string]string) (vs chantal.ViewSnapshot, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	vs = chantal.ViewSnapshot{ViewName: viewName, Name: name, Description: description, Snapshots: map[string]string{}}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for repoID, snapName := range memberSnapshots {
			id := uuid.NewString()
			if _, err := tx.Exec(ctx, `
INSERT INTO snapshots (id, repository_id, name, description, created_at)
VALUES ($1, $2, $3, $4, now())`, id, repoID, snapName, description); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO snapshot_content_items (snapshot_id, sha256)
SELECT $1, sha256 FROM repository_content_items WHERE repository_id = $2`, id, repoID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO snapshot_repository_files (snapshot_id, sha256)
SELECT $1, sha256 FROM repository_repository_files WHERE repository_id = $2`, id, repoID); err != nil {
				return err
			}
			vs.Snapshots[repoID] = snapName
		}
		return tx.QueryRow(ctx, `
INSERT INTO view_snapshots (view_name, name, description, created_at)
VALUES ($1, $2, $3, now()) RETURNING created_at`, viewName, name, description).Scan(&vs.CreatedAt)
	})
	if err != nil {
		return chantal.ViewSnapshot{}, err
	}
	return vs, nil
}

// GetViewSnapshot implements store.Store.
func (s *Store) GetViewSnapshot(ctx context.Context, viewName, name string) (vs chantal.ViewSnapshot, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	vs = chantal.ViewSnapshot{ViewName: viewName, Name: name, Snapshots: map[string]string{}}
	row := s.pool.QueryRow(ctx, `SELECT description, created_at FROM view_snapshots WHERE view_name = $1 AND name = $2`, viewName, name)
	if err := row.Scan(&vs.Description, &vs.CreatedAt); err != nil {
		return chantal.ViewSnapshot{}, err
	}
	v, err := s.GetView(ctx, viewName)
	if err != nil {
		return chantal.ViewSnapshot{}, err
	}
	for _, repoID := range v.Members {
		var snapName string
		row := s.pool.QueryRow(ctx, `
SELECT s.name FROM snapshots s
WHERE s.repository_id = $1 AND s.name = $2`, repoID, name)
		if err := row.Scan(&snapName); err != nil {
			if err == pgx.ErrNoRows {
				// This member has no sibling Snapshot under this name; leave it out of Snapshots.
				continue
			}
			return chantal.ViewSnapshot{}, err
		}
		vs.Snapshots[repoID] = snapName
	}
	return vs, nil
}

// DeleteViewSnapshot implements store.Store. It removes the ViewSnapshot
// row only; the sibling repository Snapshots are independent rows,
// deletable individually via DeleteSnapshot.
func (s *Store) DeleteViewSnapshot(ctx context.Context, viewName, name string) (err error) {
	ctx, done := method(ctx, &err)
	defer done()

	_, err = s.pool.Exec(ctx, `DELETE FROM view_snapshots WHERE view_name = $1 AND name = $2`, viewName, name)
	return err
}
