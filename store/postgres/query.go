package postgres

import (
	"context"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/store"
)

var dialect = goqu.Dialect("postgres")

// ListContentItems implements store.Store using goqu to build the dynamic
// content.list/search query, mirroring the teacher's
// datastore/postgres/querybuilder.go use of goqu for optional-filter
// queries instead of hand-assembling SQL fragments.
func (s *Store) ListContentItems(ctx context.Context, q store.ListQuery) (out []chantal.ContentItem, err error) {
	ctx, done := method(ctx, &err)
	defer done()

	ds := dialect.From(goqu.T("content_items").As("c")).
		Select("c.sha256", "c.filename", "c.size_bytes", "c.content_type", "c.name", "c.version", "c.architecture", "c.metadata").
		Order(goqu.I("c.name").Asc())

	if q.RepositoryID != "" {
		ds = ds.InnerJoin(
			goqu.T("repository_content_items").As("m"),
			goqu.On(goqu.I("m.sha256").Eq(goqu.I("c.sha256"))),
		).Where(goqu.I("m.repository_id").Eq(q.RepositoryID))
	}
	if q.ContentType != "" {
		ds = ds.Where(goqu.I("c.content_type").Eq(string(q.ContentType)))
	}
	if q.Architecture != "" {
		ds = ds.Where(goqu.I("c.architecture").Eq(q.Architecture))
	}
	if q.NamePattern != "" {
		ds = ds.Where(goqu.I("c.name").ILike("%" + q.NamePattern + "%"))
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}

	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanContentItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
