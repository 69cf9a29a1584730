package repo

import (
	"context"
	"database/sql"
	"strings"

	"tenderline/internal/domain"
)

// UpsertContentItem stores or replaces a library item.
func (r Repo) UpsertContentItem(ctx context.Context, tx *sql.Tx, item domain.ContentItem) error {
	tags, err := encodeStrings(item.Tags)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO content_items(id,company_id,type,title,body,tags_json,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET company_id=excluded.company_id, type=excluded.type, title=excluded.title, body=excluded.body, tags_json=excluded.tags_json, updated_at=excluded.updated_at`,
		item.ID, item.CompanyID, item.Type, item.Title, item.Body, tags, item.UpdatedAt)
	return err
}

func scanContentItem(row rowScanner) (domain.ContentItem, error) {
	var it domain.ContentItem
	var tags sql.NullString
	if err := row.Scan(&it.ID, &it.CompanyID, &it.Type, &it.Title, &it.Body, &tags, &it.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return it, ErrNotFound
		}
		return it, err
	}
	t, err := decodeStrings(tags)
	if err != nil {
		return it, err
	}
	it.Tags = t
	return it, nil
}

func (r Repo) GetContentItem(ctx context.Context, id string) (domain.ContentItem, error) {
	return scanContentItem(r.DB.QueryRowContext(ctx, `SELECT id,company_id,type,title,body,tags_json,updated_at FROM content_items WHERE id=?`, id))
}

type ContentFilters struct {
	CompanyID string
	Type      string
	Tag       string
}

func (r Repo) ListContentItems(ctx context.Context, tx *sql.Tx, f ContentFilters) ([]domain.ContentItem, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,company_id,type,title,body,tags_json,updated_at FROM content_items `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentItem
	for rows.Next() {
		it, err := scanContentItem(rows)
		if err != nil {
			return nil, err
		}
		if f.Tag != "" && !hasTag(it.Tags, f.Tag) {
			continue
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ContentItems returns the company's library. It backs the matching engine's
// snapshot.
func (r Repo) ContentItems(ctx context.Context, companyID string) ([]domain.ContentItem, error) {
	return r.ListContentItems(ctx, nil, ContentFilters{CompanyID: companyID})
}

func (r Repo) DeleteContentItem(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM content_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
