package repo

import (
	"context"
	"database/sql"
	"fmt"

	"tenderline/internal/domain"
)

// ReplaceRequirements swaps the project's requirement set. Matches and
// generation tasks of removed requirements go with them.
func (r Repo) ReplaceRequirements(ctx context.Context, tx *sql.Tx, projectID string, reqs []domain.Requirement) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM requirements WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for i, req := range reqs {
		keywords, err := encodeStrings(req.Keywords)
		if err != nil {
			return err
		}
		pos := req.Position
		if pos == 0 {
			pos = i + 1
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO requirements(id,project_id,title,description,category,points,keywords_json,position) VALUES (?,?,?,?,?,?,?,?)`,
			req.ID, projectID, req.Title, nullable(req.Description), nullable(req.Category), nullableFloatPtr(req.Points), keywords, pos); err != nil {
			return fmt.Errorf("insert requirement %s: %w", req.ID, err)
		}
	}
	return nil
}

const requirementColumns = `id,project_id,title,COALESCE(description,''),COALESCE(category,''),points,keywords_json,position`

func scanRequirement(row rowScanner) (domain.Requirement, error) {
	var req domain.Requirement
	var points sql.NullFloat64
	var keywords sql.NullString
	if err := row.Scan(&req.ID, &req.ProjectID, &req.Title, &req.Description, &req.Category, &points, &keywords, &req.Position); err != nil {
		if err == sql.ErrNoRows {
			return req, ErrNotFound
		}
		return req, err
	}
	if points.Valid {
		p := points.Float64
		req.Points = &p
	}
	kw, err := decodeStrings(keywords)
	if err != nil {
		return req, err
	}
	req.Keywords = kw
	return req, nil
}

// ListRequirements returns requirements in document order.
func (r Repo) ListRequirements(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Requirement, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE project_id=? ORDER BY position ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) GetRequirement(ctx context.Context, tx *sql.Tx, projectID, id string) (domain.Requirement, error) {
	return scanRequirement(r.q(tx).QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE project_id=? AND id=?`, projectID, id))
}
