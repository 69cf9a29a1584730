package repo

import (
	"context"
	"database/sql"

	"tenderline/internal/domain"
)

const matchColumns = `id,project_id,requirement_id,version,item_ids_json,confidence,strategy,needs_generation,needs_upload,rationale,approved,created_at`

func scanMatch(row rowScanner) (domain.ContentMatch, error) {
	var m domain.ContentMatch
	var items sql.NullString
	var needsGen, needsUpload, approved int
	if err := row.Scan(&m.ID, &m.ProjectID, &m.RequirementID, &m.Version, &items, &m.Confidence, &m.Strategy, &needsGen, &needsUpload, &m.Rationale, &approved, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return m, ErrNotFound
		}
		return m, err
	}
	ids, err := decodeStrings(items)
	if err != nil {
		return m, err
	}
	if ids == nil {
		ids = []string{}
	}
	m.ItemIDs = ids
	m.NeedsGeneration = needsGen == 1
	m.NeedsUpload = needsUpload == 1
	m.Approved = approved == 1
	return m, nil
}

// InsertMatch appends a new version of a requirement's match and returns it
// with its assigned version.
func (r Repo) InsertMatch(ctx context.Context, tx *sql.Tx, m domain.ContentMatch) (domain.ContentMatch, error) {
	q := r.q(tx)
	var next int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM content_matches WHERE project_id=? AND requirement_id=?`, m.ProjectID, m.RequirementID).Scan(&next); err != nil {
		return m, err
	}
	m.Version = next
	items, err := encodeStrings(m.ItemIDs)
	if err != nil {
		return m, err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO content_matches(`+matchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.RequirementID, m.Version, items, m.Confidence, m.Strategy,
		boolInt(m.NeedsGeneration), boolInt(m.NeedsUpload), m.Rationale, boolInt(m.Approved), m.CreatedAt)
	return m, err
}

// CurrentMatches returns the latest version for each requirement of the
// project, in requirement order.
func (r Repo) CurrentMatches(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.ContentMatch, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT m.id,m.project_id,m.requirement_id,m.version,m.item_ids_json,m.confidence,m.strategy,m.needs_generation,m.needs_upload,m.rationale,m.approved,m.created_at
FROM content_matches m
JOIN requirements q ON q.project_id=m.project_id AND q.id=m.requirement_id
WHERE m.project_id=? AND m.version=(SELECT MAX(version) FROM content_matches x WHERE x.project_id=m.project_id AND x.requirement_id=m.requirement_id)
ORDER BY q.position ASC, q.id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CurrentMatch returns the latest match version of one requirement.
func (r Repo) CurrentMatch(ctx context.Context, tx *sql.Tx, projectID, requirementID string) (domain.ContentMatch, error) {
	return scanMatch(r.q(tx).QueryRowContext(ctx, `SELECT `+matchColumns+` FROM content_matches WHERE project_id=? AND requirement_id=? ORDER BY version DESC LIMIT 1`, projectID, requirementID))
}

// MatchHistory lists every version of a requirement's match, oldest first.
func (r Repo) MatchHistory(ctx context.Context, projectID, requirementID string) ([]domain.ContentMatch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+matchColumns+` FROM content_matches WHERE project_id=? AND requirement_id=? ORDER BY version ASC`, projectID, requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ApproveCurrentMatches flags the latest version of every requirement's match
// as approved and returns how many rows changed.
func (r Repo) ApproveCurrentMatches(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE content_matches SET approved=1
WHERE project_id=? AND approved=0 AND version=(SELECT MAX(version) FROM content_matches x WHERE x.project_id=content_matches.project_id AND x.requirement_id=content_matches.requirement_id)`, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
