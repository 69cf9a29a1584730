package repo

import (
	"context"
	"database/sql"

	"tenderline/internal/domain"
)

const eventColumns = `project_id,seq,type,COALESCE(from_status,''),COALESCE(to_status,''),actor_id,ts,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.WorkflowEvent, error) {
	defer rows.Close()
	var res []domain.WorkflowEvent
	for rows.Next() {
		var e domain.WorkflowEvent
		if err := rows.Scan(&e.ProjectID, &e.Seq, &e.Type, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns a project's events with seq greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, projectID string, cursor int64, limit int) ([]domain.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM workflow_events WHERE project_id=? AND seq>? ORDER BY seq ASC LIMIT ?`, projectID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, projectID string, limit int) ([]domain.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM workflow_events WHERE project_id=? ORDER BY seq DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LastEventOfType returns the newest event of the given type.
func (r Repo) LastEventOfType(ctx context.Context, tx *sql.Tx, projectID, evtType string) (domain.WorkflowEvent, error) {
	var e domain.WorkflowEvent
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM workflow_events WHERE project_id=? AND type=? ORDER BY seq DESC LIMIT 1`, projectID, evtType).
		Scan(&e.ProjectID, &e.Seq, &e.Type, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.TS, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// LatestEventSeq returns the most recent sequence number for a project.
func (r Repo) LatestEventSeq(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM workflow_events WHERE project_id=?`, projectID).Scan(&seq)
	return seq, err
}
