package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tenderline/internal/domain"
)

// ErrAlreadyFinished is returned when a finished generation task is written again.
var ErrAlreadyFinished = errors.New("generation task already finished")

const taskColumns = `id,project_id,requirement_id,attempt,context,text,score,issues_json,outcome,interrupted,COALESCE(error,''),COALESCE(model,''),input_tokens,output_tokens,latency_ms,created_at,finished_at`

func scanTask(row rowScanner) (domain.GenerationTask, error) {
	var t domain.GenerationTask
	var text, issues, finished sql.NullString
	var score sql.NullFloat64
	var interrupted int
	if err := row.Scan(&t.ID, &t.ProjectID, &t.RequirementID, &t.Attempt, &t.Context, &text, &score, &issues, &t.Outcome, &interrupted,
		&t.Error, &t.Model, &t.InputTokens, &t.OutputTokens, &t.LatencyMS, &t.CreatedAt, &finished); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	if text.Valid {
		t.Text = &text.String
	}
	if score.Valid {
		s := score.Float64
		t.Score = &s
	}
	if finished.Valid {
		t.FinishedAt = &finished.String
	}
	list, err := decodeStrings(issues)
	if err != nil {
		return t, err
	}
	t.Issues = list
	t.Interrupted = interrupted == 1
	return t, nil
}

// StartGenerationTask records a pending attempt. The attempt number continues
// the requirement's lineage across runs.
func (r Repo) StartGenerationTask(ctx context.Context, t domain.GenerationTask) (domain.GenerationTask, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM generation_tasks WHERE project_id=? AND requirement_id=?`, t.ProjectID, t.RequirementID).Scan(&t.Attempt); err != nil {
		return t, err
	}
	t.Outcome = domain.OutcomePending
	t.FinishedAt = nil
	if _, err := tx.ExecContext(ctx, `INSERT INTO generation_tasks(id,project_id,requirement_id,attempt,context,outcome,model,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.RequirementID, t.Attempt, t.Context, t.Outcome, nullable(t.Model), t.CreatedAt); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// FinishGenerationTask writes the final outcome of a pending attempt. A task
// is finished exactly once.
func (r Repo) FinishGenerationTask(ctx context.Context, t domain.GenerationTask) error {
	if t.Outcome == domain.OutcomePending {
		return fmt.Errorf("finish task %s: outcome must not be pending", t.ID)
	}
	issues, err := json.Marshal(t.Issues)
	if err != nil {
		return err
	}
	if t.Issues == nil {
		issues = []byte("[]")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE generation_tasks SET text=?, score=?, issues_json=?, outcome=?, interrupted=?, error=?, model=?, input_tokens=?, output_tokens=?, latency_ms=?, finished_at=?
WHERE id=? AND outcome='pending'`,
		nullableStringPtr(t.Text), nullableFloatPtr(t.Score), string(issues), t.Outcome, boolInt(t.Interrupted), nullable(t.Error), nullable(t.Model),
		t.InputTokens, t.OutputTokens, t.LatencyMS, nullableStringPtr(t.FinishedAt), t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetGenerationTask(ctx, t.ID); err != nil {
			return err
		}
		return ErrAlreadyFinished
	}
	return nil
}

func (r Repo) GetGenerationTask(ctx context.Context, id string) (domain.GenerationTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id=?`, id))
}

// ListGenerationTasks returns a project's attempts ordered by requirement and
// attempt. requirementID narrows to one lineage when set.
func (r Repo) ListGenerationTasks(ctx context.Context, tx *sql.Tx, projectID, requirementID string) ([]domain.GenerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE project_id=?`
	args := []any{projectID}
	if requirementID != "" {
		query += ` AND requirement_id=?`
		args = append(args, requirementID)
	}
	query += ` ORDER BY requirement_id ASC, attempt ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestGenerationTasks maps each requirement to its most recent attempt.
func (r Repo) LatestGenerationTasks(ctx context.Context, tx *sql.Tx, projectID string) (map[string]domain.GenerationTask, error) {
	tasks, err := r.ListGenerationTasks(ctx, tx, projectID, "")
	if err != nil {
		return nil, err
	}
	res := make(map[string]domain.GenerationTask, len(tasks))
	for _, t := range tasks {
		res[t.RequirementID] = t
	}
	return res, nil
}

// InterruptPendingTasks closes attempts left pending by a crashed or canceled
// run so their lineage can be resumed.
func (r Repo) InterruptPendingTasks(ctx context.Context, tx *sql.Tx, projectID, finishedAt string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE generation_tasks SET outcome='failed', interrupted=1, error='interrupted', finished_at=? WHERE project_id=? AND outcome='pending'`, finishedAt, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountGenerationOutcomes tallies the latest attempt of each requirement by outcome.
func (r Repo) CountGenerationOutcomes(ctx context.Context, projectID string) (map[domain.GenerationOutcome]int, error) {
	latest, err := r.LatestGenerationTasks(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	res := map[domain.GenerationOutcome]int{}
	for _, t := range latest {
		res[t.Outcome]++
	}
	return res, nil
}
