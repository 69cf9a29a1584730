package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/failure"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set, otherwise the pool. Callers holding a tx must pass it:
// the pool has a single connection.
func (r Repo) q(tx *sql.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `id,name,company_id,status,version,COALESCE(source_ref,''),COALESCE(artifact_ref,''),COALESCE(rc_context,''),last_error_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var lastErr sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.CompanyID, &p.Status, &p.Version, &p.SourceRef, &p.ArtifactRef, &p.RCContext, &lastErr, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if lastErr.Valid && lastErr.String != "" {
		var se domain.StageError
		if err := json.Unmarshal([]byte(lastErr.String), &se); err != nil {
			return p, fmt.Errorf("decode last_error: %w", err)
		}
		p.LastError = &se
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,company_id,status,version,source_ref,artifact_ref,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.CompanyID, p.Status, p.Version, nullable(p.SourceRef), nullable(p.ArtifactRef), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx, "")
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context, status domain.Status) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectUpdate lists the optional column changes written with a transition.
type ProjectUpdate struct {
	SourceRef   *string
	ArtifactRef *string
	RCContext   *string
	// SetError records the stage error; ClearError removes it.
	SetError   *domain.StageError
	ClearError bool
}

// TransitionProject is the compare-and-set write of a project's status. It
// succeeds only while the row still has the expected status and version and
// returns the new version.
func (r Repo) TransitionProject(ctx context.Context, tx *sql.Tx, id string, from domain.Status, version int64, to domain.Status, upd ProjectUpdate, updatedAt string) (int64, error) {
	fields := []string{"status=?", "version=version+1", "updated_at=?"}
	args := []any{to, updatedAt}
	if upd.SourceRef != nil {
		fields = append(fields, "source_ref=?")
		args = append(args, nullable(*upd.SourceRef))
	}
	if upd.ArtifactRef != nil {
		fields = append(fields, "artifact_ref=?")
		args = append(args, nullable(*upd.ArtifactRef))
	}
	if upd.RCContext != nil {
		fields = append(fields, "rc_context=?")
		args = append(args, nullable(*upd.RCContext))
	}
	switch {
	case upd.SetError != nil:
		data, err := json.Marshal(upd.SetError)
		if err != nil {
			return 0, err
		}
		fields = append(fields, "last_error_json=?")
		args = append(args, string(data))
	case upd.ClearError:
		fields = append(fields, "last_error_json=NULL")
	}
	args = append(args, id, from, version)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=? AND status=? AND version=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		var exists int
		if err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE id=?`, id).Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, failure.ErrConcurrentModification
	}
	return version + 1, nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return failure.Validation("config", "%v", err)
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, tx *sql.Tx, projectID string) (*config.Config, error) {
	var payload string
	err := r.q(tx).QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func decodeStrings(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
