package engine

import (
	"context"
	"database/sql"
	"strings"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/notify"
	"tenderline/internal/repo"
)

// CreateOptions are parameters for creating a project.
type CreateOptions struct {
	ID        string
	Name      string
	CompanyID string
	ActorID   string
	// Config seeds the project's settings; defaults when nil.
	Config *config.Config
}

// CreateProject stores a new project in Draft together with its config.
func (e Engine) CreateProject(ctx context.Context, opts CreateOptions) (domain.Project, error) {
	const op = "create project"
	opts.Name = strings.TrimSpace(opts.Name)
	opts.CompanyID = strings.TrimSpace(opts.CompanyID)
	if opts.Name == "" {
		return domain.Project{}, failure.Validation(op, "name is required")
	}
	if opts.CompanyID == "" {
		return domain.Project{}, failure.Validation(op, "company is required")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = e.newID()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default(id)
	}
	cfg.Project.ID = id
	cfg.Project.CompanyID = opts.CompanyID
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, failure.Validation(op, "%v", err)
	}
	now := e.timestamp()
	p := domain.Project{
		ID:        id,
		Name:      opts.Name,
		CompanyID: opts.CompanyID,
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, err
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	evt, err := w.Append(ctx, tx, events.TypeProjectCreated, p.ID, "", p.Status, opts.ActorID, events.EventPayload{"name": p.Name, "company_id": p.CompanyID})
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.emit(ctx, notify.FromEvent(evt))
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, nil, id)
}

// AttachSource records the tender's source document reference.
func (e Engine) AttachSource(ctx context.Context, projectID, sourceRef, actorID string) (domain.Project, error) {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return domain.Project{}, failure.Validation("attach source", "source reference is required")
	}
	return e.apply(ctx, projectID, move{
		op:      "attach source",
		from:    []domain.Status{domain.StatusDraft},
		to:      domain.StatusSourceUploaded,
		actorID: actorID,
		update:  repo.ProjectUpdate{SourceRef: &sourceRef},
		payload: events.EventPayload{"source_ref": sourceRef},
	})
}

// UpdateConfig replaces the project's settings. Not allowed while a stage
// is in flight.
func (e Engine) UpdateConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) (domain.Project, error) {
	if cfg == nil {
		return domain.Project{}, failure.Validation("update config", "config is required")
	}
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return p, err
	}
	if inFlight(p.Status) {
		return p, failure.Precondition("update config", p.Status)
	}
	cfg.Project.CompanyID = p.CompanyID
	if err := cfg.Validate(); err != nil {
		return p, failure.Validation("update config", "%v", err)
	}
	return e.touch(ctx, p, "update config", events.TypeConfigUpdated, actorID, nil, func(ctx context.Context, tx *sql.Tx, p domain.Project) error {
		return e.Repo.UpsertProjectConfig(ctx, tx, p.ID, cfg)
	})
}

// MarkCompleted closes a Ready project.
func (e Engine) MarkCompleted(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.apply(ctx, projectID, move{
		op:      "complete",
		from:    []domain.Status{domain.StatusReady},
		to:      domain.StatusCompleted,
		actorID: actorID,
	})
}

// MarkSubmitted records the submission of a completed project.
func (e Engine) MarkSubmitted(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.apply(ctx, projectID, move{
		op:      "submit",
		from:    []domain.Status{domain.StatusCompleted},
		to:      domain.StatusSubmitted,
		actorID: actorID,
	})
}

// BeginReview opens the generated sections for review.
func (e Engine) BeginReview(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.apply(ctx, projectID, move{
		op:      "begin review",
		from:    []domain.Status{domain.StatusGenerated},
		to:      domain.StatusReviewing,
		actorID: actorID,
	})
}

func (e Engine) EndReview(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.apply(ctx, projectID, move{
		op:      "end review",
		from:    []domain.Status{domain.StatusReviewing},
		to:      domain.StatusGenerated,
		actorID: actorID,
	})
}
