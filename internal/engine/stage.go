package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/repo"
)

// outcome is the terminal transition of a successful stage body.
type outcome struct {
	to      domain.Status
	update  repo.ProjectUpdate
	payload events.EventPayload
	within  func(ctx context.Context, tx *sql.Tx, p domain.Project) error
}

// stage couples an in-flight status with the work run inside it.
type stage struct {
	name domain.Stage
	body func(ctx context.Context, p domain.Project) (outcome, error)
	// scope is the requirement subset requested for the run, if any.
	scope []string
}

// unresolved tags a stage error with the requirements left unfinished.
type unresolved struct {
	ids []string
	err error
}

func (u *unresolved) Error() string { return u.err.Error() }
func (u *unresolved) Unwrap() error { return u.err }

// begin performs the entry move and runs the stage to its terminal state.
func (e Engine) begin(ctx context.Context, projectID string, entry move, st stage) (domain.Project, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := e.runs.track(projectID, cancel)
	defer release()
	p, err := e.apply(ctx, projectID, entry)
	if err != nil {
		return p, err
	}
	return e.run(ctx, p, st, entry.actorID)
}

// start performs the entry move and leaves the stage running in the
// background. The returned project is in the stage's in-flight status. The
// run is registered before the entry move, so a Cancel that observes the
// in-flight status always reaches it.
func (e Engine) start(ctx context.Context, projectID string, entry move, st stage) (domain.Project, error) {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	release := e.runs.track(projectID, cancel)
	p, err := e.apply(ctx, projectID, entry)
	if err != nil {
		release()
		cancel()
		return p, err
	}
	e.runs.goRun(func() {
		defer cancel()
		defer release()
		if _, err := e.run(bg, p, st, entry.actorID); err != nil {
			e.logf("project %s: %s stage: %v", p.ID, st.name, err)
		}
	})
	return p, nil
}

// run executes the stage body under ctx, which the caller has registered
// for Cancel, and writes the terminal transition.
func (e Engine) run(ctx context.Context, p domain.Project, st stage, actorID string) (domain.Project, error) {
	out, err := st.body(ctx, p)
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		return e.fail(wctx, p, st.name, st.scope, actorID, err)
	}
	out.update.ClearError = true
	out.update.SetError = nil
	return e.write(wctx, p, move{
		op:      string(st.name),
		to:      out.to,
		actorID: actorID,
		update:  out.update,
		payload: out.payload,
		within:  out.within,
	})
}

// fail moves p from its in-flight status to Failed with a structured error.
func (e Engine) fail(ctx context.Context, p domain.Project, name domain.Stage, scope []string, actorID string, cause error) (domain.Project, error) {
	se := domain.StageError{
		Stage: name,
		Kind:  string(failure.KindOf(cause)),
		Cause: cause.Error(),
		Scope: scope,
	}
	var u *unresolved
	if errors.As(cause, &u) {
		se.RequirementIDs = u.ids
	}
	payload := events.EventPayload{"stage": se.Stage, "kind": se.Kind, "cause": se.Cause}
	if len(se.RequirementIDs) > 0 {
		payload["requirement_ids"] = se.RequirementIDs
	}
	if len(se.Scope) > 0 {
		payload["scope"] = se.Scope
	}
	failed, err := e.write(ctx, p, move{
		op:      string(name),
		to:      domain.StatusFailed,
		event:   events.TypeStageFailed,
		actorID: actorID,
		update:  repo.ProjectUpdate{SetError: &se},
		payload: payload,
	})
	if err != nil {
		return p, fmt.Errorf("record %s failure (%v): %w", name, cause, err)
	}
	return failed, failure.StageFailed(name, cause)
}

func (e Engine) stageFor(name domain.Stage, requirementIDs, scope []string) (stage, error) {
	switch name {
	case domain.StageExtraction:
		return stage{name: name, body: e.extract}, nil
	case domain.StageMatching:
		return stage{name: name, body: e.matchAll}, nil
	case domain.StageGeneration:
		return stage{name: name, body: e.generateAll(requirementIDs), scope: scope}, nil
	case domain.StageAssembly:
		return stage{name: name, body: e.assemble}, nil
	}
	return stage{}, failure.Validation("retry", "unknown stage %q", name)
}

// failedStage reads the stage to re-enter from the project's error payload,
// falling back to the latest stage.failed event.
func (e Engine) failedStage(ctx context.Context, p domain.Project) (domain.StageError, error) {
	if p.LastError != nil && p.LastError.Stage != "" {
		return *p.LastError, nil
	}
	evt, err := e.Repo.LastEventOfType(ctx, nil, p.ID, events.TypeStageFailed)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StageError{}, failure.Validation("retry", "project %s has no recorded stage failure", p.ID)
		}
		return domain.StageError{}, err
	}
	var se domain.StageError
	if err := decodePayload(evt.Payload, &se); err != nil || se.Stage == "" {
		return domain.StageError{}, failure.Validation("retry", "project %s has no recorded stage failure", p.ID)
	}
	return se, nil
}

func (e Engine) retryPlan(ctx context.Context, projectID, actorID string) (move, stage, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return move{}, stage{}, err
	}
	if p.Status != domain.StatusFailed {
		return move{}, stage{}, failure.Precondition("retry", p.Status, domain.StatusFailed)
	}
	se, err := e.failedStage(ctx, p)
	if err != nil {
		return move{}, stage{}, err
	}
	// generation resumes the unfinished requirements, else the subset the
	// failed run was asked for
	var ids []string
	if se.Stage == domain.StageGeneration {
		ids = se.RequirementIDs
		if len(ids) == 0 {
			ids = se.Scope
		}
	}
	st, err := e.stageFor(se.Stage, ids, se.Scope)
	if err != nil {
		return move{}, stage{}, err
	}
	entry := move{
		op:      "retry",
		from:    []domain.Status{domain.StatusFailed},
		to:      se.Stage.ActiveStatus(),
		event:   events.TypeStageRetried,
		actorID: actorID,
		payload: events.EventPayload{"stage": se.Stage},
		within: func(ctx context.Context, tx *sql.Tx, p domain.Project) error {
			_, err := e.Repo.InterruptPendingTasks(ctx, tx, p.ID, e.timestamp())
			return err
		},
	}
	return entry, st, nil
}

// Retry re-enters the stage recorded in the project's failure and reruns it.
// Work finished before the failure is kept; the error payload is cleared by
// the stage's successful terminal transition.
func (e Engine) Retry(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	entry, st, err := e.retryPlan(ctx, projectID, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	return e.begin(ctx, projectID, entry, st)
}

func (e Engine) StartRetry(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	entry, st, err := e.retryPlan(ctx, projectID, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	return e.start(ctx, projectID, entry, st)
}

// Cancel stops the project's in-flight stage. Outstanding workers see the
// cancellation and the stage ends in Failed with kind canceled. A stage left
// in flight by a stopped process is failed directly.
func (e Engine) Cancel(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return p, err
	}
	if !inFlight(p.Status) {
		return p, failure.Precondition("cancel", p.Status, domain.StatusExtracting, domain.StatusMatching, domain.StatusGenerating, domain.StatusAssembling)
	}
	if e.runs.cancel(projectID) {
		return p, nil
	}
	name := stageOf(p.Status)
	var scope []string
	if name == domain.StageGeneration {
		if scope, err = e.generationScope(ctx, p); err != nil {
			return p, err
		}
	}
	failed, err := e.fail(ctx, p, name, scope, actorID, context.Canceled)
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Kind == failure.KindStageFailure {
		return failed, nil
	}
	return failed, err
}

func stageOf(s domain.Status) domain.Stage {
	for _, st := range []domain.Stage{domain.StageExtraction, domain.StageMatching, domain.StageGeneration, domain.StageAssembly} {
		if st.ActiveStatus() == s {
			return st
		}
	}
	return ""
}

// generationScope recovers the requirement subset of the generation run p is
// in: the scope of the failure being retried, else the entry payload.
func (e Engine) generationScope(ctx context.Context, p domain.Project) ([]string, error) {
	if p.LastError != nil && p.LastError.Stage == domain.StageGeneration {
		return p.LastError.Scope, nil
	}
	evt, err := e.Repo.LastEventOfType(ctx, nil, p.ID, events.TypeTransition)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if evt.ToStatus != domain.StatusGenerating {
		return nil, nil
	}
	var entry struct {
		RequirementIDs []string `json:"requirement_ids"`
	}
	if err := decodePayload(evt.Payload, &entry); err != nil {
		return nil, err
	}
	return entry.RequirementIDs, nil
}
