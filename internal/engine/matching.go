package engine

import (
	"context"
	"database/sql"
	"errors"

	"golang.org/x/sync/errgroup"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/matching"
	"tenderline/internal/repo"
	"tenderline/internal/retrieval"
)

func (e Engine) matchingEntry(actorID string) move {
	return move{
		op:      "begin matching",
		from:    []domain.Status{domain.StatusExtracted},
		to:      domain.StatusMatching,
		actorID: actorID,
	}
}

// BeginMatching matches every requirement against one snapshot of the
// company library and stores a new match version per requirement. Requirements
// without content are gaps, not failures.
func (e Engine) BeginMatching(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.begin(ctx, projectID, e.matchingEntry(actorID), stage{name: domain.StageMatching, body: e.matchAll})
}

func (e Engine) StartMatching(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.start(ctx, projectID, e.matchingEntry(actorID), stage{name: domain.StageMatching, body: e.matchAll})
}

// searcher returns the configured retrieval service or a lexical index over
// the snapshot.
func (e Engine) searcher(snap *matching.Snapshot) retrieval.Searcher {
	if e.Searcher != nil {
		return e.Searcher
	}
	return retrieval.NewLexicalIndex(snap.Items())
}

func (e Engine) snapshot(ctx context.Context, companyID string) (*matching.Snapshot, error) {
	snap, err := matching.LoadSnapshot(ctx, e.Repo, companyID)
	if err != nil {
		return nil, err
	}
	if snap.Len() == 0 {
		return nil, failure.Validation("match", "content library of company %s is empty", companyID)
	}
	return snap, nil
}

func (e Engine) matcher(cfg *config.Config, snap *matching.Snapshot) matching.Engine {
	return matching.Engine{
		Config:   cfg.Matching,
		Searcher: e.searcher(snap),
		Retry:    e.policy(cfg, cfg.Workflow.Timeouts.Semantic),
	}
}

func (e Engine) matchAll(ctx context.Context, p domain.Project) (outcome, error) {
	cfg, err := e.projectConfig(ctx, p.ID)
	if err != nil {
		return outcome{}, err
	}
	reqs, err := e.Repo.ListRequirements(ctx, nil, p.ID)
	if err != nil {
		return outcome{}, err
	}
	if len(reqs) == 0 {
		return outcome{}, failure.Validation("match", "project %s has no requirements", p.ID)
	}
	snap, err := e.snapshot(ctx, p.CompanyID)
	if err != nil {
		return outcome{}, err
	}
	m := e.matcher(cfg, snap)
	pc := matching.ProjectContext{ProjectID: p.ID, CompanyID: p.CompanyID}

	results := make([]domain.ContentMatch, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerPool(cfg))
	for i, req := range reqs {
		g.Go(func() error {
			cm, err := m.Match(gctx, req, snap, pc)
			if err != nil {
				return err
			}
			results[i] = cm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcome{}, err
	}
	// a canceled run may have skipped requirements without an error
	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}

	gaps, uploads := 0, 0
	now := e.timestamp()
	for i := range results {
		results[i].ID = e.newID()
		results[i].CreatedAt = now
		if results[i].IsGap() {
			gaps++
		}
		if results[i].NeedsUpload {
			uploads++
		}
	}
	return outcome{
		to:      domain.StatusMatched,
		payload: events.EventPayload{"requirements": len(reqs), "gaps": gaps, "needs_upload": uploads, "library_size": snap.Len()},
		within: func(ctx context.Context, tx *sql.Tx, p domain.Project) error {
			for _, cm := range results {
				if _, err := e.Repo.InsertMatch(ctx, tx, cm); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

// BeginCustomization opens the matches for manual edits.
func (e Engine) BeginCustomization(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.apply(ctx, projectID, move{
		op:      "begin customization",
		from:    []domain.Status{domain.StatusMatched},
		to:      domain.StatusCustomizing,
		actorID: actorID,
	})
}

func (e Engine) EndCustomization(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.apply(ctx, projectID, move{
		op:      "end customization",
		from:    []domain.Status{domain.StatusCustomizing},
		to:      domain.StatusMatched,
		actorID: actorID,
	})
}

// ApplyOverride stores a manual match version for one requirement. Earlier
// versions are kept.
func (e Engine) ApplyOverride(ctx context.Context, projectID, requirementID string, o matching.Override, actorID string) (domain.ContentMatch, error) {
	const op = "override"
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return domain.ContentMatch{}, err
	}
	if p.Status != domain.StatusCustomizing {
		return domain.ContentMatch{}, failure.Precondition(op, p.Status, domain.StatusCustomizing)
	}
	if _, err := e.Repo.GetRequirement(ctx, nil, projectID, requirementID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ContentMatch{}, failure.Validation(op, "requirement %s not found in project %s", requirementID, projectID)
		}
		return domain.ContentMatch{}, err
	}
	current, err := e.Repo.CurrentMatch(ctx, nil, projectID, requirementID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		current = domain.ContentMatch{ProjectID: projectID, RequirementID: requirementID, ItemIDs: []string{}}
	case err != nil:
		return domain.ContentMatch{}, err
	}
	snap, err := matching.LoadSnapshot(ctx, e.Repo, p.CompanyID)
	if err != nil {
		return domain.ContentMatch{}, err
	}
	next, err := matching.ApplyOverride(current, snap, o)
	if err != nil {
		return domain.ContentMatch{}, err
	}
	next.ID = e.newID()
	next.CreatedAt = e.timestamp()
	payload := events.EventPayload{
		"requirement_id":   requirementID,
		"item_ids":         next.ItemIDs,
		"needs_generation": next.NeedsGeneration,
		"needs_upload":     next.NeedsUpload,
	}
	_, err = e.touch(ctx, p, op, events.TypeMatchOverride, actorID, payload, func(ctx context.Context, tx *sql.Tx, p domain.Project) error {
		stored, err := e.Repo.InsertMatch(ctx, tx, next)
		next = stored
		return err
	})
	if err != nil {
		return domain.ContentMatch{}, err
	}
	return next, nil
}

// ApproveMatches freezes the current match of every requirement. The
// approval flags are written in the same transaction as the transition.
func (e Engine) ApproveMatches(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	var approved int64
	return e.apply(ctx, projectID, move{
		op:      "approve matches",
		from:    []domain.Status{domain.StatusMatched, domain.StatusCustomizing},
		to:      domain.StatusMatchApproved,
		event:   events.TypeMatchesApproved,
		actorID: actorID,
		within: func(ctx context.Context, tx *sql.Tx, p domain.Project) error {
			n, err := e.Repo.ApproveCurrentMatches(ctx, tx, p.ID)
			approved = n
			return err
		},
		payload: events.EventPayload{"approved": &approved},
	})
}
