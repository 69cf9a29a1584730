package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/generation"
	"tenderline/internal/matching"
	"tenderline/internal/notify"
	"tenderline/internal/repo"
	"tenderline/internal/retrieval"
	"tenderline/internal/retry"
)

func (e Engine) generationEntry(actorID string, requirementIDs []string) move {
	payload := events.EventPayload{}
	if len(requirementIDs) > 0 {
		payload["requirement_ids"] = requirementIDs
	}
	return move{
		op:      "begin generation",
		from:    []domain.Status{domain.StatusMatchApproved},
		to:      domain.StatusGenerating,
		actorID: actorID,
		payload: payload,
	}
}

// BeginGeneration drafts every approved gap, or the listed ones, on the
// worker pool. Requirements whose attempts all fail the assessor stay open
// gaps; the stage fails only when nothing is eligible or a collaborator
// keeps failing.
func (e Engine) BeginGeneration(ctx context.Context, projectID string, requirementIDs []string, actorID string) (domain.Project, error) {
	return e.begin(ctx, projectID, e.generationEntry(actorID, requirementIDs), stage{name: domain.StageGeneration, body: e.generateAll(requirementIDs), scope: requirementIDs})
}

func (e Engine) StartGeneration(ctx context.Context, projectID string, requirementIDs []string, actorID string) (domain.Project, error) {
	return e.start(ctx, projectID, e.generationEntry(actorID, requirementIDs), stage{name: domain.StageGeneration, body: e.generateAll(requirementIDs), scope: requirementIDs})
}

type draftJob struct {
	req   domain.Requirement
	match domain.ContentMatch
}

func (e Engine) coordinator(cfg *config.Config) *generation.Coordinator {
	return &generation.Coordinator{
		Service: e.Generator,
		Assessor: generation.Assessor{
			Config:             cfg.Generation,
			Specificity:        e.Specificity,
			SpecificityTimeout: cfg.Workflow.Timeouts.Semantic,
		},
		Store:  e.Repo,
		Config: cfg.Generation,
		Retry:  e.policy(cfg, cfg.Workflow.Timeouts.Generation),
		Now:    e.Now,
		NewID:  e.NewID,
		OnAttempt: func(ctx context.Context, t domain.GenerationTask) {
			e.emit(ctx, notify.FromAttempt(t))
		},
	}
}

// eligibleJobs returns the approved current matches that need generation,
// narrowed to requirementIDs when given, in requirement order.
func (e Engine) eligibleJobs(ctx context.Context, projectID string, requirementIDs []string) ([]draftJob, error) {
	reqs, err := e.Repo.ListRequirements(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	matches, err := e.Repo.CurrentMatches(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	byReq := make(map[string]domain.ContentMatch, len(matches))
	for _, m := range matches {
		byReq[m.RequirementID] = m
	}
	known := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		known[r.ID] = true
	}
	want := map[string]bool{}
	for _, id := range requirementIDs {
		if !known[id] {
			return nil, failure.Validation("generate", "requirement %s not found in project %s", id, projectID)
		}
		want[id] = true
	}
	var jobs []draftJob
	for _, r := range reqs {
		m, ok := byReq[r.ID]
		if !ok || !m.Approved || !m.NeedsGeneration {
			continue
		}
		if len(want) > 0 && !want[r.ID] {
			continue
		}
		jobs = append(jobs, draftJob{req: r, match: m})
	}
	return jobs, nil
}

func lineages(tasks []domain.GenerationTask) map[string][]domain.GenerationTask {
	res := map[string][]domain.GenerationTask{}
	for _, t := range tasks {
		res[t.RequirementID] = append(res[t.RequirementID], t)
	}
	return res
}

func (e Engine) generateAll(requirementIDs []string) func(ctx context.Context, p domain.Project) (outcome, error) {
	return func(ctx context.Context, p domain.Project) (outcome, error) {
		cfg, err := e.projectConfig(ctx, p.ID)
		if err != nil {
			return outcome{}, err
		}
		jobs, err := e.eligibleJobs(ctx, p.ID, requirementIDs)
		if err != nil {
			return outcome{}, err
		}
		if len(jobs) == 0 {
			return outcome{}, failure.Validation("generate", "no approved requirement needs generation")
		}
		if e.Generator == nil {
			return outcome{}, failure.Validation("generate", "no generation service configured")
		}
		tasks, err := e.Repo.ListGenerationTasks(ctx, nil, p.ID, "")
		if err != nil {
			return outcome{}, err
		}
		history := lineages(tasks)
		snap, err := matching.LoadSnapshot(ctx, e.Repo, p.CompanyID)
		if err != nil {
			return outcome{}, err
		}
		searcher := e.searcher(snap)
		coord := e.coordinator(cfg)

		errs := make([]error, len(jobs))
		var g errgroup.Group
		g.SetLimit(workerPool(cfg))
		for i, job := range jobs {
			lineage := history[job.req.ID]
			if n := len(lineage); n > 0 && lineage[n-1].Settled() {
				continue
			}
			g.Go(func() error {
				in, err := e.draftInput(ctx, cfg, searcher, snap, p, job.req, job.match)
				if err == nil {
					in.Lineage = lineage
					_, err = coord.Generate(ctx, in)
				}
				errs[i] = err
				return nil
			})
		}
		_ = g.Wait()

		latest, err := e.Repo.LatestGenerationTasks(context.WithoutCancel(ctx), nil, p.ID)
		if err != nil {
			return outcome{}, err
		}
		var open, gaps []string
		accepted := 0
		for _, job := range jobs {
			t, ok := latest[job.req.ID]
			switch {
			case ok && t.Outcome == domain.OutcomeAccepted:
				accepted++
			case ok && t.Settled():
				gaps = append(gaps, job.req.ID)
			default:
				open = append(open, job.req.ID)
			}
		}
		runErr := errors.Join(errs...)
		if runErr == nil && len(open) > 0 {
			runErr = ctx.Err()
		}
		if runErr != nil {
			return outcome{}, &unresolved{ids: open, err: runErr}
		}
		return outcome{
			to: domain.StatusGenerated,
			payload: events.EventPayload{
				"resolved": accepted,
				"total":    len(jobs),
				"gaps":     gaps,
				"summary":  fmt.Sprintf("resolved %d of %d", accepted, len(jobs)),
			},
		}, nil
	}
}

// draftInput gathers the matched items and the top retrieved references for
// one requirement.
func (e Engine) draftInput(ctx context.Context, cfg *config.Config, searcher retrieval.Searcher, snap *matching.Snapshot, p domain.Project, req domain.Requirement, m domain.ContentMatch) (generation.Input, error) {
	in := generation.Input{ProjectID: p.ID, ProjectName: p.Name, RCContext: p.RCContext, Requirement: req}
	for _, id := range m.ItemIDs {
		if it, ok := snap.Get(id); ok {
			in.Matched = append(in.Matched, it)
		}
	}
	k := cfg.Generation.ContextK
	if k <= 0 {
		k = 5
	}
	query := strings.TrimSpace(req.Title + " " + req.Description)
	var hits []retrieval.Hit
	err := retry.Do(ctx, e.policy(cfg, cfg.Workflow.Timeouts.Semantic), func(ctx context.Context) error {
		var err error
		hits, err = searcher.Search(ctx, query, p.CompanyID, k)
		return err
	})
	if err != nil {
		return in, fmt.Errorf("retrieve references for %s: %w", req.ID, err)
	}
	for _, h := range hits {
		it, ok := snap.Get(h.ItemID)
		if !ok {
			continue
		}
		in.References = append(in.References, generation.Reference{ItemID: it.ID, Title: it.Title, Body: it.Body, Similarity: h.Similarity})
	}
	return in, nil
}

// Regenerate makes exactly one new attempt for a requirement with the
// user's instructions. The project status does not change.
func (e Engine) Regenerate(ctx context.Context, projectID, requirementID, instructions, actorID string) (domain.GenerationTask, error) {
	const op = "regenerate"
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return domain.GenerationTask{}, err
	}
	if p.Status != domain.StatusGenerated && p.Status != domain.StatusReviewing {
		return domain.GenerationTask{}, failure.Precondition(op, p.Status, domain.StatusGenerated, domain.StatusReviewing)
	}
	if e.Generator == nil {
		return domain.GenerationTask{}, failure.Validation(op, "no generation service configured")
	}
	req, err := e.Repo.GetRequirement(ctx, nil, projectID, requirementID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.GenerationTask{}, failure.Validation(op, "requirement %s not found in project %s", requirementID, projectID)
		}
		return domain.GenerationTask{}, err
	}
	m, err := e.Repo.CurrentMatch(ctx, nil, projectID, requirementID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.GenerationTask{}, err
	}
	cfg, err := e.projectConfig(ctx, projectID)
	if err != nil {
		return domain.GenerationTask{}, err
	}
	instructions = strings.TrimSpace(instructions)
	payload := events.EventPayload{"requirement_id": requirementID}
	if instructions != "" {
		payload["instructions"] = instructions
	}
	if _, err := e.touch(ctx, p, op, events.TypeRegenerated, actorID, payload, nil); err != nil {
		return domain.GenerationTask{}, err
	}
	snap, err := matching.LoadSnapshot(ctx, e.Repo, p.CompanyID)
	if err != nil {
		return domain.GenerationTask{}, err
	}
	in, err := e.draftInput(ctx, cfg, e.searcher(snap), snap, p, req, m)
	if err != nil {
		return domain.GenerationTask{}, err
	}
	in.Instructions = instructions
	res, err := e.coordinator(cfg).Regenerate(ctx, in)
	return res.Final, err
}

// acceptedTexts returns, per requirement, the text of its latest accepted
// attempt.
func acceptedTexts(tasks []domain.GenerationTask) map[string]string {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].RequirementID != tasks[j].RequirementID {
			return tasks[i].RequirementID < tasks[j].RequirementID
		}
		return tasks[i].Attempt < tasks[j].Attempt
	})
	res := map[string]string{}
	for _, t := range tasks {
		if t.Outcome == domain.OutcomeAccepted && t.Text != nil {
			res[t.RequirementID] = *t.Text
		}
	}
	return res
}
