package engine

import (
	"context"
	"database/sql"
	"strings"

	"tenderline/internal/config"
	"tenderline/internal/docsvc"
	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/generation"
	"tenderline/internal/repo"
	"tenderline/internal/retry"
)

func (e Engine) extractionEntry(actorID string) move {
	return move{
		op:      "begin extraction",
		from:    []domain.Status{domain.StatusSourceUploaded},
		to:      domain.StatusExtracting,
		actorID: actorID,
	}
}

// BeginExtraction runs the extraction collaborator on the project's source
// document and stores the requirements it returns.
func (e Engine) BeginExtraction(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.begin(ctx, projectID, e.extractionEntry(actorID), stage{name: domain.StageExtraction, body: e.extract})
}

func (e Engine) StartExtraction(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.start(ctx, projectID, e.extractionEntry(actorID), stage{name: domain.StageExtraction, body: e.extract})
}

func (e Engine) extract(ctx context.Context, p domain.Project) (outcome, error) {
	if e.Extractor == nil {
		return outcome{}, failure.Validation("extract", "no extraction service configured")
	}
	if p.SourceRef == "" {
		return outcome{}, failure.Validation("extract", "project %s has no source document", p.ID)
	}
	cfg, err := e.projectConfig(ctx, p.ID)
	if err != nil {
		return outcome{}, err
	}
	var reqs []domain.Requirement
	err = retry.Do(ctx, e.policy(cfg, cfg.Workflow.Timeouts.Extraction), func(ctx context.Context) error {
		var err error
		reqs, err = e.Extractor.Extract(ctx, p.ID, p.SourceRef)
		return err
	})
	if err != nil {
		return outcome{}, err
	}
	reqs, err = docsvc.Normalize(p.ID, reqs)
	if err != nil {
		return outcome{}, err
	}
	rc := e.rcContext(ctx, cfg, p)
	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}
	return outcome{
		to:      domain.StatusExtracted,
		update:  repo.ProjectUpdate{RCContext: &rc},
		payload: events.EventPayload{"requirements": len(reqs), "rc_context": rc != ""},
		within: func(ctx context.Context, tx *sql.Tx, p domain.Project) error {
			return e.Repo.ReplaceRequirements(ctx, tx, p.ID, reqs)
		},
	}, nil
}

// rcContext reads the consultation rules through the extractor, when it can,
// and has the generation service condense them into evaluation criteria.
// It never fails the stage: a read error drops the context and a service
// error keeps a raw excerpt.
func (e Engine) rcContext(ctx context.Context, cfg *config.Config, p domain.Project) string {
	rr, ok := e.Extractor.(docsvc.RCReader)
	if !ok {
		return ""
	}
	text, err := rr.ReadRC(ctx, p.SourceRef)
	if err != nil {
		e.logf("project %s: read rc: %v", p.ID, err)
		return ""
	}
	if text == "" || e.Generator == nil {
		return excerpt(text, rcExcerptChars)
	}
	var summary string
	err = retry.Do(ctx, e.policy(cfg, cfg.Workflow.Timeouts.Generation), func(ctx context.Context) error {
		var err error
		summary, err = generation.SummarizeRC(ctx, e.Generator, cfg.Generation.Model, text)
		return err
	})
	if err != nil || summary == "" {
		if err != nil {
			e.logf("project %s: %v", p.ID, err)
		}
		return excerpt(text, rcExcerptChars)
	}
	return summary
}

const rcExcerptChars = 1500

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + " …"
}
