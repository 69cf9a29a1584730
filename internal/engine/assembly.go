package engine

import (
	"context"
	"strings"

	"tenderline/internal/docsvc"
	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/matching"
	"tenderline/internal/repo"
	"tenderline/internal/retry"
)

// Section sources.
const (
	SourceGenerated = "generated"
	SourceLibrary   = "library"
	SourceGap       = "gap"
)

const (
	gapPlaceholder    = "[Section à compléter : aucun contenu disponible pour cette exigence.]"
	uploadPlaceholder = "[Section à compléter : joindre le document demandé.]"
)

func (e Engine) assemblyEntry(actorID string) move {
	return move{
		op:      "begin assembly",
		from:    []domain.Status{domain.StatusGenerated, domain.StatusReviewing},
		to:      domain.StatusAssembling,
		actorID: actorID,
	}
}

// BeginAssembly hands the document's sections to the assembly collaborator
// and records the artifact it returns.
func (e Engine) BeginAssembly(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.begin(ctx, projectID, e.assemblyEntry(actorID), stage{name: domain.StageAssembly, body: e.assemble})
}

func (e Engine) StartAssembly(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.start(ctx, projectID, e.assemblyEntry(actorID), stage{name: domain.StageAssembly, body: e.assemble})
}

// Sections returns the document's sections in requirement order. Each one
// carries the latest accepted draft, else the matched library content, else
// a placeholder.
func (e Engine) Sections(ctx context.Context, projectID string) ([]domain.Section, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	return e.sections(ctx, p)
}

func (e Engine) sections(ctx context.Context, p domain.Project) ([]domain.Section, error) {
	reqs, err := e.Repo.ListRequirements(ctx, nil, p.ID)
	if err != nil {
		return nil, err
	}
	matches, err := e.Repo.CurrentMatches(ctx, nil, p.ID)
	if err != nil {
		return nil, err
	}
	byReq := make(map[string]domain.ContentMatch, len(matches))
	for _, m := range matches {
		byReq[m.RequirementID] = m
	}
	tasks, err := e.Repo.ListGenerationTasks(ctx, nil, p.ID, "")
	if err != nil {
		return nil, err
	}
	drafts := acceptedTexts(tasks)
	snap, err := matching.LoadSnapshot(ctx, e.Repo, p.CompanyID)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Section, 0, len(reqs))
	for _, r := range reqs {
		s := domain.Section{RequirementID: r.ID, Title: r.Title, Category: r.Category}
		m := byReq[r.ID]
		if text, ok := drafts[r.ID]; ok {
			s.Text, s.Source = text, SourceGenerated
		} else if body := libraryText(snap, m.ItemIDs); body != "" {
			s.Text, s.Source = body, SourceLibrary
		} else {
			s.Text, s.Source = gapPlaceholder, SourceGap
			if m.NeedsUpload {
				s.Text = uploadPlaceholder
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func libraryText(snap *matching.Snapshot, ids []string) string {
	var parts []string
	for _, id := range ids {
		it, ok := snap.Get(id)
		if !ok {
			continue
		}
		if body := strings.TrimSpace(it.Body); body != "" {
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (e Engine) assemble(ctx context.Context, p domain.Project) (outcome, error) {
	if e.Assembler == nil {
		return outcome{}, failure.Validation("assemble", "no assembly service configured")
	}
	sections, err := e.sections(ctx, p)
	if err != nil {
		return outcome{}, err
	}
	if len(sections) == 0 {
		return outcome{}, failure.Validation("assemble", "project %s has no requirements", p.ID)
	}
	cfg, err := e.projectConfig(ctx, p.ID)
	if err != nil {
		return outcome{}, err
	}
	doc := docsvc.Document{ProjectID: p.ID, ProjectName: p.Name, Sections: sections}
	var ref string
	err = retry.Do(ctx, e.policy(cfg, cfg.Workflow.Timeouts.Assembly), func(ctx context.Context) error {
		var err error
		ref, err = e.Assembler.Assemble(ctx, doc)
		return err
	})
	if err != nil {
		return outcome{}, err
	}
	counts := map[string]int{}
	for _, s := range sections {
		counts[s.Source]++
	}
	return outcome{
		to:     domain.StatusReady,
		update: repo.ProjectUpdate{ArtifactRef: &ref},
		payload: events.EventPayload{
			"artifact_ref": ref,
			"sections":     len(sections),
			"generated":    counts[SourceGenerated],
			"library":      counts[SourceLibrary],
			"gaps":         counts[SourceGap],
		},
	}, nil
}
