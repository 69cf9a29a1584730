package engine

import (
	"context"
	"encoding/json"

	"tenderline/internal/domain"
)

func decodePayload(payload string, v any) error {
	if payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(payload), v)
}

// Summary is the read model behind `tl status`.
type Summary struct {
	Project      domain.Project                   `json:"project"`
	Requirements int                              `json:"requirements"`
	Matches      int                              `json:"matches"`
	Approved     int                              `json:"approved"`
	Gaps         int                              `json:"gaps"`
	NeedsUpload  int                              `json:"needs_upload"`
	OpenGaps     int                              `json:"open_gaps"`
	Generation   map[domain.GenerationOutcome]int `json:"generation"`
	LastEventSeq int64                            `json:"last_event_seq"`
}

func (e Engine) Status(ctx context.Context, projectID string) (Summary, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Project: p}
	reqs, err := e.Repo.ListRequirements(ctx, nil, projectID)
	if err != nil {
		return s, err
	}
	s.Requirements = len(reqs)
	matches, err := e.Repo.CurrentMatches(ctx, nil, projectID)
	if err != nil {
		return s, err
	}
	s.Matches = len(matches)
	for _, m := range matches {
		if m.Approved {
			s.Approved++
		}
		if m.IsGap() {
			s.Gaps++
		}
		if m.NeedsUpload {
			s.NeedsUpload++
		}
	}
	if s.Generation, err = e.Repo.CountGenerationOutcomes(ctx, projectID); err != nil {
		return s, err
	}
	gaps, err := e.openGaps(ctx, projectID, reqs, matches)
	if err != nil {
		return s, err
	}
	s.OpenGaps = len(gaps)
	if s.LastEventSeq, err = e.Repo.LatestEventSeq(ctx, projectID); err != nil {
		return s, err
	}
	return s, nil
}

// Gap reasons.
const (
	GapNeedsUpload      = "needs_upload"
	GapNeedsGeneration  = "needs_generation"
	GapGenerationFailed = "generation_failed"
)

// Gap is a requirement still lacking usable content.
type Gap struct {
	RequirementID string   `json:"requirement_id"`
	Title         string   `json:"title"`
	Category      string   `json:"category,omitempty"`
	Reason        string   `json:"reason" enum:"needs_upload,needs_generation,generation_failed"`
	Attempts      int      `json:"attempts"`
	LastScore     *float64 `json:"last_score,omitempty"`
	Issues        []string `json:"issues,omitempty"`
}

// OpenGaps lists, in requirement order, the gaps that have no accepted draft.
func (e Engine) OpenGaps(ctx context.Context, projectID string) ([]Gap, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	reqs, err := e.Repo.ListRequirements(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	matches, err := e.Repo.CurrentMatches(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	return e.openGaps(ctx, projectID, reqs, matches)
}

func (e Engine) openGaps(ctx context.Context, projectID string, reqs []domain.Requirement, matches []domain.ContentMatch) ([]Gap, error) {
	byReq := make(map[string]domain.ContentMatch, len(matches))
	for _, m := range matches {
		byReq[m.RequirementID] = m
	}
	tasks, err := e.Repo.ListGenerationTasks(ctx, nil, projectID, "")
	if err != nil {
		return nil, err
	}
	accepted := acceptedTexts(tasks)
	lineage := lineages(tasks)

	gaps := []Gap{}
	for _, r := range reqs {
		m, ok := byReq[r.ID]
		if !ok || !m.IsGap() {
			continue
		}
		if _, done := accepted[r.ID]; done {
			continue
		}
		g := Gap{RequirementID: r.ID, Title: r.Title, Category: r.Category, Reason: GapNeedsGeneration}
		if m.NeedsUpload {
			g.Reason = GapNeedsUpload
		}
		if ts := lineage[r.ID]; len(ts) > 0 {
			last := ts[len(ts)-1]
			g.Attempts = len(ts)
			g.LastScore = last.Score
			g.Issues = last.Issues
			if len(g.Issues) == 0 && last.Error != "" {
				g.Issues = []string{last.Error}
			}
			if last.Settled() {
				g.Reason = GapGenerationFailed
			}
		}
		gaps = append(gaps, g)
	}
	return gaps, nil
}

// Log returns up to limit workflow events after the cursor seq.
func (e Engine) Log(ctx context.Context, projectID string, after int64, limit int) ([]domain.WorkflowEvent, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.EventsAfter(ctx, projectID, after, limit)
}

// Tasks lists the generation attempts of a project, optionally for one
// requirement.
func (e Engine) Tasks(ctx context.Context, projectID, requirementID string) ([]domain.GenerationTask, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListGenerationTasks(ctx, nil, projectID, requirementID)
}

// Matches returns the current match of every requirement.
func (e Engine) Matches(ctx context.Context, projectID string) ([]domain.ContentMatch, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.CurrentMatches(ctx, nil, projectID)
}

func (e Engine) Requirements(ctx context.Context, projectID string) ([]domain.Requirement, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListRequirements(ctx, nil, projectID)
}
