package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/retry"
)

// Store persists generation attempts.
// Implementations: repo.Repo
type Store interface {
	StartGenerationTask(ctx context.Context, t domain.GenerationTask) (domain.GenerationTask, error)
	FinishGenerationTask(ctx context.Context, t domain.GenerationTask) error
}

// Coordinator drives the attempts of one requirement: prompt, call, assess,
// and retry with the assessor's issues until accepted or out of attempts.
type Coordinator struct {
	Service  Service
	Assessor Assessor
	Store    Store
	Config   config.GenerationConfig
	// Retry bounds each service call; its Timeout is the per-attempt limit.
	Retry retry.Policy
	Now   func() time.Time
	NewID func() string
	// OnAttempt runs after each attempt is finished and stored.
	OnAttempt func(ctx context.Context, t domain.GenerationTask)
}

// Input is everything needed to draft one requirement.
type Input struct {
	ProjectID    string
	ProjectName  string
	RCContext    string
	Requirement  domain.Requirement
	Matched      []domain.ContentItem
	References   []Reference
	Instructions string
	// Lineage holds the requirement's earlier attempts, oldest first.
	Lineage []domain.GenerationTask
}

// Result lists the attempts made by one call. Final is the last of them.
type Result struct {
	Tasks []domain.GenerationTask
	Final domain.GenerationTask
}

func (r Result) Accepted() bool { return r.Final.Outcome == domain.OutcomeAccepted }

// Generate makes up to Config.MaxAttempts attempts, minus rejected attempts
// of an unfinished earlier run, which it resumes with their feedback. A
// service failure that survives the retry policy ends the lineage with a
// failed attempt carrying the error. Cancellation returns the error and
// leaves the requirement resumable.
func (c *Coordinator) Generate(ctx context.Context, in Input) (Result, error) {
	max := c.Config.MaxAttempts
	if max <= 0 {
		max = 3
	}
	rejected, issues := resumePoint(in.Lineage)
	budget := max - rejected
	if budget < 1 {
		budget = 1
	}
	return c.run(ctx, in, budget, issues)
}

// Regenerate makes exactly one attempt carrying the user's instructions.
func (c *Coordinator) Regenerate(ctx context.Context, in Input) (Result, error) {
	return c.run(ctx, in, 1, nil)
}

// resumePoint counts trailing rejected attempts not yet closed by an
// accepted or failed outcome and returns the latest issues among them.
func resumePoint(lineage []domain.GenerationTask) (int, []string) {
	n := 0
	var issues []string
	for i := len(lineage) - 1; i >= 0; i-- {
		t := lineage[i]
		if t.Interrupted || t.Outcome == domain.OutcomePending {
			continue
		}
		if t.Outcome != domain.OutcomeRetrying {
			break
		}
		if n == 0 {
			issues = t.Issues
		}
		n++
	}
	return n, issues
}

func (c *Coordinator) run(ctx context.Context, in Input, budget int, improvements []string) (Result, error) {
	var res Result
	section := c.Config.Section(in.Requirement.Category)
	k := c.Config.ContextK
	if k <= 0 {
		k = 5
	}
	for i := 1; i <= budget; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		text, err := BuildPrompt(PromptInput{
			ProjectName:  in.ProjectName,
			RCContext:    in.RCContext,
			Requirement:  in.Requirement,
			Section:      section,
			Matched:      in.Matched,
			References:   in.References,
			Improvements: improvements,
			Instructions: in.Instructions,
		}, k)
		if err != nil {
			return res, err
		}
		task, err := c.Store.StartGenerationTask(ctx, domain.GenerationTask{
			ID:            c.newID(),
			ProjectID:     in.ProjectID,
			RequirementID: in.Requirement.ID,
			Context:       text,
			Model:         c.Config.Model,
			CreatedAt:     c.timestamp(),
		})
		if err != nil {
			return res, fmt.Errorf("record attempt for %s: %w", in.Requirement.ID, err)
		}

		started := c.now()
		var comp Completion
		callErr := retry.Do(ctx, c.Retry, func(ctx context.Context) error {
			var err error
			comp, err = c.Service.Generate(ctx, Prompt{System: systemPrompt, User: text, Model: c.Config.Model, MaxTokens: c.Config.MaxTokens})
			return err
		})
		task.LatencyMS = c.now().Sub(started).Milliseconds()
		// the outcome is stored even when ctx was canceled
		storeCtx := context.WithoutCancel(ctx)
		if callErr != nil {
			// A canceled call stays resumable; any other failure closes the
			// lineage and leaves the requirement as a gap.
			canceled := ctx.Err() != nil
			task.Outcome = domain.OutcomeFailed
			task.Interrupted = canceled
			task.Error = callErr.Error()
			if err := c.finish(storeCtx, &task); err != nil {
				return res, err
			}
			res.Tasks = append(res.Tasks, task)
			res.Final = task
			if canceled {
				return res, fmt.Errorf("generate %s attempt %d: %w", in.Requirement.ID, task.Attempt, callErr)
			}
			return res, nil
		}

		a := c.Assessor.Assess(ctx, in.Requirement, comp.Text)
		task.Text = &comp.Text
		task.Score = &a.Score
		task.Issues = a.Issues
		if comp.Model != "" {
			task.Model = comp.Model
		}
		task.InputTokens = comp.InputTokens
		task.OutputTokens = comp.OutputTokens
		switch {
		case a.Accepted:
			task.Outcome = domain.OutcomeAccepted
		case i < budget:
			task.Outcome = domain.OutcomeRetrying
		default:
			task.Outcome = domain.OutcomeFailed
		}
		if err := c.finish(storeCtx, &task); err != nil {
			return res, err
		}
		res.Tasks = append(res.Tasks, task)
		res.Final = task
		if task.Outcome != domain.OutcomeRetrying {
			return res, nil
		}
		improvements = a.Issues
	}
	return res, nil
}

func (c *Coordinator) finish(ctx context.Context, t *domain.GenerationTask) error {
	ts := c.timestamp()
	t.FinishedAt = &ts
	if err := c.Store.FinishGenerationTask(ctx, *t); err != nil {
		return fmt.Errorf("finish attempt %s: %w", t.ID, err)
	}
	if c.OnAttempt != nil {
		c.OnAttempt(ctx, *t)
	}
	return nil
}

func (c *Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Coordinator) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func (c *Coordinator) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}
