package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/matching"
)

type projectAction func(e engine.Engine, ctx context.Context, projectID, actorID string) (domain.Project, error)

// actionCmd runs one engine transition on the resolved project. Stage runs
// are synchronous here; a failed stage prints the failed project before the
// error.
func actionCmd(use, short string, run projectAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := run(e, ctx, projectID, viper.GetString("actor-id"))
				if p.ID != "" {
					if perr := printProject(p); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func sourceCmd() *cobra.Command {
	src := &cobra.Command{Use: "source", Short: "Tender source document"}
	src.AddCommand(&cobra.Command{
		Use:   "attach <ref>",
		Short: "Attach the tender document (a file under the workspace, or a remote reference)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.AttachSource(ctx, projectID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	})
	return src
}

func extractCmd() *cobra.Command {
	return actionCmd("extract", "Extract requirements from the source document", engine.Engine.BeginExtraction)
}

func matchCmd() *cobra.Command {
	return actionCmd("match", "Match requirements against the company library", engine.Engine.BeginMatching)
}

func customizeCmd() *cobra.Command {
	c := actionCmd("customize", "Open the matches for manual edits", engine.Engine.BeginCustomization)
	c.AddCommand(actionCmd("end", "Close manual edits", engine.Engine.EndCustomization))
	return c
}

func approveCmd() *cobra.Command {
	return actionCmd("approve", "Approve the current matches", engine.Engine.ApproveMatches)
}

func assembleCmd() *cobra.Command {
	return actionCmd("assemble", "Assemble the memorandum", engine.Engine.BeginAssembly)
}

func completeCmd() *cobra.Command {
	return actionCmd("complete", "Mark the memorandum completed", engine.Engine.MarkCompleted)
}

func submitCmd() *cobra.Command {
	return actionCmd("submit", "Mark the tender answer submitted", engine.Engine.MarkSubmitted)
}

func retryCmd() *cobra.Command {
	return actionCmd("retry", "Resume the failed stage", engine.Engine.Retry)
}

func cancelCmd() *cobra.Command {
	return actionCmd("cancel", "Cancel the running stage", engine.Engine.Cancel)
}

func reviewCmd() *cobra.Command {
	r := actionCmd("review", "Start reviewing the drafts", engine.Engine.BeginReview)
	r.AddCommand(actionCmd("end", "Finish the review", engine.Engine.EndReview))
	return r
}

func overrideCmd() *cobra.Command {
	var add, remove []string
	var forceGeneration, forceUpload bool
	cmd := &cobra.Command{
		Use:   "override <requirement>",
		Short: "Edit the match of a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := matching.Override{AddItems: add, RemoveItems: remove}
			if cmd.Flags().Changed("force-generation") {
				o.ForceGeneration = &forceGeneration
			}
			if cmd.Flags().Changed("force-upload") {
				o.ForceUpload = &forceUpload
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				m, err := e.ApplyOverride(ctx, projectID, args[0], o, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				printMatches([]domain.ContentMatch{m})
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&add, "add", nil, "library item ids to add")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "library item ids to remove")
	cmd.Flags().BoolVar(&forceGeneration, "force-generation", false, "force or clear generation")
	cmd.Flags().BoolVar(&forceUpload, "force-upload", false, "force or clear the upload flag")
	return cmd
}

func generateCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft content for the approved gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.BeginGeneration(ctx, projectID, only, viper.GetString("actor-id"))
				if p.ID != "" {
					if perr := printProject(p); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&only, "requirement", nil, "limit the run to these requirements")
	return cmd
}

func regenerateCmd() *cobra.Command {
	var instructions string
	cmd := &cobra.Command{
		Use:   "regenerate <requirement>",
		Short: "Make one new attempt for a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				task, err := e.Regenerate(ctx, projectID, args[0], instructions, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				printTasks([]domain.GenerationTask{task})
				if task.Text != nil {
					fmt.Println(*task.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "extra guidance for the writer")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				s, err := e.Status(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Field", "Value"})
				tw.AppendRow(table.Row{"project", fmt.Sprintf("%s (%s)", s.Project.Name, s.Project.ID)})
				tw.AppendRow(table.Row{"status", s.Project.Status})
				tw.AppendRow(table.Row{"updated", since(s.Project.UpdatedAt)})
				tw.AppendRow(table.Row{"requirements", s.Requirements})
				tw.AppendRow(table.Row{"approved", fmt.Sprintf("%d/%d", s.Approved, s.Matches)})
				tw.AppendRow(table.Row{"gaps", fmt.Sprintf("%d (%d open, %d need upload)", s.Gaps, s.OpenGaps, s.NeedsUpload)})
				for _, outcome := range []domain.GenerationOutcome{domain.OutcomeAccepted, domain.OutcomeRetrying, domain.OutcomeFailed, domain.OutcomePending} {
					if n := s.Generation[outcome]; n > 0 {
						tw.AppendRow(table.Row{"drafts " + string(outcome), n})
					}
				}
				if s.Project.ArtifactRef != "" {
					tw.AppendRow(table.Row{"document", s.Project.ArtifactRef})
				}
				if le := s.Project.LastError; le != nil {
					tw.AppendRow(table.Row{"last error", fmt.Sprintf("%s %s: %s", le.Stage, le.Kind, le.Cause)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func gapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gaps",
		Short: "List requirements still lacking content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				gaps, err := e.OpenGaps(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gaps)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Requirement", "Title", "Reason", "Attempts", "Score", "Issues"})
				for _, g := range gaps {
					score := ""
					if g.LastScore != nil {
						score = humanize.FtoaWithDigits(*g.LastScore, 2)
					}
					tw.AppendRow(table.Row{g.RequirementID, g.Title, g.Reason, g.Attempts, score, strings.Join(g.Issues, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func matchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matches",
		Short: "List the current match of every requirement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				ms, err := e.Matches(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ms)
				}
				printMatches(ms)
				return nil
			})
		},
	}
}

func tasksCmd() *cobra.Command {
	var requirementID string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List generation attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				tasks, err := e.Tasks(ctx, projectID, requirementID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&requirementID, "requirement", "", "requirement filter")
	return cmd
}

func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s  %s  v%d\n", p.ID, p.Status, p.Version)
	if p.LastError != nil {
		fmt.Printf("  %s failed (%s): %s\n", p.LastError.Stage, p.LastError.Kind, p.LastError.Cause)
	}
	return nil
}

func printMatches(ms []domain.ContentMatch) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Requirement", "V", "Strategy", "Confidence", "Items", "Gap", "Approved", "Rationale"})
	for _, m := range ms {
		gap := ""
		switch {
		case m.NeedsUpload:
			gap = "upload"
		case m.NeedsGeneration:
			gap = "generate"
		}
		tw.AppendRow(table.Row{m.RequirementID, m.Version, m.Strategy, humanize.FtoaWithDigits(m.Confidence, 2), strings.Join(m.ItemIDs, ","), gap, m.Approved, m.Rationale})
	}
	tw.Render()
}

func printTasks(tasks []domain.GenerationTask) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Requirement", "Attempt", "Outcome", "Score", "Tokens", "Latency", "When"})
	for _, t := range tasks {
		score := ""
		if t.Score != nil {
			score = humanize.FtoaWithDigits(*t.Score, 2)
		}
		outcome := string(t.Outcome)
		if t.Interrupted {
			outcome += " (interrupted)"
		}
		tw.AppendRow(table.Row{t.ID, t.RequirementID, t.Attempt, outcome, score,
			humanize.Comma(int64(t.InputTokens + t.OutputTokens)), fmt.Sprintf("%dms", t.LatencyMS), since(t.CreatedAt)})
	}
	tw.Render()
}
