package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"tenderline/internal/db"
	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/migrate"
	"tenderline/internal/repo"
)

const ts = "2026-01-02T03:04:05Z"

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedProject(t *testing.T, r repo.Repo, id string) domain.Project {
	t.Helper()
	p := domain.Project{ID: id, Name: "Lycée Jean Moulin", CompanyID: "acme", Status: domain.StatusDraft, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertProject(context.Background(), nil, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return p
}

func TestTransitionProjectStoresRCContext(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	rc := "1. Valeur technique (60 %)"
	if _, err := r.TransitionProject(ctx, nil, p.ID, domain.StatusDraft, 0, domain.StatusSourceUploaded, repo.ProjectUpdate{RCContext: &rc}, ts); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got, err := r.GetProject(ctx, nil, p.ID)
	if err != nil || got.RCContext != rc {
		t.Fatalf("rc context %q %v", got.RCContext, err)
	}
	empty := ""
	if _, err := r.TransitionProject(ctx, nil, p.ID, domain.StatusSourceUploaded, 1, domain.StatusExtracting, repo.ProjectUpdate{RCContext: &empty}, ts); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ = r.GetProject(ctx, nil, p.ID); got.RCContext != "" {
		t.Fatalf("rc context not cleared: %q", got.RCContext)
	}
}

func TestTransitionProjectCompareAndSet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	src := "rc.pdf"
	v, err := r.TransitionProject(ctx, nil, p.ID, domain.StatusDraft, 0, domain.StatusSourceUploaded, repo.ProjectUpdate{SourceRef: &src}, ts)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	_, err = r.TransitionProject(ctx, nil, p.ID, domain.StatusDraft, 0, domain.StatusSourceUploaded, repo.ProjectUpdate{}, ts)
	if !errors.Is(err, failure.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	_, err = r.TransitionProject(ctx, nil, "missing", domain.StatusDraft, 0, domain.StatusSourceUploaded, repo.ProjectUpdate{}, ts)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, err := r.GetProject(ctx, nil, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusSourceUploaded || got.Version != 1 || got.SourceRef != "rc.pdf" {
		t.Fatalf("unexpected project %+v", got)
	}
}

func TestTransitionProjectStoresAndClearsError(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	se := &domain.StageError{Stage: domain.StageExtraction, Kind: "transient", Cause: "503"}
	if _, err := r.TransitionProject(ctx, nil, p.ID, domain.StatusDraft, 0, domain.StatusFailed, repo.ProjectUpdate{SetError: se}, ts); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := r.GetProject(ctx, nil, p.ID)
	if got.LastError == nil || got.LastError.Stage != domain.StageExtraction || got.LastError.Cause != "503" {
		t.Fatalf("expected stored error, got %+v", got.LastError)
	}
	if _, err := r.TransitionProject(ctx, nil, p.ID, domain.StatusFailed, 1, domain.StatusExtracted, repo.ProjectUpdate{ClearError: true}, ts); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = r.GetProject(ctx, nil, p.ID)
	if got.LastError != nil {
		t.Fatalf("expected cleared error, got %+v", got.LastError)
	}
}

func TestMatchVersionsAndApproval(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	reqs := []domain.Requirement{
		{ID: "r1", Title: "Présentation", Category: "presentation"},
		{ID: "r2", Title: "Planning", Category: "planning"},
	}
	if err := r.ReplaceRequirements(ctx, nil, p.ID, reqs); err != nil {
		t.Fatalf("requirements: %v", err)
	}
	for i, rid := range []string{"r1", "r2", "r1"} {
		m := domain.ContentMatch{ID: "m" + string(rune('a'+i)), ProjectID: p.ID, RequirementID: rid, ItemIDs: []string{"c1"}, Confidence: 0.9, Strategy: domain.StrategyRule, Rationale: "rule", CreatedAt: ts}
		if _, err := r.InsertMatch(ctx, nil, m); err != nil {
			t.Fatalf("insert match: %v", err)
		}
	}
	current, err := r.CurrentMatches(ctx, nil, p.ID)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(current) != 2 || current[0].RequirementID != "r1" || current[0].Version != 2 || current[1].Version != 1 {
		t.Fatalf("unexpected current matches %+v", current)
	}
	n, err := r.ApproveCurrentMatches(ctx, nil, p.ID)
	if err != nil || n != 2 {
		t.Fatalf("approve: %d %v", n, err)
	}
	history, err := r.MatchHistory(ctx, p.ID, "r1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Approved || !history[1].Approved {
		t.Fatalf("only the current version should be approved: %+v", history)
	}
}

func TestGenerationTaskFinishOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	if err := r.ReplaceRequirements(ctx, nil, p.ID, []domain.Requirement{{ID: "r1", Title: "Sécurité"}}); err != nil {
		t.Fatalf("requirements: %v", err)
	}
	first, err := r.StartGenerationTask(ctx, domain.GenerationTask{ID: "g1", ProjectID: p.ID, RequirementID: "r1", Context: "ctx", CreatedAt: ts})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := r.StartGenerationTask(ctx, domain.GenerationTask{ID: "g2", ProjectID: p.ID, RequirementID: "r1", Context: "ctx", CreatedAt: ts})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Attempt != 1 || second.Attempt != 2 {
		t.Fatalf("expected lineage attempts 1,2 got %d,%d", first.Attempt, second.Attempt)
	}
	text := "Plan de prévention"
	score := 0.8
	fin := ts
	first.Text, first.Score, first.FinishedAt = &text, &score, &fin
	first.Outcome = domain.OutcomeAccepted
	if err := r.FinishGenerationTask(ctx, first); err != nil {
		t.Fatalf("finish: %v", err)
	}
	first.Outcome = domain.OutcomeFailed
	if err := r.FinishGenerationTask(ctx, first); !errors.Is(err, repo.ErrAlreadyFinished) {
		t.Fatalf("expected already finished, got %v", err)
	}
	n, err := r.InterruptPendingTasks(ctx, nil, p.ID, ts)
	if err != nil || n != 1 {
		t.Fatalf("interrupt: %d %v", n, err)
	}
	latest, err := r.LatestGenerationTasks(ctx, nil, p.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	got := latest["r1"]
	if got.ID != "g2" || got.Outcome != domain.OutcomeFailed || !got.Interrupted || got.Settled() {
		t.Fatalf("unexpected latest task %+v", got)
	}
	stored, _ := r.GetGenerationTask(ctx, "g1")
	if stored.Outcome != domain.OutcomeAccepted || stored.Text == nil || *stored.Text != text {
		t.Fatalf("finished task changed: %+v", stored)
	}
}

func TestEventSequencePerProject(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p1")
	seedProject(t, r, "p2")
	w := events.Writer{}
	for _, pid := range []string{"p1", "p1", "p2", "p1"} {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Append(ctx, tx, events.TypeTransition, pid, domain.StatusDraft, domain.StatusSourceUploaded, "tester", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	evts, err := r.EventsAfter(ctx, "p1", 0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 3 || evts[0].Seq != 1 || evts[2].Seq != 3 {
		t.Fatalf("unexpected p1 events %+v", evts)
	}
	seq, _ := r.LatestEventSeq(ctx, "p2")
	if seq != 1 {
		t.Fatalf("expected p2 seq 1, got %d", seq)
	}
	if _, err := r.LastEventOfType(ctx, (*sql.Tx)(nil), "p1", events.TypeStageFailed); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestContentLibrary(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	items := []domain.ContentItem{
		{ID: "c2", CompanyID: "acme", Type: "safety-plan", Title: "PPSPS", Body: "...", Tags: []string{"securite"}, UpdatedAt: ts},
		{ID: "c1", CompanyID: "acme", Type: "company-profile", Title: "Présentation", Body: "...", Tags: []string{"presentation", "company"}, UpdatedAt: ts},
		{ID: "c3", CompanyID: "other", Type: "company-profile", Title: "Other", Body: "...", UpdatedAt: ts},
	}
	for _, it := range items {
		if err := r.UpsertContentItem(ctx, nil, it); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	got, err := r.ContentItems(ctx, "acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || len(got[0].Tags) != 2 {
		t.Fatalf("unexpected items %+v", got)
	}
	tagged, _ := r.ListContentItems(ctx, nil, repo.ContentFilters{Tag: "SECURITE"})
	if len(tagged) != 1 || tagged[0].ID != "c2" {
		t.Fatalf("tag filter: %+v", tagged)
	}
}
