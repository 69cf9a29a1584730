package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tenderline/internal/config"
	"tenderline/internal/db"
	"tenderline/internal/docsvc"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/generation"
	"tenderline/internal/matching"
	"tenderline/internal/migrate"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var library = []domain.ContentItem{
	{ID: "c-profile", CompanyID: "acme", Type: "company-profile", Title: "Présentation Acme", Body: "Acme construit des ouvrages d'art depuis 1980.", Tags: []string{"company", "presentation"}, UpdatedAt: "2026-01-01T00:00:00Z"},
	{ID: "c-rse", CompanyID: "acme", Type: "environmental-policy", Title: "Politique RSE", Body: "Tri des déchets sur chantier.", Tags: []string{"environnement"}, UpdatedAt: "2026-01-01T00:00:00Z"},
}

const tenderSheet = `requirements:
  - id: presentation
    title: Présentation de l'entreprise
    category: presentation
  - id: staffing
    title: Moyens humains
    category: moyens_humains
  - id: planning
    title: Planning prévisionnel
    category: planning
`

const staffingSheet = `requirements:
  - id: r1
    title: Moyens humains
    category: moyens_humains
  - id: r2
    title: Encadrement
    category: moyens_humains
  - id: r3
    title: Sous-traitance
    category: moyens_humains
`

const rcSummary = "1. Valeur technique (60 %)\n2. Délais d'exécution (40 %)"

const titleMarker = "**Exigence à traiter :** "

// draftService answers by requirement title: a long draft by default, a
// too-short one, an error, or a call that blocks until canceled.
type draftService struct {
	mu      sync.Mutex
	calls   map[string]int
	short   map[string]bool
	fail    map[string]error
	block   map[string]bool
	started chan string
	// prompts keeps the last prompt sent for each title.
	prompts map[string]string
}

func newDraftService() *draftService {
	return &draftService{
		calls:   map[string]int{},
		short:   map[string]bool{},
		fail:    map[string]error{},
		block:   map[string]bool{},
		started: make(chan string, 16),
		prompts: map[string]string{},
	}
}

func titleOf(prompt string) string {
	i := strings.Index(prompt, titleMarker)
	if i < 0 {
		return ""
	}
	rest := prompt[i+len(titleMarker):]
	if j := strings.IndexByte(rest, '\n'); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func (s *draftService) Generate(ctx context.Context, p generation.Prompt) (generation.Completion, error) {
	title := titleOf(p.User)
	s.mu.Lock()
	s.calls[title]++
	s.prompts[title] = p.User
	short, err, block := s.short[title], s.fail[title], s.block[title]
	s.mu.Unlock()
	if block {
		s.started <- title
		<-ctx.Done()
		return generation.Completion{}, ctx.Err()
	}
	if err != nil {
		return generation.Completion{}, err
	}
	text := "## " + title + "\n" + strings.Repeat("équipe ", 300)
	if title == "" {
		text = rcSummary
	}
	if short {
		text = "Texte bref."
	}
	return generation.Completion{Text: text, Model: "test-model"}, nil
}

func (s *draftService) update(fn func(s *draftService)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *draftService) prompt(title string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[title]
}

func (s *draftService) count(title string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[title]
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Dir    string
	Drafts *draftService
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	drafts := newDraftService()
	eng := engine.New(conn)
	eng.Now = func() time.Time { return fixedNow }
	eng.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	eng.Logger = log.New(io.Discard, "", 0)
	eng.Extractor = docsvc.FileExtractor{Dir: dir}
	eng.Assembler = docsvc.MarkdownAssembler{Dir: db.ArtifactDir(dir)}
	eng.Generator = drafts
	t.Cleanup(func() {
		eng.Wait()
		conn.Close()
	})
	ctx := context.Background()
	for _, it := range library {
		if err := eng.Repo.UpsertContentItem(ctx, nil, it); err != nil {
			t.Fatalf("seed library: %v", err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Dir: dir, Drafts: drafts}
}

// newProject creates a project whose source is the given requirement sheet.
func (env testEnv) newProject(t *testing.T, id, company, sheet string, cfg *config.Config) domain.Project {
	t.Helper()
	if _, err := env.Engine.CreateProject(env.Ctx, engine.CreateOptions{ID: id, Name: "Groupe scolaire " + id, CompanyID: company, ActorID: "alice", Config: cfg}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	name := id + ".yml"
	if err := os.WriteFile(filepath.Join(env.Dir, name), []byte(sheet), 0o644); err != nil {
		t.Fatalf("write sheet: %v", err)
	}
	p, err := env.Engine.AttachSource(env.Ctx, id, name, "alice")
	if err != nil {
		t.Fatalf("attach source: %v", err)
	}
	return p
}

// approved drives a new project up to MatchApproved.
func (env testEnv) approved(t *testing.T, id, sheet string, cfg *config.Config) domain.Project {
	t.Helper()
	env.newProject(t, id, "acme", sheet, cfg)
	if _, err := env.Engine.BeginExtraction(env.Ctx, id, "alice"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := env.Engine.BeginMatching(env.Ctx, id, "alice"); err != nil {
		t.Fatalf("match: %v", err)
	}
	p, err := env.Engine.ApproveMatches(env.Ctx, id, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return p
}

func outcomes(tasks []domain.GenerationTask) []domain.GenerationOutcome {
	var res []domain.GenerationOutcome
	for _, t := range tasks {
		res = append(res, t.Outcome)
	}
	return res
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.approved(t, "p1", tenderSheet, nil)

	matches, err := env.Engine.Matches(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	byReq := map[string]domain.ContentMatch{}
	for _, m := range matches {
		if !m.Approved {
			t.Fatalf("match of %s not approved", m.RequirementID)
		}
		byReq[m.RequirementID] = m
	}
	if m := byReq["presentation"]; m.Confidence != 0.9 || m.NeedsGeneration || len(m.ItemIDs) != 1 || m.ItemIDs[0] != "c-profile" {
		t.Fatalf("presentation match: %+v", m)
	}
	if m := byReq["staffing"]; !m.NeedsGeneration || m.Confidence != 0 || len(m.ItemIDs) != 0 {
		t.Fatalf("staffing match: %+v", m)
	}
	if m := byReq["planning"]; !m.NeedsUpload || m.NeedsGeneration {
		t.Fatalf("planning match: %+v", m)
	}

	p, err := env.Engine.BeginGeneration(env.Ctx, "p1", nil, "alice")
	if err != nil || p.Status != domain.StatusGenerated {
		t.Fatalf("generate: %v %s", err, p.Status)
	}
	if n := env.Drafts.count("Moyens humains"); n != 1 {
		t.Fatalf("expected one generation call, got %d", n)
	}
	p, err = env.Engine.BeginAssembly(env.Ctx, "p1", "alice")
	if err != nil || p.Status != domain.StatusReady {
		t.Fatalf("assemble: %v %s", err, p.Status)
	}
	want := filepath.Join(db.ArtifactDir(env.Dir), "p1.md")
	if p.ArtifactRef != want {
		t.Fatalf("artifact ref %q, want %q", p.ArtifactRef, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	doc := string(data)
	for _, s := range []string{"# Mémoire Technique - Groupe scolaire p1", "Acme construit des ouvrages", "## Moyens humains", "joindre le document demandé"} {
		if !strings.Contains(doc, s) {
			t.Fatalf("artifact missing %q:\n%s", s, doc)
		}
	}
	if strings.Index(doc, "Acme construit") > strings.Index(doc, "## Moyens humains") {
		t.Fatalf("sections out of requirement order")
	}

	if _, err := env.Engine.MarkCompleted(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	p, err = env.Engine.MarkSubmitted(env.Ctx, "p1", "alice")
	if err != nil || p.Status != domain.StatusSubmitted || !engine.IsTerminal(p.Status) {
		t.Fatalf("submit: %v %s", err, p.Status)
	}

	entries, err := env.Engine.Log(env.Ctx, "p1", 0, 100)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	wantTo := []domain.Status{
		domain.StatusDraft, domain.StatusSourceUploaded, domain.StatusExtracting, domain.StatusExtracted,
		domain.StatusMatching, domain.StatusMatched, domain.StatusMatchApproved, domain.StatusGenerating,
		domain.StatusGenerated, domain.StatusAssembling, domain.StatusReady, domain.StatusCompleted, domain.StatusSubmitted,
	}
	if len(entries) != len(wantTo) {
		t.Fatalf("expected %d events, got %d", len(wantTo), len(entries))
	}
	for i, evt := range entries {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, evt.Seq)
		}
		if evt.ToStatus != wantTo[i] {
			t.Fatalf("event %d to %s, want %s", i, evt.ToStatus, wantTo[i])
		}
		if evt.TS != "2026-03-02T09:00:00Z" {
			t.Fatalf("event %d ts %s", i, evt.TS)
		}
	}
}

func TestGenerationLeavesExhaustedRequirementAsGap(t *testing.T) {
	env := newTestEnv(t)
	env.Drafts.update(func(s *draftService) { s.short["Sous-traitance"] = true })
	env.approved(t, "p1", staffingSheet, nil)

	p, err := env.Engine.BeginGeneration(env.Ctx, "p1", nil, "alice")
	if err != nil || p.Status != domain.StatusGenerated {
		t.Fatalf("generate: %v %s", err, p.Status)
	}
	tasks, err := env.Engine.Tasks(env.Ctx, "p1", "")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("expected 5 attempts, got %d", len(tasks))
	}
	lineage, err := env.Engine.Tasks(env.Ctx, "p1", "r3")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	got := outcomes(lineage)
	want := []domain.GenerationOutcome{domain.OutcomeRetrying, domain.OutcomeRetrying, domain.OutcomeFailed}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("lineage outcomes %v, want %v", got, want)
	}
	gaps, err := env.Engine.OpenGaps(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("gaps: %v", err)
	}
	if len(gaps) != 1 || gaps[0].RequirementID != "r3" || gaps[0].Reason != engine.GapGenerationFailed || gaps[0].Attempts != 3 {
		t.Fatalf("open gaps: %+v", gaps)
	}
	sum, err := env.Engine.Status(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if sum.Generation[domain.OutcomeAccepted] != 2 || sum.Generation[domain.OutcomeFailed] != 1 || sum.OpenGaps != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	entries, err := env.Engine.Log(env.Ctx, "p1", 0, 100)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	var payload struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(entries[len(entries)-1].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Summary != "resolved 2 of 3" {
		t.Fatalf("summary %q", payload.Summary)
	}
}

func TestGenerationServiceFailureLeavesGap(t *testing.T) {
	env := newTestEnv(t)
	env.Drafts.update(func(s *draftService) {
		s.fail["Sous-traitance"] = &generation.ServiceError{StatusCode: 400, Type: "invalid_request_error", Message: "bad prompt"}
	})
	env.approved(t, "p1", staffingSheet, nil)

	p, err := env.Engine.BeginGeneration(env.Ctx, "p1", nil, "alice")
	if err != nil || p.Status != domain.StatusGenerated || p.LastError != nil {
		t.Fatalf("generate: %v %+v", err, p)
	}
	if env.Drafts.count("Moyens humains") != 1 || env.Drafts.count("Encadrement") != 1 || env.Drafts.count("Sous-traitance") != 1 {
		t.Fatalf("unexpected calls: %v", env.Drafts.calls)
	}
	lineage, err := env.Engine.Tasks(env.Ctx, "p1", "r3")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 1 || lineage[0].Outcome != domain.OutcomeFailed || lineage[0].Interrupted || lineage[0].Error == "" {
		t.Fatalf("r3 lineage: %+v", lineage)
	}
	gaps, err := env.Engine.OpenGaps(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("gaps: %v", err)
	}
	if len(gaps) != 1 || gaps[0].RequirementID != "r3" || gaps[0].Reason != engine.GapGenerationFailed || gaps[0].Attempts != 1 {
		t.Fatalf("open gaps: %+v", gaps)
	}
	if len(gaps[0].Issues) != 1 || !strings.Contains(gaps[0].Issues[0], "bad prompt") {
		t.Fatalf("gap should carry the service error: %+v", gaps[0])
	}
	entries, err := env.Engine.Log(env.Ctx, "p1", 0, 100)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	var payload struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(entries[len(entries)-1].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Summary != "resolved 2 of 3" {
		t.Fatalf("summary %q", payload.Summary)
	}
}

func TestCancelKeepsFinishedWork(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("p1")
	cfg.Workflow.WorkerPool = 1
	env.Drafts.update(func(s *draftService) { s.block["Sous-traitance"] = true })
	env.approved(t, "p1", staffingSheet, cfg)

	p, err := env.Engine.StartGeneration(env.Ctx, "p1", nil, "alice")
	if err != nil || p.Status != domain.StatusGenerating {
		t.Fatalf("start: %v %s", err, p.Status)
	}
	select {
	case <-env.Drafts.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("generation never reached the blocking requirement")
	}
	if _, err := env.Engine.Cancel(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.Engine.Wait()

	p, err = env.Engine.GetProject(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != domain.StatusFailed || p.LastError == nil || p.LastError.Kind != string(failure.KindCanceled) {
		t.Fatalf("expected canceled failure: %+v", p)
	}
	if fmt.Sprint(p.LastError.RequirementIDs) != "[r3]" {
		t.Fatalf("unfinished requirements: %v", p.LastError.RequirementIDs)
	}

	env.Drafts.update(func(s *draftService) { s.block["Sous-traitance"] = false })
	p, err = env.Engine.Retry(env.Ctx, "p1", "alice")
	if err != nil || p.Status != domain.StatusGenerated {
		t.Fatalf("retry: %v %s", err, p.Status)
	}
	if env.Drafts.count("Moyens humains") != 1 || env.Drafts.count("Encadrement") != 1 {
		t.Fatalf("finished requirements were regenerated: %v", env.Drafts.calls)
	}
	tasks, err := env.Engine.Tasks(env.Ctx, "p1", "")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(tasks))
	}
}

func TestCancelRequiresInFlightStage(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1", "acme", tenderSheet, nil)
	_, err := env.Engine.Cancel(env.Ctx, "p1", "alice")
	if failure.KindOf(err) != failure.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelRightAfterStartStopsTheRun(t *testing.T) {
	for i := 0; i < 10; i++ {
		env := newTestEnv(t)
		env.Drafts.update(func(s *draftService) {
			for _, title := range []string{"Moyens humains", "Encadrement", "Sous-traitance"} {
				s.block[title] = true
			}
		})
		env.approved(t, "p1", staffingSheet, nil)

		if _, err := env.Engine.StartGeneration(env.Ctx, "p1", nil, "alice"); err != nil {
			t.Fatalf("start: %v", err)
		}
		p, err := env.Engine.Cancel(env.Ctx, "p1", "alice")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if p.Status != domain.StatusGenerating {
			t.Fatalf("cancel should signal the running stage, not fail the project itself: %s", p.Status)
		}
		done := make(chan struct{})
		go func() {
			env.Engine.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("background run ignored the cancellation")
		}
		p, err = env.Engine.GetProject(env.Ctx, "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if p.Status != domain.StatusFailed || p.LastError == nil || p.LastError.Kind != string(failure.KindCanceled) {
			t.Fatalf("expected canceled failure: %+v", p)
		}
		tasks, err := env.Engine.Tasks(env.Ctx, "p1", "")
		if err != nil {
			t.Fatalf("tasks: %v", err)
		}
		for _, task := range tasks {
			if task.Outcome == domain.OutcomeAccepted || task.Outcome == domain.OutcomePending {
				t.Fatalf("attempt survived the cancellation: %+v", task)
			}
		}
	}
}

func TestRetryKeepsRequestedScope(t *testing.T) {
	env := newTestEnv(t)
	env.approved(t, "p1", staffingSheet, nil)

	noService := env.Engine
	noService.Generator = nil
	p, err := noService.BeginGeneration(env.Ctx, "p1", []string{"r1", "r2"}, "alice")
	if err == nil || p.Status != domain.StatusFailed || p.LastError == nil {
		t.Fatalf("expected stage failure: %v %+v", err, p)
	}
	if len(p.LastError.RequirementIDs) != 0 || fmt.Sprint(p.LastError.Scope) != "[r1 r2]" {
		t.Fatalf("stage error: %+v", p.LastError)
	}

	p, err = env.Engine.Retry(env.Ctx, "p1", "alice")
	if err != nil || p.Status != domain.StatusGenerated || p.LastError != nil {
		t.Fatalf("retry: %v %+v", err, p)
	}
	if env.Drafts.count("Moyens humains") != 1 || env.Drafts.count("Encadrement") != 1 || env.Drafts.count("Sous-traitance") != 0 {
		t.Fatalf("retry left the requested subset: %v", env.Drafts.calls)
	}
}

func TestExtractionKeepsRCContextForPrompts(t *testing.T) {
	env := newTestEnv(t)
	rc := "rc: |\n  Article 6. Jugement des offres : valeur technique 60 %, délais 40 %.\n"
	env.approved(t, "p1", staffingSheet+rc, nil)

	p, err := env.Engine.GetProject(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RCContext != rcSummary || env.Drafts.count("") != 1 {
		t.Fatalf("rc context %q after %d summary calls", p.RCContext, env.Drafts.count(""))
	}
	if !strings.Contains(env.Drafts.prompt(""), "Article 6. Jugement des offres") {
		t.Fatalf("summary prompt lacks the rc text:\n%s", env.Drafts.prompt(""))
	}
	if _, err := env.Engine.BeginGeneration(env.Ctx, "p1", nil, "alice"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(env.Drafts.prompt("Moyens humains"), rcSummary) {
		t.Fatalf("section prompt lacks the rc context:\n%s", env.Drafts.prompt("Moyens humains"))
	}
}

func TestRCContextFallsBackToExcerpt(t *testing.T) {
	env := newTestEnv(t)
	env.Drafts.update(func(s *draftService) { s.fail[""] = errors.New("summary unavailable") })
	env.approved(t, "p1", staffingSheet+"rc: |\n  Article 6. Jugement des offres.\n", nil)
	p, err := env.Engine.GetProject(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RCContext != "Article 6. Jugement des offres." {
		t.Fatalf("expected the raw rc text, got %q", p.RCContext)
	}

	env.approved(t, "p2", staffingSheet, nil)
	if p, _ := env.Engine.GetProject(env.Ctx, "p2"); p.RCContext != "" {
		t.Fatalf("sheet without rc should leave no context, got %q", p.RCContext)
	}
}

type flakyExtractor struct {
	inner docsvc.Extractor
	fails int
	calls int
}

func (f *flakyExtractor) Extract(ctx context.Context, projectID, sourceRef string) ([]domain.Requirement, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, failure.Transient(errors.New("parser unavailable"))
	}
	return f.inner.Extract(ctx, projectID, sourceRef)
}

func TestRetryAfterTransientExtractionFailure(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyExtractor{inner: env.Engine.Extractor, fails: 3}
	env.Engine.Extractor = flaky
	env.newProject(t, "p1", "acme", tenderSheet, nil)

	p, err := env.Engine.BeginExtraction(env.Ctx, "p1", "alice")
	if err == nil || p.Status != domain.StatusFailed {
		t.Fatalf("expected failed extraction: %v %s", err, p.Status)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 bounded attempts, got %d", flaky.calls)
	}
	if p.LastError.Stage != domain.StageExtraction || p.LastError.Kind != string(failure.KindTransient) {
		t.Fatalf("stage error: %+v", p.LastError)
	}

	p, err = env.Engine.Retry(env.Ctx, "p1", "alice")
	if err != nil || p.Status != domain.StatusExtracted || p.LastError != nil {
		t.Fatalf("retry: %v %+v", err, p)
	}
	reqs, err := env.Engine.Requirements(env.Ctx, "p1")
	if err != nil || len(reqs) != 3 {
		t.Fatalf("requirements: %v %d", err, len(reqs))
	}
	// a second retry has nothing to resume
	if _, err := env.Engine.Retry(env.Ctx, "p1", "alice"); failure.KindOf(err) != failure.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	reqs, err = env.Engine.Requirements(env.Ctx, "p1")
	if err != nil || len(reqs) != 3 {
		t.Fatalf("requirements after second retry: %v %d", err, len(reqs))
	}
}

func TestEmptyLibraryFailsMatching(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1", "empty-co", tenderSheet, nil)
	if _, err := env.Engine.BeginExtraction(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	p, err := env.Engine.BeginMatching(env.Ctx, "p1", "alice")
	if failure.KindOf(err) != failure.KindValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if p.Status != domain.StatusFailed || p.LastError.Stage != domain.StageMatching || p.LastError.Kind != string(failure.KindValidation) {
		t.Fatalf("project: %+v", p)
	}
}

func TestSafetyWithoutContentIsGap(t *testing.T) {
	env := newTestEnv(t)
	sheet := "requirements:\n  - id: safety\n    title: Sécurité et santé\n    category: securite\n"
	env.approved(t, "p1", sheet, nil)
	m, err := env.Engine.Matches(env.Ctx, "p1")
	if err != nil || len(m) != 1 {
		t.Fatalf("matches: %v %d", err, len(m))
	}
	if len(m[0].ItemIDs) != 0 || m[0].Confidence != 0 || !m[0].NeedsGeneration {
		t.Fatalf("safety should be a generation gap: %+v", m[0])
	}
}

func TestOverrideAndApprove(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1", "acme", tenderSheet, nil)
	if _, err := env.Engine.BeginExtraction(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := env.Engine.BeginMatching(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("match: %v", err)
	}
	if _, err := env.Engine.ApplyOverride(env.Ctx, "p1", "staffing", matching.Override{AddItems: []string{"c-profile"}}, "alice"); failure.KindOf(err) != failure.KindInvalidTransition {
		t.Fatalf("override outside customization: %v", err)
	}
	if _, err := env.Engine.BeginCustomization(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("customize: %v", err)
	}
	m, err := env.Engine.ApplyOverride(env.Ctx, "p1", "staffing", matching.Override{AddItems: []string{"c-profile"}}, "alice")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if m.Version != 2 || m.Strategy != domain.StrategyManual || m.Confidence != 1 || m.NeedsGeneration {
		t.Fatalf("override version: %+v", m)
	}
	if _, err := env.Engine.ApplyOverride(env.Ctx, "p1", "staffing", matching.Override{AddItems: []string{"missing"}}, "alice"); failure.KindOf(err) != failure.KindValidation {
		t.Fatalf("unknown item: %v", err)
	}
	history, err := env.Engine.Repo.MatchHistory(env.Ctx, "p1", "staffing")
	if err != nil || len(history) != 2 {
		t.Fatalf("history: %v %d", err, len(history))
	}
	p, err := env.Engine.ApproveMatches(env.Ctx, "p1", "alice")
	if err != nil || p.Status != domain.StatusMatchApproved {
		t.Fatalf("approve: %v %s", err, p.Status)
	}
	evt, err := env.Engine.Repo.LastEventOfType(env.Ctx, nil, "p1", events.TypeMatchesApproved)
	if err != nil || !strings.Contains(evt.Payload, `"approved":3`) {
		t.Fatalf("approval event: %v %s", err, evt.Payload)
	}

	// nothing is left to generate
	p, err = env.Engine.BeginGeneration(env.Ctx, "p1", nil, "alice")
	if failure.KindOf(err) != failure.KindValidation || p.Status != domain.StatusFailed {
		t.Fatalf("expected validation failure: %v %s", err, p.Status)
	}
}

func TestRegenerateMakesOneAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.approved(t, "p1", tenderSheet, nil)
	if _, err := env.Engine.Regenerate(env.Ctx, "p1", "staffing", "", "alice"); failure.KindOf(err) != failure.KindInvalidTransition {
		t.Fatalf("regenerate before generation: %v", err)
	}
	if _, err := env.Engine.BeginGeneration(env.Ctx, "p1", nil, "alice"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := env.Engine.BeginReview(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("review: %v", err)
	}
	env.Drafts.update(func(s *draftService) { s.short["Moyens humains"] = true })
	task, err := env.Engine.Regenerate(env.Ctx, "p1", "staffing", "Citer l'organigramme", "alice")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if task.Attempt != 2 || task.Outcome != domain.OutcomeFailed {
		t.Fatalf("regenerated task: %+v", task)
	}
	if n := env.Drafts.count("Moyens humains"); n != 2 {
		t.Fatalf("expected exactly one new call, got %d total", n)
	}
	if !strings.Contains(task.Context, "Citer l'organigramme") {
		t.Fatalf("instructions missing from prompt")
	}
	p, err := env.Engine.GetProject(env.Ctx, "p1")
	if err != nil || p.Status != domain.StatusReviewing {
		t.Fatalf("status changed: %v %s", err, p.Status)
	}
	if _, err := env.Engine.Repo.LastEventOfType(env.Ctx, nil, "p1", events.TypeRegenerated); err != nil {
		t.Fatalf("regenerated event: %v", err)
	}
	// the earlier accepted draft is still the one assembled
	sections, err := env.Engine.Sections(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	if sections[1].Source != engine.SourceGenerated || !strings.HasPrefix(sections[1].Text, "## Moyens humains") {
		t.Fatalf("staffing section: %+v", sections[1])
	}
}

func TestConcurrentApprovalConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1", "acme", tenderSheet, nil)
	if _, err := env.Engine.BeginExtraction(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := env.Engine.BeginMatching(env.Ctx, "p1", "alice"); err != nil {
		t.Fatalf("match: %v", err)
	}
	var barrier sync.WaitGroup
	barrier.Add(2)
	eng := env.Engine
	eng.SetAfterRead(func(op string) {
		barrier.Done()
		barrier.Wait()
	})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = eng.ApproveMatches(env.Ctx, "p1", fmt.Sprintf("user-%d", i))
		}()
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case failure.KindOf(err) == failure.KindConcurrentModification:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d and %d", ok, conflicts)
	}
	entries, err := env.Engine.Log(env.Ctx, "p1", 0, 100)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	approvals := 0
	for _, evt := range entries {
		if evt.Type == events.TypeMatchesApproved {
			approvals++
		}
	}
	if approvals != 1 {
		t.Fatalf("expected one approval event, got %d", approvals)
	}
}

func TestStateMachineSoundness(t *testing.T) {
	env := newTestEnv(t)
	ops := []struct {
		name    string
		allowed []domain.Status
		run     func(id string) error
	}{
		{"attach", []domain.Status{domain.StatusDraft}, func(id string) error {
			_, err := env.Engine.AttachSource(env.Ctx, id, "missing.yml", "alice")
			return err
		}},
		{"extract", []domain.Status{domain.StatusSourceUploaded}, func(id string) error {
			_, err := env.Engine.BeginExtraction(env.Ctx, id, "alice")
			return err
		}},
		{"match", []domain.Status{domain.StatusExtracted}, func(id string) error {
			_, err := env.Engine.BeginMatching(env.Ctx, id, "alice")
			return err
		}},
		{"customize", []domain.Status{domain.StatusMatched}, func(id string) error {
			_, err := env.Engine.BeginCustomization(env.Ctx, id, "alice")
			return err
		}},
		{"end customize", []domain.Status{domain.StatusCustomizing}, func(id string) error {
			_, err := env.Engine.EndCustomization(env.Ctx, id, "alice")
			return err
		}},
		{"override", []domain.Status{domain.StatusCustomizing}, func(id string) error {
			_, err := env.Engine.ApplyOverride(env.Ctx, id, "r1", matching.Override{}, "alice")
			return err
		}},
		{"approve", []domain.Status{domain.StatusMatched, domain.StatusCustomizing}, func(id string) error {
			_, err := env.Engine.ApproveMatches(env.Ctx, id, "alice")
			return err
		}},
		{"generate", []domain.Status{domain.StatusMatchApproved}, func(id string) error {
			_, err := env.Engine.BeginGeneration(env.Ctx, id, nil, "alice")
			return err
		}},
		{"regenerate", []domain.Status{domain.StatusGenerated, domain.StatusReviewing}, func(id string) error {
			_, err := env.Engine.Regenerate(env.Ctx, id, "r1", "", "alice")
			return err
		}},
		{"review", []domain.Status{domain.StatusGenerated}, func(id string) error {
			_, err := env.Engine.BeginReview(env.Ctx, id, "alice")
			return err
		}},
		{"end review", []domain.Status{domain.StatusReviewing}, func(id string) error {
			_, err := env.Engine.EndReview(env.Ctx, id, "alice")
			return err
		}},
		{"assemble", []domain.Status{domain.StatusGenerated, domain.StatusReviewing}, func(id string) error {
			_, err := env.Engine.BeginAssembly(env.Ctx, id, "alice")
			return err
		}},
		{"complete", []domain.Status{domain.StatusReady}, func(id string) error {
			_, err := env.Engine.MarkCompleted(env.Ctx, id, "alice")
			return err
		}},
		{"submit", []domain.Status{domain.StatusCompleted}, func(id string) error {
			_, err := env.Engine.MarkSubmitted(env.Ctx, id, "alice")
			return err
		}},
		{"retry", []domain.Status{domain.StatusFailed}, func(id string) error {
			_, err := env.Engine.Retry(env.Ctx, id, "alice")
			return err
		}},
		{"cancel", []domain.Status{domain.StatusExtracting, domain.StatusMatching, domain.StatusGenerating, domain.StatusAssembling}, func(id string) error {
			_, err := env.Engine.Cancel(env.Ctx, id, "alice")
			return err
		}},
	}

	n := 0
	for _, op := range ops {
		for _, status := range domain.AllStatuses {
			n++
			id := fmt.Sprintf("sm-%d", n)
			if _, err := env.Engine.CreateProject(env.Ctx, engine.CreateOptions{ID: id, Name: "sm", CompanyID: "acme"}); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE projects SET status=? WHERE id=?`, status, id); err != nil {
				t.Fatalf("force status: %v", err)
			}
			err := op.run(id)
			allowed := false
			for _, s := range op.allowed {
				allowed = allowed || s == status
			}
			if allowed {
				if failure.KindOf(err) == failure.KindInvalidTransition {
					t.Fatalf("%s from %s should be allowed: %v", op.name, status, err)
				}
				continue
			}
			if failure.KindOf(err) != failure.KindInvalidTransition {
				t.Fatalf("%s from %s: expected invalid transition, got %v", op.name, status, err)
			}
			p, err := env.Engine.GetProject(env.Ctx, id)
			if err != nil || p.Status != status {
				t.Fatalf("%s from %s changed the project: %v %s", op.name, status, err, p.Status)
			}
		}
	}
}

func TestUpdateConfigRejectedInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1", "acme", tenderSheet, nil)
	cfg := config.Default("p1")
	cfg.Generation.MaxAttempts = 2
	if _, err := env.Engine.UpdateConfig(env.Ctx, "p1", cfg, "alice"); err != nil {
		t.Fatalf("update config: %v", err)
	}
	stored, err := env.Engine.Repo.GetProjectConfig(env.Ctx, nil, "p1")
	if err != nil || stored.Generation.MaxAttempts != 2 || stored.Project.CompanyID != "acme" {
		t.Fatalf("stored config: %v %+v", err, stored)
	}
	bad := config.Default("p1")
	bad.Matching.TopN = 0
	if _, err := env.Engine.UpdateConfig(env.Ctx, "p1", bad, "alice"); failure.KindOf(err) != failure.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE projects SET status=? WHERE id=?`, domain.StatusMatching, "p1"); err != nil {
		t.Fatalf("force status: %v", err)
	}
	if _, err := env.Engine.UpdateConfig(env.Ctx, "p1", cfg, "alice"); failure.KindOf(err) != failure.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
