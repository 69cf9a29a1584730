// Package engine is the workflow orchestrator. It drives a project through
// extraction, matching, generation and assembly, owns transition validation
// and the compare-and-set discipline on project status, and records every
// transition in the workflow log.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenderline/internal/config"
	"tenderline/internal/docsvc"
	"tenderline/internal/domain"
	"tenderline/internal/events"
	"tenderline/internal/failure"
	"tenderline/internal/generation"
	"tenderline/internal/notify"
	"tenderline/internal/repo"
	"tenderline/internal/retrieval"
	"tenderline/internal/retry"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	NewID  func() string
	Logger *log.Logger

	Extractor docsvc.Extractor
	Assembler docsvc.Assembler
	// Searcher is optional; without it a lexical index over the company
	// library is built per run.
	Searcher    retrieval.Searcher
	Generator   generation.Service
	Specificity generation.SpecificityScorer
	Sink        notify.Sink
	// Sleep replaces the backoff wait of collaborator retries.
	Sleep func(ctx context.Context, d time.Duration) error

	runs *registry
	// afterRead runs between the status read and the transition write.
	afterRead func(op string)
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Now:    time.Now,
		Sink:   notify.Nop{},
		runs:   newRegistry(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// transitions lists the allowed forward edges. Failed re-enters a stage only
// through Retry.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusDraft:          {domain.StatusSourceUploaded},
	domain.StatusSourceUploaded: {domain.StatusExtracting},
	domain.StatusExtracting:     {domain.StatusExtracted, domain.StatusFailed},
	domain.StatusExtracted:      {domain.StatusMatching},
	domain.StatusMatching:       {domain.StatusMatched, domain.StatusFailed},
	domain.StatusMatched:        {domain.StatusCustomizing, domain.StatusMatchApproved},
	domain.StatusCustomizing:    {domain.StatusMatched, domain.StatusMatchApproved},
	domain.StatusMatchApproved:  {domain.StatusGenerating},
	domain.StatusGenerating:     {domain.StatusGenerated, domain.StatusFailed},
	domain.StatusGenerated:      {domain.StatusReviewing, domain.StatusAssembling},
	domain.StatusReviewing:      {domain.StatusGenerated, domain.StatusAssembling},
	domain.StatusAssembling:     {domain.StatusReady, domain.StatusFailed},
	domain.StatusReady:          {domain.StatusCompleted},
	domain.StatusCompleted:      {domain.StatusSubmitted},
	domain.StatusFailed:         {domain.StatusExtracting, domain.StatusMatching, domain.StatusGenerating, domain.StatusAssembling},
}

func ensureTransition(op string, from, to domain.Status) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return failure.InvalidTransition(op, from, to)
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s domain.Status) bool {
	return len(transitions[s]) == 0
}

func inFlight(s domain.Status) bool {
	switch s {
	case domain.StatusExtracting, domain.StatusMatching, domain.StatusGenerating, domain.StatusAssembling:
		return true
	}
	return false
}

// move is one guarded status change.
type move struct {
	op      string
	from    []domain.Status
	to      domain.Status
	event   string
	actorID string
	update  repo.ProjectUpdate
	payload events.EventPayload
	// check validates the observed project before the write.
	check func(ctx context.Context, p domain.Project) error
	// within runs in the transition's transaction after the write.
	within func(ctx context.Context, tx *sql.Tx, p domain.Project) error
}

// apply reads the project, checks the precondition and performs the
// compare-and-set write conditioned on the status and version it read.
func (e Engine) apply(ctx context.Context, projectID string, m move) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return p, err
	}
	if !statusIn(p.Status, m.from) {
		return p, failure.Precondition(m.op, p.Status, m.from...)
	}
	if m.check != nil {
		if err := m.check(ctx, p); err != nil {
			return p, err
		}
	}
	if e.afterRead != nil {
		e.afterRead(m.op)
	}
	return e.write(ctx, p, m)
}

// write performs m from the observed state of p.
func (e Engine) write(ctx context.Context, p domain.Project, m move) (domain.Project, error) {
	if m.to != p.Status {
		if err := ensureTransition(m.op, p.Status, m.to); err != nil {
			return p, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	ts := e.timestamp()
	version, err := e.Repo.TransitionProject(ctx, tx, p.ID, p.Status, p.Version, m.to, m.update, ts)
	if err != nil {
		return p, err
	}
	from := p.Status
	p.Status = m.to
	p.Version = version
	p.UpdatedAt = ts
	applyUpdate(&p, m.update)
	if m.within != nil {
		if err := m.within(ctx, tx, p); err != nil {
			return p, err
		}
	}
	event := m.event
	if event == "" {
		event = events.TypeTransition
	}
	evtFrom, evtTo := from, m.to
	if from == m.to {
		evtFrom, evtTo = "", ""
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	evt, err := w.Append(ctx, tx, event, p.ID, evtFrom, evtTo, m.actorID, m.payload)
	if err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.emit(ctx, notify.FromEvent(evt))
	return p, nil
}

// touch records an event without a status change, still conditioned on the
// status and version of p.
func (e Engine) touch(ctx context.Context, p domain.Project, op, event, actorID string, payload events.EventPayload, within func(ctx context.Context, tx *sql.Tx, p domain.Project) error) (domain.Project, error) {
	return e.write(ctx, p, move{op: op, to: p.Status, event: event, actorID: actorID, payload: payload, within: within})
}

func applyUpdate(p *domain.Project, upd repo.ProjectUpdate) {
	if upd.SourceRef != nil {
		p.SourceRef = *upd.SourceRef
	}
	if upd.ArtifactRef != nil {
		p.ArtifactRef = *upd.ArtifactRef
	}
	if upd.RCContext != nil {
		p.RCContext = *upd.RCContext
	}
	switch {
	case upd.SetError != nil:
		se := *upd.SetError
		p.LastError = &se
	case upd.ClearError:
		p.LastError = nil
	}
}

func statusIn(s domain.Status, set []domain.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (e Engine) emit(ctx context.Context, n notify.Notification) {
	if e.Sink == nil {
		return
	}
	if err := e.Sink.Notify(context.WithoutCancel(ctx), n); err != nil {
		e.logf("notify %s for project %s: %v", n.Type, n.ProjectID, err)
	}
}

// projectConfig returns the stored project config, or the defaults when
// none was saved.
func (e Engine) projectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, nil, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(projectID), nil
	}
	return cfg, err
}

func (e Engine) policy(cfg *config.Config, timeout time.Duration) retry.Policy {
	p := retry.Default(timeout)
	if r := cfg.Workflow.Retry; r.Attempts > 0 {
		p.Attempts = r.Attempts
	}
	if r := cfg.Workflow.Retry; r.Base > 0 {
		p.Base = r.Base
	}
	if r := cfg.Workflow.Retry; r.Max > 0 {
		p.Max = r.Max
	}
	p.Sleep = e.Sleep
	return p
}

func workerPool(cfg *config.Config) int {
	if cfg.Workflow.WorkerPool > 0 {
		return cfg.Workflow.WorkerPool
	}
	return 8
}

// registry tracks in-flight stage runs so they can be canceled and waited on.
type registry struct {
	mu   sync.Mutex
	runs map[string][]*runHandle
	wg   sync.WaitGroup
}

type runHandle struct {
	cancel context.CancelFunc
}

func newRegistry() *registry {
	return &registry{runs: map[string][]*runHandle{}}
}

// track registers cancel under the project. The returned release removes
// only this registration.
func (r *registry) track(projectID string, cancel context.CancelFunc) func() {
	if r == nil {
		return func() {}
	}
	h := &runHandle{cancel: cancel}
	r.mu.Lock()
	r.runs[projectID] = append(r.runs[projectID], h)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		hs := r.runs[projectID]
		for i, v := range hs {
			if v == h {
				hs = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(r.runs, projectID)
			return
		}
		r.runs[projectID] = hs
	}
}

// cancel cancels every run registered under the project.
func (r *registry) cancel(projectID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	hs := append([]*runHandle(nil), r.runs[projectID]...)
	r.mu.Unlock()
	for _, h := range hs {
		h.cancel()
	}
	return len(hs) > 0
}

func (r *registry) goRun(fn func()) {
	if r == nil {
		go fn()
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Wait blocks until every background stage run started by this engine has
// finished.
func (e Engine) Wait() {
	if e.runs != nil {
		e.runs.wg.Wait()
	}
}
