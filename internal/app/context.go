package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"tenderline/internal/config"
	"tenderline/internal/db"
	"tenderline/internal/docsvc"
	"tenderline/internal/engine"
	"tenderline/internal/generation"
	"tenderline/internal/notify"
	"tenderline/internal/repo"
	"tenderline/internal/retrieval"
)

// ResolveProject picks the active project. It prefers the override, then the
// only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, projectOverride string) (string, error) {
	if id := strings.TrimSpace(projectOverride); id != "" {
		return id, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no project in workspace; create one with tl project create")
		}
		return "", err
	}
	return p.ID, nil
}

// ResolveProjectAndConfig returns the active project id with its stored
// settings, seeding defaults when the project has none.
func ResolveProjectAndConfig(ctx context.Context, r repo.Repo, projectOverride string) (string, *config.Config, error) {
	projectID, err := ResolveProject(ctx, r, projectOverride)
	if err != nil {
		return "", nil, err
	}
	p, err := r.GetProject(ctx, nil, projectID)
	if err != nil {
		return "", nil, err
	}
	cfg, err := r.GetProjectConfig(ctx, nil, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		cfg.Project.CompanyID = p.CompanyID
		if err := r.UpsertProjectConfig(ctx, nil, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// Settings are the process-level collaborator endpoints. An empty URL selects
// the local implementation.
type Settings struct {
	Workspace string

	ExtractorURL string
	ExtractorKey string
	// SourceDir resolves relative source references for the local extractor.
	SourceDir string

	RetrievalURL string
	RetrievalKey string

	GeneratorURL string
	GeneratorKey string

	AssemblerURL string
	AssemblerKey string

	// Quiet drops the per-notification log lines.
	Quiet  bool
	Logger *log.Logger
}

// NewEngine wires an engine over conn with the collaborators named in s.
func NewEngine(conn *sql.DB, s Settings) engine.Engine {
	logger := s.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "tenderline: ", log.LstdFlags)
	}
	e := engine.New(conn)
	e.Logger = logger

	if s.ExtractorURL != "" {
		e.Extractor = docsvc.NewHTTPExtractor(s.ExtractorURL, s.ExtractorKey)
	} else {
		dir := s.SourceDir
		if dir == "" {
			dir = s.Workspace
		}
		e.Extractor = docsvc.FileExtractor{Dir: dir}
	}
	if s.RetrievalURL != "" {
		e.Searcher = retrieval.NewHTTPClient(s.RetrievalURL, s.RetrievalKey)
	}
	if s.GeneratorKey != "" {
		e.Generator = generation.NewMessagesClient(s.GeneratorKey, s.GeneratorURL)
	}
	if s.AssemblerURL != "" {
		e.Assembler = docsvc.NewHTTPAssembler(s.AssemblerURL, s.AssemblerKey)
	} else {
		e.Assembler = docsvc.MarkdownAssembler{Dir: db.ArtifactDir(s.Workspace)}
	}

	r := e.Repo
	hooks := notify.NewWebhookSink(func(ctx context.Context, projectID string) ([]config.WebhookConfig, error) {
		cfg, err := r.GetProjectConfig(ctx, nil, projectID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return cfg.Webhooks, nil
	}, logger)
	sinks := notify.Multi{hooks}
	if !s.Quiet {
		sinks = append(sinks, notify.LogSink{Logger: logger})
	}
	e.Sink = sinks
	return e
}
