package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"tenderline/internal/app"
	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/repo"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			CompanyID: input.Body.CompanyID,
			ActorID:   actorID,
		}
		if input.Body.Config != nil && strings.TrimSpace(*input.Body.Config) != "" {
			cfg, err := config.ForProject(input.Body.ID, []byte(*input.Body.Config))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			opts.Config = cfg
		}
		if opts.ID != "" {
			if _, err := e.GetProject(ctx, opts.ID); err == nil {
				return nil, newAPIError(http.StatusConflict, "conflict", "project "+opts.ID+" already exists", nil)
			}
		}
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body projectList `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, domain.Status(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectList `json:"body"`
		}{Body: projectList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*projectBody, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-source",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/source",
		Summary:     "Attach the tender's source document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      AttachSourceRequest `json:"body"`
	}) (*projectBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AttachSource(ctx, input.ProjectID, input.Body.SourceRef, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: p}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Project settings as YAML",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ConfigDocument `json:"body"`
	}, error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetProjectConfig(ctx, nil, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := cfg.Marshal()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigDocument `json:"body"`
		}{Body: ConfigDocument{YAML: string(data)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project settings",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      ConfigDocument `json:"body"`
	}) (*projectBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := config.ForProject(input.ProjectID, []byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		p, err := e.UpdateConfig(ctx, input.ProjectID, cfg, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: p}, nil
	})
}

func registerContent(api huma.API, e engine.Engine, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "import-content",
		Method:      http.MethodPost,
		Path:        "/content",
		Summary:     "Import library content for a company",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ImportContentRequest `json:"body"`
	}) (*struct {
		Body contentList `json:"body"`
	}, error) {
		items := make([]domain.ContentItem, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			items = append(items, domain.ContentItem{
				ID:        it.ID,
				CompanyID: input.Body.CompanyID,
				Type:      it.Type,
				Title:     it.Title,
				Body:      it.Body,
				Tags:      it.Tags,
			})
		}
		stored, err := app.ImportContent(ctx, e.Repo, items, now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body contentList `json:"body"`
		}{Body: contentList{Items: stored}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chunk-content",
		Method:      http.MethodPost,
		Path:        "/content/chunks",
		Summary:     "Split a document into library content",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ChunkContentRequest `json:"body"`
	}) (*struct {
		Body contentList `json:"body"`
	}, error) {
		b := input.Body
		items, err := app.ChunkDocument(b.Text, app.ChunkOptions{
			CompanyID: b.CompanyID,
			Type:      b.Type,
			Title:     b.Title,
			Tags:      b.Tags,
			Size:      b.Size,
			Overlap:   b.Overlap,
		})
		if err != nil {
			return nil, handleError(err)
		}
		stored, err := app.ImportContent(ctx, e.Repo, items, now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body contentList `json:"body"`
		}{Body: contentList{Items: stored}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-content",
		Method:      http.MethodGet,
		Path:        "/content",
		Summary:     "List library content",
	}, func(ctx context.Context, input *struct {
		CompanyID string `query:"company_id"`
		Type      string `query:"type"`
		Tag       string `query:"tag"`
	}) (*struct {
		Body contentList `json:"body"`
	}, error) {
		items, err := e.Repo.ListContentItems(ctx, nil, repo.ContentFilters{CompanyID: input.CompanyID, Type: input.Type, Tag: input.Tag})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body contentList `json:"body"`
		}{Body: contentList{Items: nonNil(items)}}, nil
	})
}
