package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/matching"
)

// stageInput selects between running the stage within the request and
// starting it in the background.
type stageInput struct {
	ProjectID string `path:"project_id"`
	Wait      bool   `query:"wait" doc:"Run the stage to its terminal status before responding"`
}

type stageFuncs struct {
	begin func(ctx context.Context, projectID, actorID string) (domain.Project, error)
	start func(ctx context.Context, projectID, actorID string) (domain.Project, error)
}

func runStage(ctx context.Context, projectID string, wait bool, fns stageFuncs) (*projectBody, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	var (
		p   domain.Project
		err error
	)
	if wait {
		p, err = stageResult(fns.begin(ctx, projectID, actorID))
	} else {
		p, err = fns.start(ctx, projectID, actorID)
	}
	if err != nil {
		return nil, handleError(err)
	}
	return &projectBody{Body: p}, nil
}

var stageErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError}

func registerStages(api huma.API, e engine.Engine) {
	stages := []struct {
		id, path, summary string
		fns               stageFuncs
	}{
		{"extract", "/projects/{project_id}/extract", "Extract requirements from the source document", stageFuncs{e.BeginExtraction, e.StartExtraction}},
		{"match", "/projects/{project_id}/match", "Match requirements against the company library", stageFuncs{e.BeginMatching, e.StartMatching}},
		{"assemble", "/projects/{project_id}/assemble", "Assemble the document", stageFuncs{e.BeginAssembly, e.StartAssembly}},
		{"retry", "/projects/{project_id}/retry", "Re-enter the failed stage", stageFuncs{e.Retry, e.StartRetry}},
	}
	for _, st := range stages {
		fns := st.fns
		huma.Register(api, huma.Operation{
			OperationID: st.id,
			Method:      http.MethodPost,
			Path:        st.path,
			Summary:     st.summary,
			Errors:      stageErrors,
		}, func(ctx context.Context, input *stageInput) (*projectBody, error) {
			return runStage(ctx, input.ProjectID, input.Wait, fns)
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "generate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/generate",
		Summary:     "Draft the approved gaps",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Wait      bool             `query:"wait"`
		Body      *GenerateRequest `json:"body,omitempty" required:"false"`
	}) (*projectBody, error) {
		var ids []string
		if input.Body != nil {
			ids = input.Body.RequirementIDs
		}
		return runStage(ctx, input.ProjectID, input.Wait, stageFuncs{
			begin: func(ctx context.Context, projectID, actorID string) (domain.Project, error) {
				return e.BeginGeneration(ctx, projectID, ids, actorID)
			},
			start: func(ctx context.Context, projectID, actorID string) (domain.Project, error) {
				return e.StartGeneration(ctx, projectID, ids, actorID)
			},
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Cancel the in-flight stage",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *projectPath) (*projectBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Cancel(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: p}, nil
	})
}

// registerDecisions exposes the user-driven transitions.
func registerDecisions(api huma.API, e engine.Engine) {
	moves := []struct {
		id, path, summary string
		fn                func(ctx context.Context, projectID, actorID string) (domain.Project, error)
	}{
		{"begin-customization", "/projects/{project_id}/customize", "Open matches for manual edits", e.BeginCustomization},
		{"end-customization", "/projects/{project_id}/customize/end", "Close manual edits without approving", e.EndCustomization},
		{"approve-matches", "/projects/{project_id}/matches/approve", "Approve the current matches", e.ApproveMatches},
		{"begin-review", "/projects/{project_id}/review", "Open generated sections for review", e.BeginReview},
		{"end-review", "/projects/{project_id}/review/end", "Close the review", e.EndReview},
		{"complete", "/projects/{project_id}/complete", "Mark the document completed", e.MarkCompleted},
		{"submit", "/projects/{project_id}/submit", "Record the submission", e.MarkSubmitted},
	}
	for _, mv := range moves {
		fn := mv.fn
		huma.Register(api, huma.Operation{
			OperationID: mv.id,
			Method:      http.MethodPost,
			Path:        mv.path,
			Summary:     mv.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *projectPath) (*projectBody, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			p, err := fn(ctx, input.ProjectID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &projectBody{Body: p}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "override-match",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/matches/{requirement_id}/override",
		Summary:     "Store a manual match for one requirement",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID     string          `path:"project_id"`
		RequirementID string          `path:"requirement_id"`
		Body          OverrideRequest `json:"body"`
	}) (*struct {
		Body domain.ContentMatch `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApplyOverride(ctx, input.ProjectID, input.RequirementID, matching.Override{
			AddItems:        input.Body.AddItems,
			RemoveItems:     input.Body.RemoveItems,
			ForceGeneration: input.Body.ForceGeneration,
			ForceUpload:     input.Body.ForceUpload,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentMatch `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/requirements/{requirement_id}/regenerate",
		Summary:     "Make one new generation attempt with instructions",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID     string             `path:"project_id"`
		RequirementID string             `path:"requirement_id"`
		Body          *RegenerateRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.GenerationTask `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var instructions string
		if input.Body != nil {
			instructions = input.Body.Instructions
		}
		t, err := e.Regenerate(ctx, input.ProjectID, input.RequirementID, instructions, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GenerationTask `json:"body"`
		}{Body: t}, nil
	})
}

func registerReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status with counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.Summary `json:"body"`
	}, error) {
		s, err := e.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Summary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/requirements",
		Summary:     "Extracted requirements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body requirementList `json:"body"`
	}, error) {
		items, err := e.Requirements(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body requirementList `json:"body"`
		}{Body: requirementList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-matches",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/matches",
		Summary:     "Current match of every requirement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body matchList `json:"body"`
	}, error) {
		items, err := e.Matches(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body matchList `json:"body"`
		}{Body: matchList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gaps",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gaps",
		Summary:     "Requirements still lacking content",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body gapList `json:"body"`
	}, error) {
		items, err := e.OpenGaps(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body gapList `json:"body"`
		}{Body: gapList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-generation-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "Generation attempts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID     string `path:"project_id"`
		RequirementID string `query:"requirement_id"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		items, err := e.Tasks(ctx, input.ProjectID, input.RequirementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sections",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sections",
		Summary:     "Document sections as they would be assembled",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body sectionList `json:"body"`
	}, error) {
		items, err := e.Sections(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sectionList `json:"body"`
		}{Body: sectionList{Items: nonNil(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Workflow log after a cursor",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor" doc:"Sequence number of the last event already seen"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := e.Log(ctx, input.ProjectID, after, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
