package server

import (
	"encoding/json"

	"tenderline/internal/domain"
	"tenderline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name"`
	CompanyID string  `json:"company_id"`
	Config    *string `json:"config_yaml,omitempty" doc:"Project settings as YAML; defaults when omitted"`
}

type AttachSourceRequest struct {
	SourceRef string `json:"source_ref" example:"dce/reglement-consultation.pdf"`
}

type ConfigDocument struct {
	YAML string `json:"yaml"`
}

type GenerateRequest struct {
	RequirementIDs []string `json:"requirement_ids,omitempty"`
}

type OverrideRequest struct {
	AddItems        []string `json:"add_items,omitempty"`
	RemoveItems     []string `json:"remove_items,omitempty"`
	ForceGeneration *bool    `json:"force_generation,omitempty"`
	ForceUpload     *bool    `json:"force_upload,omitempty"`
}

type RegenerateRequest struct {
	Instructions string `json:"instructions,omitempty"`
}

type ContentItemRequest struct {
	ID    string   `json:"id,omitempty"`
	Type  string   `json:"type"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

type ImportContentRequest struct {
	CompanyID string               `json:"company_id"`
	Items     []ContentItemRequest `json:"items"`
}

// ChunkContentRequest splits a plain text document into library items.
type ChunkContentRequest struct {
	CompanyID string   `json:"company_id"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Tags      []string `json:"tags,omitempty"`
	Size      int      `json:"chunk_size,omitempty" minimum:"0"`
	Overlap   int      `json:"chunk_overlap,omitempty" minimum:"0"`
}

type TokenRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// Response payloads

type EventResponse struct {
	Seq        int64          `json:"seq"`
	ProjectID  string         `json:"project_id"`
	Type       string         `json:"type"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts" format:"date-time"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type projectList struct {
	Items []domain.Project `json:"items"`
}

type requirementList struct {
	Items []domain.Requirement `json:"items"`
}

type matchList struct {
	Items []domain.ContentMatch `json:"items"`
}

type taskList struct {
	Items []domain.GenerationTask `json:"items"`
}

type gapList struct {
	Items []engine.Gap `json:"items"`
}

type sectionList struct {
	Items []domain.Section `json:"items"`
}

type contentList struct {
	Items []domain.ContentItem `json:"items"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func eventResponse(evt domain.WorkflowEvent) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		Seq:        evt.Seq,
		ProjectID:  evt.ProjectID,
		Type:       evt.Type,
		FromStatus: string(evt.FromStatus),
		ToStatus:   string(evt.ToStatus),
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
