package tenderlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal tenderline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// StageError is the failure recorded on a failed project.
type StageError struct {
	Stage          string   `json:"stage"`
	Kind           string   `json:"kind"`
	Cause          string   `json:"cause"`
	RequirementIDs []string `json:"requirement_ids,omitempty"`
}

// Project represents the API project model.
type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	CompanyID   string      `json:"company_id"`
	Status      string      `json:"status"`
	Version     int64       `json:"version"`
	SourceRef   string      `json:"source_ref,omitempty"`
	ArtifactRef string      `json:"artifact_ref,omitempty"`
	RCContext   string      `json:"rc_context,omitempty"`
	LastError   *StageError `json:"last_error,omitempty"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

// Match is the current content match of a requirement.
type Match struct {
	RequirementID   string   `json:"requirement_id"`
	Version         int      `json:"version"`
	ItemIDs         []string `json:"item_ids"`
	Confidence      float64  `json:"confidence"`
	Strategy        string   `json:"strategy"`
	NeedsGeneration bool     `json:"needs_generation"`
	NeedsUpload     bool     `json:"needs_upload"`
	Rationale       string   `json:"rationale"`
	Approved        bool     `json:"approved"`
}

// Gap is a requirement still lacking usable content.
type Gap struct {
	RequirementID string   `json:"requirement_id"`
	Title         string   `json:"title"`
	Reason        string   `json:"reason"`
	Attempts      int      `json:"attempts"`
	LastScore     *float64 `json:"last_score,omitempty"`
	Issues        []string `json:"issues,omitempty"`
}

// GenerationTask is one generation attempt (partial).
type GenerationTask struct {
	ID            string   `json:"id"`
	RequirementID string   `json:"requirement_id"`
	Attempt       int      `json:"attempt"`
	Outcome       string   `json:"outcome"`
	Text          *string  `json:"text,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	Issues        []string `json:"issues,omitempty"`
}

// Event represents a workflow log entry.
type Event struct {
	Seq        int64          `json:"seq"`
	ProjectID  string         `json:"project_id"`
	Type       string         `json:"type"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

// ContentItem is a library entry.
type ContentItem struct {
	ID    string   `json:"id,omitempty"`
	Type  string   `json:"type"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

// Override edits one requirement's match.
type Override struct {
	AddItems        []string `json:"add_items,omitempty"`
	RemoveItems     []string `json:"remove_items,omitempty"`
	ForceGeneration *bool    `json:"force_generation,omitempty"`
	ForceUpload     *bool    `json:"force_upload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project in draft.
func (c *Client) CreateProject(ctx context.Context, id, name, companyID string) (Project, error) {
	body := map[string]any{
		"id":         id,
		"name":       name,
		"company_id": companyID,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// AttachSource records the tender's source document.
func (c *Client) AttachSource(ctx context.Context, projectID, sourceRef string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "source"), map[string]any{"source_ref": sourceRef}, &resp)
	return resp, err
}

// RunStage starts extract, match, assemble or retry. With wait the call
// returns once the stage reached its terminal status.
func (c *Client) RunStage(ctx context.Context, projectID, stage string, wait bool) (Project, error) {
	endpoint := projectPath(projectID, stage)
	if wait {
		endpoint += "?wait=true"
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Generate drafts the approved gaps, or only the listed requirements.
func (c *Client) Generate(ctx context.Context, projectID string, requirementIDs []string, wait bool) (Project, error) {
	endpoint := projectPath(projectID, "generate")
	if wait {
		endpoint += "?wait=true"
	}
	var body any
	if len(requirementIDs) > 0 {
		body = map[string]any{"requirement_ids": requirementIDs}
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Transition performs a user decision such as "matches/approve", "review"
// or "complete".
func (c *Client) Transition(ctx context.Context, projectID, action string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, action), nil, &resp)
	return resp, err
}

// Override stores a manual match for a requirement.
func (c *Client) Override(ctx context.Context, projectID, requirementID string, o Override) (Match, error) {
	var resp Match
	endpoint := projectPath(projectID, fmt.Sprintf("matches/%s/override", url.PathEscape(requirementID)))
	err := c.do(ctx, http.MethodPost, endpoint, o, &resp)
	return resp, err
}

// Regenerate makes one new attempt for a requirement.
func (c *Client) Regenerate(ctx context.Context, projectID, requirementID, instructions string) (GenerationTask, error) {
	var resp GenerationTask
	endpoint := projectPath(projectID, fmt.Sprintf("requirements/%s/regenerate", url.PathEscape(requirementID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"instructions": instructions}, &resp)
	return resp, err
}

// Matches returns the current match of every requirement.
func (c *Client) Matches(ctx context.Context, projectID string) ([]Match, error) {
	var resp struct {
		Items []Match `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "matches"), nil, &resp)
	return resp.Items, err
}

// Gaps returns the requirements still lacking content.
func (c *Client) Gaps(ctx context.Context, projectID string) ([]Gap, error) {
	var resp struct {
		Items []Gap `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "gaps"), nil, &resp)
	return resp.Items, err
}

// EventsPage returns the events after cursor.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := projectPath(projectID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ImportContent stores library items for a company.
func (c *Client) ImportContent(ctx context.Context, companyID string, items []ContentItem) ([]ContentItem, error) {
	var resp struct {
		Items []ContentItem `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "v0/content", map[string]any{"company_id": companyID, "items": items}, &resp)
	return resp.Items, err
}

// ChunkOptions controls how ChunkContent splits a document. Zero sizes use
// the server defaults.
type ChunkOptions struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Tags    []string `json:"tags,omitempty"`
	Size    int      `json:"chunk_size,omitempty"`
	Overlap int      `json:"chunk_overlap,omitempty"`
}

// ChunkContent splits a text document into overlapping library items.
func (c *Client) ChunkContent(ctx context.Context, companyID, text string, o ChunkOptions) ([]ContentItem, error) {
	var resp struct {
		Items []ContentItem `json:"items"`
	}
	body := map[string]any{
		"company_id":    companyID,
		"text":          text,
		"type":          o.Type,
		"title":         o.Title,
		"tags":          o.Tags,
		"chunk_size":    o.Size,
		"chunk_overlap": o.Overlap,
	}
	err := c.do(ctx, http.MethodPost, "v0/content/chunks", body, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	project := url.PathEscape(projectID)
	if p == "" {
		return "v0/projects/" + project
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
