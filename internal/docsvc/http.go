package docsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tenderline/internal/domain"
	"tenderline/internal/failure"
)

// HTTPExtractor calls a document parsing service exposing POST /parse.
type HTTPExtractor struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPExtractor(baseURL, apiKey string) *HTTPExtractor {
	return &HTTPExtractor{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, Client: &http.Client{}}
}

type parseRequest struct {
	ProjectID string `json:"project_id"`
	SourceRef string `json:"source_ref"`
}

type parseResponse struct {
	Requirements []sheetRequirement `json:"requirements"`
}

// Extract posts the source reference and validates the returned set. A 422
// means the document itself could not be read and is not retried.
func (c *HTTPExtractor) Extract(ctx context.Context, projectID, sourceRef string) ([]domain.Requirement, error) {
	var out parseResponse
	err := postJSON(ctx, c.Client, c.BaseURL+"/parse", c.APIKey, "extraction", parseRequest{ProjectID: projectID, SourceRef: sourceRef}, &out)
	if err != nil {
		return nil, err
	}
	reqs := make([]domain.Requirement, 0, len(out.Requirements))
	for _, r := range out.Requirements {
		reqs = append(reqs, r.requirement())
	}
	return Normalize(projectID, reqs)
}

// HTTPAssembler calls a rendering service exposing POST /export/docx.
type HTTPAssembler struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPAssembler(baseURL, apiKey string) *HTTPAssembler {
	return &HTTPAssembler{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, Client: &http.Client{}}
}

type exportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type exportRequest struct {
	ProjectID   string          `json:"project_id"`
	ProjectName string          `json:"project_name"`
	Sections    []exportSection `json:"sections"`
}

type exportResponse struct {
	ArtifactRef string `json:"artifact_ref"`
	Path        string `json:"path"`
}

func (c *HTTPAssembler) Assemble(ctx context.Context, doc Document) (string, error) {
	body := exportRequest{ProjectID: doc.ProjectID, ProjectName: doc.ProjectName}
	for _, s := range doc.Sections {
		body.Sections = append(body.Sections, exportSection{Title: s.Title, Content: s.Text})
	}
	var out exportResponse
	if err := postJSON(ctx, c.Client, c.BaseURL+"/export/docx", c.APIKey, "assembly", body, &out); err != nil {
		return "", err
	}
	ref := out.ArtifactRef
	if ref == "" {
		ref = out.Path
	}
	if ref == "" {
		return "", fmt.Errorf("assembly service returned no artifact reference")
	}
	return ref, nil
}

// postJSON sends in and decodes the 200 response into out. Transport
// errors, 429 and 5xx are transient; 422 is a validation failure.
func postJSON(ctx context.Context, client *http.Client, url, apiKey, service string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Transient(fmt.Errorf("%s request: %w", service, err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure.Transient(fmt.Errorf("read %s response: %w", service, err))
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return failure.Transient(fmt.Errorf("%s service error (%d): %s", service, resp.StatusCode, strings.TrimSpace(string(data))))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return failure.Validation(service, "%s service rejected the document: %s", service, strings.TrimSpace(string(data)))
	default:
		return fmt.Errorf("%s service error (%d): %s", service, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", service, err)
	}
	return nil
}
