package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tenderline/internal/failure"
)

// HTTPClient calls a retrieval service exposing POST /search.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type searchRequest struct {
	Query   string `json:"query"`
	ScopeID string `json:"scope_id"`
	TopK    int    `json:"top_k"`
}

type searchResponse struct {
	Results []Hit `json:"results"`
}

// NewHTTPClient returns a client for the retrieval service at baseURL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, Client: &http.Client{}}
}

// Search posts the query; 429, 5xx and transport errors are transient.
func (c *HTTPClient) Search(ctx context.Context, query, scopeID string, topK int) ([]Hit, error) {
	body, err := json.Marshal(searchRequest{Query: query, ScopeID: scopeID, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Transient(fmt.Errorf("retrieval request: %w", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("read retrieval response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("retrieval service error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, failure.Transient(err)
		}
		return nil, err
	}
	var out searchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	SortHits(out.Results)
	if topK > 0 && len(out.Results) > topK {
		out.Results = out.Results[:topK]
	}
	return out.Results, nil
}
