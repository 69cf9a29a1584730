package generation

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

const (
	messagesBaseURL  = "https://api.anthropic.com"
	messagesVersion  = "2023-06-01"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// MessagesClient calls the Anthropic Messages API. It performs one HTTP call
// per Generate; retries belong to the caller's policy.
type MessagesClient struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

type messagesRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	System    string            `json:"system,omitempty"`
	Messages  []messagesMessage `json:"messages"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type messagesError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewMessagesClient(apiKey, baseURL string) *MessagesClient {
	if baseURL == "" {
		baseURL = messagesBaseURL
	}
	return &MessagesClient{APIKey: apiKey, BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}
}

func (c *MessagesClient) Generate(ctx context.Context, p Prompt) (Completion, error) {
	if c.APIKey == "" {
		return Completion{}, fmt.Errorf("generation api key not set")
	}
	model := p.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    p.System,
		Messages:  []messagesMessage{{Role: "user", Content: p.User}},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", messagesVersion)
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, failure.Transient(fmt.Errorf("generation request: %w", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, failure.Transient(fmt.Errorf("read generation response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		se := &ServiceError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var apiErr messagesError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			se.Type = apiErr.Error.Type
			se.Message = apiErr.Error.Message
		}
		if se.Retryable() {
			return Completion{}, failure.Transient(se)
		}
		return Completion{}, se
	}
	var out messagesResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Completion{}, fmt.Errorf("decode generation response: %w", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, &ServiceError{StatusCode: resp.StatusCode, Message: "empty completion"}
	}
	return Completion{
		Text:         text.String(),
		Model:        out.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}
