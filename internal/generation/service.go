// Package generation drafts text for requirements that library content does
// not cover, scores each draft and retries with feedback.
package generation

import (
	"context"
	"fmt"

	"tenderline/internal/domain"
)

// Prompt is one request to the generation service.
type Prompt struct {
	System    string
	User      string
	Model     string
	MaxTokens int
}

// Completion is the service's answer plus usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Service produces text for a prompt.
// Implementations: MessagesClient (Anthropic Messages API)
type Service interface {
	Generate(ctx context.Context, p Prompt) (Completion, error)
}

// ServiceError is the typed error returned by Service implementations.
type ServiceError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("generation service error (%d %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("generation service error (%d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *ServiceError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// SpecificityScorer optionally rates how specific a draft is to its
// requirement. Failures only drop the signal.
type SpecificityScorer interface {
	Specificity(ctx context.Context, req domain.Requirement, text string) (float64, error)
}
