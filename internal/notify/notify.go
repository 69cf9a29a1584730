// Package notify delivers workflow progress to observers: a log line per
// notification, webhooks, or both.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"tenderline/internal/domain"
)

// TypeGenerationAttempt is sent after each finished generation attempt. It
// is not part of the workflow log.
const TypeGenerationAttempt = "generation.attempt"

// Notification is one progress message. Seq is the workflow log sequence
// for logged events and zero otherwise.
type Notification struct {
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	Seq        int64           `json:"seq,omitempty"`
	FromStatus domain.Status   `json:"from_status,omitempty"`
	ToStatus   domain.Status   `json:"to_status,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// FromEvent wraps a workflow log entry.
func FromEvent(evt domain.WorkflowEvent) Notification {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Notification{
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		Seq:        evt.Seq,
		FromStatus: evt.FromStatus,
		ToStatus:   evt.ToStatus,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// FromAttempt summarizes a finished generation attempt.
func FromAttempt(t domain.GenerationTask) Notification {
	body := map[string]any{
		"requirement_id": t.RequirementID,
		"task_id":        t.ID,
		"attempt":        t.Attempt,
		"outcome":        t.Outcome,
	}
	if t.Score != nil {
		body["score"] = *t.Score
	}
	if t.Interrupted {
		body["interrupted"] = true
	}
	data, _ := json.Marshal(body)
	ts := t.CreatedAt
	if t.FinishedAt != nil {
		ts = *t.FinishedAt
	}
	return Notification{Type: TypeGenerationAttempt, ProjectID: t.ProjectID, TS: ts, Payload: data}
}

// Sink receives notifications. Delivery is best effort: the workflow never
// fails because a sink did.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// LogSink prints one line per notification.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Notify(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	switch {
	case n.FromStatus != "" || n.ToStatus != "":
		logger.Printf("project %s: %s %s -> %s %s", n.ProjectID, n.Type, n.FromStatus, n.ToStatus, n.Payload)
	default:
		logger.Printf("project %s: %s %s", n.ProjectID, n.Type, n.Payload)
	}
	return nil
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
