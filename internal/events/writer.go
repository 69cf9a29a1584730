package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tenderline/internal/domain"
)

// Event types recorded in the workflow log.
const (
	TypeProjectCreated  = "project.created"
	TypeTransition      = "project.transition"
	TypeStageFailed     = "stage.failed"
	TypeStageRetried    = "stage.retried"
	TypeMatchOverride   = "match.override"
	TypeMatchesApproved = "matches.approved"
	TypeConfigUpdated   = "config.updated"
	TypeRegenerated     = "generation.regenerated"
)

// Tx is the subset of *sql.Tx the writer needs.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event in tx and assigns the next per-project sequence number.
func (w Writer) Append(ctx context.Context, tx Tx, evtType, projectID string, from, to domain.Status, actorID string, payload EventPayload) (domain.WorkflowEvent, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM workflow_events WHERE project_id=?`, projectID).Scan(&seq); err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("next event seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_events(project_id,seq,type,from_status,to_status,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		projectID, seq, evtType, nullable(string(from)), nullable(string(to)), actorID, ts, string(data))
	if err != nil {
		return domain.WorkflowEvent{}, err
	}
	return domain.WorkflowEvent{
		Seq:        seq,
		ProjectID:  projectID,
		Type:       evtType,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		TS:         ts,
		Payload:    string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
