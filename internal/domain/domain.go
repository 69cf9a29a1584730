package domain

// Status is the workflow state of a project.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusSourceUploaded Status = "source_uploaded"
	StatusExtracting     Status = "extracting"
	StatusExtracted      Status = "extracted"
	StatusMatching       Status = "matching"
	StatusMatched        Status = "matched"
	StatusCustomizing    Status = "customizing"
	StatusMatchApproved  Status = "match_approved"
	StatusGenerating     Status = "generating"
	StatusGenerated      Status = "generated"
	StatusReviewing      Status = "reviewing"
	StatusAssembling     Status = "assembling"
	StatusReady          Status = "ready"
	StatusCompleted      Status = "completed"
	StatusSubmitted      Status = "submitted"
	StatusFailed         Status = "failed"
)

// AllStatuses lists every status in workflow order.
var AllStatuses = []Status{
	StatusDraft, StatusSourceUploaded, StatusExtracting, StatusExtracted,
	StatusMatching, StatusMatched, StatusCustomizing, StatusMatchApproved,
	StatusGenerating, StatusGenerated, StatusReviewing, StatusAssembling,
	StatusReady, StatusCompleted, StatusSubmitted, StatusFailed,
}

// Stage names the in-flight phases that can fail and be retried.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageMatching   Stage = "matching"
	StageGeneration Stage = "generation"
	StageAssembly   Stage = "assembly"
)

// ActiveStatus returns the in-flight status for a stage.
func (s Stage) ActiveStatus() Status {
	switch s {
	case StageExtraction:
		return StatusExtracting
	case StageMatching:
		return StatusMatching
	case StageGeneration:
		return StatusGenerating
	case StageAssembly:
		return StatusAssembling
	}
	return ""
}

// MatchStrategy is the closed set of ways a ContentMatch can be decided.
type MatchStrategy string

const (
	StrategyRule     MatchStrategy = "rule"
	StrategySemantic MatchStrategy = "semantic"
	StrategyManual   MatchStrategy = "manual"
)

// GenerationOutcome is the lifecycle state of one generation attempt.
type GenerationOutcome string

const (
	OutcomePending  GenerationOutcome = "pending"
	OutcomeAccepted GenerationOutcome = "accepted"
	OutcomeRetrying GenerationOutcome = "retrying"
	OutcomeFailed   GenerationOutcome = "failed"
)

// StageError is the structured payload carried by a failed project.
type StageError struct {
	Stage          Stage    `json:"stage"`
	Kind           string   `json:"kind"`
	Cause          string   `json:"cause"`
	RequirementIDs []string `json:"requirement_ids,omitempty"`
	// Scope is the requirement subset the failed run was asked to cover.
	Scope []string `json:"scope,omitempty"`
}

type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	CompanyID   string      `json:"company_id"`
	Status      Status      `json:"status"`
	Version     int64       `json:"version"`
	SourceRef   string      `json:"source_ref,omitempty"`
	ArtifactRef string      `json:"artifact_ref,omitempty"`
	// RCContext summarises the tender's consultation rules for prompts.
	RCContext   string      `json:"rc_context,omitempty"`
	LastError   *StageError `json:"last_error,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

type Requirement struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Points      *float64 `json:"points,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Position    int      `json:"position"`
}

type ContentItem struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"company_id"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags,omitempty"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type ContentMatch struct {
	ID              string        `json:"id"`
	ProjectID       string        `json:"project_id"`
	RequirementID   string        `json:"requirement_id"`
	Version         int           `json:"version"`
	ItemIDs         []string      `json:"item_ids"`
	Confidence      float64       `json:"confidence"`
	Strategy        MatchStrategy `json:"strategy" enum:"rule,semantic,manual"`
	NeedsGeneration bool          `json:"needs_generation"`
	NeedsUpload     bool          `json:"needs_upload"`
	Rationale       string        `json:"rationale"`
	Approved        bool          `json:"approved"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
}

// IsGap reports whether the match still needs generated or uploaded content.
func (m ContentMatch) IsGap() bool {
	return m.NeedsGeneration || m.NeedsUpload
}

type GenerationTask struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	RequirementID string            `json:"requirement_id"`
	Attempt       int               `json:"attempt"`
	Context       string            `json:"context"`
	Text          *string           `json:"text,omitempty"`
	Score         *float64          `json:"score,omitempty"`
	Issues        []string          `json:"issues,omitempty"`
	Outcome       GenerationOutcome `json:"outcome" enum:"pending,accepted,retrying,failed"`
	Interrupted   bool              `json:"interrupted,omitempty"`
	Error         string            `json:"error,omitempty"`
	Model         string            `json:"model,omitempty"`
	InputTokens   int               `json:"input_tokens"`
	OutputTokens  int               `json:"output_tokens"`
	LatencyMS     int64             `json:"latency_ms"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
	FinishedAt    *string           `json:"finished_at,omitempty" format:"date-time"`
}

// Finished reports whether the attempt reached a final outcome.
func (t GenerationTask) Finished() bool {
	return t.Outcome != OutcomePending
}

// Settled reports whether the attempt closes its requirement's lineage for a batch:
// accepted, or failed for a reason other than interruption.
func (t GenerationTask) Settled() bool {
	switch t.Outcome {
	case OutcomeAccepted:
		return true
	case OutcomeFailed:
		return !t.Interrupted
	}
	return false
}

type WorkflowEvent struct {
	Seq        int64  `json:"seq"`
	ProjectID  string `json:"project_id"`
	Type       string `json:"type"`
	FromStatus Status `json:"from_status,omitempty"`
	ToStatus   Status `json:"to_status,omitempty"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts" format:"date-time"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Section is one unit handed to the assembly collaborator.
type Section struct {
	RequirementID string `json:"requirement_id"`
	Title         string `json:"title"`
	Category      string `json:"category,omitempty"`
	Text          string `json:"text"`
	Source        string `json:"source" enum:"generated,library,gap"`
}
