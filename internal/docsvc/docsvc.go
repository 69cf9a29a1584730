// Package docsvc holds the document collaborators around the workflow:
// requirement extraction from a tender's source file and assembly of the
// final mémoire technique.
package docsvc

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"tenderline/internal/domain"
	"tenderline/internal/failure"
)

// Extractor turns a source document into structured requirements.
type Extractor interface {
	Extract(ctx context.Context, projectID, sourceRef string) ([]domain.Requirement, error)
}

// RCReader is implemented by extractors that can also return the text of
// the tender's règlement de consultation.
type RCReader interface {
	ReadRC(ctx context.Context, sourceRef string) (string, error)
}

// Document is the assembly input: sections in requirement order.
type Document struct {
	ProjectID   string           `json:"project_id"`
	ProjectName string           `json:"project_name"`
	Sections    []domain.Section `json:"sections"`
}

// Assembler renders a Document and returns an artifact reference.
type Assembler interface {
	Assemble(ctx context.Context, doc Document) (string, error)
}

// requirementNS scopes name-based ids of requirements extracted without one.
var requirementNS = uuid.MustParse("3b1f6b2e-5c1d-4b8a-9f0e-7a6c2d4e8f10")

// RequirementID derives a stable id from the project and the requirement's
// position and title, so re-extracting the same sheet yields the same ids.
func RequirementID(projectID string, position int, title string) string {
	name := projectID + "/" + strings.TrimSpace(title) + "/" + strconv.Itoa(position)
	return uuid.NewSHA1(requirementNS, []byte(name)).String()
}

// Normalize fills ids and positions, trims fields and validates the set:
// every requirement needs an id and a title, and ids are unique.
func Normalize(projectID string, reqs []domain.Requirement) ([]domain.Requirement, error) {
	const op = "extract"
	if len(reqs) == 0 {
		return nil, failure.Validation(op, "no requirements found in source document")
	}
	out := make([]domain.Requirement, 0, len(reqs))
	seen := make(map[string]int, len(reqs))
	for i, r := range reqs {
		r.ProjectID = projectID
		r.Position = i + 1
		r.ID = strings.TrimSpace(r.ID)
		r.Title = strings.TrimSpace(r.Title)
		r.Category = strings.TrimSpace(r.Category)
		if r.Title == "" {
			return nil, failure.Validation(op, "requirement %d has no title", i+1)
		}
		if r.ID == "" {
			r.ID = RequirementID(projectID, i, r.Title)
		}
		if prev, ok := seen[r.ID]; ok {
			return nil, failure.Validation(op, "requirement id %q repeated at positions %d and %d", r.ID, prev+1, i+1)
		}
		seen[r.ID] = i
		var kws []string
		for _, kw := range r.Keywords {
			if kw = strings.TrimSpace(kw); kw != "" {
				kws = append(kws, kw)
			}
		}
		r.Keywords = kws
		out = append(out, r)
	}
	return out, nil
}
