package docsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tenderline/internal/domain"
	"tenderline/internal/failure"
)

// FileExtractor reads requirement sheets written in YAML. The source
// reference is a file path, relative to Dir when not absolute.
//
//	requirements:
//	  - id: R1
//	    title: Moyens humains
//	    category: moyens_humains
//	    points: 10
//	    keywords: [organigramme, effectifs]
//	rc: |
//	  Critères de jugement des offres ...
//
// The optional rc text is the consultation rules excerpt used as project
// context when drafting.
type FileExtractor struct {
	Dir string
}

type sheet struct {
	Requirements []sheetRequirement `yaml:"requirements"`
	RC           string             `yaml:"rc"`
}

type sheetRequirement struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	Category    string   `yaml:"category" json:"category"`
	Points      *float64 `yaml:"points" json:"points"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
}

func (s sheetRequirement) requirement() domain.Requirement {
	return domain.Requirement{
		ID:          s.ID,
		Title:       s.Title,
		Description: s.Description,
		Category:    s.Category,
		Points:      s.Points,
		Keywords:    s.Keywords,
	}
}

func (f FileExtractor) Extract(ctx context.Context, projectID, sourceRef string) ([]domain.Requirement, error) {
	data, err := f.read(ctx, sourceRef)
	if err != nil {
		return nil, err
	}
	return ParseSheet(projectID, data)
}

// ReadRC returns the sheet's rc text, empty when the sheet has none.
func (f FileExtractor) ReadRC(ctx context.Context, sourceRef string) (string, error) {
	data, err := f.read(ctx, sourceRef)
	if err != nil {
		return "", err
	}
	var s sheet
	if err := yaml.Unmarshal(data, &s); err != nil {
		// bare lists carry no rc text
		return "", nil
	}
	return strings.TrimSpace(s.RC), nil
}

func (f FileExtractor) read(ctx context.Context, sourceRef string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(sourceRef, "file://")
	if f.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(f.Dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.Validation("extract", "source document %s not found", sourceRef)
		}
		return nil, fmt.Errorf("read source document: %w", err)
	}
	return data, nil
}

// ParseSheet decodes a YAML requirement sheet. A bare list of requirements
// is accepted as well as the requirements: mapping.
func ParseSheet(projectID string, data []byte) ([]domain.Requirement, error) {
	var s sheet
	if err := yaml.Unmarshal(data, &s); err != nil || len(s.Requirements) == 0 {
		var list []sheetRequirement
		if lerr := yaml.Unmarshal(data, &list); lerr == nil && len(list) > 0 {
			s.Requirements = list
		} else if err != nil {
			return nil, failure.Validation("extract", "invalid requirement sheet: %v", err)
		}
	}
	reqs := make([]domain.Requirement, 0, len(s.Requirements))
	for _, r := range s.Requirements {
		reqs = append(reqs, r.requirement())
	}
	return Normalize(projectID, reqs)
}
