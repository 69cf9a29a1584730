package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tenderline/internal/domain"
	"tenderline/internal/failure"
	"tenderline/internal/repo"
)

// libraryFile is the YAML layout accepted by tl content import:
//
//	company: acme
//	items:
//	  - id: c-profile
//	    type: company-profile
//	    title: Présentation de la société
//	    tags: [company, presentation]
//	    body: |
//	      ...
type libraryFile struct {
	Company string        `yaml:"company"`
	Items   []libraryItem `yaml:"items"`
}

type libraryItem struct {
	ID    string   `yaml:"id"`
	Type  string   `yaml:"type"`
	Title string   `yaml:"title"`
	Body  string   `yaml:"body"`
	Tags  []string `yaml:"tags"`
}

// ParseLibrary decodes a YAML content library. companyOverride wins over the
// file's company.
func ParseLibrary(data []byte, companyOverride string) ([]domain.ContentItem, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, failure.Validation("parse library", "invalid YAML: %v", err)
	}
	company := strings.TrimSpace(companyOverride)
	if company == "" {
		company = strings.TrimSpace(f.Company)
	}
	if company == "" {
		return nil, failure.Validation("parse library", "company is required")
	}
	items := make([]domain.ContentItem, 0, len(f.Items))
	for _, it := range f.Items {
		items = append(items, domain.ContentItem{
			ID:        it.ID,
			CompanyID: company,
			Type:      it.Type,
			Title:     it.Title,
			Body:      it.Body,
			Tags:      it.Tags,
		})
	}
	return items, nil
}

// ChunkOptions describes how a plain document is split into library items.
type ChunkOptions struct {
	CompanyID string
	Type      string
	Title     string
	Tags      []string
	// Size and Overlap are in characters; zero means 500 and 100.
	Size    int
	Overlap int
}

const (
	defaultChunkSize    = 500
	defaultChunkOverlap = 100
)

// ChunkDocument splits text into windows of Size characters, each starting
// Size-Overlap after the previous one, and returns one library item per
// non-blank window. A text no longer than Size gives a single item. Item ids
// derive from the company, title and window index, so importing the same
// document again replaces its items.
func ChunkDocument(text string, o ChunkOptions) ([]domain.ContentItem, error) {
	const op = "chunk document"
	size, overlap := o.Size, o.Overlap
	if size == 0 {
		size = defaultChunkSize
	}
	if overlap == 0 && o.Size == 0 {
		overlap = defaultChunkOverlap
	}
	if size < 1 || overlap < 0 || overlap >= size {
		return nil, failure.Validation(op, "overlap %d must be below chunk size %d", overlap, size)
	}
	title := strings.TrimSpace(o.Title)
	if title == "" {
		return nil, failure.Validation(op, "title is required")
	}
	runes := []rune(text)
	type window struct{ start, end int }
	var windows []window
	for start := 0; start < len(runes); start += size - overlap {
		end := min(start+size, len(runes))
		windows = append(windows, window{start, end})
		if end == len(runes) {
			break
		}
	}
	var bodies []string
	for _, w := range windows {
		if body := strings.TrimSpace(string(runes[w.start:w.end])); body != "" {
			bodies = append(bodies, body)
		}
	}
	if len(bodies) == 0 {
		return nil, failure.Validation(op, "document %q is empty", title)
	}
	company := strings.TrimSpace(o.CompanyID)
	items := make([]domain.ContentItem, 0, len(bodies))
	for i, body := range bodies {
		it := domain.ContentItem{
			ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%s/%d", company, title, i))).String(),
			CompanyID: company,
			Type:      o.Type,
			Title:     title,
			Body:      body,
			Tags:      append([]string(nil), o.Tags...),
		}
		if len(bodies) > 1 {
			it.Title = fmt.Sprintf("%s (%d/%d)", title, i+1, len(bodies))
		}
		items = append(items, it)
	}
	return items, nil
}

// ImportContent validates and upserts library items in one transaction.
// Items without an id get a random one.
func ImportContent(ctx context.Context, r repo.Repo, items []domain.ContentItem, now time.Time) ([]domain.ContentItem, error) {
	const op = "import content"
	if len(items) == 0 {
		return nil, failure.Validation(op, "no content items")
	}
	ts := now.UTC().Format(time.RFC3339)
	seen := map[string]bool{}
	out := make([]domain.ContentItem, 0, len(items))
	for i, it := range items {
		it.ID = strings.TrimSpace(it.ID)
		it.CompanyID = strings.TrimSpace(it.CompanyID)
		it.Type = strings.TrimSpace(it.Type)
		it.Title = strings.TrimSpace(it.Title)
		switch {
		case it.CompanyID == "":
			return nil, failure.Validation(op, "item %d: company is required", i)
		case it.Type == "":
			return nil, failure.Validation(op, "item %d: type is required", i)
		case it.Title == "":
			return nil, failure.Validation(op, "item %d: title is required", i)
		}
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if seen[it.ID] {
			return nil, failure.Validation(op, "duplicate item id %s", it.ID)
		}
		seen[it.ID] = true
		it.UpdatedAt = ts
		out = append(out, it)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, it := range out {
		if err := r.UpsertContentItem(ctx, tx, it); err != nil {
			return nil, fmt.Errorf("store %s: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
