package matching

import (
	"context"
	"fmt"
	"sort"

	"tenderline/internal/domain"
)

// ContentIndex lists a company's content library.
// Implementations: repo.Repo (sqlite content_items)
type ContentIndex interface {
	ContentItems(ctx context.Context, companyID string) ([]domain.ContentItem, error)
}

// Snapshot is an immutable, ID-ordered copy of the content library taken once
// per matching run. It is safe for concurrent use.
type Snapshot struct {
	items []domain.ContentItem
	byID  map[string]int
}

// NewSnapshot copies items and orders them by ID.
func NewSnapshot(items []domain.ContentItem) *Snapshot {
	cp := make([]domain.ContentItem, len(items))
	for i, it := range items {
		it.Tags = append([]string(nil), it.Tags...)
		cp[i] = it
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	byID := make(map[string]int, len(cp))
	for i, it := range cp {
		byID[it.ID] = i
	}
	return &Snapshot{items: cp, byID: byID}
}

// LoadSnapshot reads the company's library from idx.
func LoadSnapshot(ctx context.Context, idx ContentIndex, companyID string) (*Snapshot, error) {
	items, err := idx.ContentItems(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("load content library: %w", err)
	}
	return NewSnapshot(items), nil
}

func (s *Snapshot) Len() int { return len(s.items) }

// Items returns a copy of the snapshot's items.
func (s *Snapshot) Items() []domain.ContentItem {
	return append([]domain.ContentItem(nil), s.items...)
}

func (s *Snapshot) Get(id string) (domain.ContentItem, bool) {
	i, ok := s.byID[id]
	if !ok {
		return domain.ContentItem{}, false
	}
	return s.items[i], true
}
