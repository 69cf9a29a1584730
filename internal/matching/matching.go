// Package matching decides which library content satisfies each requirement.
//
// Strategies run in a fixed order: the rule table first, then semantic
// retrieval when the rule result is missing or below the floor. The higher
// confidence wins and ties go to the rule result. Given the same snapshot,
// requirement and retrieval answers, Match returns the same ContentMatch.
package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/retrieval"
	"tenderline/internal/retry"
	"tenderline/internal/textnorm"
)

// ProjectContext scopes a match to a project and its company library.
type ProjectContext struct {
	ProjectID string
	CompanyID string
}

type Engine struct {
	Config config.MatchingConfig
	// Searcher is optional; without it only the rule strategy runs.
	Searcher retrieval.Searcher
	// Retry bounds each semantic lookup.
	Retry retry.Policy
}

// candidate is one strategy's proposal.
type candidate struct {
	strategy   domain.MatchStrategy
	itemIDs    []string
	confidence float64
	rationale  string
	rule       *config.MatchRule
}

// Match computes the ContentMatch for req. ID, Version and CreatedAt are left
// for the store to assign.
func (e Engine) Match(ctx context.Context, req domain.Requirement, snap *Snapshot, pc ProjectContext) (domain.ContentMatch, error) {
	rule := e.findRule(req)
	best := ruleStrategy(req, snap, rule, e.topN())
	if e.Searcher != nil && (len(best.itemIDs) == 0 || best.confidence < e.Config.RuleFloor) {
		hits, err := e.search(ctx, req, pc.CompanyID)
		if err != nil {
			return domain.ContentMatch{}, err
		}
		sem := semanticStrategy(hits, snap, e.topN(), e.Config.SemanticMinSimilarity, e.Config.SemanticCap)
		if sem.confidence > best.confidence {
			sem.rule = rule
			best = sem
		}
	}
	return e.classify(req, snap, best, pc), nil
}

func (e Engine) topN() int {
	if e.Config.TopN <= 0 {
		return 5
	}
	return e.Config.TopN
}

func (e Engine) search(ctx context.Context, req domain.Requirement, companyID string) ([]retrieval.Hit, error) {
	query := strings.TrimSpace(req.Description)
	if query == "" {
		query = req.Title
	}
	var hits []retrieval.Hit
	err := retry.Do(ctx, e.Retry, func(ctx context.Context) error {
		var err error
		hits, err = e.Searcher.Search(ctx, query, companyID, e.topN())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic search for %s: %w", req.ID, err)
	}
	return hits, nil
}

// findRule resolves the rule for req: by normalized category, ID or title
// first, then by the largest keyword overlap in table order.
func (e Engine) findRule(req domain.Requirement) *config.MatchRule {
	keys := []string{config.NormalizeKey(req.Category), config.NormalizeKey(req.ID), config.NormalizeKey(textnorm.Fold(req.Title))}
	for _, key := range keys {
		if key == "" {
			continue
		}
		for i := range e.Config.Rules {
			r := &e.Config.Rules[i]
			if config.NormalizeKey(r.Key) == key {
				return r
			}
			for _, alias := range r.Aliases {
				if config.NormalizeKey(alias) == key {
					return r
				}
			}
		}
	}
	words := map[string]bool{}
	for _, kw := range req.Keywords {
		for _, s := range textnorm.Stems(kw) {
			words[s] = true
		}
	}
	for _, s := range textnorm.Stems(req.Title) {
		words[s] = true
	}
	var best *config.MatchRule
	bestOverlap := 0
	for i := range e.Config.Rules {
		r := &e.Config.Rules[i]
		overlap := 0
		for _, kw := range r.Keywords {
			for _, s := range textnorm.Stems(kw) {
				if words[s] {
					overlap++
				}
			}
		}
		if overlap > bestOverlap {
			best, bestOverlap = r, overlap
		}
	}
	return best
}

// ruleStrategy selects items of the rule's type sharing at least one
// required tag, ranked by tag overlap, then UpdatedAt desc, then ID.
func ruleStrategy(req domain.Requirement, snap *Snapshot, rule *config.MatchRule, topN int) candidate {
	c := candidate{strategy: domain.StrategyRule, rule: rule}
	if rule == nil {
		c.rationale = "no rule for requirement"
		return c
	}
	required := map[string]bool{}
	for _, t := range rule.RequiredTags {
		required[textnorm.Fold(t)] = true
	}
	type scored struct {
		item    domain.ContentItem
		overlap int
	}
	var eligible []scored
	for _, it := range snap.items {
		if it.Type != rule.ContentType {
			continue
		}
		overlap := 0
		seen := map[string]bool{}
		for _, t := range it.Tags {
			f := textnorm.Fold(t)
			if required[f] && !seen[f] {
				overlap++
				seen[f] = true
			}
		}
		if overlap > 0 {
			eligible = append(eligible, scored{item: it, overlap: overlap})
		}
	}
	if len(eligible) == 0 {
		c.rationale = fmt.Sprintf("rule %s: no %s item tagged %s", rule.Key, rule.ContentType, strings.Join(rule.RequiredTags, "|"))
		return c
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.item.UpdatedAt != b.item.UpdatedAt {
			return a.item.UpdatedAt > b.item.UpdatedAt
		}
		return a.item.ID < b.item.ID
	})
	if len(eligible) > topN {
		eligible = eligible[:topN]
	}
	for _, s := range eligible {
		c.itemIDs = append(c.itemIDs, s.item.ID)
	}
	c.confidence = rule.Confidence
	c.rationale = fmt.Sprintf("rule %s: %d %s item(s) sharing tags %s", rule.Key, len(c.itemIDs), rule.ContentType, strings.Join(rule.RequiredTags, "|"))
	return c
}

// semanticStrategy keeps hits present in the snapshot above minSimilarity.
// Confidence is the top similarity capped at ceiling.
func semanticStrategy(hits []retrieval.Hit, snap *Snapshot, topN int, minSimilarity, ceiling float64) candidate {
	c := candidate{strategy: domain.StrategySemantic}
	var kept []retrieval.Hit
	for _, h := range hits {
		if _, ok := snap.Get(h.ItemID); !ok || h.Similarity < minSimilarity {
			continue
		}
		kept = append(kept, h)
	}
	if len(kept) == 0 {
		c.rationale = "semantic: no result above threshold"
		return c
	}
	retrieval.SortHits(kept)
	if len(kept) > topN {
		kept = kept[:topN]
	}
	for _, h := range kept {
		c.itemIDs = append(c.itemIDs, h.ItemID)
	}
	c.confidence = kept[0].Similarity
	if c.confidence > ceiling {
		c.confidence = ceiling
	}
	c.rationale = fmt.Sprintf("semantic: %d item(s), top similarity %.2f", len(kept), kept[0].Similarity)
	return c
}

// classify turns the winning candidate into a ContentMatch with gap flags.
func (e Engine) classify(req domain.Requirement, snap *Snapshot, c candidate, pc ProjectContext) domain.ContentMatch {
	m := domain.ContentMatch{
		ProjectID:     pc.ProjectID,
		RequirementID: req.ID,
		ItemIDs:       c.itemIDs,
		Confidence:    c.confidence,
		Strategy:      c.strategy,
		Rationale:     c.rationale,
	}
	if m.ItemIDs == nil {
		m.ItemIDs = []string{}
	}
	if len(m.ItemIDs) == 0 {
		m.Confidence = 0
	}
	templateOnly := false
	for _, id := range m.ItemIDs {
		if it, ok := snap.Get(id); ok && e.isTemplateType(it.Type) {
			templateOnly = true
		}
	}
	m.NeedsGeneration = len(m.ItemIDs) == 0 || m.Confidence < e.Config.GenerationThreshold || templateOnly
	if rule := c.rule; rule != nil && rule.NeedsUpload {
		m.NeedsUpload = true
		m.NeedsGeneration = false
	}
	return m
}

func (e Engine) isTemplateType(t string) bool {
	for _, tt := range e.Config.TemplateTypes {
		if strings.EqualFold(tt, t) {
			return true
		}
	}
	return false
}
