package retrieval

import (
	"container/heap"
	"context"
	"math"
	"sort"
	"strings"

	"tenderline/internal/domain"
	"tenderline/internal/textnorm"
)

// LexicalIndex is an in-memory cosine index over stemmed term frequencies.
// It serves retrieval when no remote service is configured. The index is
// immutable after construction.
type LexicalIndex struct {
	docs []lexicalDoc
}

type lexicalDoc struct {
	id      string
	company string
	vec     []term
}

// NewLexicalIndex indexes title, tags and body of each item.
func NewLexicalIndex(items []domain.ContentItem) *LexicalIndex {
	idx := &LexicalIndex{docs: make([]lexicalDoc, 0, len(items))}
	for _, it := range items {
		text := it.Title + " " + strings.Join(it.Tags, " ") + " " + it.Body
		idx.docs = append(idx.docs, lexicalDoc{id: it.ID, company: it.CompanyID, vec: termVector(text)})
	}
	return idx
}

// Len returns the number of indexed items.
func (idx *LexicalIndex) Len() int { return len(idx.docs) }

// Search returns the topK items of scopeID by cosine similarity to query.
// An empty scopeID searches every item.
func (idx *LexicalIndex) Search(ctx context.Context, query, scopeID string, topK int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	q := termVector(query)
	if len(q) == 0 {
		return nil, nil
	}
	h := &minHeap{}
	for _, d := range idx.docs {
		if scopeID != "" && d.company != scopeID {
			continue
		}
		score := dot(q, d.vec)
		if score <= 0 {
			continue
		}
		hit := Hit{ItemID: d.id, Similarity: score}
		if h.Len() < topK {
			heap.Push(h, hit)
		} else if less((*h)[0], hit) {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}
	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out, nil
}

type term struct {
	stem   string
	weight float64
}

// termVector returns the L2-normalized stem frequencies of text, sorted by
// stem so sums are computed in a fixed order.
func termVector(text string) []term {
	counts := map[string]float64{}
	for _, s := range textnorm.Stems(text) {
		counts[s]++
	}
	vec := make([]term, 0, len(counts))
	for k, v := range counts {
		vec = append(vec, term{stem: k, weight: v})
	}
	sort.Slice(vec, func(i, j int) bool { return vec[i].stem < vec[j].stem })
	var norm float64
	for _, t := range vec {
		norm += t.weight * t.weight
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i].weight /= norm
	}
	return vec
}

func dot(a, b []term) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].stem == b[j].stem:
			sum += a[i].weight * b[j].weight
			i++
			j++
		case a[i].stem < b[j].stem:
			i++
		default:
			j++
		}
	}
	return sum
}

// less orders hits worst first: lower score, then higher ID.
func less(a, b Hit) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity < b.Similarity
	}
	return a.ItemID > b.ItemID
}

type minHeap []Hit

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
