// Package retrieval ranks content library items by similarity to a query.
package retrieval

import (
	"context"
	"sort"
)

// Hit pairs a content item ID with a similarity score in [0,1].
type Hit struct {
	ItemID     string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Searcher returns the topK items of one company scope most similar to query.
// Implementations: HTTPClient (remote retrieval service), LexicalIndex (local term vectors)
type Searcher interface {
	Search(ctx context.Context, query, scopeID string, topK int) ([]Hit, error)
}

// SortHits orders hits by similarity descending, then item ID.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ItemID < hits[j].ItemID
	})
}
