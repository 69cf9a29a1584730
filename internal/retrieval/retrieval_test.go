package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tenderline/internal/domain"
	"tenderline/internal/failure"
)

func library() []domain.ContentItem {
	return []domain.ContentItem{
		{ID: "c1", CompanyID: "acme", Type: "safety-plan", Title: "Plan de prévention", Body: "Mesures de sécurité et prévention des risques sur chantier.", Tags: []string{"securite"}},
		{ID: "c2", CompanyID: "acme", Type: "environmental-policy", Title: "Gestion des déchets", Body: "Tri sélectif des déchets de chantier.", Tags: []string{"environnement"}},
		{ID: "c3", CompanyID: "other", Type: "safety-plan", Title: "Sécurité", Body: "Prévention sécurité.", Tags: []string{"securite"}},
	}
}

func TestLexicalIndexRanksAndScopes(t *testing.T) {
	idx := NewLexicalIndex(library())
	hits, err := idx.Search(context.Background(), "mesures de prévention sécurité", "acme", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 || hits[0].ItemID != "c1" {
		t.Fatalf("expected c1 first, got %+v", hits)
	}
	for _, h := range hits {
		if h.ItemID == "c3" {
			t.Fatalf("out of scope hit returned: %+v", hits)
		}
		if h.Similarity <= 0 || h.Similarity > 1.0000001 {
			t.Fatalf("similarity out of range: %+v", h)
		}
	}
}

func TestLexicalIndexDeterministic(t *testing.T) {
	idx := NewLexicalIndex(library())
	a, _ := idx.Search(context.Background(), "chantier", "", 3)
	b, _ := idx.Search(context.Background(), "chantier", "", 3)
	if len(a) != len(b) {
		t.Fatalf("length differs: %v %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("results differ at %d: %v %v", i, a, b)
		}
	}
}

func TestHTTPClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req searchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ScopeID != "acme" || req.TopK != 2 {
			t.Errorf("unexpected body %+v", req)
		}
		_ = json.NewEncoder(w).Encode(searchResponse{Results: []Hit{{ItemID: "b", Similarity: 0.4}, {ItemID: "a", Similarity: 0.9}, {ItemID: "c", Similarity: 0.1}}})
	}))
	defer srv.Close()
	hits, err := NewHTTPClient(srv.URL, "").Search(context.Background(), "q", "acme", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].ItemID != "a" || hits[1].ItemID != "b" {
		t.Fatalf("unexpected hits %+v", hits)
	}
}

func TestHTTPClientClassifiesErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", status)
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "")
	if _, err := c.Search(context.Background(), "q", "acme", 2); !failure.IsTransient(err) {
		t.Fatalf("503 should be transient, got %v", err)
	}
	status = http.StatusBadRequest
	if _, err := c.Search(context.Background(), "q", "acme", 2); err == nil || failure.IsTransient(err) {
		t.Fatalf("400 should not be transient, got %v", err)
	}
}
