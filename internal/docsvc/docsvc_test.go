package docsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tenderline/internal/domain"
	"tenderline/internal/failure"
)

const sampleSheet = `requirements:
  - id: R1
    title: Moyens humains
    category: moyens_humains
    points: 10
    keywords: [organigramme, " effectifs ", ""]
  - title: Planning
    category: planning
`

func TestParseSheet(t *testing.T) {
	reqs, err := ParseSheet("p1", []byte(sampleSheet))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requirements, got %d", len(reqs))
	}
	if reqs[0].ID != "R1" || reqs[0].Position != 1 || reqs[0].Points == nil || *reqs[0].Points != 10 {
		t.Fatalf("unexpected first requirement %+v", reqs[0])
	}
	if strings.Join(reqs[0].Keywords, ",") != "organigramme,effectifs" {
		t.Fatalf("keywords not cleaned: %q", reqs[0].Keywords)
	}
	if reqs[1].ID == "" || reqs[1].ID != RequirementID("p1", 1, "Planning") || reqs[1].ProjectID != "p1" {
		t.Fatalf("missing id should be derived: %+v", reqs[1])
	}
	again, _ := ParseSheet("p1", []byte(sampleSheet))
	if again[1].ID != reqs[1].ID {
		t.Fatalf("derived ids must be stable")
	}
}

func TestParseSheetBareList(t *testing.T) {
	reqs, err := ParseSheet("p1", []byte("- id: A\n  title: Sécurité\n"))
	if err != nil || len(reqs) != 1 || reqs[0].Title != "Sécurité" {
		t.Fatalf("bare list: %+v %v", reqs, err)
	}
}

func TestParseSheetValidation(t *testing.T) {
	cases := map[string]string{
		"empty":     "requirements: []\n",
		"no title":  "requirements:\n  - id: R1\n",
		"duplicate": "requirements:\n  - id: R1\n    title: A\n  - id: R1\n    title: B\n",
		"garbage":   "requirements: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSheet("p1", []byte(doc))
			if failure.KindOf(err) != failure.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestFileExtractor(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rc.yml"), []byte(sampleSheet), 0o644); err != nil {
		t.Fatal(err)
	}
	f := FileExtractor{Dir: dir}
	reqs, err := f.Extract(context.Background(), "p1", "rc.yml")
	if err != nil || len(reqs) != 2 {
		t.Fatalf("extract: %+v %v", reqs, err)
	}
	_, err = f.Extract(context.Background(), "p1", "missing.yml")
	if failure.KindOf(err) != failure.KindValidation {
		t.Fatalf("missing file should be a validation error, got %v", err)
	}
	if rc, err := f.ReadRC(context.Background(), "rc.yml"); err != nil || rc != "" {
		t.Fatalf("sheet without rc: %q %v", rc, err)
	}
}

func TestFileExtractorReadsRC(t *testing.T) {
	dir := t.TempDir()
	doc := sampleSheet + "rc: |\n  Critère 1 : valeur technique (60 %)\n"
	if err := os.WriteFile(filepath.Join(dir, "rc.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	var f RCReader = FileExtractor{Dir: dir}
	rc, err := f.ReadRC(context.Background(), "file://rc.yml")
	if err != nil {
		t.Fatalf("read rc: %v", err)
	}
	if rc != "Critère 1 : valeur technique (60 %)" {
		t.Fatalf("unexpected rc %q", rc)
	}
	if err := os.WriteFile(filepath.Join(dir, "list.yml"), []byte("- title: Planning\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if rc, err := f.ReadRC(context.Background(), "list.yml"); err != nil || rc != "" {
		t.Fatalf("bare list: %q %v", rc, err)
	}
}

func TestHTTPExtractor(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/parse" || r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("unexpected request %s", r.URL.Path)
		}
		var in parseRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.SourceRef != "s3://rc.pdf" {
			t.Errorf("unexpected source %q", in.SourceRef)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, "nope")
			return
		}
		fmt.Fprint(w, `{"requirements":[{"id":"R1","title":"Méthodologie","category":"methodologie"}]}`)
	}))
	defer srv.Close()
	c := NewHTTPExtractor(srv.URL, "k")
	reqs, err := c.Extract(context.Background(), "p1", "s3://rc.pdf")
	if err != nil || len(reqs) != 1 || reqs[0].Category != "methodologie" || reqs[0].ProjectID != "p1" {
		t.Fatalf("extract: %+v %v", reqs, err)
	}
	for code, kind := range map[int]failure.Kind{
		http.StatusServiceUnavailable:  failure.KindTransient,
		http.StatusTooManyRequests:     failure.KindTransient,
		http.StatusUnprocessableEntity: failure.KindValidation,
	} {
		status = code
		_, err := c.Extract(context.Background(), "p1", "s3://rc.pdf")
		if failure.KindOf(err) != kind {
			t.Fatalf("status %d: expected %s, got %v", code, kind, err)
		}
	}
}

func TestHTTPAssembler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in exportRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		if r.URL.Path != "/export/docx" || len(in.Sections) != 1 || in.Sections[0].Content != "texte" {
			t.Errorf("unexpected export request %+v", in)
		}
		fmt.Fprint(w, `{"path":"/data/output_Lycee.docx"}`)
	}))
	defer srv.Close()
	ref, err := NewHTTPAssembler(srv.URL, "").Assemble(context.Background(), Document{
		ProjectID: "p1", ProjectName: "Lycée",
		Sections: []domain.Section{{RequirementID: "R1", Title: "Méthodologie", Text: "texte", Source: "generated"}},
	})
	if err != nil || ref != "/data/output_Lycee.docx" {
		t.Fatalf("assemble: %q %v", ref, err)
	}
}

func TestMarkdownAssembler(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	doc := Document{ProjectID: "p1", ProjectName: "Lycée", Sections: []domain.Section{
		{RequirementID: "R1", Title: "Méthodologie", Text: "## Méthodologie\n\nPhasage en trois temps."},
		{RequirementID: "R2", Title: "Planning", Text: "Voir Gantt."},
	}}
	ref, err := MarkdownAssembler{Dir: dir}.Assemble(context.Background(), doc)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	out := string(data)
	if !strings.HasPrefix(out, "# Mémoire Technique - Lycée\n") {
		t.Fatalf("missing title:\n%s", out)
	}
	if strings.Count(out, "## Méthodologie") != 1 || !strings.Contains(out, "## Planning\n\nVoir Gantt.") {
		t.Fatalf("unexpected layout:\n%s", out)
	}
	if strings.Index(out, "Méthodologie") > strings.Index(out, "Planning") {
		t.Fatalf("sections out of order")
	}
}
