package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tenderline/internal/db"
	"tenderline/internal/docsvc"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/generation"
	"tenderline/internal/migrate"
	"tenderline/internal/repo"
)

const testSecret = "test-secret"

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const tenderSheet = `requirements:
  - id: presentation
    title: Présentation de l'entreprise
    category: presentation
  - id: staffing
    title: Moyens humains
    category: moyens_humains
  - id: planning
    title: Planning prévisionnel
    category: planning
`

// sectionWriter drafts a long section headed by the requirement title.
type sectionWriter struct{}

func (sectionWriter) Generate(ctx context.Context, p generation.Prompt) (generation.Completion, error) {
	const marker = "**Exigence à traiter :** "
	title := ""
	if i := strings.Index(p.User, marker); i >= 0 {
		title = p.User[i+len(marker):]
		if j := strings.IndexByte(title, '\n'); j >= 0 {
			title = title[:j]
		}
	}
	return generation.Completion{Text: "## " + strings.TrimSpace(title) + "\n" + strings.Repeat("équipe ", 300), Model: "test-model"}, nil
}

type testServer struct {
	URL    string
	Dir    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, gen generation.Service) *testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	e := engine.New(conn)
	e.Now = func() time.Time { return fixedNow }
	e.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	e.Logger = quiet
	e.Extractor = docsvc.FileExtractor{Dir: dir}
	e.Assembler = docsvc.MarkdownAssembler{Dir: db.ArtifactDir(dir)}
	e.Generator = gen
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, DevLogin: true, Logger: quiet},
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		e.Wait()
		conn.Close()
	})
	return &testServer{URL: srv.URL + "/v0", Dir: dir, Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		headers = map[string]string{"X-Actor-Id": "alice"}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// expect performs the request, checks the status and decodes the body into out.
func (s *testServer) expect(t *testing.T, status int, method, path string, body, out any) {
	t.Helper()
	res, data := s.do(t, method, path, body, nil)
	if res.StatusCode != status {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, res.StatusCode, status, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decode: %v: %s", method, path, err, string(data))
		}
	}
}

func (s *testServer) seed(t *testing.T, id string) {
	t.Helper()
	s.expect(t, http.StatusOK, http.MethodPost, "/content", map[string]any{
		"company_id": "acme",
		"items": []map[string]any{
			{"id": "c-profile", "type": "company-profile", "title": "Présentation Acme", "body": "Acme construit des ouvrages d'art depuis 1980.", "tags": []string{"company", "presentation"}},
			{"id": "c-rse", "type": "environmental-policy", "title": "Politique RSE", "body": "Tri des déchets sur chantier."},
		},
	}, nil)
	s.expect(t, http.StatusCreated, http.MethodPost, "/projects", map[string]any{
		"id":         id,
		"name":       "Groupe scolaire " + id,
		"company_id": "acme",
	}, nil)
	if err := os.WriteFile(filepath.Join(s.Dir, id+".yml"), []byte(tenderSheet), 0o644); err != nil {
		t.Fatalf("write sheet: %v", err)
	}
	s.expect(t, http.StatusOK, http.MethodPost, "/projects/"+id+"/source", map[string]any{"source_ref": id + ".yml"}, nil)
}

func TestTenderFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, sectionWriter{})
	srv.seed(t, "p1")

	var p domain.Project
	for _, step := range []struct {
		path string
		want domain.Status
	}{
		{"/projects/p1/extract?wait=true", domain.StatusExtracted},
		{"/projects/p1/match?wait=true", domain.StatusMatched},
		{"/projects/p1/matches/approve", domain.StatusMatchApproved},
		{"/projects/p1/generate?wait=true", domain.StatusGenerated},
		{"/projects/p1/assemble?wait=true", domain.StatusReady},
		{"/projects/p1/complete", domain.StatusCompleted},
	} {
		srv.expect(t, http.StatusOK, http.MethodPost, step.path, nil, &p)
		if p.Status != step.want {
			t.Fatalf("%s: status %s, want %s", step.path, p.Status, step.want)
		}
	}
	if want := filepath.Join(db.ArtifactDir(srv.Dir), "p1.md"); p.ArtifactRef != want {
		t.Fatalf("artifact ref %q, want %q", p.ArtifactRef, want)
	}

	var matches matchList
	srv.expect(t, http.StatusOK, http.MethodGet, "/projects/p1/matches", nil, &matches)
	if len(matches.Items) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches.Items))
	}
	var gaps gapList
	srv.expect(t, http.StatusOK, http.MethodGet, "/projects/p1/gaps", nil, &gaps)
	if len(gaps.Items) != 1 || gaps.Items[0].RequirementID != "planning" || gaps.Items[0].Reason != engine.GapNeedsUpload {
		t.Fatalf("unexpected gaps %+v", gaps.Items)
	}
	var sum engine.Summary
	srv.expect(t, http.StatusOK, http.MethodGet, "/projects/p1/status", nil, &sum)
	if sum.Requirements != 3 || sum.Approved != 3 || sum.Generation[domain.OutcomeAccepted] != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	var seen []EventResponse
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		var page paginatedEvents
		srv.expect(t, http.StatusOK, http.MethodGet, "/projects/p1/events?limit=4&cursor="+cursor, nil, &page)
		seen = append(seen, page.Items...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if int64(len(seen)) != sum.LastEventSeq {
		t.Fatalf("paged %d events, last seq %d", len(seen), sum.LastEventSeq)
	}
	for i, evt := range seen {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, evt.Seq)
		}
	}
	if last := seen[len(seen)-1]; last.ToStatus != string(domain.StatusCompleted) || last.ActorID != "alice" {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, sectionWriter{})
	srv.seed(t, "p1")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"invalid transition", http.MethodPost, "/projects/p1/matches/approve", nil, http.StatusConflict, "invalid_transition"},
		{"retry without failure", http.MethodPost, "/projects/p1/retry?wait=true", nil, http.StatusConflict, "invalid_transition"},
		{"unknown project", http.MethodGet, "/projects/nope", nil, http.StatusNotFound, "not_found"},
		{"missing name", http.MethodPost, "/projects", map[string]any{"company_id": "acme"}, http.StatusBadRequest, "bad_request"},
		{"duplicate project", http.MethodPost, "/projects", map[string]any{"id": "p1", "name": "x", "company_id": "acme"}, http.StatusConflict, "conflict"},
		{"bad cursor", http.MethodGet, "/projects/p1/events?cursor=abc", nil, http.StatusBadRequest, "bad_request"},
		{"cancel idle", http.MethodPost, "/projects/p1/cancel", nil, http.StatusConflict, "invalid_transition"},
		{"chunk overlap", http.MethodPost, "/content/chunks", map[string]any{"company_id": "acme", "type": "memoire", "title": "M", "text": "x", "chunk_size": 10, "chunk_overlap": 10}, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := srv.do(t, tc.method, tc.path, tc.body, nil)
			if res.StatusCode != tc.status {
				t.Fatalf("status %d, want %d: %s", res.StatusCode, tc.status, string(data))
			}
			var env struct {
				Error apiErrorBody `json:"error"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("decode envelope: %v: %s", err, string(data))
			}
			if env.Error.Code != tc.code {
				t.Fatalf("code %q, want %q: %s", env.Error.Code, tc.code, string(data))
			}
		})
	}
}

func TestChunkedContentImport(t *testing.T) {
	srv := newTestServer(t, sectionWriter{})
	text := strings.Repeat("Méthodologie de chantier. ", 48)
	var out contentList
	srv.expect(t, http.StatusOK, http.MethodPost, "/content/chunks", map[string]any{
		"company_id": "acme",
		"type":       "memoire",
		"title":      "Mémoire lycée",
		"text":       text,
	}, &out)
	// 1248 characters in windows of 500 starting every 400
	if len(out.Items) != 3 || out.Items[0].Title != "Mémoire lycée (1/3)" || out.Items[2].CompanyID != "acme" {
		t.Fatalf("unexpected chunks %+v", out.Items)
	}
	var listed contentList
	srv.expect(t, http.StatusOK, http.MethodGet, "/content?company_id=acme", nil, &listed)
	if len(listed.Items) != 3 {
		t.Fatalf("expected 3 stored items, got %d", len(listed.Items))
	}
}

func TestStageFailureReturnsFailedProject(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.seed(t, "p1")
	for _, path := range []string{"/projects/p1/extract?wait=true", "/projects/p1/match?wait=true", "/projects/p1/matches/approve"} {
		srv.expect(t, http.StatusOK, http.MethodPost, path, nil, nil)
	}

	var p domain.Project
	srv.expect(t, http.StatusOK, http.MethodPost, "/projects/p1/generate?wait=true", nil, &p)
	if p.Status != domain.StatusFailed || p.LastError == nil || p.LastError.Stage != domain.StageGeneration || p.LastError.Kind != "validation" {
		t.Fatalf("unexpected project %+v %+v", p, p.LastError)
	}
	srv.expect(t, http.StatusOK, http.MethodPost, "/projects/p1/retry?wait=true", nil, &p)
	if p.Status != domain.StatusFailed {
		t.Fatalf("expected retry to fail again, got %s", p.Status)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	srv := newTestServer(t, sectionWriter{})
	srv.seed(t, "p1")

	var doc ConfigDocument
	srv.expect(t, http.StatusOK, http.MethodGet, "/projects/p1/config", nil, &doc)
	if !strings.Contains(doc.YAML, "company_id: acme") {
		t.Fatalf("expected project company in config:\n%s", doc.YAML)
	}
	updated := strings.Replace(doc.YAML, "worker_pool: 8", "worker_pool: 2", 1)
	srv.expect(t, http.StatusOK, http.MethodPut, "/projects/p1/config", ConfigDocument{YAML: updated}, nil)
	cfg, err := srv.Engine.Repo.GetProjectConfig(context.Background(), nil, "p1")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Workflow.WorkerPool != 2 {
		t.Fatalf("expected worker pool 2, got %d", cfg.Workflow.WorkerPool)
	}

	res, data := srv.do(t, http.MethodPut, "/projects/p1/config", ConfigDocument{YAML: "matching:\n  top_n: 0\n"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid config rejected, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, sectionWriter{})
	ctx := context.Background()
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "bob", KeyHash: repo.HashAPIKey("bob-key")}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	token, err := SignToken(testSecret, "carol", []string{"writer"}, time.Hour, fixedNow)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	forged, err := SignToken("other-secret", "mallory", nil, time.Hour, fixedNow)
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	expired, err := SignToken(testSecret, "frank", nil, time.Hour, fixedNow.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("sign expired token: %v", err)
	}

	cases := []struct {
		name    string
		headers map[string]string
		status  int
		actor   string
	}{
		{"none", map[string]string{}, http.StatusUnauthorized, ""},
		{"jwt", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK, "carol"},
		{"forged jwt", map[string]string{"Authorization": "Bearer " + forged}, http.StatusUnauthorized, ""},
		{"expired jwt", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized, ""},
		{"api key", map[string]string{"X-Api-Key": "bob-key"}, http.StatusOK, "bob"},
		{"unknown api key", map[string]string{"X-Api-Key": "nope"}, http.StatusUnauthorized, ""},
		{"legacy header", map[string]string{"X-Actor-Id": "dave"}, http.StatusOK, "dave"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := srv.do(t, http.MethodGet, "/me", nil, tc.headers)
			if res.StatusCode != tc.status {
				t.Fatalf("status %d, want %d: %s", res.StatusCode, tc.status, string(data))
			}
			if tc.actor == "" {
				return
			}
			var me map[string]any
			if err := json.Unmarshal(data, &me); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if me["actor_id"] != tc.actor {
				t.Fatalf("actor %v, want %s", me["actor_id"], tc.actor)
			}
		})
	}

	res, _ := srv.do(t, http.MethodGet, "/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health requires no auth, got %d", res.StatusCode)
	}
	res, data := srv.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"actor_id": "erin"}, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var minted TokenResponse
	_ = json.Unmarshal(data, &minted)
	res, data = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer " + minted.Token})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "erin") {
		t.Fatalf("minted token rejected: %d %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, sectionWriter{})
	res, data := srv.do(t, http.MethodGet, "/openapi.json", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	for _, p := range []string{"/v0/projects", "/v0/projects/{project_id}/generate", "/v0/projects/{project_id}/events"} {
		if _, ok := oas.Paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
}
