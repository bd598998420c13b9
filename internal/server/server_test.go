package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"sceneline/internal/agent"
	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/engine"
	"sceneline/internal/jobs"
	"sceneline/internal/migrate"
	"sceneline/internal/pipeline"
)

type testServer struct {
	URL    string
	Token  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("sceneline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.CreateProject(context.Background(), cfg.Project.ID, "test", "", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	orch := pipeline.New(e, &agent.StaticExecutor{})
	runner := jobs.NewRunner(e, map[string]jobs.Handler{
		"pipeline": orch.Run,
		"render":   jobs.RenderHandler(e),
	})
	handler, err := New(Config{
		Engine:   e,
		Runner:   runner,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	token, err := signDevToken("test-secret", "tester", nil)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Token:  token,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, srv *testServer, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+srv.Token)
	res, err := srv.Client().Do(req)
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

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects/sceneline/scenes", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	res2, err := srv.Client().Do(mustRequest(t, http.MethodGet, srv.URL+"/v0/health"))
	if err != nil {
		t.Fatal(err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res2.StatusCode)
	}
}

func mustRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]any{"actor_id": "alice"})
	res, err := srv.Client().Post(srv.URL+"/v0/auth/dev/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s (%v)", data, err)
	}
	srv.Token = login.Token
	res2, data2 := doJSON(t, srv, http.MethodGet, "/v0/projects/sceneline/scenes", nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("expected token to authenticate, got %d: %s", res2.StatusCode, data2)
	}
}

func TestSceneLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv, http.MethodPost, "/v0/projects/sceneline/scenes", map[string]any{
		"title": "Cold Open",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create scene status %d: %s", res.StatusCode, data)
	}
	var scene SceneResponse
	if err := json.Unmarshal(data, &scene); err != nil {
		t.Fatalf("unmarshal scene: %v", err)
	}
	if scene.Status != "draft" || scene.Version != 0 {
		t.Fatalf("unexpected new scene: %+v", scene)
	}

	res, data = doJSON(t, srv, http.MethodPatch, "/v0/projects/sceneline/scenes/"+scene.ID, map[string]any{
		"script": "INT. STAIRWELL - NIGHT",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &scene); err != nil {
		t.Fatal(err)
	}
	if scene.Version != 1 {
		t.Fatalf("expected version 1 after edit, got %d", scene.Version)
	}

	// draft cannot jump straight to approved
	res, data = doJSON(t, srv, http.MethodPost, "/v0/projects/sceneline/scenes/"+scene.ID+"/status", map[string]any{
		"status": "approved",
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid transition, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv, http.MethodPost, "/v0/projects/sceneline/scenes/"+scene.ID+"/status", map[string]any{
		"status": "review",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to review: %d: %s", res.StatusCode, data)
	}

	// edits are rejected off draft
	res, data = doJSON(t, srv, http.MethodPatch, "/v0/projects/sceneline/scenes/"+scene.ID, map[string]any{
		"title": "too late",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for edit off draft, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv, http.MethodGet, "/v0/projects/sceneline/scenes/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing scene, got %d: %s", res.StatusCode, data)
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv, http.MethodPost, "/v0/projects/sceneline/scenes", map[string]any{
		"title": "Chase",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create scene: %d: %s", res.StatusCode, data)
	}
	var scene SceneResponse
	if err := json.Unmarshal(data, &scene); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv, http.MethodPost, "/v0/projects/sceneline/scenes/"+scene.ID+"/pipeline", map[string]any{})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for enqueue, got %d: %s", res.StatusCode, data)
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	if job.Kind != "pipeline" || job.State != "scheduled" {
		t.Fatalf("unexpected job: %+v", job)
	}

	res, data = doJSON(t, srv, http.MethodGet, "/v0/jobs/"+job.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv, http.MethodGet, "/v0/projects/sceneline/events?type=pipeline.enqueued", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d: %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one enqueue event, got %d", len(page.Items))
	}
}

func TestBudgetOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv, http.MethodPut, "/v0/projects/sceneline/budget", map[string]any{
		"budget_cap_usd": 25.0,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set cap: %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv, http.MethodGet, "/v0/projects/sceneline/budget", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get budget: %d: %s", res.StatusCode, data)
	}
	var budget BudgetResponse
	if err := json.Unmarshal(data, &budget); err != nil {
		t.Fatal(err)
	}
	if budget.BudgetCapUSD != 25.0 || budget.Unlimited {
		t.Fatalf("unexpected budget: %+v", budget)
	}

	res, data = doJSON(t, srv, http.MethodPut, "/v0/projects/sceneline/budget", map[string]any{
		"budget_cap_usd": -1.0,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cap, got %d: %s", res.StatusCode, data)
	}
}
