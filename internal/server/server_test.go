package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"spriteboard/internal/config"
	"spriteboard/internal/db"
	"spriteboard/internal/domain"
	"spriteboard/internal/engine"
	"spriteboard/internal/migrate"
	"spriteboard/internal/sandbox"
	"spriteboard/internal/signature"
	"spriteboard/internal/vault"
	"spriteboard/internal/webhook"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL      string
	Engine   engine.Engine
	Provider *sandbox.Fake
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Server.PublicURL = "https://board.test"
	cfg.Sandbox.Provider = "fake"
	fake := sandbox.NewFake()
	e := engine.New(conn, cfg, engine.Deps{Provider: fake, Vault: v})
	clock := tickingClock()
	e.Now = clock
	e.Spawner.Now = clock
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Provider: fake,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := SignToken(testJWTSecret, actor, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
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

// postSigned delivers a callback body signed with secret.
func postSigned(t *testing.T, srv *testServer, path string, body []byte, secret string) (*http.Response, []byte) {
	t.Helper()
	headers := map[string]string{}
	if secret != "" {
		headers[signature.Header] = signature.Sign(secret, body)
	}
	return postRaw(t, srv, path, body, headers)
}

func postRaw(t *testing.T, srv *testServer, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func mustMarshal(t *testing.T, p interface{ Type() string }) []byte {
	t.Helper()
	data, err := webhook.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func createProject(t *testing.T, srv *testServer, actor string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "p1", "name": "Acme App", "repo_url": "https://github.com/acme/app", "github_token": "ghp_test",
	}, bearer(t, actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, data)
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func createManifest(t *testing.T, srv *testServer, prd string) domain.Manifest {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/p1/manifests", map[string]any{
		"name": "auth work", "prd_name": prd,
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create manifest status %d: %s", res.StatusCode, data)
	}
	var m ManifestResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	stored, err := srv.Engine.Repo.GetManifest(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	return stored
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestHealthIsPublicAndAPIRequiresBearer(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("anonymous status %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`"alice"`)) {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
}

func TestProjectOwnership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "alice")
	if p.RepoURL != "acme/app" || !p.HasGitHubToken {
		t.Fatalf("project = %+v", p)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/p1", nil, bearer(t, "bob"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("bob status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/missing", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status %d: %s", res.StatusCode, data)
	}
}

func TestManifestValidationAndConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "alice")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/p1/manifests", map[string]any{
		"name": "bad", "prd_name": "User Auth",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("bad prd status %d: %s", res.StatusCode, data)
	}
	createManifest(t, srv, "user-auth")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/p1/manifests", map[string]any{
		"name": "second",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("second manifest status %d: %s", res.StatusCode, data)
	}
}

func TestManifestSpawnFailureIsBadGateway(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "alice")
	srv.Provider.FailOn("create", errors.New("quota exceeded"))
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/p1/manifests", map[string]any{
		"name": "auth work",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusBadGateway || errorCode(t, data) != "spawn_failed" {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if bytes.Contains(data, []byte("quota")) {
		t.Fatalf("provider error leaked: %s", data)
	}
}

func TestManifestWebhookLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "alice")
	m := createManifest(t, srv, "user-auth")
	path := "/webhooks/manifest/" + m.ID

	res, data := postSigned(t, srv, path, mustMarshal(t, webhook.TaskLoopStarted{Branch: "prd/user-auth"}), m.WebhookSecret)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`"success":true`)) {
		t.Fatalf("task_loop_started status %d: %s", res.StatusCode, data)
	}
	done := mustMarshal(t, webhook.ManifestCompleted{
		PRDJSON: `{"tasks":[{"id":"1","title":"a","passes":true}]}`,
		PRURL:   "https://github.com/acme/app/pull/1",
	})
	for i := 0; i < 2; i++ {
		res, data = postSigned(t, srv, path, done, m.WebhookSecret)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("completed #%d status %d: %s", i+1, res.StatusCode, data)
		}
	}
	cur, err := srv.Engine.Repo.GetManifest(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != domain.ManifestCompleted || cur.HasSandbox() || cur.PRURL == "" {
		t.Fatalf("manifest = %+v", cur)
	}
	if n := len(srv.Provider.Calls("destroy")); n != 1 {
		t.Fatalf("destroy calls = %d", n)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/manifests/"+m.ID, nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get manifest status %d: %s", res.StatusCode, data)
	}
	var got ManifestResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Progress == nil || got.Progress.Passing != 1 || got.Progress.Total != 1 {
		t.Fatalf("progress = %+v", got.Progress)
	}
	if bytes.Contains(data, []byte(m.WebhookSecret)) {
		t.Fatal("webhook secret exposed")
	}
}

func TestManifestWebhookRejectsBadSignature(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "alice")
	m := createManifest(t, srv, "user-auth")
	path := "/webhooks/manifest/" + m.ID
	delivered := mustMarshal(t, webhook.ManifestError{Error: "boom"})
	other := mustMarshal(t, webhook.ManifestError{Error: "other"})

	res, data := postRaw(t, srv, path, delivered, map[string]string{signature.Header: signature.Sign(m.WebhookSecret, other)})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("mismatched body status %d: %s", res.StatusCode, data)
	}
	res, _ = postRaw(t, srv, path, delivered, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned status %d", res.StatusCode)
	}
	res, _ = postSigned(t, srv, path, delivered, "wrong-secret")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status %d", res.StatusCode)
	}
	cur, _ := srv.Engine.Repo.GetManifest(context.Background(), m.ID)
	if cur.Status != domain.ManifestActive || cur.ErrorMessage != "" {
		t.Fatalf("manifest changed: %+v", cur)
	}
}

func TestManifestWebhookInvalidPayloadAndUnknownTarget(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "alice")
	m := createManifest(t, srv, "user-auth")
	path := "/webhooks/manifest/" + m.ID

	for _, body := range []string{`{"type":"teleported"}`, `{"type":"progress"}`, `not json`} {
		res, data := postSigned(t, srv, path, []byte(body), m.WebhookSecret)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d: %s", body, res.StatusCode, data)
		}
	}
	cur, _ := srv.Engine.Repo.GetManifest(context.Background(), m.ID)
	if cur.Status != domain.ManifestActive {
		t.Fatalf("manifest changed: %+v", cur)
	}

	res, _ := postSigned(t, srv, "/webhooks/manifest/nope", mustMarshal(t, webhook.ManifestStarted{}), "any")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown manifest status %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/manifests/"+m.ID, nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, data)
	}
	res, _ = postSigned(t, srv, path, mustMarshal(t, webhook.ManifestStarted{}), m.WebhookSecret)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("webhook after delete status %d", res.StatusCode)
	}
}

func TestInvocationWebhookFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "alice")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/p1/tasks", map[string]any{
		"title": "Fix login redirect", "category": "bug",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/move", map[string]any{
		"board_status": "ritual",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", res.StatusCode, data)
	}
	s, err := srv.Engine.Repo.LatestSession(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	path := "/webhooks/sprite/" + task.ID

	res, _ = postSigned(t, srv, path, mustMarshal(t, webhook.InvocationStarted{SessionID: s.ID}), "forged")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged status %d", res.StatusCode)
	}
	res, data = postSigned(t, srv, path, mustMarshal(t, webhook.InvocationCompleted{PRURL: "https://github.com/acme/app/pull/2"}), s.WebhookSecret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completed status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/"+task.ID, nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.BoardStatus != domain.BoardTrial || task.Session == nil || task.Session.Status != domain.SessionCompleted {
		t.Fatalf("task = %+v", task)
	}
	if srv.Provider.LiveCount() != 0 {
		t.Fatal("sandbox leaked")
	}

	res, _ = postSigned(t, srv, "/webhooks/sprite/missing", mustMarshal(t, webhook.InvocationStarted{}), "x")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status %d", res.StatusCode)
	}
}

func TestEventsArePaginated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "alice")
	for _, title := range []string{"a", "b", "c"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/p1/tasks", map[string]any{"title": title}, bearer(t, "alice"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create task status %d: %s", res.StatusCode, data)
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/p1/events?limit=2", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/p1/events?limit=2&cursor="+page.NextCursor, nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, data)
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatal(err)
	}
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("page 2 = %+v", next)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !bytes.Contains(data, []byte("bearerAuth")) || !bytes.Contains(data, []byte("/v0/manifests/{manifest_id}")) {
		t.Fatalf("openapi missing expected content")
	}
}

func TestOpenAPIDocumentServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if len(bodies[i]) == 0 || !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("response %d differs from the first", i)
		}
	}
}
