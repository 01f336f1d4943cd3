package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/auth"
	"github.com/fleetforge/backend/internal/bootstrap"
	"github.com/fleetforge/backend/internal/config"
	"github.com/fleetforge/backend/internal/gitlab"
	"github.com/fleetforge/backend/internal/metrics"
	"github.com/fleetforge/backend/internal/naming"
	"github.com/fleetforge/backend/internal/orchestrator"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/store"
	"github.com/fleetforge/backend/internal/tasks"
)

type stubGit struct{}

func (stubGit) GetProject(ctx context.Context, creds gitlab.Credentials, ref string) (*gitlab.Project, error) {
	return &gitlab.Project{ID: 42, Name: "site", WebURL: "https://gitlab.example.com/team/site"}, nil
}

func (stubGit) ListRunners(ctx context.Context, creds gitlab.Credentials, projectID string) ([]gitlab.Runner, error) {
	return nil, nil
}

func (stubGit) DeleteRunner(ctx context.Context, creds gitlab.Credentials, runnerID int64) error {
	return nil
}

func (stubGit) ListPlaybooks(ctx context.Context, creds gitlab.Credentials, projectID string) ([]string, error) {
	return nil, nil
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (q *recordingQueue) Enqueue(ctx context.Context, task tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) Close() error { return nil }

type testEnv struct {
	server  *Server
	store   *store.SQLStore
	mock    *provisioner.MockDriver
	queue   *recordingQueue
	authn   *auth.Authenticator
	user    *store.User
	admin   *store.User
	project *store.Project
}

func setupTestServer(t *testing.T, authDisabled bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.InitDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	s := store.NewSQLiteStore(db)
	t.Cleanup(func() { s.Close() })

	env := &testEnv{
		store: s,
		queue: &recordingQueue{},
		user:  &store.User{Email: "dev@example.com"},
		admin: &store.User{Email: "admin@example.com", IsAdmin: true},
	}
	for _, u := range []*store.User{env.user, env.admin} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser() error = %v", err)
		}
	}
	if err := s.CreateEnvironment(ctx, &store.Environment{Name: "Web", Path: "web"}); err != nil {
		t.Fatalf("CreateEnvironment() error = %v", err)
	}
	env.project = &store.Project{Name: "site", URL: "https://gitlab.example.com/team/site", GitlabProjectID: "42", UserID: env.user.ID}
	if err := s.CreateProject(ctx, env.project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	env.mock = provisioner.NewMockDriver("mock", &config.Catalog{
		Providers: map[string]config.ProviderCatalog{
			"mock": {Regions: []config.Region{{
				Name:  "local",
				Zones: []config.Zone{{Name: "a", InstanceTypes: []string{"small"}}},
			}}},
		},
	})

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	m := metrics.New()

	svc := orchestrator.NewService(orchestrator.Deps{
		Store:   s,
		Drivers: provisioner.NewRegistry(env.mock),
		Git:     stubGit{},
		Stager:  bootstrap.NewStager(bootstrap.Config{WorkDir: t.TempDir()}, nil, logger),
		Queue:   env.queue,
		Metrics: m,
		Logger:  logger,
	}, orchestrator.Config{MaxRetry: 1})

	env.authn = auth.New("test-secret", s, authDisabled, logger)
	env.server = NewServer(svc, env.authn, Options{Metrics: m.Handler(), Logger: logger})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, as *store.User, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(auth.UserHeader, as.Email)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func wantError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Errorf("status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	var body errorBody
	decodeBody(t, rr, &body)
	if body.Status != "ko" || body.Code != code {
		t.Errorf("body = %+v, want ko/%s", body, code)
	}
	if body.CID == "" {
		t.Error("cid missing from error body")
	}
}

func (e *testEnv) provision(t *testing.T, name string) orchestrator.InstanceView {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/instances/mock/local/a/provision/web", e.user, map[string]any{
		"name":       name,
		"project_id": e.project.ID,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("provision status = %d, body %s", rr.Code, rr.Body.String())
	}
	var v orchestrator.InstanceView
	decodeBody(t, rr, &v)
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestServer(t, true)

	rr := env.do(t, "GET", "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("/health status = %d", rr.Code)
	}

	env.provision(t, "demo")
	rr = env.do(t, "GET", "/metrics", nil, nil)
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("fleetforge_tasks_enqueued_total")) {
		t.Errorf("/metrics status = %d, body lacks task counter", rr.Code)
	}
}

func TestProvisionAndGet(t *testing.T) {
	env := setupTestServer(t, true)

	v := env.provision(t, "demo")
	if v.Instance == nil || v.Name != "demo" || v.Status != store.StatusStarting {
		t.Fatalf("instance = %+v", v.Instance)
	}
	if v.Environment != "Web" || v.GitlabProject != env.project.URL {
		t.Errorf("links = %q %q", v.Environment, v.GitlabProject)
	}
	if len(env.queue.tasks) != 1 || env.queue.tasks[0].Kind != tasks.KindCreateInstance {
		t.Errorf("tasks = %+v", env.queue.tasks)
	}

	id := strconv.FormatInt(v.ID, 10)
	rr := env.do(t, "GET", "/api/v1/instances/mock/local/"+id, env.user, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var got orchestrator.InstanceView
	decodeBody(t, rr, &got)
	if got.ID != v.ID || got.Project == nil || got.Project.ID != env.project.ID {
		t.Errorf("get = %+v", got)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("access_token")) {
		t.Error("project access token leaked in response")
	}

	rr = env.do(t, "GET", "/api/v1/instances/mock/local", env.user, nil)
	var list struct {
		Instances []orchestrator.InstanceView `json:"instances"`
	}
	decodeBody(t, rr, &list)
	if len(list.Instances) != 1 {
		t.Errorf("list = %d instances", len(list.Instances))
	}
}

func TestErrorResponses(t *testing.T) {
	env := setupTestServer(t, true)
	env.provision(t, "demo")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"invalid name", "POST", "/api/v1/instances/mock/local/a/provision/web", map[string]any{"name": "no_way", "project_id": env.project.ID}, http.StatusBadRequest, "instance_name_invalid"},
		{"duplicate", "POST", "/api/v1/instances/mock/local/a/provision/web", map[string]any{"name": "demo", "project_id": env.project.ID}, http.StatusConflict, "instance_exists"},
		{"unknown provider", "GET", "/api/v1/instances/azure/local", nil, http.StatusNotFound, "provider_not_exist"},
		{"bad id", "GET", "/api/v1/instances/mock/local/abc", nil, http.StatusBadRequest, "invalid_instance_id"},
		{"bad remove id", "DELETE", "/api/v1/instances/mock/local/abc", nil, http.StatusBadRequest, "invalid_numeric_id"},
		{"missing", "PATCH", "/api/v1/instances/mock/local/999", map[string]any{"status": "poweroff"}, http.StatusNotFound, "instance_not_found"},
		{"bad project id", "POST", "/api/v1/instances/mock/local/a/attach/x", map[string]any{"name": "demo"}, http.StatusBadRequest, "invalid_project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantError(t, env.do(t, tt.method, tt.path, env.user, tt.body), tt.status, tt.code)
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/instances/mock/local/a/provision/web", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.UserHeader, env.user.Email)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	wantError(t, rr, http.StatusBadRequest, "invalid_body")
}

func TestUpdateAndRemove(t *testing.T) {
	env := setupTestServer(t, true)
	v := env.provision(t, "demo")
	env.mock.AddServer(naming.RehashDynamicName(v.Name, v.Hash), provisioner.StateRunning)
	path := "/api/v1/instances/mock/local/" + strconv.FormatInt(v.ID, 10)

	rr := env.do(t, "PATCH", path, env.user, map[string]any{"is_protected": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("protect status = %d, body %s", rr.Code, rr.Body.String())
	}
	var res orchestrator.Result
	decodeBody(t, rr, &res)
	if res.Status != "ok" || res.Code != "instance_updated" {
		t.Errorf("result = %+v", res)
	}

	wantError(t, env.do(t, "DELETE", path, env.user, nil), http.StatusBadRequest, "can_not_remove_protected_instance")

	env.do(t, "PATCH", path, env.user, map[string]any{"is_protected": false})
	rr = env.do(t, "DELETE", path, env.user, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &res)
	if res.Code != "instance_deleted" {
		t.Errorf("result = %+v", res)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := setupTestServer(t, true)
	v := env.provision(t, "demo")
	id := strconv.FormatInt(v.ID, 10)

	rr := env.do(t, "GET", "/api/v1/admin/instances/mock/local", env.user, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", rr.Code)
	}

	rr = env.do(t, "GET", "/api/v1/admin/instances/mock/local", env.admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin list status = %d", rr.Code)
	}

	rr = env.do(t, "GET", "/api/v1/admin/instances/mock/local/user/"+strconv.FormatInt(env.user.ID, 10), env.admin, nil)
	var list struct {
		Instances []orchestrator.InstanceView `json:"instances"`
	}
	decodeBody(t, rr, &list)
	if len(list.Instances) != 1 {
		t.Errorf("by user = %d instances", len(list.Instances))
	}

	rr = env.do(t, "GET", "/api/v1/admin/instances/"+id, env.admin, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("admin get status = %d", rr.Code)
	}

	wantError(t, env.do(t, "POST", "/api/v1/admin/instances/"+id+"/refresh", env.admin, nil), http.StatusNotFound, "instance_not_found")

	rr = env.do(t, "POST", "/api/v1/admin/instances/mock/local/a/provision/web", env.admin, map[string]any{
		"name":       "forother",
		"project_id": env.project.ID,
		"email":      env.user.Email,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin provision status = %d, body %s", rr.Code, rr.Body.String())
	}
	var created orchestrator.InstanceView
	decodeBody(t, rr, &created)
	if created.UserID != env.user.ID {
		t.Errorf("owner = %d, want %d", created.UserID, env.user.ID)
	}

	wantError(t, env.do(t, "POST", "/api/v1/admin/instances/mock/local/a/provision/web", env.admin, map[string]any{"name": "x"}),
		http.StatusBadRequest, "provide_email")

	rr = env.do(t, "DELETE", "/api/v1/admin/instances/"+id, env.admin, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("admin delete status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestStackConflictMapsTo409(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	writeError(rr, req, provisioner.ErrStackExists)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d", rr.Code)
	}
	var body errorBody
	decodeBody(t, rr, &body)
	if body.Code != "stack_exists" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	env := setupTestServer(t, false)

	req := httptest.NewRequest("GET", "/api/v1/instances/mock/local", nil)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rr.Code)
	}

	token, err := env.authn.GenerateToken(env.user)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	req = httptest.NewRequest("GET", "/api/v1/instances/mock/local", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("token status = %d, want 200", rr.Code)
	}
}
