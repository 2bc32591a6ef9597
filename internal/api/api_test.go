package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/heartbeat"
	"github.com/lzjever/mbos-fleet/internal/lifecycle"
	"github.com/lzjever/mbos-fleet/internal/pool"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/provisioner"
	"github.com/lzjever/mbos-fleet/internal/store"
	"github.com/lzjever/mbos-fleet/internal/workspace"
)

const testSecret = "s3cret"

type fixture struct {
	store   *store.MemStore
	api     *provider.MockProvider
	handler http.Handler
}

func newFixture(t *testing.T, wsCfg workspace.Config) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemStore(), api: provider.NewMockProvider()}

	var tick atomic.Int64
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	f.store.Now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }

	log := zap.NewNop()
	prov := provisioner.New(f.api, provisioner.Config{InstanceTimeout: 45 * time.Minute}, log)
	poolCfg := pool.DefaultConfig()
	poolCfg.Target = 0
	mgr := pool.NewManager(f.store, prov, poolCfg, log)
	t.Cleanup(mgr.Wait)
	ext := heartbeat.NewExtender(f.store, prov, heartbeat.DefaultConfig(), log)
	svc := workspace.NewService(f.store, mgr, prov, ext, wsCfg, log)

	f.handler = NewAPI(Deps{
		Store:         f.store,
		Workspaces:    svc,
		Pool:          mgr,
		Sweeper:       lifecycle.NewSweeper(f.store, prov, lifecycle.DefaultConfig(), log),
		TriggerSecret: testSecret,
	}, log).Router()
	return f
}

func (f *fixture) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) createWorkspace(t *testing.T, owner, name string) WorkspaceResponse {
	t.Helper()
	w := f.do("POST", "/v1/workspaces", CreateWorkspaceRequest{OwnerID: owner, Name: name}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var ws WorkspaceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ws); err != nil {
		t.Fatalf("failed to parse response: %s", err)
	}
	return ws
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response: %s", err)
	}
	return resp.Code
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	w := f.do("GET", "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("expected body OK, got %s", w.Body.String())
	}
}

func TestReadyHandler(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	w := f.do("GET", "/readyz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp ReadyResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Store != "ok" || resp.GoldenImage != "" {
		t.Errorf("unexpected readiness body %+v", resp)
	}
}

type downStore struct{}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func (downStore) GetGoldenImage(ctx context.Context) (core.GoldenImage, error) {
	return core.GoldenImage{}, store.ErrNotFound
}

func TestReadyHandlerStoreDown(t *testing.T) {
	a := NewAPI(Deps{Store: downStore{}}, zap.NewNop())
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, core.NewAppError(core.ErrBadRequest, "test error"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "FLEET_BAD_REQUEST" {
		t.Errorf("expected code FLEET_BAD_REQUEST, got %s", code)
	}
}

func TestCreateAndGetWorkspace(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	ws := f.createWorkspace(t, "u1", "dev")
	if ws.Status != "active" || ws.InstanceID == "" {
		t.Fatalf("expected active workspace with instance, got %+v", ws)
	}

	w := f.do("GET", "/v1/workspaces/"+ws.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got WorkspaceResponse
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != ws.ID || got.InstanceID != ws.InstanceID {
		t.Errorf("expected %+v, got %+v", ws, got)
	}
}

func TestCreateWorkspaceValidation(t *testing.T) {
	f := newFixture(t, workspace.Config{})

	w := f.do("POST", "/v1/workspaces", CreateWorkspaceRequest{OwnerID: "u1"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/v1/workspaces", bytes.NewBufferString("owner=u1"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected status 415, got %d", rec.Code)
	}
}

func TestCreateWorkspaceProviderFailure(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	f.api.SetError("Create", &provider.APIError{StatusCode: 500, Message: "boom"})

	w := f.do("POST", "/v1/workspaces", CreateWorkspaceRequest{OwnerID: "u1", Name: "dev"}, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "FLEET_PROVISIONING_FAILED" {
		t.Errorf("expected FLEET_PROVISIONING_FAILED, got %s", code)
	}
}

func TestCreateWorkspaceQuota(t *testing.T) {
	f := newFixture(t, workspace.Config{MaxPerOwner: 1})
	f.createWorkspace(t, "u1", "one")

	w := f.do("POST", "/v1/workspaces", CreateWorkspaceRequest{OwnerID: "u1", Name: "two"}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestCreateWorkspaceIdempotencyKey(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	h := http.Header{"Idempotency-Key": []string{"req-1"}}

	first := f.do("POST", "/v1/workspaces", CreateWorkspaceRequest{OwnerID: "u1", Name: "dev"}, h)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", first.Code, first.Body.String())
	}
	second := f.do("POST", "/v1/workspaces", CreateWorkspaceRequest{OwnerID: "u1", Name: "dev"}, h)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected status 201, got %d", second.Code)
	}
	var a, b WorkspaceResponse
	json.Unmarshal(first.Body.Bytes(), &a)
	json.Unmarshal(second.Body.Bytes(), &b)
	if a.ID != b.ID {
		t.Errorf("replay created a second workspace: %s vs %s", a.ID, b.ID)
	}

	w := f.do("POST", "/v1/workspaces", CreateWorkspaceRequest{OwnerID: "u1", Name: "other"}, h)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 for reused key, got %d", w.Code)
	}
}

func TestWorkspaceLifecycleRoutes(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	ws := f.createWorkspace(t, "u1", "dev")
	path := "/v1/workspaces/" + ws.ID

	w := f.do("POST", path+"/stop", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do("POST", path+"/stop", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second stop: expected status 409, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "FLEET_CONFLICT_STATE" {
		t.Errorf("expected FLEET_CONFLICT_STATE, got %s", code)
	}

	w = f.do("POST", path+"/resume", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do("POST", path+"/snapshot", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap WorkspaceResponse
	json.Unmarshal(w.Body.Bytes(), &snap)
	if snap.Status != "snapshotted" || snap.ImageID == "" {
		t.Errorf("expected snapshotted with image, got %+v", snap)
	}

	w = f.do("DELETE", path, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: expected status 204, got %d", w.Code)
	}
	w = f.do("GET", path, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestExtendWorkspaceRoute(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	ws := f.createWorkspace(t, "u1", "dev")

	w := f.do("POST", "/v1/workspaces/"+ws.ID+"/extend", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp ExtendResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Outcome != heartbeat.OutcomeExtended || resp.Terminal {
		t.Errorf("expected extended, got %+v", resp)
	}

	w = f.do("POST", "/v1/workspaces/missing/extend", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestListWorkspacesPagination(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	for _, name := range []string{"a", "b", "c"} {
		f.createWorkspace(t, "u1", name)
	}
	f.createWorkspace(t, "u2", "other")

	type page struct {
		Workspaces []WorkspaceResponse `json:"workspaces"`
		NextCursor string              `json:"next_cursor"`
	}
	var p1 page
	w := f.do("GET", "/v1/workspaces?owner_id=u1&limit=2", nil, nil)
	json.Unmarshal(w.Body.Bytes(), &p1)
	if len(p1.Workspaces) != 2 || p1.NextCursor == "" {
		t.Fatalf("expected 2 workspaces and a cursor, got %+v", p1)
	}
	if p1.Workspaces[0].Name != "c" {
		t.Errorf("expected newest first, got %s", p1.Workspaces[0].Name)
	}

	var p2 page
	w = f.do("GET", "/v1/workspaces?owner_id=u1&limit=2&cursor="+p1.NextCursor, nil, nil)
	json.Unmarshal(w.Body.Bytes(), &p2)
	if len(p2.Workspaces) != 1 || p2.Workspaces[0].Name != "a" {
		t.Errorf("expected last workspace a, got %+v", p2.Workspaces)
	}

	w = f.do("GET", "/v1/workspaces?cursor=zzz", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad cursor, got %d", w.Code)
	}
}

type countingPool struct{ maintains atomic.Int32 }

func (p *countingPool) Maintain(ctx context.Context) (pool.MaintainResult, error) {
	p.maintains.Add(1)
	return pool.MaintainResult{Replenish: pool.ReplenishResult{Target: 15, Created: 3}}, nil
}

func (p *countingPool) Status(ctx context.Context) (pool.Status, error) {
	return pool.Status{Target: 15}, nil
}

func TestTriggerRequiresBearer(t *testing.T) {
	p := &countingPool{}
	a := NewAPI(Deps{Store: store.NewMemStore(), Pool: p, TriggerSecret: testSecret}, zap.NewNop())
	h := a.Router()

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic " + testSecret, http.StatusUnauthorized},
		{"valid", "Bearer " + testSecret, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/pool/replenish", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("expected status %d, got %d", tc.want, w.Code)
			}
		})
	}
	if n := p.maintains.Load(); n != 1 {
		t.Errorf("expected 1 maintain run, got %d", n)
	}

	req := httptest.NewRequest("GET", "/v1/pool", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("pool status should not need a token, got %d", w.Code)
	}
}

func TestTriggerChecksBearerBeforeContentType(t *testing.T) {
	p := &countingPool{}
	h := NewAPI(Deps{Store: store.NewMemStore(), Pool: p, TriggerSecret: testSecret}, zap.NewNop()).Router()

	send := func(auth string) int {
		req := httptest.NewRequest("POST", "/v1/pool/replenish", bytes.NewBufferString("go"))
		req.Header.Set("Content-Type", "text/plain")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	if code := send(""); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated: expected status 401, got %d", code)
	}
	if code := send("Bearer " + testSecret); code != http.StatusUnsupportedMediaType {
		t.Errorf("authenticated: expected status 415, got %d", code)
	}
	if n := p.maintains.Load(); n != 0 {
		t.Errorf("expected no maintain runs, got %d", n)
	}
}

func TestSweepRoute(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	f.api.AddSandbox(provider.Sandbox{ID: "sbx-orphan", Status: provider.StatusRunning, Timeout: 5 * time.Minute, CreatedAt: time.Now()})

	w := f.do("POST", "/v1/lifecycle/sweep", nil, bearer(testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp struct {
		Results []lifecycle.Result `json:"results"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].Action != lifecycle.ActionOrphanStopped {
		t.Errorf("expected orphan stopped, got %+v", resp.Results)
	}
}

func TestGoldenRoute(t *testing.T) {
	f := newFixture(t, workspace.Config{})
	if w := f.do("GET", "/v1/golden", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 before publish, got %d", w.Code)
	}
	f.store.SetGoldenImage(context.Background(), "img-1")

	w := f.do("GET", "/v1/golden", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var g core.GoldenImage
	json.Unmarshal(w.Body.Bytes(), &g)
	if g.ImageID != "img-1" {
		t.Errorf("expected img-1, got %s", g.ImageID)
	}
}
