package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"veriflow/internal/config"
	"veriflow/internal/db"
	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/migrate"
	"veriflow/internal/notify"
)

type testServer struct {
	URL    string
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
	cfg := config.Default(4)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Notifier = notify.Discard{}
	ctx := context.Background()
	if _, err := e.InitCycle(ctx, 4, "ccar-2026", "", "tester-1"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	if _, err := e.AddReport(ctx, 4, 21, "FR Y-9C", "capital", "owner-1", "tester-1"); err != nil {
		t.Fatalf("add report: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
		},
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("X-Actor-Id", "tester-1")
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

func TestVersionApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases", map[string]any{
		"report_id": 21,
		"name":      "planning",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init phase: %d %s", res.StatusCode, string(data))
	}
	var initOut struct {
		Phase      domain.Phase      `json:"phase"`
		Activities []domain.Activity `json:"activities"`
	}
	if err := json.Unmarshal(data, &initOut); err != nil {
		t.Fatalf("unmarshal phase: %v", err)
	}
	if len(initOut.Activities) != 2 {
		t.Fatalf("planning activities %d", len(initOut.Activities))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+initOut.Phase.ID+"/versions", map[string]any{}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open version: %d %s", res.StatusCode, string(data))
	}
	var version domain.Version
	_ = json.Unmarshal(data, &version)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+version.ID+"/items", map[string]any{
		"payload": map[string]any{"attribute": "tier1_capital"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add item: %d %s", res.StatusCode, string(data))
	}
	var item domain.Item
	_ = json.Unmarshal(data, &item)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+version.ID+"/submit", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/decision", map[string]any{
		"role":     "tester",
		"decision": "accept",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tester decision: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/decision", map[string]any{
		"role":     "report_owner",
		"decision": "approve",
	}, map[string]string{"X-Actor-Id": "owner-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner decision: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+version.ID+"/resolve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var resolved domain.Version
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if resolved.Status != domain.VersionApproved {
		t.Fatalf("expected approved, got %s", resolved.Status)
	}
}

func TestOpenVersionConflictEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases", map[string]any{
		"report_id": 21,
		"name":      "planning",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init phase: %d %s", res.StatusCode, string(data))
	}
	var initOut struct {
		Phase domain.Phase `json:"phase"`
	}
	_ = json.Unmarshal(data, &initOut)

	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+initOut.Phase.ID+"/versions", map[string]any{}, nil); res.StatusCode != http.StatusCreated {
		t.Fatalf("first open: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+initOut.Phase.ID+"/versions", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code %q: %s", envelope.Error.Code, string(data))
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/cycles", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "jwt-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("token missing: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
		"X-Actor-Id":    "",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		UserID string `json:"user_id"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "jwt-user" || me.Source != "jwt" {
		t.Fatalf("principal %+v", me)
	}
}
