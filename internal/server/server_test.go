package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"scanline/internal/config"
	"scanline/internal/db"
	"scanline/internal/engine"
	"scanline/internal/key"
	"scanline/internal/migrate"
	"scanline/internal/stage"
)

func newTestServer(t *testing.T, auth AuthConfig) (*httptest.Server, *engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := stage.NewRegistry()
	if err := reg.Register(&stage.Stage{ID: "src.item", Schema: []string{"item"}}); err != nil {
		t.Fatal(err)
	}
	err = reg.Register(&stage.Stage{
		ID:       "proc.copy",
		Schema:   []string{"item"},
		Upstream: []string{"src.item"},
		Compute: func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
			return stage.ResultSet{Values: stage.Row{"ok": true}}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}

	e := engine.New(conn, reg, config.Default())
	e.Log = nil
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d: %s", resp.StatusCode, body)
	}
}

func TestInsertPopulateQueryDelete(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})
	client := srv.Client()

	// Insert into the manual stage.
	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stages/src.item/rows", map[string]any{
		"key":    map[string]string{"item": "1"},
		"values": map[string]any{"note": "hello"},
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert status = %d: %s", resp.StatusCode, body)
	}

	// Inserting into a computed stage is rejected.
	resp, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stages/proc.copy/rows", map[string]any{
		"key": map[string]string{"item": "1"},
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("insert into computed stage status = %d, want 400", resp.StatusCode)
	}

	// The computed stage now shows one pending key.
	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stages/proc.copy", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress status = %d: %s", resp.StatusCode, body)
	}
	var summary struct {
		Todo int `json:"todo"`
		Done int `json:"done"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if summary.Todo != 1 || summary.Done != 0 {
		t.Fatalf("progress = %+v, want todo 1 done 0", summary)
	}

	// Populate it.
	resp, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stages/proc.copy/populate", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("populate status = %d: %s", resp.StatusCode, body)
	}
	var result struct {
		Succeeded int `json:"succeeded"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("populate result = %s", body)
	}

	// Query the committed rows.
	resp, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stages/proc.copy/query", map[string]any{
		"restriction": map[string]string{"item": "1"},
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d: %s", resp.StatusCode, body)
	}
	var rows []struct {
		Key map[string]string `json:"key"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Key["item"] != "1" {
		t.Fatalf("rows = %s", body)
	}

	// Cascade delete from the source.
	resp, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stages/src.item/delete", map[string]any{
		"restriction": map[string]string{"item": "1"},
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d: %s", resp.StatusCode, body)
	}
	var counts map[string]int64
	if err := json.Unmarshal(body, &counts); err != nil {
		t.Fatal(err)
	}
	if counts["src.item"] != 1 || counts["proc.copy"] != 1 {
		t.Fatalf("delete counts = %v", counts)
	}
}

func TestUnknownStageIs404(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})
	resp, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages/no.such", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	srv, _ := newTestServer(t, AuthConfig{JWTSecret: secret})
	client := srv.Client()

	// Health stays open.
	resp, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	// No token: 401.
	resp, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stages", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", resp.StatusCode)
	}

	// Bad token: 401.
	resp, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stages", nil, "garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad-token status = %d, want 401", resp.StatusCode)
	}

	// Valid HS256 token with a subject: accepted.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	resp, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stages", nil, signed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authed status = %d: %s", resp.StatusCode, body)
	}
}
