package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/api"
	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/authn"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/convstore/memstore"
)

var testSecret = []byte("test-secret")

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domains:
  - id: support
    name: Support
    workflow: supervisor
    default_agent: triage
agents:
  - id: triage
    domain_id: support
    name: Triage
    state: PRODUCTION
    system_prompt: x
    model_id: m
`), 0o644))
	cfg := config.New(nil)
	require.NoError(t, cfg.Load(path))

	a := api.New(api.Deps{
		Store:     memstore.New(),
		Config:    cfg,
		Verifier:  authn.New(testSecret),
		Approvals: approval.New(nil, nil),
	})
	mux := http.NewServeMux()
	a.Mount(mux)
	return httptest.NewServer(mux)
}

func issueToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, authn.Claims{Subject: "user-1", Role: "operator"})
	s, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func doAuthed(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		r = bytes.NewReader(body)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateConversationRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/conversations", "application/json", bytes.NewReader([]byte(`{"domainId":"support"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndFetchConversation(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t)

	resp := doAuthed(t, http.MethodPost, srv.URL+"/v1/conversations", token, []byte(`{"domainId":"support"}`))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	getResp := doAuthed(t, http.MethodGet, srv.URL+"/v1/conversations/"+id, token, nil)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestCreateConversationUnknownDomain(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t)

	resp := doAuthed(t, http.MethodPost, srv.URL+"/v1/conversations", token, []byte(`{"domainId":"missing"}`))
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetUnknownToolRunReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t)

	resp := doAuthed(t, http.MethodGet, srv.URL+"/v1/tool-runs/missing", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListToolRunsRequiresConversationID(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t)

	resp := doAuthed(t, http.MethodGet, srv.URL+"/v1/tool-runs", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigStatusReturnsHash(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t)

	resp := doAuthed(t, http.MethodGet, srv.URL+"/v1/config/status", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["hash"])
}

func TestDecideUnknownToolRunReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t)

	resp := doAuthed(t, http.MethodPost, srv.URL+"/v1/tool-runs/missing/approve", token, []byte(`{}`))
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
