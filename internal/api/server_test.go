package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/org/secretsync/internal/auth"
	"github.com/org/secretsync/internal/crypto"
	"github.com/org/secretsync/internal/secret"
	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

// --- test helpers ---

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(storage.NewMemoryBackend(), DefaultConfig())
	return srv, srv.BuildRouter()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func initRoot(t *testing.T, handler http.Handler) string {
	t.Helper()
	w := doJSON(t, handler, "POST", "/v1/sys/init", nil, "")
	expectCode(t, w, http.StatusOK)
	var body struct {
		RootToken string `json:"root_token"`
	}
	decodeBody(t, w, &body)
	if body.RootToken == "" {
		t.Fatal("expected root_token in init response")
	}
	return body.RootToken
}

// userToken creates a token for a new user subject holding policies.
func userToken(t *testing.T, srv *Server, policies ...string) string {
	t.Helper()
	_, plaintext, err := srv.tokens.CreateToken(context.Background(), auth.TokenParams{
		DisplayName: "user",
		Policies:    policies,
	})
	if err != nil {
		t.Fatalf("creating token: %v", err)
	}
	return plaintext
}

func writeDevPolicy(t *testing.T, handler http.Handler, root string) {
	t.Helper()
	w := doJSON(t, handler, "POST", "/v1/sys/policy/dev", map[string]any{
		"path": map[string]any{
			"workspace/acme/**": map[string]any{"capabilities": []string{"read", "write"}},
		},
	}, root)
	expectCode(t, w, http.StatusNoContent)
}

func batch(t *testing.T, key []byte, typ models.SecretType, kv ...string) []models.SecretInput {
	t.Helper()
	var vars []secret.EnvVar
	for i := 0; i+1 < len(kv); i += 2 {
		vars = append(vars, secret.EnvVar{Key: kv[i], Value: kv[i+1]})
	}
	in, err := secret.EncryptBatch(vars, key, typ)
	if err != nil {
		t.Fatalf("encrypting batch: %v", err)
	}
	return in
}

const secretsURL = "/v1/workspaces/acme/environments/dev/secrets"

func push(t *testing.T, handler http.Handler, token string, in []models.SecretInput) secret.PushResult {
	t.Helper()
	w := doJSON(t, handler, "POST", secretsURL, map[string]any{"secrets": in}, token)
	expectCode(t, w, http.StatusOK)
	var res secret.PushResult
	decodeBody(t, w, &res)
	return res
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, "GET", "/v1/sys/health", nil, "")
	expectCode(t, w, http.StatusOK)
	var body map[string]any
	decodeBody(t, w, &body)
	if initialized, _ := body["initialized"].(bool); initialized {
		t.Error("expected initialized=false before init")
	}
}

func TestInitOnlyOnce(t *testing.T) {
	_, handler := newTestServer(t)
	root := initRoot(t, handler)

	w := doJSON(t, handler, "POST", "/v1/sys/init", nil, "")
	expectCode(t, w, http.StatusConflict)

	w = doJSON(t, handler, "GET", "/v1/auth/token/lookup-self", nil, root)
	expectCode(t, w, http.StatusOK)
}

func TestMissingToken(t *testing.T) {
	_, handler := newTestServer(t)
	w := doJSON(t, handler, "GET", secretsURL, nil, "")
	expectCode(t, w, http.StatusUnauthorized)

	w = doJSON(t, handler, "GET", secretsURL, nil, "sst_bogus")
	expectCode(t, w, http.StatusForbidden)
}

func TestPushPullDecrypt(t *testing.T) {
	_, handler := newTestServer(t)
	root := initRoot(t, handler)
	key, _ := crypto.GenerateKey()

	res := push(t, handler, root, batch(t, key, models.SecretTypeShared, "A", "1", "B", "2"))
	if res.Added != 2 || res.Snapshot == nil || res.Snapshot.Version != 1 {
		t.Fatalf("unexpected first push result: %+v", res)
	}

	res = push(t, handler, root, batch(t, key, models.SecretTypeShared, "A", "1", "B", "3", "C", "4"))
	if res.Added != 1 || res.Updated != 1 || res.Unchanged != 1 || res.Deleted != 0 {
		t.Fatalf("unexpected second push result: %+v", res)
	}
	if res.Snapshot.Version != 2 {
		t.Errorf("expected snapshot 2, got %d", res.Snapshot.Version)
	}

	w := doJSON(t, handler, "GET", secretsURL, nil, root)
	expectCode(t, w, http.StatusOK)
	var raw struct {
		Secrets []models.Secret `json:"secrets"`
	}
	decodeBody(t, w, &raw)
	if len(raw.Secrets) != 3 {
		t.Fatalf("expected 3 secrets, got %d", len(raw.Secrets))
	}

	w = doJSON(t, handler, "GET", secretsURL+"?format=reformat", nil, root)
	expectCode(t, w, http.StatusOK)
	var flat struct {
		Secrets []secret.ReformattedSecret `json:"secrets"`
	}
	decodeBody(t, w, &flat)
	if len(flat.Secrets) != 3 || flat.Secrets[0].WorkspaceID != "acme" {
		t.Fatalf("unexpected reformatted pull: %+v", flat.Secrets)
	}

	w = doJSON(t, handler, "POST", secretsURL+"/decrypt", map[string]any{
		"key":    crypto.EncodeKey(key),
		"format": "object",
	}, root)
	expectCode(t, w, http.StatusOK)
	var dec struct {
		Format  string            `json:"format"`
		Content map[string]string `json:"content"`
	}
	decodeBody(t, w, &dec)
	want := map[string]string{"A": "1", "B": "3", "C": "4"}
	if dec.Format != "object" || len(dec.Content) != len(want) {
		t.Fatalf("unexpected decrypt response: %+v", dec)
	}
	for k, v := range want {
		if dec.Content[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, dec.Content[k])
		}
	}
}

func TestDecryptErrors(t *testing.T) {
	_, handler := newTestServer(t)
	root := initRoot(t, handler)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	push(t, handler, root, batch(t, key, models.SecretTypeShared, "A", "1"))

	cases := []struct {
		name string
		body map[string]any
	}{
		{"wrong key", map[string]any{"key": crypto.EncodeKey(other), "format": "text"}},
		{"bad key", map[string]any{"key": "not-base64!", "format": "text"}},
		{"bad format", map[string]any{"key": crypto.EncodeKey(key), "format": "yaml"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, handler, "POST", secretsURL+"/decrypt", tc.body, root)
			expectCode(t, w, http.StatusBadRequest)
		})
	}
}

func TestPushRejectsInvalidBatch(t *testing.T) {
	_, handler := newTestServer(t)
	root := initRoot(t, handler)

	w := doJSON(t, handler, "POST", secretsURL, map[string]any{
		"secrets": []map[string]any{{"type": "team", "key": map[string]any{}, "value": map[string]any{}}},
	}, root)
	expectCode(t, w, http.StatusBadRequest)

	w = doJSON(t, handler, "GET", secretsURL+"?format=yaml", nil, root)
	expectCode(t, w, http.StatusBadRequest)
}

func TestSecretsRequirePolicy(t *testing.T) {
	srv, handler := newTestServer(t)
	initRoot(t, handler)
	key, _ := crypto.GenerateKey()

	tok := userToken(t, srv, "default")
	w := doJSON(t, handler, "POST", secretsURL, map[string]any{
		"secrets": batch(t, key, models.SecretTypeShared, "A", "1"),
	}, tok)
	expectCode(t, w, http.StatusForbidden)

	w = doJSON(t, handler, "GET", "/v1/workspaces/acme/snapshots", nil, tok)
	expectCode(t, w, http.StatusForbidden)
}

func TestPersonalSecretsFollowSubject(t *testing.T) {
	srv, handler := newTestServer(t)
	root := initRoot(t, handler)
	writeDevPolicy(t, handler, root)
	key, _ := crypto.GenerateKey()

	alice := userToken(t, srv, "dev")
	bob := userToken(t, srv, "dev")

	push(t, handler, alice, batch(t, key, models.SecretTypePersonal, "TOKEN", "alice"))
	// Bob's push of an empty personal set must not touch Alice's secret.
	push(t, handler, bob, nil)
	push(t, handler, alice, append(
		batch(t, key, models.SecretTypePersonal, "TOKEN", "alice"),
		batch(t, key, models.SecretTypeShared, "HOST", "db")...,
	))

	pull := func(tok string) map[string]string {
		w := doJSON(t, handler, "POST", secretsURL+"/decrypt", map[string]any{
			"key": crypto.EncodeKey(key), "format": "object",
		}, tok)
		expectCode(t, w, http.StatusOK)
		var dec struct {
			Content map[string]string `json:"content"`
		}
		decodeBody(t, w, &dec)
		return dec.Content
	}

	if got := pull(alice); got["TOKEN"] != "alice" || got["HOST"] != "db" {
		t.Errorf("alice should see her personal and the shared secret, got %v", got)
	}
	got := pull(bob)
	if _, ok := got["TOKEN"]; ok {
		t.Errorf("bob must not see alice's personal secret, got %v", got)
	}
	if got["HOST"] != "db" {
		t.Errorf("bob should see the shared secret, got %v", got)
	}
}

func TestTokenCreateCannotEscalate(t *testing.T) {
	srv, handler := newTestServer(t)
	root := initRoot(t, handler)
	writeDevPolicy(t, handler, root)
	dev := userToken(t, srv, "dev")

	w := doJSON(t, handler, "POST", "/v1/auth/token/create", map[string]any{"policies": []string{"root"}}, dev)
	expectCode(t, w, http.StatusForbidden)

	w = doJSON(t, handler, "POST", "/v1/auth/token/create", map[string]any{"policies": []string{"dev"}, "ttl": "1h"}, dev)
	expectCode(t, w, http.StatusOK)
	var body struct {
		Auth struct {
			ClientToken string `json:"client_token"`
			SubjectID   string `json:"subject_id"`
		} `json:"auth"`
	}
	decodeBody(t, w, &body)

	w = doJSON(t, handler, "GET", "/v1/auth/token/lookup-self", nil, dev)
	expectCode(t, w, http.StatusOK)
	var self struct {
		Data struct {
			SubjectID string `json:"subject_id"`
		} `json:"data"`
	}
	decodeBody(t, w, &self)
	if body.Auth.SubjectID != self.Data.SubjectID {
		t.Errorf("child token should act for its parent's subject: %q vs %q", body.Auth.SubjectID, self.Data.SubjectID)
	}

	w = doJSON(t, handler, "POST", "/v1/auth/token/revoke", map[string]any{"token": body.Auth.ClientToken}, dev)
	expectCode(t, w, http.StatusNoContent)
	w = doJSON(t, handler, "GET", "/v1/auth/token/lookup-self", nil, body.Auth.ClientToken)
	expectCode(t, w, http.StatusForbidden)
}

func TestSnapshotsAndVersions(t *testing.T) {
	_, handler := newTestServer(t)
	root := initRoot(t, handler)
	key, _ := crypto.GenerateKey()

	push(t, handler, root, batch(t, key, models.SecretTypeShared, "A", "1"))
	push(t, handler, root, batch(t, key, models.SecretTypeShared, "A", "2"))

	w := doJSON(t, handler, "GET", "/v1/workspaces/acme/snapshots", nil, root)
	expectCode(t, w, http.StatusOK)
	var list struct {
		Snapshots []models.SecretSnapshot `json:"snapshots"`
	}
	decodeBody(t, w, &list)
	if len(list.Snapshots) != 2 || list.Snapshots[0].Version != 2 {
		t.Fatalf("expected two snapshots newest first, got %+v", list.Snapshots)
	}
	secretID := list.Snapshots[0].Secrets[0].ID

	w = doJSON(t, handler, "GET", "/v1/workspaces/acme/snapshots/1", nil, root)
	expectCode(t, w, http.StatusOK)
	w = doJSON(t, handler, "GET", "/v1/workspaces/acme/snapshots/9", nil, root)
	expectCode(t, w, http.StatusNotFound)
	w = doJSON(t, handler, "GET", "/v1/workspaces/acme/snapshots/zero", nil, root)
	expectCode(t, w, http.StatusBadRequest)

	w = doJSON(t, handler, "GET", "/v1/workspaces/acme/secrets/"+secretID+"/versions", nil, root)
	expectCode(t, w, http.StatusOK)
	var hist struct {
		Versions []models.SecretVersion `json:"versions"`
	}
	decodeBody(t, w, &hist)
	if len(hist.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(hist.Versions))
	}

	w = doJSON(t, handler, "GET", "/v1/workspaces/globex/secrets/"+secretID+"/versions", nil, root)
	expectCode(t, w, http.StatusNotFound)
}

func TestPersonalHistoryHiddenFromOthers(t *testing.T) {
	srv, handler := newTestServer(t)
	root := initRoot(t, handler)
	writeDevPolicy(t, handler, root)
	key, _ := crypto.GenerateKey()

	alice := userToken(t, srv, "dev")
	bob := userToken(t, srv, "dev")
	push(t, handler, alice, batch(t, key, models.SecretTypePersonal, "TOKEN", "alice"))
	if res := push(t, handler, bob, nil); len(res.Snapshot.Secrets) != 0 {
		t.Fatalf("bob's push result must not carry alice's secret, got %+v", res.Snapshot.Secrets)
	}

	snapshotSecrets := func(tok string) []models.Secret {
		w := doJSON(t, handler, "GET", "/v1/workspaces/acme/snapshots/2", nil, tok)
		expectCode(t, w, http.StatusOK)
		var snap models.SecretSnapshot
		decodeBody(t, w, &snap)
		return snap.Secrets
	}
	if got := snapshotSecrets(bob); len(got) != 0 {
		t.Fatalf("bob must not see alice's personal secret in snapshots, got %+v", got)
	}
	if got := snapshotSecrets(root); len(got) != 1 {
		t.Fatalf("root should see every secret, got %+v", got)
	}
	secretID := snapshotSecrets(alice)[0].ID

	versionsURL := "/v1/workspaces/acme/secrets/" + secretID + "/versions"
	expectCode(t, doJSON(t, handler, "GET", versionsURL, nil, bob), http.StatusNotFound)
	expectCode(t, doJSON(t, handler, "GET", versionsURL, nil, alice), http.StatusOK)
	expectCode(t, doJSON(t, handler, "GET", versionsURL, nil, root), http.StatusOK)

	w := doJSON(t, handler, "GET", "/v1/workspaces/acme/snapshots", nil, bob)
	expectCode(t, w, http.StatusOK)
	var list struct {
		Snapshots []models.SecretSnapshot `json:"snapshots"`
	}
	decodeBody(t, w, &list)
	if len(list.Snapshots) != 2 || len(list.Snapshots[0].Secrets) != 0 || len(list.Snapshots[1].Secrets) != 0 {
		t.Fatalf("expected two snapshots with no visible secrets, got %+v", list.Snapshots)
	}
}

func TestMachineIdentityLogin(t *testing.T) {
	_, handler := newTestServer(t)
	root := initRoot(t, handler)
	writeDevPolicy(t, handler, root)

	w := doJSON(t, handler, "POST", "/v1/auth/machine/identity", map[string]any{
		"name": "ci", "token_policies": []string{"dev"}, "token_ttl": "10m",
	}, root)
	expectCode(t, w, http.StatusOK)
	var created struct {
		ClientID string `json:"client_id"`
	}
	decodeBody(t, w, &created)

	w = doJSON(t, handler, "POST", "/v1/auth/machine/identity/ci/client-secret", map[string]any{"uses": 1}, root)
	expectCode(t, w, http.StatusOK)
	var sec struct {
		Data struct {
			ClientSecret string `json:"client_secret"`
		} `json:"data"`
	}
	decodeBody(t, w, &sec)

	login := map[string]any{"client_id": created.ClientID, "client_secret": sec.Data.ClientSecret}
	w = doJSON(t, handler, "POST", "/v1/auth/machine/login", login, "")
	expectCode(t, w, http.StatusOK)
	var body struct {
		Auth struct {
			ClientToken string `json:"client_token"`
			SubjectID   string `json:"subject_id"`
			SubjectType string `json:"subject_type"`
		} `json:"auth"`
	}
	decodeBody(t, w, &body)
	if body.Auth.SubjectType != models.SubjectMachine || body.Auth.SubjectID != created.ClientID {
		t.Errorf("machine token should act for the identity, got %+v", body.Auth)
	}

	w = doJSON(t, handler, "GET", secretsURL, nil, body.Auth.ClientToken)
	expectCode(t, w, http.StatusOK)

	w = doJSON(t, handler, "POST", "/v1/auth/machine/login", login, "")
	expectCode(t, w, http.StatusUnauthorized)
}

func TestPolicyEndpoints(t *testing.T) {
	_, handler := newTestServer(t)
	root := initRoot(t, handler)
	writeDevPolicy(t, handler, root)

	w := doJSON(t, handler, "GET", "/v1/sys/policy", nil, root)
	expectCode(t, w, http.StatusOK)
	var list struct {
		Policies []string `json:"policies"`
	}
	decodeBody(t, w, &list)
	if len(list.Policies) != 3 {
		t.Errorf("expected root, default and dev, got %v", list.Policies)
	}

	expectCode(t, doJSON(t, handler, "GET", "/v1/sys/policy/dev", nil, root), http.StatusOK)
	expectCode(t, doJSON(t, handler, "DELETE", "/v1/sys/policy/root", nil, root), http.StatusBadRequest)
	expectCode(t, doJSON(t, handler, "DELETE", "/v1/sys/policy/dev", nil, root), http.StatusNoContent)
	expectCode(t, doJSON(t, handler, "GET", "/v1/sys/policy/dev", nil, root), http.StatusNotFound)
}

func TestAuditLogRecordsEvents(t *testing.T) {
	srv, handler := newTestServer(t)
	root := initRoot(t, handler)
	key, _ := crypto.GenerateKey()
	push(t, handler, root, batch(t, key, models.SecretTypeShared, "A", "1"))

	w := doJSON(t, handler, "GET", "/v1/sys/audit-log?path=workspace/acme", nil, root)
	expectCode(t, w, http.StatusOK)
	var body struct {
		Data []models.AuditEntry `json:"data"`
	}
	decodeBody(t, w, &body)
	ops := map[string]bool{}
	for _, e := range body.Data {
		ops[e.Operation] = true
		if e.RequestID == "" {
			t.Errorf("event %s is missing its request id", e.Operation)
		}
	}
	if !ops[secret.EventSecretsPushed] || !ops[secret.EventSnapshotTaken] {
		t.Errorf("expected push and snapshot events, got %v", ops)
	}

	dev := userToken(t, srv, "default")
	expectCode(t, doJSON(t, handler, "GET", "/v1/sys/audit-log", nil, dev), http.StatusForbidden)
}

func TestRateLimit(t *testing.T) {
	srv := NewServer(storage.NewMemoryBackend(), Config{RateLimitRPS: 0.001, RateLimitBurst: 1})
	handler := srv.BuildRouter()

	expectCode(t, doJSON(t, handler, "GET", "/v1/sys/health", nil, ""), http.StatusOK)
	expectCode(t, doJSON(t, handler, "GET", "/v1/sys/health", nil, ""), http.StatusTooManyRequests)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	if got := clientIP(req); got != "10.0.0.7" {
		t.Errorf("expected peer host, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}
