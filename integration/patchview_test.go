// integration/patchview_test.go
// Package integration provides integration tests for the patchview service
// running as several replicas against shared storage, a JWKS endpoint and the
// Patch API.
package integration

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/patchview-go/conformance"
	"github.com/RegistryAccord/patchview-go/internal/event"
	"github.com/RegistryAccord/patchview-go/internal/jwks"
	"github.com/RegistryAccord/patchview-go/internal/patchapi"
	"github.com/RegistryAccord/patchview-go/internal/schema"
	"github.com/RegistryAccord/patchview-go/internal/server"
	"github.com/RegistryAccord/patchview-go/internal/session"
	"github.com/RegistryAccord/patchview-go/internal/storage"
	"github.com/RegistryAccord/patchview-go/internal/view"
)

const (
	testIssuer   = "test-issuer"
	testAudience = "test-audience"
	testKeyID    = "test-key-123"
)

// identityProvider serves a JWKS document and signs tokens with its key.
type identityProvider struct {
	srv  *httptest.Server
	priv ed25519.PrivateKey
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{{
			Kty: "OKP", Kid: testKeyID, Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(srv.Close)
	return &identityProvider{srv: srv, priv: priv}
}

// token signs a JWT; claims override the defaults.
func (p *identityProvider) token(t *testing.T, kid string, key ed25519.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	mc := jwt.MapClaims{
		"iss":         testIssuer,
		"aud":         testAudience,
		"sub":         "user-1",
		"exp":         float64(time.Now().Add(time.Hour).Unix()),
		"iat":         float64(time.Now().Unix()),
		"permissions": []string{view.ReadPermission, view.RemediatePermission},
	}
	for k, v := range claims {
		mc[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, mc)
	tok.Header["kid"] = kid
	if key == nil {
		key = p.priv
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return s
}

// newStore returns Postgres when PATCHVIEW_TEST_DATABASE_DSN is set and an
// in-memory store otherwise.
func newStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := os.Getenv("PATCHVIEW_TEST_DATABASE_DSN")
	if dsn == "" {
		return storage.NewMemory()
	}
	store, err := storage.NewPostgres(dsn)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// replica is one service instance.
type replica struct {
	srv      *httptest.Server
	sessions *session.Manager
}

func newReplica(t *testing.T, store storage.Store, apiURL, jwksURL string, pub event.Publisher) *replica {
	t.Helper()
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("failed to initialize schema validator: %v", err)
	}
	client, err := patchapi.New(apiURL, validator)
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(store, client, session.Options{
		View: view.Options{FetchTimeout: 5 * time.Second, EnableSelection: true},
	})
	srv := httptest.NewServer(server.NewMux(server.Deps{
		Sessions:    sessions,
		Store:       store,
		Publisher:   pub,
		JWKS:        jwks.NewClient(jwksURL),
		JWTIssuer:   testIssuer,
		JWTAudience: testAudience,
	}))
	t.Cleanup(func() {
		srv.Close()
		sessions.Shutdown()
	})
	return &replica{srv: srv, sessions: sessions}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (rp *replica) do(t *testing.T, method, path, token string, body interface{}, out interface{}) (int, string) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, rp.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, ""
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: undecodable response: %v", method, path, err)
	}
	if env.Error != nil {
		return resp.StatusCode, env.Error.Code
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode, ""
}

// TestViewSurvivesReplicaHandoff opens a view on one replica and keeps
// working with it on another.
func TestViewSurvivesReplicaHandoff(t *testing.T) {
	idp := newIdentityProvider(t)
	api := httptest.NewServer(conformance.NewPatchAPI(45))
	defer api.Close()

	store := newStore(t)
	a := newReplica(t, store, api.URL, idp.srv.URL, nil)
	b := newReplica(t, store, api.URL, idp.srv.URL, nil)
	tok := idp.token(t, testKeyID, nil, nil)

	var opened struct {
		ViewID string     `json:"viewId"`
		Props  view.Props `json:"props"`
	}
	status, code := a.do(t, "POST", "/v1/views?wait=true", tok, map[string]string{"collection": view.CollectionPackageSystems, "resourceId": "openssl"}, &opened)
	if status != http.StatusCreated {
		t.Fatalf("open: got %v (%s) want %v", status, code, http.StatusCreated)
	}
	base := "/v1/views/" + opened.ViewID

	var props view.Props
	if status, code := a.do(t, "POST", base+"/page?wait=true", tok, map[string]int{"page": 2}, &props); status != http.StatusOK {
		t.Fatalf("page: got %v (%s)", status, code)
	}
	if status, code := a.do(t, "POST", base+"/select", tok, map[string]interface{}{"event": "row", "selected": true, "rowIndex": 1}, &props); status != http.StatusOK {
		t.Fatalf("select: got %v (%s)", status, code)
	}
	selected := props.Items[1].ID

	// Replica b has never seen the view.
	if status, code := b.do(t, "GET", base+"?wait=true", tok, nil, &props); status != http.StatusOK {
		t.Fatalf("get on second replica: got %v (%s)", status, code)
	}
	if props.Page != 2 || !props.Items[1].Selected || props.Items[1].ID != selected {
		t.Errorf("rehydrated view: page %d, row 1 = %s selected %v; want page 2, %s selected", props.Page, props.Items[1].ID, props.Items[1].Selected, selected)
	}
	if props.BulkSelect == nil || props.BulkSelect.Count != 1 {
		t.Errorf("rehydrated bulk state = %+v, want count 1", props.BulkSelect)
	}

	var rem struct {
		Remediation view.Remediation `json:"remediation"`
	}
	if status, code := b.do(t, "POST", base+"/remediate", tok, nil, &rem); status != http.StatusOK {
		t.Fatalf("remediate: got %v (%s)", status, code)
	}
	if ids := rem.Remediation.SystemIDs(); len(ids) != 1 || ids[0] != selected {
		t.Errorf("remediation systems = %v, want [%s]", ids, selected)
	}

	other := idp.token(t, testKeyID, nil, jwt.MapClaims{"sub": "user-2"})
	if status, code := b.do(t, "GET", base, other, nil, nil); status != http.StatusForbidden || code != "PV_AUTHZ" {
		t.Errorf("foreign owner: got %v (%s) want 403 PV_AUTHZ", status, code)
	}

	if status, _ := b.do(t, "DELETE", base, tok, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete: got %v want %v", status, http.StatusNoContent)
	}
	if status, code := b.do(t, "GET", base, tok, nil, nil); status != http.StatusNotFound || code != "PV_NOT_FOUND" {
		t.Errorf("after delete: got %v (%s) want 404 PV_NOT_FOUND", status, code)
	}
}

// TestJWTValidation tests JWT validation against a remote key set.
func TestJWTValidation(t *testing.T) {
	idp := newIdentityProvider(t)
	api := httptest.NewServer(conformance.NewPatchAPI(5))
	defer api.Close()
	rp := newReplica(t, storage.NewMemory(), api.URL, idp.srv.URL, nil)

	_, strangerKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"Valid", idp.token(t, testKeyID, nil, nil), http.StatusOK, ""},
		{"InvalidIssuer", idp.token(t, testKeyID, nil, jwt.MapClaims{"iss": "invalid-issuer"}), http.StatusUnauthorized, "PV_JWT_INVALID"},
		{"InvalidAudience", idp.token(t, testKeyID, nil, jwt.MapClaims{"aud": "invalid-audience"}), http.StatusUnauthorized, "PV_JWT_INVALID"},
		{"UnknownKey", idp.token(t, "rotated-key", nil, nil), http.StatusUnauthorized, "PV_JWT_INVALID"},
		{"WrongSignature", idp.token(t, testKeyID, strangerKey, nil), http.StatusUnauthorized, "PV_JWT_INVALID"},
		{"Expired", idp.token(t, testKeyID, nil, jwt.MapClaims{"exp": float64(time.Now().Add(-time.Minute).Unix())}), http.StatusUnauthorized, "PV_JWT_EXPIRED"},
		{"Garbage", "not-a-jwt", http.StatusUnauthorized, "PV_JWT_MALFORMED"},
		{"ScopeClaim", idp.token(t, testKeyID, nil, jwt.MapClaims{"permissions": nil, "scope": "openid " + view.ReadPermission}), http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := rp.do(t, "GET", "/v1/collections", tt.token, nil, nil)
			if status != tt.status || code != tt.code {
				t.Errorf("got %v (%s) want %v (%s)", status, code, tt.status, tt.code)
			}
		})
	}
}

// TestKeySetOutage tests that an unreachable key set is reported as unavailable.
func TestKeySetOutage(t *testing.T) {
	idp := newIdentityProvider(t)
	api := httptest.NewServer(conformance.NewPatchAPI(5))
	defer api.Close()
	tok := idp.token(t, testKeyID, nil, nil)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	rp := newReplica(t, storage.NewMemory(), api.URL, down.URL, nil)

	if status, code := rp.do(t, "GET", "/v1/collections", tok, nil, nil); status != http.StatusServiceUnavailable || code != "PV_UNAVAILABLE" {
		t.Errorf("got %v (%s) want 503 PV_UNAVAILABLE", status, code)
	}
}

// TestRemediationOverNATS publishes a remediation through a real JetStream
// server. It runs only when PATCHVIEW_TEST_NATS_URL is set.
func TestRemediationOverNATS(t *testing.T) {
	natsURL := os.Getenv("PATCHVIEW_TEST_NATS_URL")
	if natsURL == "" {
		t.Skip("PATCHVIEW_TEST_NATS_URL not set")
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(event.SubjectRemediationRequested)
	if err != nil {
		t.Fatal(err)
	}

	pub := event.NewPublisher(natsURL, slog.Default())
	defer pub.Close()

	idp := newIdentityProvider(t)
	api := httptest.NewServer(conformance.NewPatchAPI(10))
	defer api.Close()
	rp := newReplica(t, storage.NewMemory(), api.URL, idp.srv.URL, pub)
	tok := idp.token(t, testKeyID, nil, nil)

	var opened struct {
		ViewID string `json:"viewId"`
	}
	if status, code := rp.do(t, "POST", "/v1/views?wait=true", tok, map[string]string{"collection": view.CollectionPackageSystems, "resourceId": "bash"}, &opened); status != http.StatusCreated {
		t.Fatalf("open: got %v (%s)", status, code)
	}
	base := "/v1/views/" + opened.ViewID
	if status, code := rp.do(t, "POST", base+"/select", tok, map[string]interface{}{"event": "page"}, nil); status != http.StatusOK {
		t.Fatalf("select page: got %v (%s)", status, code)
	}

	var rem struct {
		Published bool `json:"published"`
	}
	if status, code := rp.do(t, "POST", base+"/remediate", tok, nil, &rem); status != http.StatusOK || !rem.Published {
		t.Fatalf("remediate: got %v (%s) published %v", status, code, rem.Published)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no remediation event received: %v", err)
	}
	var env event.EventEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != event.SubjectRemediationRequested || env.CorrelationID == "" {
		t.Errorf("envelope = %+v", env)
	}

	// The same request again is suppressed.
	if status, _ := rp.do(t, "POST", base+"/remediate", tok, nil, &rem); status != http.StatusOK || rem.Published {
		t.Errorf("repeat remediate: got %v published %v, want suppressed", status, rem.Published)
	}
}
