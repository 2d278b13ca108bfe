// Package conformance provides a black-box harness that runs the patchview
// service against an in-process Patch API and JWKS endpoint and checks the
// view contract over HTTP.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/patchview-go/internal/event"
	"github.com/RegistryAccord/patchview-go/internal/fetch"
	"github.com/RegistryAccord/patchview-go/internal/jwks"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/patchapi"
	"github.com/RegistryAccord/patchview-go/internal/schema"
	"github.com/RegistryAccord/patchview-go/internal/server"
	"github.com/RegistryAccord/patchview-go/internal/session"
	"github.com/RegistryAccord/patchview-go/internal/storage"
	"github.com/RegistryAccord/patchview-go/internal/view"
)

// KeyID is the kid the harness signs tokens with.
const KeyID = "conformance-key"

// PatchAPI is an in-process stand-in for the remote Patch API. It applies
// filter, search, sort, limit and offset the way the real API does.
type PatchAPI struct {
	mu         sync.Mutex
	systems    []model.RemoteRow
	advisories []model.RemoteRow
	requests   []*url.URL
	failStatus int
	failDetail string
}

// NewPatchAPI creates a Patch API holding n systems and n advisories.
func NewPatchAPI(n int) *PatchAPI {
	p := &PatchAPI{}
	types := []string{"security", "bugfix", "enhancement"}
	for i := 0; i < n; i++ {
		p.systems = append(p.systems, model.RemoteRow{
			ID:   fmt.Sprintf("sys-%03d", i),
			Type: "system",
			Attributes: map[string]interface{}{
				"display_name":   fmt.Sprintf("host-%03d.example.com", i),
				"installed_evra": "1.1.1-1.el8",
				"available_evra": fmt.Sprintf("1.1.1-%d.el8", 8+i%2),
				"last_upload":    time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC).Format(time.RFC3339),
				"rhsa_count":     i % 4,
				"rhba_count":     i % 3,
				"rhea_count":     i % 2,
			},
		})
		p.advisories = append(p.advisories, model.RemoteRow{
			ID:   fmt.Sprintf("RHSA-2026:%04d", i),
			Type: "advisory",
			Attributes: map[string]interface{}{
				"public_date":        time.Date(2026, 1, 1+i%28, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
				"advisory_type":      types[i%len(types)],
				"applicable_systems": i,
				"synopsis":           fmt.Sprintf("Important: package-%d security update", i),
			},
		})
	}
	return p
}

// FailNext makes the next request answer with status and a {detail} body.
func (p *PatchAPI) FailNext(status int, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStatus, p.failDetail = status, detail
}

// LastRequest returns the most recent request URL.
func (p *PatchAPI) LastRequest() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

// ServeHTTP implements http.Handler.
func (p *PatchAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r.URL)
	status, detail := p.failStatus, p.failDetail
	p.failStatus, p.failDetail = 0, ""
	var rows []model.RemoteRow
	switch {
	case r.URL.Path == "/advisories":
		rows = slices.Clone(p.advisories)
	case r.URL.Path == "/systems", strings.HasPrefix(r.URL.Path, "/packages/") && strings.HasSuffix(r.URL.Path, "/systems"):
		rows = slices.Clone(p.systems)
	default:
		status, detail = http.StatusNotFound, "no such collection"
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
		return
	}

	q := r.URL.Query()
	rows = filterRows(rows, q)
	sortKey := q.Get("sort")
	if sortKey != "" {
		desc := strings.HasPrefix(sortKey, "-")
		key := strings.TrimPrefix(sortKey, "-")
		slices.SortStableFunc(rows, func(a, b model.RemoteRow) int {
			c := strings.Compare(attrString(a, key), attrString(b, key))
			if desc {
				return -c
			}
			return c
		})
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	total := len(rows)
	start := min(offset, total)
	end := min(start+limit, total)

	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data: rows[start:end],
		Meta: model.ListMeta{TotalItems: total, Limit: limit, Offset: offset, Sort: sortKey},
	})
}

func attrString(row model.RemoteRow, key string) string {
	if key == "id" {
		return row.ID
	}
	v := row.Attr(key)
	if n, ok := v.(int); ok {
		return fmt.Sprintf("%010d", n)
	}
	return fmt.Sprint(v)
}

// filterRows applies filter[f]=v, filter[f]=in:a,b and search.
func filterRows(rows []model.RemoteRow, q url.Values) []model.RemoteRow {
	search := strings.ToLower(q.Get("search"))
	out := rows[:0]
	for _, row := range rows {
		keep := true
		for k, vs := range q {
			if !strings.HasPrefix(k, "filter[") || len(vs) == 0 {
				continue
			}
			field := strings.TrimSuffix(strings.TrimPrefix(k, "filter["), "]")
			accepted := []string{vs[0]}
			if rest, ok := strings.CutPrefix(vs[0], "in:"); ok {
				accepted = strings.Split(rest, ",")
			}
			if !slices.Contains(accepted, attrString(row, field)) {
				keep = false
			}
		}
		if keep && search != "" {
			name := strings.ToLower(row.ID + " " + fmt.Sprint(row.Attr("display_name")) + " " + fmt.Sprint(row.Attr("synopsis")))
			keep = strings.Contains(name, search)
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

// RecordingPublisher implements event.Publisher and keeps every request.
type RecordingPublisher struct {
	mu   sync.Mutex
	reqs []event.RemediationRequested
}

// PublishRemediationRequested implements event.Publisher.
func (p *RecordingPublisher) PublishRemediationRequested(ctx context.Context, req event.RemediationRequested) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return true, nil
}

// Close implements event.Publisher.
func (p *RecordingPublisher) Close() error { return nil }

// Requests returns the published requests.
func (p *RecordingPublisher) Requests() []event.RemediationRequested {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.reqs)
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// Rows is the number of systems and advisories the Patch API holds
	Rows int

	// EnableRemediation turns on selection and remediation
	EnableRemediation bool

	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string
}

// Harness runs the service and its collaborators in process.
type Harness struct {
	cfg       Config
	api       *httptest.Server
	keys      *httptest.Server
	server    *httptest.Server
	priv      ed25519.PrivateKey
	sessions  *session.Manager
	Patch     *PatchAPI
	Publisher *RecordingPublisher
	Store     storage.Store
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.Rows == 0 {
		cfg.Rows = 45
	}

	pubKey, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	keys := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{{
			Kty: "OKP", Kid: KeyID, Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pubKey),
		}}})
	}))

	patch := NewPatchAPI(cfg.Rows)
	api := httptest.NewServer(patch)

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	client, err := patchapi.New(api.URL, validator)
	if err != nil {
		return nil, err
	}

	store := storage.Instrument(storage.NewMemory())
	sessions := session.NewManager(store, client, session.Options{
		View: view.Options{FetchTimeout: 5 * time.Second, EnableSelection: cfg.EnableRemediation},
	})
	pub := &RecordingPublisher{}

	mux := server.NewMux(server.Deps{
		Sessions:    sessions,
		Store:       store,
		Publisher:   pub,
		JWKS:        jwks.NewClient(keys.URL),
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
	})

	return &Harness{
		cfg:       cfg,
		api:       api,
		keys:      keys,
		server:    httptest.NewServer(mux),
		priv:      priv,
		sessions:  sessions,
		Patch:     patch,
		Publisher: pub,
		Store:     store,
	}, nil
}

// URL returns the base URL of the service.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the servers and unmounts every view.
func (h *Harness) Close() {
	h.server.Close()
	h.sessions.Shutdown()
	h.api.Close()
	h.keys.Close()
}

// Token signs a token for sub carrying perms, valid for ttl from now.
func (h *Harness) Token(sub string, ttl time.Duration, perms ...string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss":         h.cfg.JWTIssuer,
		"aud":         h.cfg.JWTAudience,
		"sub":         sub,
		"iat":         time.Now().Unix(),
		"exp":         time.Now().Add(ttl).Unix(),
		"permissions": perms,
	})
	tok.Header["kid"] = KeyID
	return tok.SignedString(h.priv)
}

// Envelope is the service's response envelope.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// Do sends one request and decodes the envelope's data into out when the
// call succeeded.
func (h *Harness) Do(method, path, token string, body, out interface{}) (int, *Envelope, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var env Envelope
	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, &env, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("undecodable response: %w", err)
	}
	if out != nil && env.Error == nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, &env, err
		}
	}
	return resp.StatusCode, &env, nil
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Authentication", h.testAuthentication)
	t.Run("Pagination", h.testPagination)
	t.Run("Sorting", h.testSorting)
	t.Run("FilterChips", h.testFilterChips)
	t.Run("UpstreamFailure", h.testUpstreamFailure)
	if h.cfg.EnableRemediation {
		t.Run("SelectAll", h.testSelectAll)
	}
}

// open opens a view and waits for its first page.
func (h *Harness) open(t *testing.T, token, collection, resource string) (string, view.Props) {
	t.Helper()
	var out struct {
		ViewID string     `json:"viewId"`
		Props  view.Props `json:"props"`
	}
	status, env, err := h.Do("POST", "/v1/views?wait=true", token, map[string]string{"collection": collection, "resourceId": resource}, &out)
	if err != nil || status != http.StatusCreated {
		t.Fatalf("open %s: status %d, err %v, envelope %+v", collection, status, err, env)
	}
	return out.ViewID, out.Props
}

func (h *Harness) reader(t *testing.T) string {
	t.Helper()
	tok, err := h.Token("conformance-user", time.Hour, view.ReadPermission, view.RemediatePermission)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthentication tests token and permission enforcement.
func (h *Harness) testAuthentication(t *testing.T) {
	body := map[string]string{"collection": view.CollectionSystems}

	status, env, _ := h.Do("POST", "/v1/views", "", body, nil)
	if status != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "PV_AUTHN" {
		t.Errorf("no token: status %d, envelope %+v", status, env)
	}

	expired, _ := h.Token("conformance-user", -time.Minute, view.ReadPermission)
	status, env, _ = h.Do("POST", "/v1/views", expired, body, nil)
	if status != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "PV_JWT_EXPIRED" {
		t.Errorf("expired token: status %d, envelope %+v", status, env)
	}

	noPerms, _ := h.Token("conformance-user", time.Hour)
	status, env, _ = h.Do("POST", "/v1/views", noPerms, body, nil)
	if status != http.StatusForbidden || env.Error == nil || env.Error.Code != "PV_AUTHZ" {
		t.Errorf("no permissions: status %d, envelope %+v", status, env)
	}
}

// testPagination tests page navigation and the request window.
func (h *Harness) testPagination(t *testing.T) {
	tok := h.reader(t)
	id, props := h.open(t, tok, view.CollectionSystems, "")
	if props.Page != 1 || props.PerPage != 20 || props.Total != h.cfg.Rows || len(props.Items) != 20 {
		t.Fatalf("first page: page %d perPage %d total %d items %d", props.Page, props.PerPage, props.Total, len(props.Items))
	}

	lastPage := (h.cfg.Rows + 19) / 20
	status, _, err := h.Do("POST", "/v1/views/"+id+"/page?wait=true", tok, map[string]int{"page": lastPage}, &props)
	if err != nil || status != http.StatusOK {
		t.Fatalf("page: status %d, err %v", status, err)
	}
	if props.Page != lastPage || len(props.Items) != h.cfg.Rows-(lastPage-1)*20 {
		t.Errorf("last page: page %d with %d items", props.Page, len(props.Items))
	}
	q := h.Patch.LastRequest().Query()
	if q.Get("limit") != "20" || q.Get("offset") != strconv.Itoa((lastPage-1)*20) {
		t.Errorf("remote window = limit %s offset %s", q.Get("limit"), q.Get("offset"))
	}
}

// testSorting tests that a column sort reaches the remote API and the indicator follows it.
func (h *Harness) testSorting(t *testing.T) {
	tok := h.reader(t)
	id, props := h.open(t, tok, view.CollectionAdvisories, "")
	if props.SortBy == nil || props.SortBy.ColumnIndex != 1 || props.SortBy.Direction != "desc" {
		t.Errorf("default sort indicator = %+v, want publish date descending", props.SortBy)
	}

	status, _, err := h.Do("POST", "/v1/views/"+id+"/sort?wait=true", tok, map[string]interface{}{"index": 3, "direction": "asc"}, &props)
	if err != nil || status != http.StatusOK {
		t.Fatalf("sort: status %d, err %v", status, err)
	}
	if got := h.Patch.LastRequest().Query().Get("sort"); got != "applicable_systems" {
		t.Errorf("remote sort = %q, want applicable_systems", got)
	}
	if props.SortBy == nil || props.SortBy.ColumnIndex != 3 || props.SortBy.Direction != "asc" {
		t.Errorf("sort indicator = %+v", props.SortBy)
	}
	if props.Items[0].ID != "RHSA-2026:0000" {
		t.Errorf("first row = %s, want RHSA-2026:0000", props.Items[0].ID)
	}
}

// testFilterChips tests filters, search and chip removal.
func (h *Harness) testFilterChips(t *testing.T) {
	tok := h.reader(t)
	id, _ := h.open(t, tok, view.CollectionAdvisories, "")

	var props view.Props
	patch := map[string]interface{}{
		"filter": map[string][]string{"advisory_type": {"security", "bugfix"}},
		"search": "package-1",
	}
	status, _, err := h.Do("PATCH", "/v1/views/"+id+"/query?wait=true", tok, patch, &props)
	if err != nil || status != http.StatusOK {
		t.Fatalf("patch query: status %d, err %v", status, err)
	}
	q := h.Patch.LastRequest().Query()
	if q.Get("filter[advisory_type]") != "in:security,bugfix" || q.Get("search") != "package-1" || q.Get("offset") != "0" {
		t.Errorf("remote query = %v", q)
	}
	if n := len(props.ActiveFiltersConfig.Filters); n != 3 {
		t.Errorf("active chips = %d, want 3", n)
	}
	if len(props.Items) == 0 {
		t.Fatal("filtered page is empty")
	}
	for _, item := range props.Items {
		if typ := item.Cells[2]; typ != "security" && typ != "bugfix" {
			t.Errorf("row %s has type %v", item.ID, typ)
		}
	}

	status, _, err = h.Do("POST", "/v1/views/"+id+"/chips/delete?wait=true", tok, map[string]interface{}{"deleteAll": true}, &props)
	if err != nil || status != http.StatusOK {
		t.Fatalf("delete chips: status %d, err %v", status, err)
	}
	if len(props.ActiveFiltersConfig.Filters) != 0 || props.Total != h.cfg.Rows {
		t.Errorf("after delete all: %d chips, total %d", len(props.ActiveFiltersConfig.Filters), props.Total)
	}
}

// testUpstreamFailure tests that a failed fetch is reported in the props, not as a call failure.
func (h *Harness) testUpstreamFailure(t *testing.T) {
	tok := h.reader(t)
	id, _ := h.open(t, tok, view.CollectionSystems, "")

	h.Patch.FailNext(http.StatusServiceUnavailable, "inventory is down")
	var props view.Props
	status, _, err := h.Do("POST", "/v1/views/"+id+"/refresh?wait=true", tok, nil, &props)
	if err != nil || status != http.StatusOK {
		t.Fatalf("refresh: status %d, err %v", status, err)
	}
	if props.Error == nil || props.Error.Code != "PV_FETCH_FAILED" || props.Error.Detail != "inventory is down" {
		t.Errorf("error = %+v, want PV_FETCH_FAILED with remote detail", props.Error)
	}
	if props.Status != fetch.StatusRejected || len(props.Items) != 20 {
		t.Errorf("failed fetch: status %s with %d items, want previous page kept", props.Status, len(props.Items))
	}

	props = view.Props{}
	status, _, _ = h.Do("POST", "/v1/views/"+id+"/refresh?wait=true", tok, nil, &props)
	if status != http.StatusOK || props.Error != nil || len(props.Items) == 0 {
		t.Errorf("retry: status %d, error %+v, %d items", status, props.Error, len(props.Items))
	}
}

// testSelectAll tests select-all, select-none and remediation.
func (h *Harness) testSelectAll(t *testing.T) {
	tok := h.reader(t)
	id, _ := h.open(t, tok, view.CollectionPackageSystems, "openssl")

	var props view.Props
	status, _, err := h.Do("POST", "/v1/views/"+id+"/select?wait=true", tok, map[string]interface{}{"event": "all"}, &props)
	if err != nil || status != http.StatusOK {
		t.Fatalf("select all: status %d, err %v", status, err)
	}
	if props.BulkSelect == nil || props.BulkSelect.Count != h.cfg.Rows || props.BulkSelect.Checked == nil || !*props.BulkSelect.Checked {
		t.Fatalf("select all bulk state = %+v", props.BulkSelect)
	}

	var rem struct {
		Remediation view.Remediation `json:"remediation"`
		Published   bool             `json:"published"`
	}
	status, _, err = h.Do("POST", "/v1/views/"+id+"/remediate", tok, nil, &rem)
	if err != nil || status != http.StatusOK {
		t.Fatalf("remediate: status %d, err %v", status, err)
	}
	if len(rem.Remediation.Issues) != 2 || len(rem.Remediation.SystemIDs()) != h.cfg.Rows || !rem.Published {
		t.Errorf("remediation = %d issues over %d systems, published %v", len(rem.Remediation.Issues), len(rem.Remediation.SystemIDs()), rem.Published)
	}

	status, _, _ = h.Do("POST", "/v1/views/"+id+"/select", tok, map[string]interface{}{"event": "none"}, &props)
	if status != http.StatusOK || props.BulkSelect.Count != 0 || props.BulkSelect.Checked == nil || *props.BulkSelect.Checked {
		t.Errorf("select none bulk state = %+v", props.BulkSelect)
	}
}
