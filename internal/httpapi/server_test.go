package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bonito/internal/audit"
	"bonito/internal/auth"
	"bonito/internal/cache"
	"bonito/internal/config"
	"bonito/internal/crypto"
	"bonito/internal/domain"
	"bonito/internal/gateway"
	"bonito/internal/provider"
	"bonito/internal/storage/postgres"
)

type fakeStore struct {
	mu          sync.Mutex
	orgs        map[string]*domain.Organization
	users       map[string]*domain.User
	keys        map[string]*domain.GatewayKey
	policies    map[string]*domain.RoutingPolicy
	providers   []*domain.CloudProvider
	models      []*domain.Model
	deployments []*domain.Deployment
	requests    []*domain.GatewayRequest
	configs     map[string]*domain.GatewayConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgs:     map[string]*domain.Organization{},
		users:    map[string]*domain.User{},
		keys:     map[string]*domain.GatewayKey{},
		policies: map[string]*domain.RoutingPolicy{},
		configs:  map[string]*domain.GatewayConfig{},
	}
}

func (s *fakeStore) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	if org, ok := s.orgs[id]; ok {
		return org, nil
	}
	return nil, domain.ErrRecordNotFound
}

func (s *fakeStore) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, domain.ErrRecordNotFound
}

func (s *fakeStore) CreateKey(_ context.Context, k *domain.GatewayKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.ID = "key-" + k.KeyPrefix
	k.CreatedAt = time.Now()
	s.keys[k.ID] = k
	return nil
}

func (s *fakeStore) ListKeys(_ context.Context, orgID string) ([]*domain.GatewayKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.GatewayKey
	for _, k := range s.keys {
		if k.OrgID == orgID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeStore) RevokeKey(_ context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.OrgID != orgID || k.Revoked() {
		return domain.ErrRecordNotFound
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}

func (s *fakeStore) ListRequests(_ context.Context, orgID string, _ postgres.RequestFilter) ([]*domain.GatewayRequest, error) {
	return s.requests, nil
}

func (s *fakeStore) UsageSummary(_ context.Context, _ string, _, _ time.Time) ([]postgres.ModelUsage, error) {
	return []postgres.ModelUsage{{Model: "gpt-4o", Provider: "azure", Requests: 2,
		InputTokens: 300, OutputTokens: 120, Cost: 0.02, MarkedUpCost: 0.0266}}, nil
}

func (s *fakeStore) UsageByDay(_ context.Context, _ string, _, _ time.Time) ([]postgres.DailyUsage, error) {
	return []postgres.DailyUsage{{Day: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Requests: 2, InputTokens: 300, OutputTokens: 120, Cost: 0.02, MarkedUpCost: 0.0266}}, nil
}

func (s *fakeStore) GetConfig(_ context.Context, orgID string) (*domain.GatewayConfig, error) {
	if cfg, ok := s.configs[orgID]; ok {
		return cfg, nil
	}
	return nil, domain.ErrRecordNotFound
}

func (s *fakeStore) UpsertConfig(_ context.Context, cfg *domain.GatewayConfig) error {
	s.configs[cfg.OrgID] = cfg
	return nil
}

func (s *fakeStore) CreatePolicy(_ context.Context, p *domain.RoutingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = "pol-" + p.Name
	p.CreatedAt = time.Now()
	s.policies[p.ID] = p
	return nil
}

func (s *fakeStore) GetPolicy(_ context.Context, orgID, id string) (*domain.RoutingPolicy, error) {
	if p, ok := s.policies[id]; ok && p.OrgID == orgID {
		return p, nil
	}
	return nil, domain.ErrRecordNotFound
}

func (s *fakeStore) ListPolicies(_ context.Context, orgID string) ([]*domain.RoutingPolicy, error) {
	var out []*domain.RoutingPolicy
	for _, p := range s.policies {
		if p.OrgID == orgID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdatePolicy(_ context.Context, p *domain.RoutingPolicy) error {
	if _, ok := s.policies[p.ID]; !ok {
		return domain.ErrRecordNotFound
	}
	s.policies[p.ID] = p
	return nil
}

func (s *fakeStore) DeletePolicy(_ context.Context, orgID, id string) error {
	if p, ok := s.policies[id]; !ok || p.OrgID != orgID {
		return domain.ErrRecordNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *fakeStore) CreateProvider(_ context.Context, p *domain.CloudProvider) error {
	p.ID = "prov-" + p.ProviderType
	p.CreatedAt = time.Now()
	s.providers = append(s.providers, p)
	return nil
}

func (s *fakeStore) ListProviders(_ context.Context, orgID string) ([]*domain.CloudProvider, error) {
	return s.providers, nil
}

func (s *fakeStore) ListModels(_ context.Context, orgID string) ([]*domain.Model, error) {
	return s.models, nil
}

func (s *fakeStore) UpsertModel(_ context.Context, m *domain.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.models {
		if existing.ProviderID == m.ProviderID && existing.ModelID == m.ModelID {
			m.ID = existing.ID
			s.models[i] = m
			return nil
		}
	}
	m.ID = "model-" + m.ModelID
	m.CreatedAt = time.Now()
	s.models = append(s.models, m)
	return nil
}

func (s *fakeStore) UpsertDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.deployments {
		if existing.ProviderID == d.ProviderID && existing.ModelID == d.ModelID {
			d.ID = existing.ID
			s.deployments[i] = d
			return nil
		}
	}
	d.ID = "dep-" + d.ModelID
	d.CreatedAt = time.Now()
	s.deployments = append(s.deployments, d)
	return nil
}

func (s *fakeStore) ListDeployments(_ context.Context, orgID string) ([]*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Deployment
	for _, d := range s.deployments {
		if d.OrgID == orgID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) ListAuditLogs(_ context.Context, _ string, _ time.Time, _ int) ([]*domain.AuditLog, error) {
	return nil, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

// fakeCatalogAdapter serves a scripted upstream model list.
type fakeCatalogAdapter struct {
	models []provider.ModelInfo
	err    error
}

func (a *fakeCatalogAdapter) ValidateCredentials(context.Context) (*provider.Validation, error) {
	return &provider.Validation{Valid: true}, nil
}

func (a *fakeCatalogAdapter) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return a.models, a.err
}

func (a *fakeCatalogAdapter) Invoke(context.Context, *provider.Request) (*provider.Result, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeCatalogAdapter) InvokeStream(context.Context, *provider.Request) (<-chan provider.Chunk, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeCatalogAdapter) GetCosts(context.Context, time.Time, time.Time) (*provider.CostReport, error) {
	return &provider.CostReport{Currency: "USD"}, nil
}

func (a *fakeCatalogAdapter) HealthCheck(context.Context) (*provider.Health, error) {
	return &provider.Health{Healthy: true}, nil
}

// fakeAuditWriter collects audit rows in memory.
type fakeAuditWriter struct {
	mu   sync.Mutex
	rows []*domain.AuditLog
}

func (w *fakeAuditWriter) InsertAuditLog(_ context.Context, l *domain.AuditLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, l)
	return nil
}

// fakePipeline scripts the gateway behind the wire handlers.
type fakePipeline struct {
	admitErr    error
	session     *gateway.Session
	result      *provider.Result
	completeErr error
	chunks      []string
	streamErr   error
}

func (p *fakePipeline) Admit(_ context.Context, token, model string) (*gateway.Session, error) {
	if p.admitErr != nil {
		return nil, p.admitErr
	}
	return p.session, nil
}

func (p *fakePipeline) Complete(_ context.Context, _ *gateway.Session, _ *provider.Request) (*provider.Result, error) {
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	return p.result, nil
}

func (p *fakePipeline) Stream(_ context.Context, _ *gateway.Session, _ *provider.Request) (<-chan provider.Chunk, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	out := make(chan provider.Chunk, len(p.chunks))
	for _, c := range p.chunks {
		out <- provider.Chunk{Data: c}
	}
	close(out)
	return out, nil
}

type fixture struct {
	server    *Server
	store     *fakeStore
	pipeline  *fakePipeline
	tokens    *auth.TokenService
	user      *domain.User
	auditor   *audit.Service
	auditRows *fakeAuditWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	store := newFakeStore()

	org := &domain.Organization{ID: "org1", Name: "acme", Tier: domain.TierPro, Status: "active"}
	store.orgs[org.ID] = org

	hashed, err := auth.HashPassword("hunter2!")
	if err != nil {
		t.Fatal(err)
	}
	user := &domain.User{ID: "user1", OrgID: org.ID, Email: "ops@acme.test",
		HashedPassword: hashed, Role: domain.RoleAdmin}
	store.users[user.ID] = user

	mem := cache.NewMemory()
	tokens, err := auth.NewTokenService("test-secret", mem)
	if err != nil {
		t.Fatal(err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	vault, err := crypto.NewVault(key)
	if err != nil {
		t.Fatal(err)
	}

	pipeline := &fakePipeline{
		session: &gateway.Session{
			Key: &domain.GatewayKey{ID: "key1", OrgID: org.ID, KeyPrefix: "bn-abcdefghi"},
			Org: org,
		},
	}

	auditRows := &fakeAuditWriter{}
	auditor := audit.NewService(auditRows)

	server := NewServer(cfg, Deps{
		Store:    store,
		Pipeline: pipeline,
		Tokens:   tokens,
		Vault:    vault,
		Cache:    mem,
		Audit:    auditor,
	})
	return &fixture{server: server, store: store, pipeline: pipeline, tokens: tokens,
		user: user, auditor: auditor, auditRows: auditRows}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	return rr
}

func (f *fixture) sessionToken(t *testing.T) string {
	t.Helper()
	pair, err := f.tokens.Issue(context.Background(), f.user)
	if err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v\nbody: %s", err, rr.Body.String())
	}
	return env
}

func TestWireAPI(t *testing.T) {
	t.Run("missing key returns envelope with request id", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodPost, "/v1/chat/completions", "",
			map[string]any{"model": "gpt-4o", "messages": []map[string]string{{"role": "user", "content": "hi"}}})

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
		env := decodeEnvelope(t, rr)
		if env.Success || env.Error == nil || env.Error.Code != "invalid_key" {
			t.Errorf("envelope = %+v", env)
		}
		if env.RequestID == "" {
			t.Error("request_id missing from error envelope")
		}
	})

	t.Run("completion body passes through verbatim", func(t *testing.T) {
		f := newFixture(t)
		f.pipeline.result = &provider.Result{
			Body: json.RawMessage(`{"id":"chatcmpl-1","choices":[{"message":{"content":"hello"}}]}`),
		}

		rr := f.do(t, http.MethodPost, "/v1/chat/completions", "bn-sometoken",
			map[string]any{"model": "gpt-4o", "messages": []map[string]string{{"role": "user", "content": "hi"}}})

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}
		if got := rr.Body.String(); got != `{"id":"chatcmpl-1","choices":[{"message":{"content":"hello"}}]}` {
			t.Errorf("body = %s", got)
		}
	})

	t.Run("missing model is a validation error", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodPost, "/v1/chat/completions", "bn-sometoken",
			map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}})

		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rr.Code)
		}
		env := decodeEnvelope(t, rr)
		if env.Error.Field != "model" {
			t.Errorf("field = %q, want model", env.Error.Field)
		}
	})

	t.Run("rate limit rejection sets Retry-After", func(t *testing.T) {
		f := newFixture(t)
		f.pipeline.admitErr = &gateway.RateLimitError{
			APIError:   domain.ErrRateLimited("rate limit exceeded for this key"),
			RetryAfter: 17 * time.Second,
		}

		rr := f.do(t, http.MethodPost, "/v1/chat/completions", "bn-sometoken",
			map[string]any{"model": "gpt-4o", "messages": []map[string]string{{"role": "user", "content": "hi"}}})

		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rr.Code)
		}
		if got := rr.Header().Get("Retry-After"); got != "17" {
			t.Errorf("Retry-After = %q, want 17", got)
		}
	})

	t.Run("revoked key attempt is audited", func(t *testing.T) {
		f := newFixture(t)
		f.pipeline.admitErr = &auth.RevokedKeyError{
			APIError: domain.ErrInvalidKey("API key has been revoked"),
			OrgID:    "org1",
			KeyID:    "key1",
		}

		rr := f.do(t, http.MethodPost, "/v1/chat/completions", "bn-sometoken",
			map[string]any{"model": "gpt-4o", "messages": []map[string]string{{"role": "user", "content": "hi"}}})

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
		env := decodeEnvelope(t, rr)
		if env.Error.Code != "invalid_key" {
			t.Errorf("code = %s", env.Error.Code)
		}

		f.auditor.Close()
		rows := f.auditRows.rows
		if len(rows) != 1 {
			t.Fatalf("audit rows = %d, want 1", len(rows))
		}
		row := rows[0]
		if row.OrgID != "org1" || row.Action != "invoke" || row.ResourceType != "model" || row.ResourceID != "gpt-4o" {
			t.Errorf("audit row = %+v", row)
		}
		if row.Details["status_code"] != http.StatusUnauthorized {
			t.Errorf("status_code = %v", row.Details["status_code"])
		}
	})

	t.Run("streaming emits SSE frames and DONE", func(t *testing.T) {
		f := newFixture(t)
		f.pipeline.chunks = []string{`{"choices":[{"delta":{"content":"a"}}]}`, `{"choices":[{"delta":{"content":"b"}}]}`}

		rr := f.do(t, http.MethodPost, "/v1/chat/completions", "bn-sometoken",
			map[string]any{"model": "gpt-4o", "stream": true,
				"messages": []map[string]string{{"role": "user", "content": "hi"}}})

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("content type = %q", ct)
		}
		body := rr.Body.String()
		if !strings.Contains(body, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n") {
			t.Errorf("first frame missing: %s", body)
		}
		if !strings.HasSuffix(body, "data: [DONE]\n\n") {
			t.Errorf("missing DONE terminator: %s", body)
		}
	})

	t.Run("oversized body is rejected with 413", func(t *testing.T) {
		f := newFixture(t)
		f.server.cfg.Server.MaxRequestSize = 64

		big := strings.Repeat("x", 200)
		rr := f.do(t, http.MethodPost, "/v1/chat/completions", "bn-sometoken",
			map[string]any{"model": "gpt-4o", "messages": []map[string]string{{"role": "user", "content": big}}})

		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", rr.Code)
		}
	})

	t.Run("models listing uses OpenAI list form", func(t *testing.T) {
		f := newFixture(t)
		f.store.models = []*domain.Model{
			{ModelID: "gpt-4o", CreatedAt: time.Unix(1700000000, 0)},
		}

		rr := f.do(t, http.MethodGet, "/v1/models", "bn-sometoken", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var list struct {
			Object string       `json:"object"`
			Data   []modelEntry `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
			t.Fatal(err)
		}
		if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "gpt-4o" {
			t.Errorf("list = %+v", list)
		}
	})
}

func TestManagementAPI(t *testing.T) {
	t.Run("rejects requests without a session", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodGet, "/api/gateway/keys", "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("key creation returns plaintext once", func(t *testing.T) {
		f := newFixture(t)
		token := f.sessionToken(t)

		rr := f.do(t, http.MethodPost, "/api/gateway/keys", token,
			map[string]any{"name": "ci", "rate_limit": 120})
		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Data createKeyResponse `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(resp.Data.Plaintext, "bn-") {
			t.Errorf("plaintext = %q, want bn- prefix", resp.Data.Plaintext)
		}
		if resp.Data.Key.KeyPrefix != resp.Data.Plaintext[:len(resp.Data.Key.KeyPrefix)] {
			t.Errorf("prefix %q does not match plaintext %q", resp.Data.Key.KeyPrefix, resp.Data.Plaintext)
		}

		rr = f.do(t, http.MethodGet, "/api/gateway/keys", token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("list status = %d", rr.Code)
		}
		if strings.Contains(rr.Body.String(), resp.Data.Plaintext) {
			t.Error("plaintext leaked into key listing")
		}
	})

	t.Run("revoking an unknown key is 404", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodDelete, "/api/gateway/keys/nope", f.sessionToken(t), nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("policy validation rejects one-model failover", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodPost, "/api/routing/policies", f.sessionToken(t),
			map[string]any{
				"name":           "bad",
				"strategy":       "failover",
				"api_key_prefix": "bn-abcdefghi",
				"models":         []map[string]any{{"model_id": "gpt-4o", "role": "primary"}},
			})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("routing policies are gated by tier", func(t *testing.T) {
		f := newFixture(t)
		f.store.orgs["org1"].Tier = domain.TierFree

		rr := f.do(t, http.MethodPost, "/api/routing/policies", f.sessionToken(t),
			map[string]any{
				"name":           "p",
				"strategy":       "cost_optimized",
				"api_key_prefix": "bn-abcdefghi",
				"models":         []map[string]any{{"model_id": "gpt-4o", "role": "primary"}},
			})
		if rr.Code != http.StatusPaymentRequired {
			t.Fatalf("status = %d, want 402", rr.Code)
		}
		env := decodeEnvelope(t, rr)
		if env.Error.Code != "upgrade_required" {
			t.Errorf("code = %s", env.Error.Code)
		}
	})

	t.Run("valid policy round-trips", func(t *testing.T) {
		f := newFixture(t)
		token := f.sessionToken(t)

		rr := f.do(t, http.MethodPost, "/api/routing/policies", token,
			map[string]any{
				"name":           "split",
				"strategy":       "ab_test",
				"api_key_prefix": "bn-abcdefghi",
				"is_active":      true,
				"models": []map[string]any{
					{"model_id": "gpt-4o", "role": "primary", "weight": 70},
					{"model_id": "claude-3-5-sonnet", "role": "primary", "weight": 30},
				},
			})
		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}

		rr = f.do(t, http.MethodGet, "/api/routing/policies", token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("list status = %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"split"`) {
			t.Errorf("listing missing policy: %s", rr.Body.String())
		}
	})

	t.Run("policy update accepts PATCH", func(t *testing.T) {
		f := newFixture(t)
		token := f.sessionToken(t)

		body := map[string]any{
			"name":           "split",
			"strategy":       "ab_test",
			"api_key_prefix": "bn-abcdefghi",
			"models": []map[string]any{
				{"model_id": "gpt-4o", "role": "primary", "weight": 50},
				{"model_id": "claude-3-5-sonnet", "role": "primary", "weight": 50},
			},
		}
		rr := f.do(t, http.MethodPost, "/api/routing/policies", token, body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
		}

		body["models"] = []map[string]any{
			{"model_id": "gpt-4o", "role": "primary", "weight": 90},
			{"model_id": "claude-3-5-sonnet", "role": "primary", "weight": 10},
		}
		rr = f.do(t, http.MethodPatch, "/api/routing/policies/pol-split", token, body)
		if rr.Code != http.StatusOK {
			t.Fatalf("patch status = %d, body %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("usage rollup carries totals and daily buckets", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodGet, "/api/gateway/usage", f.sessionToken(t), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Data struct {
				TotalRequests     int64                 `json:"total_requests"`
				TotalInputTokens  int64                 `json:"total_input_tokens"`
				TotalOutputTokens int64                 `json:"total_output_tokens"`
				TotalCost         float64               `json:"total_cost"`
				ByModel           []postgres.ModelUsage `json:"by_model"`
				ByDay             []postgres.DailyUsage `json:"by_day"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		d := resp.Data
		if d.TotalRequests != 2 || d.TotalInputTokens != 300 || d.TotalOutputTokens != 120 {
			t.Errorf("totals = %+v", d)
		}
		if len(d.ByModel) != 1 || len(d.ByDay) != 1 {
			t.Errorf("by_model = %d rows, by_day = %d rows", len(d.ByModel), len(d.ByDay))
		}
	})

	t.Run("request log validates the from alias", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodGet, "/api/gateway/requests?from=not-a-time", f.sessionToken(t), nil)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rr.Code)
		}
		env := decodeEnvelope(t, rr)
		if env.Error.Field != "since" {
			t.Errorf("field = %q, want since", env.Error.Field)
		}
	})

	t.Run("config update validates strategy", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodPut, "/api/gateway/config", f.sessionToken(t),
			map[string]any{"routing_strategy": "vibes"})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rr.Code)
		}
	})
}

func TestAuthEndpoints(t *testing.T) {
	t.Run("login issues a usable session", func(t *testing.T) {
		f := newFixture(t)
		rr := f.do(t, http.MethodPost, "/api/auth/login", "",
			map[string]string{"email": "ops@acme.test", "password": "hunter2!"})
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Data struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Data.AccessToken == "" || resp.Data.RefreshToken == "" {
			t.Fatal("missing tokens in login response")
		}

		rr = f.do(t, http.MethodGet, "/api/gateway/keys", resp.Data.AccessToken, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("authenticated request status = %d", rr.Code)
		}

		rr = f.do(t, http.MethodPost, "/api/auth/refresh", "",
			map[string]string{"refresh_token": resp.Data.RefreshToken})
		if rr.Code != http.StatusOK {
			t.Errorf("refresh status = %d, body %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("wrong password and unknown email are indistinguishable", func(t *testing.T) {
		f := newFixture(t)

		bad := f.do(t, http.MethodPost, "/api/auth/login", "",
			map[string]string{"email": "ops@acme.test", "password": "wrong"})
		unknown := f.do(t, http.MethodPost, "/api/auth/login", "",
			map[string]string{"email": "ghost@acme.test", "password": "wrong"})

		if bad.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
			t.Fatalf("statuses = %d, %d, want 401 both", bad.Code, unknown.Code)
		}
		badEnv, unknownEnv := decodeEnvelope(t, bad), decodeEnvelope(t, unknown)
		if badEnv.Error.Message != unknownEnv.Error.Message {
			t.Errorf("messages differ: %q vs %q", badEnv.Error.Message, unknownEnv.Error.Message)
		}
	})
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/api/health/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body %s", rr.Code, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if !env.Success {
		t.Errorf("ready envelope = %+v", env)
	}
}

func TestProviderConnect(t *testing.T) {
	f := newFixture(t)

	// Unknown provider types fail before any credential handling.
	rr := f.do(t, http.MethodPost, "/api/providers/connect", f.sessionToken(t),
		map[string]any{"provider_type": "carrier-pigeon", "credentials": map[string]string{"api_key": "x"}})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/api/providers/connect", f.sessionToken(t),
		map[string]any{"provider_type": "openai"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing credentials status = %d", rr.Code)
	}
}

func TestCatalogSync(t *testing.T) {
	f := newFixture(t)
	prov := &domain.CloudProvider{
		ID: "prov-x", OrgID: "org1", ProviderType: "openai", Status: domain.ProviderActive,
	}
	adapter := &fakeCatalogAdapter{models: []provider.ModelInfo{
		{ModelID: "gpt-4o", DisplayName: "GPT-4o", ContextWindow: 128000, StreamingSupported: true},
		{ModelID: "gpt-4o-mini", DisplayName: "GPT-4o mini", ContextWindow: 128000, StreamingSupported: true},
	}}

	f.server.syncCatalog(context.Background(), "org1", prov, adapter)

	if len(f.store.models) != 2 {
		t.Fatalf("models = %d, want 2", len(f.store.models))
	}
	if len(f.store.deployments) != 2 {
		t.Fatalf("deployments = %d, want 2", len(f.store.deployments))
	}
	for _, d := range f.store.deployments {
		if d.OrgID != "org1" || d.ProviderID != "prov-x" || d.Status != "active" {
			t.Errorf("deployment = %+v", d)
		}
	}

	// Re-sync is idempotent per (provider, model).
	f.server.syncCatalog(context.Background(), "org1", prov, adapter)
	if len(f.store.deployments) != 2 {
		t.Errorf("deployments after re-sync = %d, want 2", len(f.store.deployments))
	}

	rr := f.do(t, http.MethodGet, "/api/deployments", f.sessionToken(t), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"gpt-4o-mini"`) {
		t.Errorf("listing missing deployment: %s", rr.Body.String())
	}
}

func TestProviderQuota(t *testing.T) {
	f := newFixture(t)
	// Free tier caps at one connected provider.
	f.store.orgs["org1"].Tier = domain.TierFree
	f.store.providers = []*domain.CloudProvider{
		{ID: "prov-1", OrgID: "org1", ProviderType: "openai", Status: domain.ProviderActive},
	}

	rr := f.do(t, http.MethodPost, "/api/providers/connect", f.sessionToken(t),
		map[string]any{"provider_type": "openai", "credentials": map[string]string{"api_key": "sk-x"}})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body %s", rr.Code, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if env.Error.Code != "upgrade_required" {
		t.Errorf("code = %s", env.Error.Code)
	}
}
