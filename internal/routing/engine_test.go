package routing

import (
	"context"
	"testing"

	"bonito/internal/cache"
	"bonito/internal/domain"
)

type fakeStore struct {
	policies  map[string]*domain.RoutingPolicy
	config    *domain.GatewayConfig
	providers []*domain.CloudProvider
	models    []*domain.Model
}

func (f *fakeStore) GetPolicyByKeyPrefix(_ context.Context, _, prefix string) (*domain.RoutingPolicy, error) {
	if p, ok := f.policies[prefix]; ok {
		return p, nil
	}
	return nil, domain.ErrRecordNotFound
}

func (f *fakeStore) GetConfig(context.Context, string) (*domain.GatewayConfig, error) {
	if f.config == nil {
		return nil, domain.ErrRecordNotFound
	}
	return f.config, nil
}

func (f *fakeStore) ListProviders(context.Context, string) ([]*domain.CloudProvider, error) {
	return f.providers, nil
}

func (f *fakeStore) ListModels(context.Context, string) ([]*domain.Model, error) {
	return f.models, nil
}

// twoProviderStore has azure (gpt-4o, expensive) and aws (claude, cheap),
// both also advertising a shared model for ordering tests.
func twoProviderStore() *fakeStore {
	return &fakeStore{
		policies: map[string]*domain.RoutingPolicy{},
		providers: []*domain.CloudProvider{
			{ID: "prov-azure", OrgID: "org1", ProviderType: "azure", Status: domain.ProviderActive, Region: "eastus"},
			{ID: "prov-aws", OrgID: "org1", ProviderType: "aws", Status: domain.ProviderActive, Region: "us-east-1"},
		},
		models: []*domain.Model{
			{ID: "m1", ProviderID: "prov-azure", ModelID: "gpt-4o", ContextWindow: 128000,
				InputPricePer1M: 2.50, OutputPricePer1M: 10.00, Capabilities: []string{"chat"}},
			{ID: "m2", ProviderID: "prov-aws", ModelID: "claude-3-5-sonnet", ContextWindow: 200000,
				InputPricePer1M: 3.00, OutputPricePer1M: 15.00, Capabilities: []string{"chat"}},
			{ID: "m3", ProviderID: "prov-azure", ModelID: "shared-model", ContextWindow: 8192,
				InputPricePer1M: 10.00, OutputPricePer1M: 30.00, Capabilities: []string{"chat"}},
			{ID: "m4", ProviderID: "prov-aws", ModelID: "shared-model", ContextWindow: 8192,
				InputPricePer1M: 1.00, OutputPricePer1M: 2.00, Capabilities: []string{"chat"}},
		},
	}
}

func newTestEngine(store Store) (*Engine, *cache.Memory) {
	mem := cache.NewMemory()
	return New(store, NewLatencyTracker(mem)), mem
}

func TestRouteIdentityFallback(t *testing.T) {
	store := twoProviderStore()
	e, _ := newTestEngine(store)

	d, err := e.Route(context.Background(), "org1", "", "gpt-4o")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(d.Candidates) != 1 || d.Candidates[0].ProviderID != "prov-azure" {
		t.Errorf("candidates = %+v", d.Candidates)
	}

	t.Run("unknown model is 404", func(t *testing.T) {
		_, err := e.Route(context.Background(), "org1", "", "nonexistent")
		apiErr, ok := domain.AsAPIError(err)
		if !ok || apiErr.Status != 404 {
			t.Errorf("got %v, want 404", err)
		}
	})
}

func TestRouteByConfig(t *testing.T) {
	t.Run("fallback chain expands in order", func(t *testing.T) {
		store := twoProviderStore()
		store.config = &domain.GatewayConfig{
			OrgID:           "org1",
			RoutingStrategy: domain.StrategyFailover,
			FallbackModels:  map[string][]string{"gpt-4o": {"claude-3-5-sonnet"}},
		}
		e, _ := newTestEngine(store)

		d, err := e.Route(context.Background(), "org1", "bn-nopolicy", "gpt-4o")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if len(d.Candidates) != 2 {
			t.Fatalf("got %d candidates, want 2", len(d.Candidates))
		}
		if d.Candidates[0].ModelID != "gpt-4o" || d.Candidates[1].ModelID != "claude-3-5-sonnet" {
			t.Errorf("order = %s, %s", d.Candidates[0].ModelID, d.Candidates[1].ModelID)
		}
	})

	t.Run("enabled_providers filters", func(t *testing.T) {
		store := twoProviderStore()
		store.config = &domain.GatewayConfig{
			OrgID:            "org1",
			RoutingStrategy:  domain.StrategyFailover,
			EnabledProviders: []string{"aws"},
			FallbackModels:   map[string][]string{"gpt-4o": {"claude-3-5-sonnet"}},
		}
		e, _ := newTestEngine(store)

		d, err := e.Route(context.Background(), "org1", "", "gpt-4o")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		for _, c := range d.Candidates {
			if c.ProviderType != "aws" {
				t.Errorf("candidate on disabled provider: %+v", c)
			}
		}
	})
}

func TestStrategyOrdering(t *testing.T) {
	ctx := context.Background()

	policyFor := func(strategy domain.Strategy) *domain.RoutingPolicy {
		return &domain.RoutingPolicy{
			ID: "p1", OrgID: "org1", Strategy: strategy, IsActive: true, APIKeyPrefix: "bn-abc",
			Models: []domain.PolicyModel{
				{ModelID: "shared-model", Role: domain.PolicyModelPrimary},
				{ModelID: "gpt-4o", Role: domain.PolicyModelFallback},
			},
		}
	}

	t.Run("cost_optimized sorts by combined price", func(t *testing.T) {
		store := twoProviderStore()
		store.policies["bn-abc"] = policyFor(domain.StrategyCostOptimized)
		e, _ := newTestEngine(store)

		d, err := e.Route(ctx, "org1", "bn-abc", "shared-model")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		// aws shared-model ($3) < azure gpt-4o ($12.50) < azure shared-model ($40).
		if d.Candidates[0].ProviderID != "prov-aws" || d.Candidates[0].ModelID != "shared-model" {
			t.Errorf("first = %+v", d.Candidates[0])
		}
	})

	t.Run("latency_optimized prefers measured fast routes", func(t *testing.T) {
		store := twoProviderStore()
		store.policies["bn-abc"] = policyFor(domain.StrategyLatencyOptimized)
		e, mem := newTestEngine(store)

		tracker := NewLatencyTracker(mem)
		tracker.Observe(ctx, "prov-azure", "shared-model", 80)
		tracker.Observe(ctx, "prov-aws", "shared-model", 900)

		d, err := e.Route(ctx, "org1", "bn-abc", "shared-model")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if d.Candidates[0].ProviderID != "prov-azure" {
			t.Errorf("first = %+v, want prov-azure (fastest)", d.Candidates[0])
		}
	})

	t.Run("failover keeps declared order", func(t *testing.T) {
		store := twoProviderStore()
		store.policies["bn-abc"] = policyFor(domain.StrategyFailover)
		e, _ := newTestEngine(store)

		d, err := e.Route(ctx, "org1", "bn-abc", "shared-model")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if d.Candidates[0].ModelID != "shared-model" {
			t.Errorf("first model = %s, want shared-model", d.Candidates[0].ModelID)
		}
		last := d.Candidates[len(d.Candidates)-1]
		if last.ModelID != "gpt-4o" {
			t.Errorf("last model = %s, want gpt-4o", last.ModelID)
		}
	})

	t.Run("ab_test draw is weight-deterministic", func(t *testing.T) {
		store := twoProviderStore()
		store.policies["bn-abc"] = &domain.RoutingPolicy{
			ID: "p1", OrgID: "org1", Strategy: domain.StrategyABTest, IsActive: true, APIKeyPrefix: "bn-abc",
			Models: []domain.PolicyModel{
				{ModelID: "gpt-4o", Weight: 30, Role: domain.PolicyModelPrimary},
				{ModelID: "claude-3-5-sonnet", Weight: 70, Role: domain.PolicyModelPrimary},
			},
		}
		e, _ := newTestEngine(store)

		// Draw below 30 lands on the first primary.
		e.randInt = func(int) int { return 10 }
		d, err := e.Route(ctx, "org1", "bn-abc", "gpt-4o")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if d.Candidates[0].ModelID != "gpt-4o" {
			t.Errorf("draw 10 picked %s, want gpt-4o", d.Candidates[0].ModelID)
		}

		// Draw at or above 30 lands on the second.
		e.randInt = func(int) int { return 85 }
		d, err = e.Route(ctx, "org1", "bn-abc", "gpt-4o")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if d.Candidates[0].ModelID != "claude-3-5-sonnet" {
			t.Errorf("draw 85 picked %s, want claude-3-5-sonnet", d.Candidates[0].ModelID)
		}
	})
}

func TestRulesFiltering(t *testing.T) {
	ctx := context.Background()

	t.Run("max_tokens drops small context windows", func(t *testing.T) {
		store := twoProviderStore()
		store.policies["bn-abc"] = &domain.RoutingPolicy{
			ID: "p1", OrgID: "org1", Strategy: domain.StrategyCostOptimized, IsActive: true,
			APIKeyPrefix: "bn-abc",
			Models: []domain.PolicyModel{
				{ModelID: "shared-model", Role: domain.PolicyModelPrimary},
				{ModelID: "claude-3-5-sonnet", Role: domain.PolicyModelFallback},
			},
			Rules: map[string]any{"max_tokens": 100000},
		}
		e, _ := newTestEngine(store)

		d, err := e.Route(ctx, "org1", "bn-abc", "shared-model")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		for _, c := range d.Candidates {
			if c.ContextWindow < 100000 {
				t.Errorf("candidate with small window survived: %+v", c)
			}
		}
	})

	t.Run("all filtered is 404", func(t *testing.T) {
		store := twoProviderStore()
		store.policies["bn-abc"] = &domain.RoutingPolicy{
			ID: "p1", OrgID: "org1", Strategy: domain.StrategyCostOptimized, IsActive: true,
			APIKeyPrefix: "bn-abc",
			Models:       []domain.PolicyModel{{ModelID: "shared-model", Role: domain.PolicyModelPrimary}},
			Rules:        map[string]any{"max_cost_per_request": 0.000001},
		}
		e, _ := newTestEngine(store)

		_, err := e.Route(ctx, "org1", "bn-abc", "shared-model")
		apiErr, ok := domain.AsAPIError(err)
		if !ok || apiErr.Status != 404 {
			t.Errorf("got %v, want 404", err)
		}
	})

	t.Run("region preference breaks ties", func(t *testing.T) {
		store := twoProviderStore()
		// Same price on both providers for shared-model.
		store.models[2].InputPricePer1M = 1.00
		store.models[2].OutputPricePer1M = 2.00
		store.policies["bn-abc"] = &domain.RoutingPolicy{
			ID: "p1", OrgID: "org1", Strategy: domain.StrategyCostOptimized, IsActive: true,
			APIKeyPrefix: "bn-abc",
			Models:       []domain.PolicyModel{{ModelID: "shared-model", Role: domain.PolicyModelPrimary}},
			Rules:        map[string]any{"region_preference": "us-east-1"},
		}
		e, _ := newTestEngine(store)

		d, err := e.Route(ctx, "org1", "bn-abc", "shared-model")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if d.Candidates[0].Region != "us-east-1" {
			t.Errorf("first candidate region = %s, want us-east-1", d.Candidates[0].Region)
		}
	})
}

func TestLatencyTracker(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	tr := NewLatencyTracker(mem)

	t.Run("first observation seeds the EWMA", func(t *testing.T) {
		tr.Observe(ctx, "p", "m", 100)
		ms, ok := tr.Get(ctx, "p", "m")
		if !ok || ms != 100 {
			t.Errorf("Get = (%v, %v), want (100, true)", ms, ok)
		}
	})

	t.Run("subsequent observations blend", func(t *testing.T) {
		tr.Observe(ctx, "p", "m", 200)
		ms, ok := tr.Get(ctx, "p", "m")
		if !ok {
			t.Fatal("expected a sample")
		}
		// 0.2*200 + 0.8*100 = 120.
		if ms != 120 {
			t.Errorf("EWMA = %v, want 120", ms)
		}
	})

	t.Run("unknown pair misses", func(t *testing.T) {
		if _, ok := tr.Get(ctx, "p", "other"); ok {
			t.Error("expected miss")
		}
	})
}
