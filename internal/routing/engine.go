// Package routing selects the ordered (provider, model) candidates for a
// gateway request according to the org's policy or config.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"bonito/internal/domain"
)

// Candidate is one attemptable (provider, model) pair.
type Candidate struct {
	ProviderID       string
	ProviderType     string
	Region           string
	IsManaged        bool
	ModelID          string
	ContextWindow    int
	InputPricePer1M  float64
	OutputPricePer1M float64
	Capabilities     []string
}

// Decision is the routing outcome: candidates in attempt order.
type Decision struct {
	Strategy   domain.Strategy
	Candidates []Candidate
	PolicyID   string
}

// Store is the slice of storage the engine reads.
type Store interface {
	GetPolicyByKeyPrefix(ctx context.Context, orgID, keyPrefix string) (*domain.RoutingPolicy, error)
	GetConfig(ctx context.Context, orgID string) (*domain.GatewayConfig, error)
	ListProviders(ctx context.Context, orgID string) ([]*domain.CloudProvider, error)
	ListModels(ctx context.Context, orgID string) ([]*domain.Model, error)
}

// Engine resolves candidates. Lookup order: key-prefix policy, org config,
// identity fallback.
type Engine struct {
	store   Store
	latency *LatencyTracker
	randInt func(n int) int
}

// New creates a routing engine.
func New(store Store, latency *LatencyTracker) *Engine {
	return &Engine{store: store, latency: latency, randInt: rand.Intn}
}

// catalog indexes the org's active providers and their models.
type catalog struct {
	byModel map[string][]Candidate
}

func (e *Engine) loadCatalog(ctx context.Context, orgID string) (*catalog, error) {
	providers, err := e.store.ListProviders(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	models, err := e.store.ListModels(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	byProvider := make(map[string]*domain.CloudProvider, len(providers))
	for _, p := range providers {
		if p.Status == domain.ProviderActive {
			byProvider[p.ID] = p
		}
	}

	c := &catalog{byModel: make(map[string][]Candidate)}
	for _, m := range models {
		p, ok := byProvider[m.ProviderID]
		if !ok {
			continue
		}
		c.byModel[m.ModelID] = append(c.byModel[m.ModelID], Candidate{
			ProviderID:       p.ID,
			ProviderType:     p.ProviderType,
			Region:           p.Region,
			IsManaged:        p.IsManaged,
			ModelID:          m.ModelID,
			ContextWindow:    m.ContextWindow,
			InputPricePer1M:  m.InputPricePer1M,
			OutputPricePer1M: m.OutputPricePer1M,
			Capabilities:     m.Capabilities,
		})
	}
	return c, nil
}

// Route produces the ordered candidate list for a request.
func (e *Engine) Route(ctx context.Context, orgID, keyPrefix, requestedModel string) (*Decision, error) {
	cat, err := e.loadCatalog(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if keyPrefix != "" {
		policy, err := e.store.GetPolicyByKeyPrefix(ctx, orgID, keyPrefix)
		if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
			return nil, fmt.Errorf("policy lookup failed: %w", err)
		}
		if policy != nil && policy.IsActive {
			return e.routeByPolicy(ctx, policy, cat)
		}
	}

	cfg, err := e.store.GetConfig(ctx, orgID)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return nil, fmt.Errorf("config lookup failed: %w", err)
	}
	if cfg != nil {
		return e.routeByConfig(ctx, cfg, cat, requestedModel)
	}

	// Identity fallback: any active provider advertising the model.
	candidates := append([]Candidate(nil), cat.byModel[requestedModel]...)
	if len(candidates) == 0 {
		return nil, domain.ErrNotFound(fmt.Sprintf("model %q", requestedModel))
	}
	sortTies(candidates, "")
	return &Decision{Strategy: domain.StrategyFailover, Candidates: candidates}, nil
}

func (e *Engine) routeByPolicy(ctx context.Context, policy *domain.RoutingPolicy, cat *catalog) (*Decision, error) {
	rules, err := ValidateRules(policy.Rules)
	if err != nil {
		return nil, err
	}

	order := policy.Models
	if policy.Strategy == domain.StrategyABTest {
		order = e.drawABTest(policy.Models)
	}

	var candidates []Candidate
	for _, pm := range order {
		candidates = append(candidates, cat.byModel[pm.ModelID]...)
	}
	candidates = filterByRules(candidates, rules)
	if len(candidates) == 0 {
		return nil, domain.ErrNotFound("no candidate satisfies the routing policy")
	}

	e.order(ctx, policy.Strategy, candidates, rules.RegionPreference)
	return &Decision{Strategy: policy.Strategy, Candidates: candidates, PolicyID: policy.ID}, nil
}

func (e *Engine) routeByConfig(ctx context.Context, cfg *domain.GatewayConfig, cat *catalog, requestedModel string) (*Decision, error) {
	rules, err := ValidateRules(cfg.CustomRoutingRules)
	if err != nil {
		return nil, err
	}

	chain := append([]string{requestedModel}, cfg.FallbackModels[requestedModel]...)

	enabled := map[string]bool{}
	for _, t := range cfg.EnabledProviders {
		enabled[t] = true
	}

	var candidates []Candidate
	seen := map[string]bool{}
	for _, modelID := range chain {
		if seen[modelID] {
			continue
		}
		seen[modelID] = true
		for _, c := range cat.byModel[modelID] {
			if len(enabled) > 0 && !enabled[c.ProviderType] {
				continue
			}
			candidates = append(candidates, c)
		}
	}
	candidates = filterByRules(candidates, rules)
	if len(candidates) == 0 {
		return nil, domain.ErrNotFound(fmt.Sprintf("model %q", requestedModel))
	}

	strategy := cfg.RoutingStrategy
	if strategy == "" {
		strategy = domain.StrategyFailover
	}
	e.order(ctx, strategy, candidates, rules.RegionPreference)
	return &Decision{Strategy: strategy, Candidates: candidates}, nil
}

// drawABTest picks a primary by weighted draw, then appends the remaining
// entries in declared order so fallbacks stay available.
func (e *Engine) drawABTest(models []domain.PolicyModel) []domain.PolicyModel {
	var primaries []domain.PolicyModel
	for _, m := range models {
		if m.Role == domain.PolicyModelPrimary {
			primaries = append(primaries, m)
		}
	}
	if len(primaries) == 0 {
		return models
	}

	draw := e.randInt(100)
	var winner domain.PolicyModel
	acc := 0
	for _, m := range primaries {
		acc += m.Weight
		if draw < acc {
			winner = m
			break
		}
	}
	if winner.ModelID == "" {
		winner = primaries[len(primaries)-1]
	}

	ordered := []domain.PolicyModel{winner}
	for _, m := range models {
		if m.ModelID != winner.ModelID && m.Role == domain.PolicyModelFallback {
			ordered = append(ordered, m)
		}
	}
	return ordered
}

// filterByRules drops candidates the rules exclude. max_cost_per_request is
// priced at a nominal 1K-in/1K-out request.
func filterByRules(candidates []Candidate, rules *Rules) []Candidate {
	if rules == nil {
		return candidates
	}
	out := candidates[:0]
	for _, c := range candidates {
		if rules.MaxTokens > 0 && c.ContextWindow > 0 && c.ContextWindow < rules.MaxTokens {
			continue
		}
		if rules.MaxCostPerRequest > 0 {
			nominal := (c.InputPricePer1M + c.OutputPricePer1M) / 1000
			if nominal > rules.MaxCostPerRequest {
				continue
			}
		}
		if len(rules.AllowedCapabilities) > 0 && !hasAllCapabilities(c.Capabilities, rules.AllowedCapabilities) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// order sorts candidates in place per strategy. failover and ab_test keep
// the declared order.
func (e *Engine) order(ctx context.Context, strategy domain.Strategy, candidates []Candidate, regionPref string) {
	var scores []float64
	switch strategy {
	case domain.StrategyCostOptimized:
		scores = make([]float64, len(candidates))
		for i, c := range candidates {
			scores[i] = c.InputPricePer1M + c.OutputPricePer1M
		}

	case domain.StrategyLatencyOptimized:
		scores = e.latencies(ctx, candidates)

	case domain.StrategyBalanced:
		cost := make([]float64, len(candidates))
		for i, c := range candidates {
			cost[i] = c.InputPricePer1M + c.OutputPricePer1M
		}
		lat := e.latencies(ctx, candidates)
		costRank, latRank := ranks(cost), ranks(lat)
		scores = make([]float64, len(candidates))
		for i := range candidates {
			scores[i] = costRank[i] + latRank[i]
		}

	default:
		return
	}
	sortByScore(candidates, scores, regionPref)
}

// ranks maps each position to its ascending rank within vals.
func ranks(vals []float64) []float64 {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })

	out := make([]float64, len(vals))
	for rank, i := range idx {
		out[i] = float64(rank)
	}
	return out
}

// sortByScore sorts candidates by score ascending, keeping scores aligned.
func sortByScore(candidates []Candidate, scores []float64, regionPref string) {
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if scores[idx[a]] != scores[idx[b]] {
			return scores[idx[a]] < scores[idx[b]]
		}
		return tieLess(candidates[idx[a]], candidates[idx[b]], regionPref)
	})

	sorted := make([]Candidate, len(candidates))
	for pos, i := range idx {
		sorted[pos] = candidates[i]
	}
	copy(candidates, sorted)
}

// latencies resolves EWMAs positionally; unknown pairs sort last so traffic
// prefers measured routes.
func (e *Engine) latencies(ctx context.Context, candidates []Candidate) []float64 {
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		ms, ok := e.latency.Get(ctx, c.ProviderID, c.ModelID)
		if !ok {
			ms = 1 << 30
		}
		out[i] = ms
	}
	return out
}

// tieLess breaks ordering ties: region match first, then provider ID.
func tieLess(a, b Candidate, regionPref string) bool {
	if regionPref != "" {
		am, bm := a.Region == regionPref, b.Region == regionPref
		if am != bm {
			return am
		}
	}
	return a.ProviderID < b.ProviderID
}

func sortTies(candidates []Candidate, regionPref string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return tieLess(candidates[i], candidates[j], regionPref)
	})
}
