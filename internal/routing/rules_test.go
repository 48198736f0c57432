package routing

import (
	"testing"

	"bonito/internal/domain"
)

func TestValidateRules(t *testing.T) {
	t.Run("empty rules pass", func(t *testing.T) {
		if _, err := ValidateRules(nil); err != nil {
			t.Errorf("ValidateRules(nil) failed: %v", err)
		}
	})

	t.Run("known keys decode", func(t *testing.T) {
		rules, err := ValidateRules(map[string]any{
			"max_cost_per_request": 0.05,
			"max_tokens":           4096,
			"allowed_capabilities": []any{"chat"},
			"region_preference":    "us-east-1",
		})
		if err != nil {
			t.Fatalf("ValidateRules failed: %v", err)
		}
		if rules.MaxCostPerRequest != 0.05 || rules.MaxTokens != 4096 {
			t.Errorf("rules = %+v", rules)
		}
		if rules.RegionPreference != "us-east-1" {
			t.Errorf("RegionPreference = %q", rules.RegionPreference)
		}
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		_, err := ValidateRules(map[string]any{"max_cost": 0.05})
		apiErr, ok := domain.AsAPIError(err)
		if !ok || apiErr.Status != 422 {
			t.Errorf("got %v, want 422", err)
		}
	})

	t.Run("wrong type rejected", func(t *testing.T) {
		if _, err := ValidateRules(map[string]any{"max_tokens": "lots"}); err == nil {
			t.Error("expected type error")
		}
	})
}

func validPolicy() *domain.RoutingPolicy {
	return &domain.RoutingPolicy{
		ID:           "p1",
		OrgID:        "org1",
		Name:         "main",
		Strategy:     domain.StrategyFailover,
		APIKeyPrefix: "bn-abc",
		Models: []domain.PolicyModel{
			{ModelID: "gpt-4o", Role: domain.PolicyModelPrimary},
			{ModelID: "claude-3-5-sonnet", Role: domain.PolicyModelFallback},
		},
	}
}

func TestValidatePolicy(t *testing.T) {
	t.Run("valid failover", func(t *testing.T) {
		if err := ValidatePolicy(validPolicy()); err != nil {
			t.Errorf("ValidatePolicy failed: %v", err)
		}
	})

	t.Run("failover needs two models", func(t *testing.T) {
		p := validPolicy()
		p.Models = p.Models[:1]
		if err := ValidatePolicy(p); err == nil {
			t.Error("single-model failover should fail")
		}
	})

	t.Run("ab_test weights must sum to 100", func(t *testing.T) {
		p := validPolicy()
		p.Strategy = domain.StrategyABTest
		p.Models = []domain.PolicyModel{
			{ModelID: "gpt-4o", Weight: 70, Role: domain.PolicyModelPrimary},
			{ModelID: "claude-3-5-sonnet", Weight: 40, Role: domain.PolicyModelPrimary},
		}
		if err := ValidatePolicy(p); err == nil {
			t.Error("weights summing to 110 should fail")
		}

		p.Models[1].Weight = 30
		if err := ValidatePolicy(p); err != nil {
			t.Errorf("weights summing to 100 should pass: %v", err)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		p := validPolicy()
		p.Strategy = "round_robin"
		if err := ValidatePolicy(p); err == nil {
			t.Error("unknown strategy should fail")
		}
	})

	t.Run("missing key prefix", func(t *testing.T) {
		p := validPolicy()
		p.APIKeyPrefix = ""
		if err := ValidatePolicy(p); err == nil {
			t.Error("missing api_key_prefix should fail")
		}
	})

	t.Run("bad rules surface", func(t *testing.T) {
		p := validPolicy()
		p.Rules = map[string]any{"bogus": true}
		if err := ValidatePolicy(p); err == nil {
			t.Error("unknown rule key should fail")
		}
	})
}
