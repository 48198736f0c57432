package routing

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"bonito/internal/domain"
)

// rulesSchema is the closed schema for routing rules: unknown keys are
// rejected so typos fail at write time instead of silently never matching.
const rulesSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"max_cost_per_request": {"type": "number", "exclusiveMinimum": 0},
		"max_tokens":           {"type": "integer", "minimum": 1},
		"allowed_capabilities": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"region_preference":    {"type": "string", "minLength": 1}
	}
}`

var compiledRulesSchema = gojsonschema.NewStringLoader(rulesSchema)

// Rules are the validated, typed view of a policy's rules document.
type Rules struct {
	MaxCostPerRequest   float64  `json:"max_cost_per_request,omitempty"`
	MaxTokens           int      `json:"max_tokens,omitempty"`
	AllowedCapabilities []string `json:"allowed_capabilities,omitempty"`
	RegionPreference    string   `json:"region_preference,omitempty"`
}

// ValidateRules checks a rules document against the closed schema and
// decodes it.
func ValidateRules(raw map[string]any) (*Rules, error) {
	if len(raw) == 0 {
		return &Rules{}, nil
	}

	result, err := gojsonschema.Validate(compiledRulesSchema, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("rules validation failed: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, domain.ErrValidation(first.Description(), first.Field())
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	rules := &Rules{}
	if err := json.Unmarshal(buf, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// ValidatePolicy enforces the structural invariants of a routing policy:
// a known strategy, failover with at least two models, ab_test weights that
// sum to 100, and rules that satisfy the closed schema.
func ValidatePolicy(p *domain.RoutingPolicy) error {
	if _, ok := domain.ParseStrategy(string(p.Strategy)); !ok {
		return domain.ErrValidation(fmt.Sprintf("unknown strategy %q", p.Strategy), "strategy")
	}
	if len(p.Models) == 0 {
		return domain.ErrValidation("policy requires at least one model", "models")
	}
	if p.APIKeyPrefix == "" {
		return domain.ErrValidation("api_key_prefix is required", "api_key_prefix")
	}

	switch p.Strategy {
	case domain.StrategyFailover:
		if len(p.Models) < 2 {
			return domain.ErrValidation("failover requires at least 2 models", "models")
		}
	case domain.StrategyABTest:
		sum := 0
		for _, m := range p.Models {
			if m.Role == domain.PolicyModelPrimary {
				sum += m.Weight
			}
		}
		if sum != 100 {
			return domain.ErrValidation("ab_test weights must sum to 100", "models")
		}
	}

	for _, m := range p.Models {
		if m.ModelID == "" {
			return domain.ErrValidation("model_id is required", "models")
		}
		if m.Role != domain.PolicyModelPrimary && m.Role != domain.PolicyModelFallback {
			return domain.ErrValidation(fmt.Sprintf("unknown model role %q", m.Role), "models")
		}
	}

	if _, err := ValidateRules(p.Rules); err != nil {
		return err
	}
	return nil
}
