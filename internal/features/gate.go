// Package features maps subscription tiers onto capabilities and quotas.
package features

import (
	"math"

	"bonito/internal/domain"
)

// Feature names.
const (
	FeatureGateway       = "gateway"
	FeatureRouting       = "routing"
	FeatureBudgetAlerts  = "budget_alerts"
	FeatureCompliance    = "compliance"
	FeatureIaCTemplates  = "iac_templates"
	FeatureSSO           = "sso"
	FeatureKnowledgeBase = "knowledge_base"
)

// Quota names.
const (
	QuotaProviders            = "providers"
	QuotaMembers              = "members"
	QuotaGatewayCallsPerMonth = "gateway_calls_per_month"
)

// Unlimited marks a quota with no cap.
const Unlimited = math.MaxInt64

var tierFeatures = map[domain.Tier]map[string]bool{
	domain.TierFree: {
		FeatureGateway: true,
	},
	domain.TierStarter: {
		FeatureGateway:      true,
		FeatureBudgetAlerts: true,
	},
	domain.TierPro: {
		FeatureGateway:      true,
		FeatureRouting:      true,
		FeatureBudgetAlerts: true,
		FeatureCompliance:   true,
		FeatureIaCTemplates: true,
	},
	domain.TierEnterprise: {
		FeatureGateway:       true,
		FeatureRouting:       true,
		FeatureBudgetAlerts:  true,
		FeatureCompliance:    true,
		FeatureIaCTemplates:  true,
		FeatureSSO:           true,
		FeatureKnowledgeBase: true,
	},
}

var tierQuotas = map[domain.Tier]map[string]int64{
	domain.TierFree: {
		QuotaProviders:            1,
		QuotaMembers:              2,
		QuotaGatewayCallsPerMonth: 1_000,
	},
	domain.TierStarter: {
		QuotaProviders:            3,
		QuotaMembers:              5,
		QuotaGatewayCallsPerMonth: 50_000,
	},
	domain.TierPro: {
		QuotaProviders:            10,
		QuotaMembers:              25,
		QuotaGatewayCallsPerMonth: 1_000_000,
	},
	domain.TierEnterprise: {
		QuotaProviders:            Unlimited,
		QuotaMembers:              Unlimited,
		QuotaGatewayCallsPerMonth: Unlimited,
	},
}

// Enabled reports whether a tier carries a feature.
func Enabled(tier domain.Tier, feature string) bool {
	return tierFeatures[tier][feature]
}

// Limit returns the tier's cap for a quota; Unlimited when uncapped.
func Limit(tier domain.Tier, quota string) int64 {
	caps, ok := tierQuotas[tier]
	if !ok {
		return 0
	}
	limit, ok := caps[quota]
	if !ok {
		return 0
	}
	return limit
}

// RequireFeature returns 402 upgrade_required when the tier lacks the
// feature.
func RequireFeature(tier domain.Tier, feature string) error {
	if !Enabled(tier, feature) {
		return domain.ErrUpgradeRequired(feature)
	}
	return nil
}

// RequireAgentCapacity enforces the org's managed agent cap at admit time.
// A zero limit means the org has no managed plan to cap.
func RequireAgentCapacity(org *domain.Organization) error {
	if org.BonobotAgentLimit > 0 && org.ActiveBonobotCount > org.BonobotAgentLimit {
		return domain.ErrUpgradeRequired("managed_agents")
	}
	return nil
}

// RequireWithinLimit checks current usage against the tier's quota cap.
func RequireWithinLimit(tier domain.Tier, quota string, current int64) error {
	limit := Limit(tier, quota)
	if limit == Unlimited {
		return nil
	}
	if current >= limit {
		return domain.ErrUpgradeRequired(quota)
	}
	return nil
}
