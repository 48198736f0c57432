// Package domain defines core domain types for the Bonito gateway.
package domain

import (
	"time"
)

// =============================================================================
// Organization & Tiers
// =============================================================================

// Tier is the coarse entitlement level of an organization.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier parses a tier string, defaulting to free.
func ParseTier(s string) Tier {
	switch s {
	case "starter":
		return TierStarter
	case "pro":
		return TierPro
	case "enterprise":
		return TierEnterprise
	default:
		return TierFree
	}
}

// Organization owns all downstream entities. Every read and write in the
// system is scoped by the org ID derived from the authenticated principal.
type Organization struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Tier                  Tier      `json:"tier"`
	Status                string    `json:"status"`
	BonobotPlan           string    `json:"bonobot_plan,omitempty"`
	BonobotAgentLimit     int       `json:"bonobot_agent_limit"`
	ActiveBonobotCount    int       `json:"active_bonobot_count"`
	SubscriptionUpdatedAt time.Time `json:"subscription_updated_at"`
	CreatedAt             time.Time `json:"created_at"`
}

// UserRole is a control-plane role within an organization.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleEditor UserRole = "editor"
	RoleViewer UserRole = "viewer"
)

// User is a control-plane principal. Carries both password-auth and
// email-verification columns (conflicting migrations in the original schema
// are resolved by keeping both).
type User struct {
	ID                   string     `json:"id"`
	OrgID                string     `json:"org_id"`
	Email                string     `json:"email"`
	HashedPassword       string     `json:"-"`
	Role                 UserRole   `json:"role"`
	EmailVerified        bool       `json:"email_verified"`
	VerificationToken    string     `json:"-"`
	VerificationExpires  *time.Time `json:"-"`
	ResetToken           string     `json:"-"`
	ResetExpires         *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
}

// =============================================================================
// Providers & Models
// =============================================================================

// ProviderStatus is the lifecycle state of a connected provider.
type ProviderStatus string

const (
	ProviderPending ProviderStatus = "pending"
	ProviderActive  ProviderStatus = "active"
	ProviderError   ProviderStatus = "error"
)

// CloudProvider is an upstream connection owned by an org. Credentials are
// stored as AES-256-GCM ciphertext and never leave the credential vault in
// plaintext.
type CloudProvider struct {
	ID                    string         `json:"id"`
	OrgID                 string         `json:"org_id"`
	ProviderType          string         `json:"provider_type"`
	CredentialsCiphertext string         `json:"-"`
	Status                ProviderStatus `json:"status"`
	IsManaged             bool           `json:"is_managed"`
	ManagedUsageTokens    int64          `json:"managed_usage_tokens"`
	ManagedUsageCost      float64        `json:"managed_usage_cost"`
	Region                string         `json:"region,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

// Model is a catalog row, unique per (provider_id, model_id).
type Model struct {
	ID                 string    `json:"id"`
	ProviderID         string    `json:"provider_id"`
	ModelID            string    `json:"model_id"`
	DisplayName        string    `json:"display_name"`
	Capabilities       []string  `json:"capabilities"`
	ContextWindow      int       `json:"context_window"`
	InputPricePer1M    float64   `json:"input_price_per_1m"`
	OutputPricePer1M   float64   `json:"output_price_per_1m"`
	StreamingSupported bool      `json:"streaming_supported"`
	CreatedAt          time.Time `json:"created_at"`
}

// Deployment pins a model into an environment.
type Deployment struct {
	ID         string            `json:"id"`
	OrgID      string            `json:"org_id"`
	ModelID    string            `json:"model_id"`
	ProviderID string            `json:"provider_id"`
	Config     map[string]string `json:"config,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// =============================================================================
// Gateway Keys
// =============================================================================

// GatewayKey is an issued API key. The raw key is returned exactly once on
// creation; only key_hash (SHA-256, unique) and the public key_prefix persist.
type GatewayKey struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"org_id"`
	KeyHash       string     `json:"-"`
	KeyPrefix     string     `json:"key_prefix"`
	Name          string     `json:"name"`
	TeamID        string     `json:"team_id,omitempty"`
	RateLimit     int        `json:"rate_limit"`
	AllowedModels []string   `json:"allowed_models,omitempty"` // nil means all models
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key is dead.
func (k *GatewayKey) Revoked() bool { return k.RevokedAt != nil }

// ModelAllowed checks the key's allow-list. A nil list permits everything.
func (k *GatewayKey) ModelAllowed(model string) bool {
	if k.AllowedModels == nil {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// =============================================================================
// Gateway Requests (append-only usage log)
// =============================================================================

// RequestStatus is the terminal outcome of one gateway request.
type RequestStatus string

const (
	StatusSuccess     RequestStatus = "success"
	StatusError       RequestStatus = "error"
	StatusRateLimited RequestStatus = "rate_limited"
)

// GatewayRequest is one billing/analytics row, written for every request
// regardless of outcome.
type GatewayRequest struct {
	ID             string        `json:"id"`
	OrgID          string        `json:"org_id"`
	UserID         string        `json:"user_id,omitempty"`
	TeamID         string        `json:"team_id,omitempty"`
	KeyID          string        `json:"key_id,omitempty"`
	ModelRequested string        `json:"model_requested"`
	ModelUsed      string        `json:"model_used"`
	Provider       string        `json:"provider"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	Cost           float64       `json:"cost"`
	MarkedUpCost   *float64      `json:"marked_up_cost,omitempty"`
	LatencyMs      int64         `json:"latency_ms"`
	Status         RequestStatus `json:"status"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	IsManaged      bool          `json:"is_managed"`
	CreatedAt      time.Time     `json:"created_at"`
}

// =============================================================================
// Routing
// =============================================================================

// Strategy selects how the routing engine orders candidates.
type Strategy string

const (
	StrategyCostOptimized    Strategy = "cost_optimized"
	StrategyLatencyOptimized Strategy = "latency_optimized"
	StrategyBalanced         Strategy = "balanced"
	StrategyFailover         Strategy = "failover"
	StrategyABTest           Strategy = "ab_test"
)

// ParseStrategy parses a strategy string.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyCostOptimized, StrategyLatencyOptimized, StrategyBalanced,
		StrategyFailover, StrategyABTest:
		return Strategy(s), true
	}
	return "", false
}

// PolicyModelRole marks a policy entry as primary or fallback.
type PolicyModelRole string

const (
	PolicyModelPrimary  PolicyModelRole = "primary"
	PolicyModelFallback PolicyModelRole = "fallback"
)

// PolicyModel is one ordered entry in a routing policy.
type PolicyModel struct {
	ModelID string          `json:"model_id"`
	Weight  int             `json:"weight,omitempty"`
	Role    PolicyModelRole `json:"role"`
}

// RoutingPolicy binds a strategy and ordered model list to an API key
// prefix. Invariants: failover requires at least 2 models; ab_test weights
// must sum to 100.
type RoutingPolicy struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	Name         string         `json:"name"`
	Strategy     Strategy       `json:"strategy"`
	Models       []PolicyModel  `json:"models"`
	Rules        map[string]any `json:"rules,omitempty"`
	IsActive     bool           `json:"is_active"`
	APIKeyPrefix string         `json:"api_key_prefix"`
	CreatedAt    time.Time      `json:"created_at"`
}

// GatewayConfig holds the org-wide routing defaults used when no policy
// matches the request's key prefix.
type GatewayConfig struct {
	OrgID               string              `json:"org_id"`
	EnabledProviders    []string            `json:"enabled_providers"`
	RoutingStrategy     Strategy            `json:"routing_strategy"`
	FallbackModels      map[string][]string `json:"fallback_models"`
	DefaultRateLimit    int                 `json:"default_rate_limit"`
	CostTrackingEnabled bool                `json:"cost_tracking_enabled"`
	CustomRoutingRules  map[string]any      `json:"custom_routing_rules,omitempty"`
}

// =============================================================================
// Audit
// =============================================================================

// AuditLog is an append-only audit row, indexed by (org_id, created_at).
type AuditLog struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	UserID       string         `json:"user_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserName     string         `json:"user_name,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SubscriptionHistory mirrors tier changes made by admin action.
type SubscriptionHistory struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	FromTier  Tier      `json:"from_tier"`
	ToTier    Tier      `json:"to_tier"`
	ChangedBy string    `json:"changed_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ManagedMarkup is the multiplier applied to base cost for managed
// inference; the platform bills a 33% markup.
const ManagedMarkup = 1.33

// MarkedUpCost applies the managed markup rounded to 6 decimal places.
func MarkedUpCost(base float64) float64 {
	v := base * ManagedMarkup
	return float64(int64(v*1e6+0.5)) / 1e6
}
