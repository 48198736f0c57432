package provider

import (
	"fmt"
	"sync"

	"bonito/internal/crypto"
	"bonito/internal/domain"
	"bonito/internal/secrets"
)

// Manager hands out adapters per (org, provider). Clients hold HTTP
// connection pools, so they are built lazily and cached; entries are never
// mutated after construction, only replaced on invalidation.
type Manager struct {
	vault   *crypto.Vault
	secrets *secrets.Store

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewManager creates an adapter manager backed by the credential vault and
// the secret store (for managed master keys).
func NewManager(vault *crypto.Vault, store *secrets.Store) *Manager {
	return &Manager{
		vault:    vault,
		secrets:  store,
		adapters: make(map[string]Adapter),
	}
}

func cacheKey(orgID, providerID string) string {
	return orgID + "/" + providerID
}

// AdapterFor resolves the adapter for a connected provider, decrypting its
// credentials on first use. Managed providers authenticate with the
// platform's master key instead of org credentials.
func (m *Manager) AdapterFor(p *domain.CloudProvider) (Adapter, error) {
	key := cacheKey(p.OrgID, p.ID)

	m.mu.RLock()
	adapter, ok := m.adapters[key]
	m.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	creds, err := m.credentialsFor(p)
	if err != nil {
		return nil, err
	}

	adapter, err = NewAdapter(p.ProviderType, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", p.ProviderType, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have built one concurrently; keep the first.
	if existing, ok := m.adapters[key]; ok {
		return existing, nil
	}
	m.adapters[key] = adapter
	return adapter, nil
}

func (m *Manager) credentialsFor(p *domain.CloudProvider) (map[string]string, error) {
	if p.IsManaged {
		masterKey, err := m.secrets.MasterKey(p.ProviderType)
		if err != nil {
			return nil, err
		}
		return map[string]string{"api_key": masterKey}, nil
	}

	creds, err := m.vault.DecryptCredentials(p.CredentialsCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for provider %s: %w", p.ID, err)
	}
	if p.Region != "" && creds["region"] == "" {
		creds["region"] = p.Region
	}
	return creds, nil
}

// Invalidate drops the cached adapter after a credential change.
func (m *Manager) Invalidate(orgID, providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.adapters, cacheKey(orgID, providerID))
}
