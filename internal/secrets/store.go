// Package secrets fetches and caches decryption keys and managed-inference
// master keys from Vault, with environment variables as fallback.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	vault "github.com/hashicorp/vault/api"
)

const (
	defaultMount = "secret"
	defaultPath  = "bonito"
)

// fetchFunc pulls the full secret map from the backing store. The whole map
// is replaced on each fetch (copy-on-write); readers never see a partial
// refresh.
type fetchFunc func(ctx context.Context) (map[string]string, error)

// Store resolves named secrets. Lookup order: in-process cache, then the
// environment. A Vault outage degrades to whatever was cached at the last
// successful refresh.
type Store struct {
	fetch  fetchFunc
	cached atomic.Pointer[map[string]string]
}

// New connects to Vault at addr using token and reads the KV v2 path
// secret/bonito. An empty addr disables Vault; the store then serves from
// the environment only.
func New(addr, token string) (*Store, error) {
	s := &Store{}
	empty := map[string]string{}
	s.cached.Store(&empty)

	if addr == "" {
		return s, nil
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 5 * time.Second

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	kv := client.KVv2(defaultMount)
	s.fetch = func(ctx context.Context) (map[string]string, error) {
		sec, err := kv.Get(ctx, defaultPath)
		if err != nil {
			return nil, fmt.Errorf("vault read %s/%s: %w", defaultMount, defaultPath, err)
		}
		out := make(map[string]string, len(sec.Data))
		for k, v := range sec.Data {
			if str, ok := v.(string); ok {
				out[k] = str
			}
		}
		return out, nil
	}
	return s, nil
}

// newWithFetch is the test seam.
func newWithFetch(fetch fetchFunc) *Store {
	s := &Store{fetch: fetch}
	empty := map[string]string{}
	s.cached.Store(&empty)
	return s
}

// Refresh replaces the cached map with a fresh fetch. Callers typically run
// this on a ticker; a failed refresh leaves the previous map in place.
func (s *Store) Refresh(ctx context.Context) error {
	if s.fetch == nil {
		return nil
	}
	m, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.cached.Store(&m)
	return nil
}

// Get resolves a secret by name. Cache wins over the environment so rotated
// Vault values take effect without a restart.
func (s *Store) Get(name string) (string, bool) {
	if v, ok := (*s.cached.Load())[name]; ok && v != "" {
		return v, true
	}
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	return "", false
}

// MasterKey returns the platform master API key for a managed provider,
// stored under BONITO_{PROVIDER}_MASTER_KEY.
func (s *Store) MasterKey(providerType string) (string, error) {
	name := "BONITO_" + strings.ToUpper(providerType) + "_MASTER_KEY"
	v, ok := s.Get(name)
	if !ok {
		return "", fmt.Errorf("no master key configured for provider %q", providerType)
	}
	return v, nil
}

// Ping reports whether the store can serve secrets. With Vault configured it
// attempts a refresh; degraded-but-cached still counts as healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.fetch == nil {
		return nil
	}
	if err := s.Refresh(ctx); err != nil {
		if len(*s.cached.Load()) > 0 {
			slog.Warn("secret store refresh failed, serving cached", "error", err)
			return nil
		}
		return err
	}
	return nil
}
