package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bonito/internal/domain"
)

type fakeKeyStore struct {
	keys map[string]*domain.GatewayKey
}

func (f *fakeKeyStore) GetKeyByHash(_ context.Context, hash string) (*domain.GatewayKey, error) {
	if k, ok := f.keys[hash]; ok {
		return k, nil
	}
	return nil, domain.ErrRecordNotFound
}

func TestGenerateKey(t *testing.T) {
	gk, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	t.Run("format", func(t *testing.T) {
		if !strings.HasPrefix(gk.Plaintext, "bn-") {
			t.Errorf("key %q missing bn- prefix", gk.Plaintext)
		}
		if len(gk.Plaintext) < len("bn-")+15 {
			t.Errorf("key payload too short: %q", gk.Plaintext)
		}
		if !ValidKeyFormat(gk.Plaintext) {
			t.Error("generated key fails its own format check")
		}
	})

	t.Run("hash round trip", func(t *testing.T) {
		if HashKey(gk.Plaintext) != gk.Hash {
			t.Error("hash does not match plaintext")
		}
	})

	t.Run("prefix is a prefix of the key", func(t *testing.T) {
		if !strings.HasPrefix(gk.Plaintext, gk.Prefix) {
			t.Errorf("prefix %q not a prefix of %q", gk.Prefix, gk.Plaintext)
		}
		if len(gk.Prefix) > 20 {
			t.Errorf("prefix too long: %d chars", len(gk.Prefix))
		}
	})

	t.Run("keys are unique", func(t *testing.T) {
		other, _ := GenerateKey()
		if other.Plaintext == gk.Plaintext || other.Hash == gk.Hash {
			t.Error("two generated keys collided")
		}
	})
}

func TestValidKeyFormat(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"bn-abcdefghijklmnop", true},
		{"sk-abcdefghijklmnop", false},
		{"bn-short", false},
		{"", false},
		{"bn-!!!!!!!!!!!!!!!!!", false},
	}
	for _, tc := range cases {
		if got := ValidKeyFormat(tc.key); got != tc.want {
			t.Errorf("ValidKeyFormat(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	gk, _ := GenerateKey()
	revoked, _ := GenerateKey()
	restricted, _ := GenerateKey()

	revokedAt := time.Now()
	store := &fakeKeyStore{keys: map[string]*domain.GatewayKey{
		gk.Hash: {ID: "k1", OrgID: "org1", KeyHash: gk.Hash, RateLimit: 60},
		revoked.Hash: {
			ID: "k2", OrgID: "org1", KeyHash: revoked.Hash, RevokedAt: &revokedAt,
		},
		restricted.Hash: {
			ID: "k3", OrgID: "org1", KeyHash: restricted.Hash,
			AllowedModels: []string{"gpt-4o"},
		},
	}}
	a := NewAuthenticator(store)
	ctx := context.Background()

	t.Run("valid key resolves", func(t *testing.T) {
		key, err := a.Authenticate(ctx, gk.Plaintext, "gpt-4o")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if key.ID != "k1" || key.OrgID != "org1" {
			t.Errorf("resolved wrong key: %+v", key)
		}
	})

	t.Run("unknown key is 401", func(t *testing.T) {
		other, _ := GenerateKey()
		_, err := a.Authenticate(ctx, other.Plaintext, "")
		apiErr, ok := domain.AsAPIError(err)
		if !ok || apiErr.Status != 401 || apiErr.Code != "invalid_key" {
			t.Errorf("got %v, want 401 invalid_key", err)
		}
	})

	t.Run("malformed token is 401 without lookup", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "not-a-key", "")
		apiErr, ok := domain.AsAPIError(err)
		if !ok || apiErr.Status != 401 {
			t.Errorf("got %v, want 401", err)
		}
	})

	t.Run("revoked key is 401 and names its owner", func(t *testing.T) {
		_, err := a.Authenticate(ctx, revoked.Plaintext, "")
		apiErr, ok := domain.AsAPIError(err)
		if !ok || apiErr.Status != 401 || apiErr.Code != "invalid_key" {
			t.Errorf("got %v, want 401 invalid_key", err)
		}
		var rk *RevokedKeyError
		if !errors.As(err, &rk) || rk.OrgID != "org1" || rk.KeyID != "k2" {
			t.Errorf("got %v, want RevokedKeyError for org1/k2", err)
		}
	})

	t.Run("model outside allow-list is 403", func(t *testing.T) {
		_, err := a.Authenticate(ctx, restricted.Plaintext, "claude-3-opus")
		apiErr, ok := domain.AsAPIError(err)
		if !ok || apiErr.Status != 403 || apiErr.Code != "model_not_allowed" {
			t.Errorf("got %v, want 403 model_not_allowed", err)
		}
	})

	t.Run("model inside allow-list passes", func(t *testing.T) {
		if _, err := a.Authenticate(ctx, restricted.Plaintext, "gpt-4o"); err != nil {
			t.Errorf("Authenticate failed: %v", err)
		}
	})
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer bn-abc", "bn-abc", true},
		{"bearer bn-abc", "bn-abc", true},
		{"Basic dXNlcg==", "", false},
		{"", "", false},
		{"Bearer ", "", false},
	}
	for _, tc := range cases {
		got, ok := BearerToken(tc.header)
		if ok != tc.ok || got != tc.want {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}
