// Package auth implements gateway key authentication and control-plane
// session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"bonito/internal/domain"
)

// KeyPrefixBn is the public prefix every issued gateway key carries.
const KeyPrefixBn = "bn-"

// keyPrefixLen is how many characters of the raw key persist as the public
// key_prefix (capped at 20 by the schema).
const keyPrefixLen = 12

// base32 without padding, lower-cased for readability in dashboards.
var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GeneratedKey is the one-time creation result. Plaintext is returned to
// the caller exactly once and never persisted.
type GeneratedKey struct {
	Plaintext string
	Hash      string
	Prefix    string
}

// GenerateKey mints a new raw key bn-<base32>, its SHA-256 hash, and the
// public prefix.
func GenerateKey() (*GeneratedKey, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	plaintext := KeyPrefixBn + strings.ToLower(keyEncoding.EncodeToString(raw))
	return &GeneratedKey{
		Plaintext: plaintext,
		Hash:      HashKey(plaintext),
		Prefix:    plaintext[:keyPrefixLen],
	}, nil
}

// HashKey returns the hex SHA-256 of a raw key. Lookup happens by this hash
// only; plaintext never touches storage.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidKeyFormat checks the bn- prefix and the minimum base32 payload
// length before any storage round trip.
func ValidKeyFormat(raw string) bool {
	if !strings.HasPrefix(raw, KeyPrefixBn) {
		return false
	}
	payload := raw[len(KeyPrefixBn):]
	if len(payload) < 15 {
		return false
	}
	_, err := keyEncoding.DecodeString(strings.ToUpper(payload))
	return err == nil
}

// KeyStore is the slice of storage the authenticator needs.
type KeyStore interface {
	GetKeyByHash(ctx context.Context, keyHash string) (*domain.GatewayKey, error)
}

// Authenticator resolves bearer tokens to gateway keys.
type Authenticator struct {
	store KeyStore
}

// NewAuthenticator creates a key authenticator over a key store.
func NewAuthenticator(store KeyStore) *Authenticator {
	return &Authenticator{store: store}
}

// RevokedKeyError rejects a revoked key while still naming its owner, so
// the attempt can be audited.
type RevokedKeyError struct {
	*domain.APIError
	OrgID string
	KeyID string
}

func (e *RevokedKeyError) Unwrap() error { return e.APIError }

// Authenticate resolves a raw bearer token. model, when non-empty, is also
// checked against the key's allow-list.
func (a *Authenticator) Authenticate(ctx context.Context, token, model string) (*domain.GatewayKey, error) {
	if !ValidKeyFormat(token) {
		return nil, domain.ErrInvalidKey("malformed API key")
	}

	key, err := a.store.GetKeyByHash(ctx, HashKey(token))
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, domain.ErrInvalidKey("unknown API key")
		}
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}

	if key.Revoked() {
		return nil, &RevokedKeyError{
			APIError: domain.ErrInvalidKey("API key has been revoked"),
			OrgID:    key.OrgID,
			KeyID:    key.ID,
		}
	}
	if model != "" && !key.ModelAllowed(model) {
		return nil, domain.ErrModelNotAllowed(model)
	}
	return key, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const scheme = "Bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(header[len(scheme):]), true
}
