// Package crypto implements the credential vault: authenticated encryption
// for provider credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey is returned when the encryption key is not 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key: must be 32 bytes")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when authentication fails. GCM cannot
	// distinguish a wrong key from a tampered ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed: authentication failed")
)

// Vault seals and opens provider credentials with AES-256-GCM. The stored
// form is base64(nonce || ciphertext); the nonce is fresh per encryption so
// equal plaintexts never produce equal ciphertexts.
type Vault struct {
	gcm   cipher.AEAD
	keyID string
}

// NewVault creates a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Key ID for rotation tracking, derived from the key hash.
	keyHash := sha256.Sum256(key)
	keyID := base64.RawURLEncoding.EncodeToString(keyHash[:8])

	return &Vault{gcm: gcm, keyID: keyID}, nil
}

// NewVaultFromString creates a vault from a base64-encoded 32-byte key.
func NewVaultFromString(encodedKey string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return NewVault(key)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens base64(nonce || ciphertext) and returns the plaintext.
func (v *Vault) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := v.gcm.NonceSize()
	if len(ciphertext) < nonceSize+v.gcm.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}

	nonce := ciphertext[:nonceSize]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// EncryptCredentials marshals a credential map to JSON and seals it. This is
// the only form provider credentials take at rest.
func (v *Vault) EncryptCredentials(creds map[string]string) (string, error) {
	if len(creds) == 0 {
		return "", errors.New("empty credentials")
	}

	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return v.Encrypt(string(raw))
}

// DecryptCredentials opens sealed credentials back into a map.
func (v *Vault) DecryptCredentials(encoded string) (map[string]string, error) {
	plaintext, err := v.Decrypt(encoded)
	if err != nil {
		return nil, err
	}

	var creds map[string]string
	if err := json.Unmarshal([]byte(plaintext), &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}

// KeyID identifies the active key for rotation tracking.
func (v *Vault) KeyID() string {
	return v.keyID
}

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateKeyString returns a random 32-byte key as base64.
func GenerateKeyString() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
