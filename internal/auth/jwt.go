package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"bonito/internal/cache"
	"bonito/internal/domain"
)

const (
	accessTTL  = 30 * time.Minute
	refreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims are the control-plane JWT claims.
type Claims struct {
	OrgID           string   `json:"org_id"`
	Role            string   `json:"role"`
	RoleAssignments []string `json:"role_assignments,omitempty"`
	Type            string   `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair is one issued access/refresh set.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenService issues and verifies HS256 session tokens. The active refresh
// token per user lives in the shared cache under session:{user_id}; rotation
// replaces it, which invalidates the previous refresh token everywhere.
type TokenService struct {
	secret []byte
	cache  cache.Cache
	now    func() time.Time
}

// NewTokenService creates a token service. secret is SECRET_KEY.
func NewTokenService(secret string, c cache.Cache) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	return &TokenService{secret: []byte(secret), cache: c, now: time.Now}, nil
}

func sessionKey(userID string) string { return "session:" + userID }

func (s *TokenService) sign(user *domain.User, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		OrgID: user.OrgID,
		Role:  string(user.Role),
		Type:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Issue mints an access/refresh pair and records the refresh token as the
// user's active session.
func (s *TokenService) Issue(ctx context.Context, user *domain.User) (*TokenPair, error) {
	access, err := s.sign(user, tokenTypeAccess, accessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := s.sign(user, tokenTypeRefresh, refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	if err := s.cache.Set(ctx, sessionKey(user.ID), refresh, refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(accessTTL.Seconds()),
	}, nil
}

func (s *TokenService) parse(token, wantType string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !parsed.Valid {
		return nil, domain.ErrInvalidToken("invalid or expired token")
	}
	if claims.Type != wantType {
		return nil, domain.ErrInvalidToken("wrong token type")
	}
	return claims, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(token string) (*Claims, error) {
	return s.parse(token, tokenTypeAccess)
}

// Refresh rotates a session: the presented refresh token must match the
// active session exactly, and a new pair replaces it.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, *Claims, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, nil, err
	}

	active, err := s.cache.Get(ctx, sessionKey(claims.Subject))
	if err != nil || active != refreshToken {
		return nil, nil, domain.ErrInvalidToken("session expired")
	}

	user := &domain.User{
		ID:    claims.Subject,
		OrgID: claims.OrgID,
		Role:  domain.UserRole(claims.Role),
	}
	pair, err := s.Issue(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return pair, claims, nil
}

// Revoke drops the user's active session.
func (s *TokenService) Revoke(ctx context.Context, userID string) error {
	return s.cache.Del(ctx, sessionKey(userID))
}

// HashPassword bcrypt-hashes a control-plane password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a candidate password against its stored hash.
func CheckPassword(hashed, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
