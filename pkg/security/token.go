package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "runway"

// TokenManager issues and verifies den-auth bearer tokens.
//
// Tokens are HS256 JWTs signed with a key shared between the issuer (the
// CLI's `runway token issue`) and every dispatch server that requires den
// auth. Revoked token IDs are remembered until their expiry.
type TokenManager struct {
	key     []byte
	revoked map[string]time.Time
	mu      sync.RWMutex
	now     func() time.Time
}

// Token is an issued bearer token
type Token struct {
	Token     string
	ID        string
	Subject   string
	ExpiresAt time.Time
}

// Claims are the verified contents of a token
type Claims struct {
	jwt.RegisteredClaims
}

// NewTokenManager creates a token manager with the given signing key
func NewTokenManager(key []byte) (*TokenManager, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("token signing key must be at least 32 bytes, got %d", len(key))
	}
	return &TokenManager{
		key:     key,
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}, nil
}

// Issue signs a new token for subject valid for ttl
func (tm *TokenManager) Issue(subject string, ttl time.Duration) (*Token, error) {
	if subject == "" {
		return nil, fmt.Errorf("token subject cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}

	now := tm.now()
	id := uuid.NewString()
	exp := now.Add(ttl).Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{Token: signed, ID: id, Subject: subject, ExpiresAt: exp}, nil
}

// Validate verifies a token's signature, expiry and revocation status.
// Every failure wraps errdefs.ErrAuth.
func (tm *TokenManager) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", errdefs.ErrAuth)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return tm.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", errdefs.ErrAuth)
		}
		return nil, fmt.Errorf("invalid token: %v: %w", err, errdefs.ErrAuth)
	}

	tm.mu.RLock()
	_, revoked := tm.revoked[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, fmt.Errorf("token revoked: %w", errdefs.ErrAuth)
	}

	return claims, nil
}

// Revoke rejects a token ID until expiresAt
func (tm *TokenManager) Revoke(id string, expiresAt time.Time) {
	tm.mu.Lock()
	tm.revoked[id] = expiresAt
	tm.mu.Unlock()
}

// CleanupExpired forgets revocations whose tokens have expired anyway
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	for id, exp := range tm.revoked {
		if now.After(exp) {
			delete(tm.revoked, id)
		}
	}
}
