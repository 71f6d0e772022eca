package security

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenManager(t *testing.T) *TokenManager {
	t.Helper()
	tm, err := NewTokenManager(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	return tm
}

func TestTokenManager_IssueValidate(t *testing.T) {
	tm := newTestTokenManager(t)

	tok, err := tm.Issue("alice", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.NotEmpty(t, tok.ID)

	claims, err := tm.Validate(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, tok.ID, claims.ID)
}

func TestTokenManager_Rejects(t *testing.T) {
	tm := newTestTokenManager(t)
	other, err := NewTokenManager(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)

	foreign, err := other.Issue("mallory", time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "mallory",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  tokenIssuer,
		Subject: "mallory",
	}).SignedString(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":       "",
		"garbage":     "not-a-jwt",
		"wrong key":   foreign.Token,
		"alg none":    unsigned,
		"missing exp": noExp,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tm.Validate(token)
			assert.ErrorIs(t, err, errdefs.ErrAuth)
		})
	}
}

func TestTokenManager_Expiry(t *testing.T) {
	tm := newTestTokenManager(t)
	now := time.Now()
	tm.now = func() time.Time { return now }

	tok, err := tm.Issue("alice", time.Minute)
	require.NoError(t, err)

	tm.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = tm.Validate(tok.Token)
	assert.ErrorIs(t, err, errdefs.ErrAuth)
	assert.Contains(t, err.Error(), "expired")
}

func TestTokenManager_Revoke(t *testing.T) {
	tm := newTestTokenManager(t)

	tok, err := tm.Issue("alice", time.Hour)
	require.NoError(t, err)

	tm.Revoke(tok.ID, tok.ExpiresAt)
	_, err = tm.Validate(tok.Token)
	assert.ErrorIs(t, err, errdefs.ErrAuth)

	tm.now = func() time.Time { return tok.ExpiresAt.Add(time.Second) }
	tm.CleanupExpired()
	assert.Empty(t, tm.revoked)
}

func TestNewTokenManager_ShortKey(t *testing.T) {
	_, err := NewTokenManager([]byte("short"))
	assert.Error(t, err)

	tm := newTestTokenManager(t)
	_, err = tm.Issue("", time.Hour)
	assert.Error(t, err)
	_, err = tm.Issue("alice", 0)
	assert.Error(t, err)
}
