package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestFromToken(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{
		"sub":      "user-42",
		"username": "ada",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	id, err := FromToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.ClientID)
	assert.Equal(t, "ada", id.DisplayName)
	assert.False(t, id.Anonymous)
}

func TestFromToken_Expired(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := FromToken(tok)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestFromToken_MissingSubject(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"username": "ada"})
	_, err := FromToken(tok)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestFromToken_Garbage(t *testing.T) {
	_, err := FromToken("not.a.token")
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestResolve(t *testing.T) {
	valid := signedToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	id, err := Resolve(valid, false)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ClientID)

	// No token, anonymous disallowed.
	_, err = Resolve("", false)
	assert.ErrorIs(t, err, ErrNoIdentity)

	// No token, anonymous allowed.
	id, err = Resolve("", true)
	require.NoError(t, err)
	assert.True(t, id.Anonymous)
	assert.True(t, strings.HasPrefix(id.ClientID, "anon-"))

	// Bad token falls back to anonymous only when allowed.
	_, err = Resolve("garbage", false)
	assert.ErrorIs(t, err, ErrNoIdentity)
	id, err = Resolve("garbage", true)
	require.NoError(t, err)
	assert.True(t, id.Anonymous)
}

func TestAnonymous_UniqueIDs(t *testing.T) {
	a, b := Anonymous(), Anonymous()
	assert.NotEqual(t, a.ClientID, b.ClientID)
}
