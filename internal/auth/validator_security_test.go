package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A token signed with RS256 must be rejected on the signing method itself,
// not on signature verification — returning the HMAC secret for a
// non-HMAC method is the classic algorithm-confusion vulnerability.
func TestValidator_AlgorithmConfusion(t *testing.T) {
	v, err := NewValidator("this-is-a-very-long-secret-key-for-testing-purposes")
	require.NoError(t, err)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing method RS256 is invalid", "must fail on method check, not signature verification")
}

// The "none" algorithm must never be accepted even with a syntactically
// valid unsigned token.
func TestValidator_RejectsNoneAlgorithm(t *testing.T) {
	v, err := NewValidator("this-is-a-very-long-secret-key-for-testing-purposes")
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidator_RejectsWrongSecret(t *testing.T) {
	v, err := NewValidator("this-is-a-very-long-secret-key-for-testing-purposes")
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("a-completely-different-secret-of-sufficient-len"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidator_RejectsExpiredToken(t *testing.T) {
	secret := "this-is-a-very-long-secret-key-for-testing-purposes"
	v, err := NewValidator(secret)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidator_RejectsTokenWithoutExpiry(t *testing.T) {
	secret := "this-is-a-very-long-secret-key-for-testing-purposes"
	v, err := NewValidator(secret)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}
