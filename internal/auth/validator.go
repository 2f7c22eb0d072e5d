// Package auth validates the short-lived signed session tokens issued by
// the catalog/user service. The token is a shared-secret HMAC JWT: the
// catalog service signs it when it hands a client off to the realtime
// service, and this package verifies signature and expiry and extracts the
// identity the gateway caches on the connection.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

// CustomClaims are the claims the catalog service embeds in a session
// token: the registered subject (user ID) plus display data.
type CustomClaims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into the gateway's cached identity.
func (c *CustomClaims) Identity() *types.Claims {
	display := c.Name
	if display == "" && c.Email != "" {
		if at := strings.IndexByte(c.Email, '@'); at > 0 {
			display = c.Email[:at]
		}
	}
	if display == "" {
		display = c.Subject
	}
	out := &types.Claims{
		UserID:      types.UserIDType(c.Subject),
		Email:       c.Email,
		DisplayName: display,
		Picture:     c.Picture,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}

// Validator verifies HMAC-signed session tokens against the shared secret.
type Validator struct {
	secret []byte
}

// NewValidator builds a Validator from the shared signing secret. The
// secret's minimum length is enforced by config.ValidateEnv at startup.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is empty")
	}
	return &Validator{secret: []byte(secret)}, nil
}

// ValidateToken parses and verifies a session token. Only HS256 is
// accepted: the signing method is checked before any key material is
// handed to the library, so an RS256/none token is rejected up front
// rather than reaching signature verification with the wrong key kind.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, keyFunc,
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// GetAllowedOriginsFromEnv reads the comma-separated origin allowlist from
// envVarName, trimming whitespace and dropping empty entries. The defaults
// are used when the variable is unset or holds nothing usable.
// Example: ALLOWED_ORIGINS="http://localhost:3000,https://quiz.example.com"
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	var origins []string
	for _, o := range strings.Split(os.Getenv(envVarName), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		logging.Warn(context.Background(), "origin allowlist not configured, using development defaults",
			zap.String("env", envVarName), zap.Strings("defaults", defaultEnvs))
		return defaultEnvs
	}
	return origins
}

// MockValidator is a development-only token validator that accepts any token
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	// For development, parse the JWT payload without verifying the
	// signature so the user ID matches what the frontend thinks it sent.
	var subject, name, email string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
				logging.Info(context.Background(), "MockValidator parsed JWT", zap.String("subject", subject), zap.String("name", name), zap.String("email", logging.RedactEmail(email)))
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}

	claims := &CustomClaims{
		Name:  name,
		Email: email,
	}
	claims.Subject = subject
	return claims, nil
}
