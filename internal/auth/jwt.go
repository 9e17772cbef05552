// Package auth issues and validates the signed API keys accepted by the
// admin endpoints.
package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyPrefix marks gateway-issued API keys.
const APIKeyPrefix = "gatebox-"

// TokenTTL is the lifetime of issued tokens.
const TokenTTL = 24 * time.Hour

// JWTManager signs and validates HS256 tokens.
type JWTManager struct {
	secretKey string
}

// Claims carries the client identity alongside the registered claims.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a manager around a shared secret.
func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{secretKey: secretKey}
}

// GenerateToken issues a signed token for the client.
func (j *JWTManager) GenerateToken(clientID string) (string, error) {
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(j.secretKey))
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken parses a bare JWT and returns its claims.
func (j *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// GenerateAPIKey issues a token and wraps it as a prefixed API key. The JWT
// is base64-encoded with padding stripped so the key stays header-safe.
func (j *JWTManager) GenerateAPIKey(clientID string) (string, error) {
	jwtToken, err := j.GenerateToken(clientID)
	if err != nil {
		return "", err
	}

	encoded := base64.URLEncoding.EncodeToString([]byte(jwtToken))
	encoded = strings.TrimRight(encoded, "=")
	return APIKeyPrefix + encoded, nil
}

// ValidateAPIKey unwraps a prefixed API key and validates the embedded JWT.
// A leading "Bearer " is tolerated.
func (j *JWTManager) ValidateAPIKey(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	if !strings.HasPrefix(tokenString, APIKeyPrefix) {
		return nil, fmt.Errorf("invalid API key format: must start with %q", APIKeyPrefix)
	}
	encoded := tokenString[len(APIKeyPrefix):]

	// Restore the padding stripped at issue time.
	if padding := len(encoded) % 4; padding != 0 {
		encoded += strings.Repeat("=", 4-padding)
	}
	jwtBytes, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode API key: %w", err)
	}

	return j.ValidateToken(string(jwtBytes))
}

// IsAPIKeyFormat reports whether the token looks like a prefixed API key.
func (j *JWTManager) IsAPIKeyFormat(tokenString string) bool {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	return strings.HasPrefix(tokenString, APIKeyPrefix)
}
