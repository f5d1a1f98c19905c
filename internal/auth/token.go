// Package auth handles the client side of relay authentication: carrying
// a bearer token, inspecting its claims to know when a refresh is due, and
// minting development tokens against a shared-secret relay.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the relay issues to chat participants.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Credentials identify this client to the relay.
type Credentials struct {
	UserID string
	Token  string
}

// TokenConfig holds signing parameters for development tokens.
type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
}

// GenerateToken mints an HS256 token for userID. Meant for development
// against a shared-secret relay; production tokens come from the platform's
// session service.
func GenerateToken(cfg *TokenConfig, userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ParseClaims decodes the token's claims without verifying the signature.
// The client only needs the expiry to schedule a refresh; verification is
// the relay's job.
func ParseClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// ExpiresWithin reports whether the credential token expires within d.
// Tokens that cannot be parsed, or carry no expiry, are treated as
// non-expiring.
func (c Credentials) ExpiresWithin(d time.Duration) bool {
	claims, err := ParseClaims(c.Token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < d
}
