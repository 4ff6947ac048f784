package jwtx

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "typ" claim. Validation refuses to treat one
// type as another (a refresh token can never pass as an access token).
const (
	TokenTypeAccess   = "access"
	TokenTypeRefresh  = "refresh"
	TokenTypeIdentity = "identity"
)

// Default token TTLs. Callers may override per request.
const (
	DefaultAccessTokenTTL   = 15 * time.Minute
	DefaultRefreshTokenTTL  = 7 * 24 * time.Hour
	DefaultIdentityTokenTTL = time.Hour
)

// Claims are the claims embedded in every signed token. The registered "jti"
// claim doubles as the durable token record identifier.
type Claims struct {
	jwt.RegisteredClaims

	// TokenType is one of access, refresh, identity.
	TokenType string `json:"typ,omitempty"`

	// ClientID identifies the OAuth2 client the token was issued through.
	ClientID string `json:"cid,omitempty"`

	// Scopes granted to this token.
	Scopes []string `json:"scp,omitempty"`
}

// NewTokenClaims builds minimally-correct claims for a token of the given type.
func NewTokenClaims(
	tokenID, subject, clientID, tokenType string,
	scopes []string,
	ttl time.Duration,
	issuer string,
	audience []string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: tokenType,
		ClientID:  clientID,
		Scopes:    scopes,
	}
}

// ValidateIssuer checks the issuer claim against the expected value.
// An empty expectation enforces nothing.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil
	}
	if c.Issuer != expected {
		return ErrIssuer
	}
	return nil
}

// ValidateAudience requires at least one expected audience to be present.
func (c *Claims) ValidateAudience(expected []string) error {
	if len(expected) == 0 {
		return nil
	}
	for _, want := range expected {
		if slices.Contains(c.Audience, want) {
			return nil
		}
	}
	return ErrAudience
}

// ValidateExpiry ensures the token is inside its [nbf, exp) validity window.
func (c *Claims) ValidateExpiry(now time.Time) error {
	now = now.UTC()
	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Time) {
		return ErrExpired
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time) {
		return ErrNotYetValid
	}
	return nil
}

// HasScopes reports whether the claims carry every required scope.
func (c *Claims) HasScopes(required []string) bool {
	for _, want := range required {
		if !slices.Contains(c.Scopes, want) {
			return false
		}
	}
	return true
}
