package domain

import "time"

// Token types issued by the service.
const (
	TokenTypeAccess   = "access"
	TokenTypeRefresh  = "refresh"
	TokenTypeIdentity = "identity"
)

// TokenSet is what a successful issuance returns: the signed compact JWTs.
type TokenSet struct {
	AccessToken   string        `json:"access_token"`
	RefreshToken  string        `json:"refresh_token"`
	IdentityToken string        `json:"identity_token,omitempty"`
	TokenType     string        `json:"token_type,omitempty"` // "Bearer"
	ExpiresIn     time.Duration `json:"expires_in"`           // access token lifetime
	Scope         string        `json:"scope,omitempty"`      // space-delimited
}

// Token is the durable shadow of an issued signed token. The signed token
// itself is never stored; TokenHash is a SHA-256 fingerprint that lets a
// presented token be matched without retaining bearer secrets at rest.
type Token struct {
	ID            string // ULID, embedded in the JWT as its jti claim
	SubjectID     string
	ClientID      string
	Type          string // access, refresh, identity
	Scopes        []string
	Audience      []string
	Issuer        string
	TokenHash     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	NotBefore     *time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason string
	LastUsedAt    *time.Time
	SourceIP      string
	UserAgent     string
}

// IsExpired reports whether the token is past its expiry.
func (t *Token) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RevocationEntry is a blacklist row consulted on every validation. ExpiresAt
// is copied from the original token so entries can be purged once the token
// would have expired anyway.
type RevocationEntry struct {
	TokenID   string
	SubjectID string
	Type      string
	RevokedAt time.Time
	ExpiresAt time.Time
	Reason    string
}
