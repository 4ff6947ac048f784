package domain

import "time"

// Signing key lifecycle states. A key is created pending, promoted to active
// for issuance, and leaves service either by expiring past its ExpiresAt or by
// being deactivated early (scheduled rotation grace elapsing, or emergency
// revocation). Deactivated and expired keys remain resolvable for verification
// until purged so tokens they signed stay verifiable to their own expiry.
const (
	KeyStatePending     = "pending"
	KeyStateActive      = "active"
	KeyStateExpired     = "expired"
	KeyStateDeactivated = "deactivated"
)

// SigningKeyPair is an RSA key pair stored with its lifecycle state. The
// private half is only ever held as AES-256-GCM ciphertext together with a
// reference to the master key that wrapped it.
type SigningKeyPair struct {
	ID                  string // ULID
	Kid                 string // key identifier published in the JWKS and stamped into token headers
	Algorithm           string // always RS256
	KeySizeBits         int
	PublicKeyPEM        []byte
	PrivateKeyEncrypted []byte
	EncryptionKeyRef    string // which master key wrapped the private half
	State               string
	CreatedAt           time.Time
	ActivatedAt         *time.Time
	ExpiresAt           time.Time
	DeactivatedAt       *time.Time
	DeactivatedReason   string
}

// IsExpired reports whether the key has passed its expiry clock.
func (k *SigningKeyPair) IsExpired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// UsableForIssuance reports whether the key may sign new tokens.
func (k *SigningKeyPair) UsableForIssuance(now time.Time) bool {
	return k.State == KeyStateActive && !k.IsExpired(now)
}
