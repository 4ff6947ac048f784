package store

import (
	"context"
	"errors"
	"time"

	"github.com/emberauth/ember/internal/token/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. Sub-repositories keep concerns tidy and testable.
type Store interface {
	SigningKeys() SigningKeys
	Tokens() Tokens
	Revocations() Revocations
	SecurityEvents() SecurityEvents
	MFASecrets() MFASecrets
	BackupCodes() BackupCodes

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, rolling back on error and
	// committing on nil. This is the recommended way to run multi-step
	// operations that must be atomic (refresh rotation, emergency key swap).
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos plus Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type SigningKeys interface {
	// CreateSigningKey stores a new key pair; the private half must already
	// be encrypted. The insert is transactional per key, partial writes are
	// not possible.
	CreateSigningKey(ctx context.Context, key domain.SigningKeyPair) error

	// GetSigningKeyByKid fetches a key by its identifier regardless of state.
	// Deactivated and expired keys stay resolvable until purged.
	GetSigningKeyByKid(ctx context.Context, kid string) (domain.SigningKeyPair, error)

	// GetActiveSigningKey returns the most-recently-activated key in active
	// state whose expiry has not passed.
	GetActiveSigningKey(ctx context.Context, now time.Time) (domain.SigningKeyPair, error)

	// ListSigningKeys returns every unpurged key, newest first.
	ListSigningKeys(ctx context.Context) ([]domain.SigningKeyPair, error)

	// ActivateSigningKey promotes a key to active and stamps activated_at.
	// Activating an already-active key is a no-op.
	ActivateSigningKey(ctx context.Context, kid string, at time.Time) error

	// DeactivateSigningKey marks a key deactivated with a reason. Already
	// deactivated keys are left untouched.
	DeactivateSigningKey(ctx context.Context, kid, reason string, at time.Time) error

	// MarkExpiredSigningKeys flips active/pending keys past their expires_at
	// into expired state. Returns the number of keys transitioned.
	MarkExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error)

	// DeleteSigningKeysExpiredBefore purges keys whose expiry predates the
	// cutoff (long retention bound, default 365 days).
	DeleteSigningKeysExpiredBefore(ctx context.Context, cutoff time.Time) error

	// DeletePendingSigningKeysBefore removes stale pending keys left behind
	// by concurrent first-use races.
	DeletePendingSigningKeysBefore(ctx context.Context, cutoff time.Time) error
}

type Tokens interface {
	// CreateToken stores the durable shadow of an issued token, including
	// its scopes.
	CreateToken(ctx context.Context, t domain.Token) error

	// GetTokenByID fetches a token record by its identifier (jti).
	GetTokenByID(ctx context.Context, id string) (domain.Token, error)

	// TouchTokenUsage stamps last_used_at. Best-effort bookkeeping.
	TouchTokenUsage(ctx context.Context, id string, at time.Time) error

	// RevokeToken flips revoked and records when and why.
	RevokeToken(ctx context.Context, id, reason string, at time.Time) error

	// ListActiveTokenIDsBySubject returns ids of non-revoked, non-expired
	// tokens owned by the subject. Used by revoke-all.
	ListActiveTokenIDsBySubject(ctx context.Context, subjectID string, now time.Time) ([]string, error)

	// DeleteTokensExpiredBefore purges tokens past their retention window.
	DeleteTokensExpiredBefore(ctx context.Context, cutoff time.Time) error
}

type Revocations interface {
	// CreateRevocation inserts a blacklist entry. Re-revoking is a no-op.
	CreateRevocation(ctx context.Context, e domain.RevocationEntry) error

	// GetRevocation returns the entry for a token id, or ErrNotFound.
	GetRevocation(ctx context.Context, tokenID string) (domain.RevocationEntry, error)

	// DeleteRevocationsExpiredBefore purges entries whose token would have
	// expired anyway.
	DeleteRevocationsExpiredBefore(ctx context.Context, cutoff time.Time) error
}

type SecurityEvents interface {
	// CreateSecurityEvent appends an event. Events are never updated.
	CreateSecurityEvent(ctx context.Context, e domain.SecurityEvent) error

	// CountFailuresBySubjectSince counts unsuccessful events for a subject
	// in the trailing window.
	CountFailuresBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int, error)

	// CountFailuresByIPSince counts unsuccessful events from an IP in the
	// trailing window.
	CountFailuresByIPSince(ctx context.Context, ip string, since time.Time) (int, error)

	// ListEventsBySubject returns the newest events for a subject.
	ListEventsBySubject(ctx context.Context, subjectID string, limit int) ([]domain.SecurityEvent, error)

	// DeleteSecurityEventsBefore applies the retention policy.
	DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time) error
}

type MFASecrets interface {
	// UpsertMFASecret stores or replaces a subject's encrypted TOTP seed.
	UpsertMFASecret(ctx context.Context, s domain.MFASecret) error

	// GetMFASecret returns the stored seed for a subject.
	GetMFASecret(ctx context.Context, subjectID string) (domain.MFASecret, error)

	// DeleteMFASecret removes the seed (MFA disable).
	DeleteMFASecret(ctx context.Context, subjectID string) error
}

type BackupCodes interface {
	// CreateBackupCode stores one bcrypt hash of a recovery code.
	CreateBackupCode(ctx context.Context, subjectID, codeHash string) error

	// ListBackupCodeHashes returns all stored hashes for a subject so the
	// service can compare a presented code against each.
	ListBackupCodeHashes(ctx context.Context, subjectID string) ([]string, error)

	// DeleteBackupCode removes a consumed code by its stored hash.
	DeleteBackupCode(ctx context.Context, subjectID, codeHash string) error

	// DeleteAllBackupCodes removes every code for a subject.
	DeleteAllBackupCodes(ctx context.Context, subjectID string) error
}
