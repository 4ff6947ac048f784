package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberauth/ember/internal/token/cache"
	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/pkg/cryptox"
	"github.com/emberauth/ember/pkg/idx"
	"github.com/emberauth/ember/pkg/jwtx"
	"github.com/emberauth/ember/pkg/slogx"
)

// Rotation defaults.
const (
	DefaultRSABits          = 2048
	DefaultRotationInterval = 30 * 24 * time.Hour
	DefaultRotationGrace    = 7 * 24 * time.Hour
	DefaultKeyRetention     = 365 * 24 * time.Hour

	// activeKidCacheKey holds the current issuance kid in the shared cache so
	// sibling instances converge quickly after a rotation.
	activeKidCacheKey = "signing:active-kid"
	activeKidCacheTTL = time.Minute
)

var (
	ErrKeyExpired     = errors.New("service: signing key expired")
	ErrKeyUnavailable = errors.New("service: no usable signing key")
)

// KeyRotationService owns the signing key lifecycle: generation, activation,
// scheduled rotation with a verification grace window, emergency revocation
// and public key-set publication. Private key material only ever exists in
// memory here; at rest it is AES-256-GCM ciphertext under the master key.
type KeyRotationService struct {
	Store store.Store
	Cache cache.Store
	Keys  *jwtx.KeySet

	RSABits          int
	RotationInterval time.Duration
	GracePeriod      time.Duration

	// Now is swappable for tests. Nil means time.Now.
	Now func() time.Time
}

func (s *KeyRotationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *KeyRotationService) rsaBits() int {
	if s.RSABits > 0 {
		return s.RSABits
	}
	return DefaultRSABits
}

func (s *KeyRotationService) rotationInterval() time.Duration {
	if s.RotationInterval > 0 {
		return s.RotationInterval
	}
	return DefaultRotationInterval
}

func (s *KeyRotationService) gracePeriod() time.Duration {
	if s.GracePeriod > 0 {
		return s.GracePeriod
	}
	return DefaultRotationGrace
}

// keyLifetime is how long a key remains valid for verification: one rotation
// interval of issuance plus the grace window for in-flight tokens.
func (s *KeyRotationService) keyLifetime() time.Duration {
	return s.rotationInterval() + s.gracePeriod()
}

// GenerateKeyPair creates a new pending RSA key pair. The private half is
// encrypted before it touches the store; generation failure leaves the
// current active key untouched.
func (s *KeyRotationService) GenerateKeyPair(ctx context.Context) (domain.SigningKeyPair, error) {
	return s.generateKeyPair(ctx, s.Store.SigningKeys())
}

func (s *KeyRotationService) generateKeyPair(ctx context.Context, repo store.SigningKeys) (domain.SigningKeyPair, error) {
	bits := s.rsaBits()

	privatePEM, err := cryptox.GenerateRSAKey(bits)
	if err != nil {
		return domain.SigningKeyPair{}, fmt.Errorf("service: generate signing key: %w", err)
	}

	publicPEM, err := cryptox.RSAPublicPEM(privatePEM)
	if err != nil {
		return domain.SigningKeyPair{}, fmt.Errorf("service: derive public key: %w", err)
	}

	encrypted, err := cryptox.EncryptPrivateKey(privatePEM)
	if err != nil {
		return domain.SigningKeyPair{}, fmt.Errorf("service: encrypt signing key: %w", err)
	}

	keyRef, err := cryptox.MasterKeyRef()
	if err != nil {
		return domain.SigningKeyPair{}, fmt.Errorf("service: resolve master key: %w", err)
	}

	kid, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return domain.SigningKeyPair{}, fmt.Errorf("service: generate kid: %w", err)
	}

	now := s.now()
	key := domain.SigningKeyPair{
		ID:                  idx.New().String(),
		Kid:                 "ember-" + kid,
		Algorithm:           jwtx.AlgorithmRS256,
		KeySizeBits:         bits,
		PublicKeyPEM:        publicPEM,
		PrivateKeyEncrypted: encrypted,
		EncryptionKeyRef:    keyRef,
		State:               domain.KeyStatePending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.keyLifetime()),
	}

	if err := repo.CreateSigningKey(ctx, key); err != nil {
		return domain.SigningKeyPair{}, fmt.Errorf("service: store signing key: %w", err)
	}

	return key, nil
}

// Activate promotes a pending key to active. Activating an already-active key
// is a no-op; activating an expired key is refused.
func (s *KeyRotationService) Activate(ctx context.Context, kid string) error {
	return s.activate(ctx, s.Store.SigningKeys(), kid)
}

func (s *KeyRotationService) activate(ctx context.Context, repo store.SigningKeys, kid string) error {
	key, err := repo.GetSigningKeyByKid(ctx, kid)
	if err != nil {
		return fmt.Errorf("service: activate key %s: %w", kid, err)
	}

	if key.State == domain.KeyStateActive {
		return nil
	}
	if key.IsExpired(s.now()) || key.State == domain.KeyStateExpired {
		return ErrKeyExpired
	}
	if key.State == domain.KeyStateDeactivated {
		return fmt.Errorf("service: activate key %s: key is deactivated", kid)
	}

	if err := repo.ActivateSigningKey(ctx, kid, s.now()); err != nil {
		return fmt.Errorf("service: activate key %s: %w", kid, err)
	}

	s.loadVerificationKey(key)
	s.invalidateActiveKid(ctx)
	return nil
}

// ActiveSigningKey returns the most-recently-activated non-expired key,
// generating and activating one when none exists. Safe under concurrent
// first-use races: both racers may create a key, callers converge on
// whichever activation landed last, and stale pending keys are janitor food.
func (s *KeyRotationService) ActiveSigningKey(ctx context.Context) (domain.SigningKeyPair, error) {
	if kid, ok := s.cachedActiveKid(ctx); ok {
		key, err := s.Store.SigningKeys().GetSigningKeyByKid(ctx, kid)
		if err == nil && key.UsableForIssuance(s.now()) {
			s.loadVerificationKey(key)
			return key, nil
		}
	}

	key, err := s.Store.SigningKeys().GetActiveSigningKey(ctx, s.now())
	if err == nil {
		s.loadVerificationKey(key)
		s.cacheActiveKid(ctx, key.Kid)
		return key, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.SigningKeyPair{}, fmt.Errorf("service: resolve active key: %w", err)
	}

	// Self-healing first use: no active key exists yet.
	created, err := s.GenerateKeyPair(ctx)
	if err != nil {
		return domain.SigningKeyPair{}, errors.Join(ErrKeyUnavailable, err)
	}
	if err := s.Activate(ctx, created.Kid); err != nil {
		return domain.SigningKeyPair{}, errors.Join(ErrKeyUnavailable, err)
	}

	key, err = s.Store.SigningKeys().GetActiveSigningKey(ctx, s.now())
	if err != nil {
		return domain.SigningKeyPair{}, errors.Join(ErrKeyUnavailable, err)
	}
	s.loadVerificationKey(key)
	s.cacheActiveKid(ctx, key.Kid)
	return key, nil
}

// ActiveSigner returns a ready-to-use signer for the active key.
func (s *KeyRotationService) ActiveSigner(ctx context.Context) (*jwtx.Signer, error) {
	key, err := s.ActiveSigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return s.signerFor(key)
}

func (s *KeyRotationService) signerFor(key domain.SigningKeyPair) (*jwtx.Signer, error) {
	privatePEM, err := cryptox.DecryptPrivateKey(key.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("service: unwrap key %s: %w", key.Kid, err)
	}
	signer, err := jwtx.NewSignerRS256(key.Kid, privatePEM)
	if err != nil {
		return nil, fmt.Errorf("service: load key %s: %w", key.Kid, err)
	}
	return signer, nil
}

// KeyForVerification resolves a key by kid regardless of state. Expired and
// deactivated keys stay resolvable so tokens they signed verify until the
// tokens themselves expire. The public key is backfilled into the KeySet.
func (s *KeyRotationService) KeyForVerification(ctx context.Context, kid string) (domain.SigningKeyPair, error) {
	key, err := s.Store.SigningKeys().GetSigningKeyByKid(ctx, kid)
	if err != nil {
		return domain.SigningKeyPair{}, fmt.Errorf("service: resolve key %s: %w", kid, err)
	}
	s.loadVerificationKey(key)
	return key, nil
}

func (s *KeyRotationService) loadVerificationKey(key domain.SigningKeyPair) {
	if s.Keys == nil || s.Keys.Has(key.Kid) {
		return
	}
	pub, err := cryptox.ParseRSAPublicKey(key.PublicKeyPEM)
	if err != nil {
		return
	}
	s.Keys.Add(key.Kid, pub)
}

// LoadVerificationKeys primes the KeySet with every stored key. Called at
// startup so historical kids verify without a store round trip per token.
func (s *KeyRotationService) LoadVerificationKeys(ctx context.Context) error {
	keys, err := s.Store.SigningKeys().ListSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("service: load verification keys: %w", err)
	}
	for _, key := range keys {
		s.loadVerificationKey(key)
	}
	return nil
}

// PublicKeySet returns the published JWKS: the active key plus keys inside
// their verification grace window. Private material never appears here.
func (s *KeyRotationService) PublicKeySet(ctx context.Context) (jwtx.JWKS, error) {
	keys, err := s.Store.SigningKeys().ListSigningKeys(ctx)
	if err != nil {
		return jwtx.JWKS{}, fmt.Errorf("service: list keys: %w", err)
	}

	now := s.now()
	var set jwtx.JWKS
	for _, key := range keys {
		if !s.publishable(key, now) {
			continue
		}
		pub, err := cryptox.ParseRSAPublicKey(key.PublicKeyPEM)
		if err != nil {
			continue
		}
		set.Keys = append(set.Keys, jwtx.NewRSAJWK(key.Kid, "sig", key.Algorithm, pub))
	}
	return set, nil
}

func (s *KeyRotationService) publishable(key domain.SigningKeyPair, now time.Time) bool {
	switch key.State {
	case domain.KeyStateActive:
		return !key.IsExpired(now)
	case domain.KeyStateDeactivated:
		return key.DeactivatedAt != nil && now.Sub(*key.DeactivatedAt) <= s.gracePeriod()
	case domain.KeyStateExpired:
		return now.Sub(key.ExpiresAt) <= s.gracePeriod()
	default:
		return false
	}
}

// RotateIfDue rotates the active key once its age exceeds the rotation
// interval, then deactivates superseded keys whose grace window has elapsed.
// A failed rotation leaves the previous key active rather than keyless.
func (s *KeyRotationService) RotateIfDue(ctx context.Context) error {
	now := s.now()
	l := slogx.FromContext(ctx)

	active, err := s.ActiveSigningKey(ctx)
	if err != nil {
		return err
	}

	activatedAt := active.CreatedAt
	if active.ActivatedAt != nil {
		activatedAt = *active.ActivatedAt
	}

	if now.Sub(activatedAt) >= s.rotationInterval() {
		replacement, err := s.replaceActiveKey(ctx, active.Kid, "superseded by scheduled rotation", false)
		if err != nil {
			return fmt.Errorf("service: scheduled rotation: %w", err)
		}
		l.Info("rotated signing key",
			slog.String("old_kid", active.Kid),
			slog.String("new_kid", replacement.Kid))
	}

	return s.deactivateSupersededKeys(ctx, now)
}

// deactivateSupersededKeys retires active keys, other than the newest
// activation, whose grace window since being superseded has elapsed.
func (s *KeyRotationService) deactivateSupersededKeys(ctx context.Context, now time.Time) error {
	keys, err := s.Store.SigningKeys().ListSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("service: list keys: %w", err)
	}

	var newest *domain.SigningKeyPair
	for i := range keys {
		key := &keys[i]
		if key.State != domain.KeyStateActive || key.ActivatedAt == nil {
			continue
		}
		if newest == nil || key.ActivatedAt.After(*newest.ActivatedAt) {
			newest = key
		}
	}
	if newest == nil {
		return nil
	}

	for _, key := range keys {
		if key.State != domain.KeyStateActive || key.Kid == newest.Kid {
			continue
		}
		supersededAt := *newest.ActivatedAt
		if now.Sub(supersededAt) < s.gracePeriod() {
			continue
		}
		if err := s.Store.SigningKeys().DeactivateSigningKey(ctx, key.Kid, "rotation grace elapsed", now); err != nil {
			return fmt.Errorf("service: deactivate superseded key %s: %w", key.Kid, err)
		}
	}
	return nil
}

// EmergencyRevoke deactivates a key and activates a replacement in one
// transaction. At no observable point is the service without an active key.
func (s *KeyRotationService) EmergencyRevoke(ctx context.Context, kid, reason string) (domain.SigningKeyPair, error) {
	return s.replaceActiveKey(ctx, kid, reason, true)
}

// replaceActiveKey generates, stores and activates a replacement key and,
// when deactivateOld is set, deactivates the old key in the same transaction.
func (s *KeyRotationService) replaceActiveKey(ctx context.Context, oldKid, reason string, deactivateOld bool) (domain.SigningKeyPair, error) {
	var replacement domain.SigningKeyPair

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		created, err := s.generateKeyPair(ctx, tx.SigningKeys())
		if err != nil {
			return err
		}
		if err := tx.SigningKeys().ActivateSigningKey(ctx, created.Kid, s.now()); err != nil {
			return err
		}
		if deactivateOld {
			if err := tx.SigningKeys().DeactivateSigningKey(ctx, oldKid, reason, s.now()); err != nil {
				return err
			}
		}
		replacement = created
		return nil
	})
	if err != nil {
		return domain.SigningKeyPair{}, err
	}

	replacement.State = domain.KeyStateActive
	s.loadVerificationKey(replacement)
	s.invalidateActiveKid(ctx)
	return replacement, nil
}

func (s *KeyRotationService) cachedActiveKid(ctx context.Context) (string, bool) {
	if s.Cache == nil {
		return "", false
	}
	kid, ok, err := s.Cache.Get(ctx, activeKidCacheKey)
	if err != nil || !ok {
		return "", false
	}
	return kid, true
}

func (s *KeyRotationService) cacheActiveKid(ctx context.Context, kid string) {
	if s.Cache == nil {
		return
	}
	_ = s.Cache.Set(ctx, activeKidCacheKey, kid, activeKidCacheTTL)
}

func (s *KeyRotationService) invalidateActiveKid(ctx context.Context) {
	if s.Cache == nil {
		return
	}
	_ = s.Cache.Del(ctx, activeKidCacheKey)
}
