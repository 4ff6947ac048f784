package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emberauth/ember/internal/token/cache"
	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/pkg/cryptox"
	"github.com/emberauth/ember/pkg/idx"
	"github.com/emberauth/ember/pkg/jwtx"
	"github.com/emberauth/ember/pkg/slogx"
)

func newTokenID() string { return idx.New().String() }

// Validation outcomes. Callers dispatch on these with errors.Is so a revoked
// token is distinguishable from a cryptographically broken one.
var (
	ErrMalformed         = errors.New("malformed_token")
	ErrExpired           = errors.New("token_expired")
	ErrRevoked           = errors.New("token_revoked")
	ErrAudienceMismatch  = errors.New("audience_mismatch")
	ErrIssuerMismatch    = errors.New("issuer_mismatch")
	ErrInsufficientScope = errors.New("insufficient_scope")
	ErrWrongTokenType    = errors.New("wrong_token_type")
	ErrSubjectLocked     = errors.New("subject_locked")
)

const revokedCachePrefix = "revoked:"

// TokenService issues, validates, refreshes and revokes signed tokens. Every
// token carries the active key's kid in its header and a ULID jti that keys
// its durable shadow record and any revocation entry.
type TokenService struct {
	Store    store.Store
	Cache    cache.Store
	Rotation *KeyRotationService
	Events   *SecurityEventService
	Keys     *jwtx.KeySet

	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	IdentityTTL time.Duration

	// Now is swappable for tests. Nil means time.Now.
	Now func() time.Time
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *TokenService) accessTTL() time.Duration {
	if s.AccessTTL != 0 {
		return s.AccessTTL
	}
	return jwtx.DefaultAccessTokenTTL
}

func (s *TokenService) refreshTTL() time.Duration {
	if s.RefreshTTL != 0 {
		return s.RefreshTTL
	}
	return jwtx.DefaultRefreshTokenTTL
}

func (s *TokenService) identityTTL() time.Duration {
	if s.IdentityTTL != 0 {
		return s.IdentityTTL
	}
	return jwtx.DefaultIdentityTokenTTL
}

// IssueRequest describes one issuance. TTL overrides of zero fall back to the
// service defaults.
type IssueRequest struct {
	SubjectID       string
	ClientID        string
	Scopes          []string
	Audience        []string
	IncludeIdentity bool

	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	IdentityTTL time.Duration

	SourceIP  string
	UserAgent string
}

// Issue mints an access + refresh (+ optional identity) token set signed with
// the active key. Flagged subjects and suspicious IPs are refused before any
// signing happens, and every outcome lands in the audit log.
func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (*domain.TokenSet, error) {
	if req.SubjectID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	if err := s.checkIssuanceGate(ctx, req); err != nil {
		return nil, err
	}

	signer, err := s.Rotation.ActiveSigner(ctx)
	if err != nil {
		return nil, err
	}

	var set *domain.TokenSet
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		issued, err := s.issue(ctx, tx, signer, req)
		if err != nil {
			return err
		}
		set = issued
		return nil
	})
	if err != nil {
		s.recordEvent(ctx, domain.SecurityEvent{
			Type:      domain.EventTokenIssued,
			SubjectID: req.SubjectID,
			ClientID:  req.ClientID,
			IPAddress: req.SourceIP,
			UserAgent: req.UserAgent,
			Success:   false,
			ErrorCode: "issuance_failed",
			Severity:  domain.SeverityMedium,
		})
		return nil, err
	}

	s.recordEvent(ctx, domain.SecurityEvent{
		Type:      domain.EventTokenIssued,
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		IPAddress: req.SourceIP,
		UserAgent: req.UserAgent,
		Success:   true,
		Severity:  domain.SeverityLow,
	})
	return set, nil
}

// checkIssuanceGate refuses issuance for subjects under brute force and for
// suspicious source IPs.
func (s *TokenService) checkIssuanceGate(ctx context.Context, req IssueRequest) error {
	if s.Events == nil {
		return nil
	}

	locked, err := s.Events.IsSubjectUnderAttack(ctx, req.SubjectID)
	if err != nil {
		return fmt.Errorf("service: issuance gate: %w", err)
	}
	if !locked && req.SourceIP != "" {
		locked, err = s.Events.IsIPSuspicious(ctx, req.SourceIP)
		if err != nil {
			return fmt.Errorf("service: issuance gate: %w", err)
		}
	}
	if !locked {
		return nil
	}

	s.recordEvent(ctx, domain.SecurityEvent{
		Type:      domain.EventAccountLocked,
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		IPAddress: req.SourceIP,
		UserAgent: req.UserAgent,
		Success:   false,
		ErrorCode: "subject_locked",
		Severity:  domain.SeverityHigh,
		Details:   "issuance refused for flagged actor",
	})
	return ErrSubjectLocked
}

// issue signs and records the token set against the given store, which may be
// a transaction. The signer is resolved by the caller so no key store read
// happens inside an open transaction.
func (s *TokenService) issue(ctx context.Context, st store.Store, signer *jwtx.Signer, req IssueRequest) (*domain.TokenSet, error) {
	now := s.now()

	accessTTL := req.AccessTTL
	if accessTTL == 0 {
		accessTTL = s.accessTTL()
	}
	refreshTTL := req.RefreshTTL
	if refreshTTL == 0 {
		refreshTTL = s.refreshTTL()
	}

	access, err := s.signAndRecord(ctx, st, signer, req, domain.TokenTypeAccess, accessTTL, now)
	if err != nil {
		return nil, err
	}
	refresh, err := s.signAndRecord(ctx, st, signer, req, domain.TokenTypeRefresh, refreshTTL, now)
	if err != nil {
		return nil, err
	}

	set := &domain.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    accessTTL,
		Scope:        strings.Join(req.Scopes, " "),
	}

	if req.IncludeIdentity {
		identityTTL := req.IdentityTTL
		if identityTTL == 0 {
			identityTTL = s.identityTTL()
		}
		identity, err := s.signAndRecord(ctx, st, signer, req, domain.TokenTypeIdentity, identityTTL, now)
		if err != nil {
			return nil, err
		}
		set.IdentityToken = identity
	}

	return set, nil
}

func (s *TokenService) signAndRecord(
	ctx context.Context,
	st store.Store,
	signer *jwtx.Signer,
	req IssueRequest,
	tokenType string,
	ttl time.Duration,
	now time.Time,
) (string, error) {
	tokenID := newTokenID()

	claims := jwtx.NewTokenClaims(tokenID, req.SubjectID, req.ClientID, tokenType, req.Scopes, ttl, s.Issuer, req.Audience, now)
	signed, err := signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("service: sign %s token: %w", tokenType, err)
	}

	record := domain.Token{
		ID:        tokenID,
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		Type:      tokenType,
		Scopes:    req.Scopes,
		Audience:  req.Audience,
		Issuer:    s.Issuer,
		TokenHash: cryptox.FingerprintToken(signed),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		SourceIP:  req.SourceIP,
		UserAgent: req.UserAgent,
	}
	if err := st.Tokens().CreateToken(ctx, record); err != nil {
		return "", fmt.Errorf("service: record %s token: %w", tokenType, err)
	}

	return signed, nil
}

// ValidateConstraints are the optional policy checks applied after the
// cryptographic and revocation checks pass.
type ValidateConstraints struct {
	ExpectedType     string
	ExpectedAudience []string
	ExpectedIssuer   string // empty means the service issuer
	RequiredScopes   []string
}

// Validate checks a presented token in order: signature by kid, expiry,
// revocation, then the caller's constraints. On success it returns the
// decoded claims and best-effort stamps the shadow record's last use.
func (s *TokenService) Validate(ctx context.Context, tokenStr string, constraints ValidateConstraints) (*jwtx.Claims, error) {
	kid, err := jwtx.PeekKID(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	// Resolve historical keys from storage when the in-memory set misses.
	if s.Keys != nil && !s.Keys.Has(kid) {
		if _, err := s.Rotation.KeyForVerification(ctx, kid); err != nil {
			return nil, fmt.Errorf("%w: unresolvable kid %q", ErrMalformed, kid)
		}
	}

	// Issuer is checked with the other constraints below so the order is
	// signature, expiry, revocation, policy.
	verifier := jwtx.NewVerifier(s.Keys, "")
	claims, err := verifier.Verify(tokenStr)
	if err != nil {
		switch {
		case errors.Is(err, jwtx.ErrExpired):
			return nil, ErrExpired
		case errors.Is(err, jwtx.ErrNotYetValid):
			return nil, ErrExpired
		default:
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}

	remaining := time.Duration(0)
	if claims.ExpiresAt != nil {
		remaining = claims.ExpiresAt.Time.Sub(s.now())
	}

	revoked, err := s.isRevoked(ctx, claims.ID, remaining)
	if err != nil {
		return nil, err
	}
	if revoked {
		// A revoked token being presented is a signal, not just a miss;
		// repeated replays feed the subject and IP failure counters.
		s.recordEvent(ctx, domain.SecurityEvent{
			Type:      domain.EventUnauthorizedAccess,
			SubjectID: claims.Subject,
			ClientID:  claims.ClientID,
			Success:   false,
			ErrorCode: "token_revoked",
			Severity:  domain.SeverityMedium,
			Details:   "revoked token presented",
		})
		return nil, ErrRevoked
	}

	if constraints.ExpectedType != "" && claims.TokenType != constraints.ExpectedType {
		return nil, ErrWrongTokenType
	}

	expectedIssuer := constraints.ExpectedIssuer
	if expectedIssuer == "" {
		expectedIssuer = s.Issuer
	}
	if err := claims.ValidateIssuer(expectedIssuer); err != nil {
		return nil, ErrIssuerMismatch
	}
	if err := claims.ValidateAudience(constraints.ExpectedAudience); err != nil {
		return nil, ErrAudienceMismatch
	}
	if !claims.HasScopes(constraints.RequiredScopes) {
		return nil, ErrInsufficientScope
	}

	if err := s.Store.Tokens().TouchTokenUsage(ctx, claims.ID, s.now()); err != nil {
		slogx.FromContext(ctx).Debug("touch token usage failed",
			slog.String("token_id", claims.ID), slog.Any("error", err))
	}

	return claims, nil
}

// isRevoked is a read-through revocation check: shared cache first, durable
// blacklist on miss, positive hits backfilled with the token's remaining
// lifetime so a cache outage degrades latency, never correctness.
func (s *TokenService) isRevoked(ctx context.Context, tokenID string, remaining time.Duration) (bool, error) {
	if tokenID == "" {
		return false, nil
	}

	if s.Cache != nil {
		if _, ok, err := s.Cache.Get(ctx, revokedCachePrefix+tokenID); err == nil && ok {
			return true, nil
		}
	}

	_, err := s.Store.Revocations().GetRevocation(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("service: revocation lookup: %w", err)
	}

	s.primeRevocationCache(ctx, tokenID, remaining)
	return true, nil
}

func (s *TokenService) primeRevocationCache(ctx context.Context, tokenID string, remaining time.Duration) {
	if s.Cache == nil || remaining <= 0 {
		return
	}
	_ = s.Cache.Set(ctx, revokedCachePrefix+tokenID, "1", remaining)
}

// Refresh exchanges a refresh token for a fresh token set, revoking the
// presented token in the same transaction. Refresh tokens are strictly
// single-use; a second exchange fails with ErrRevoked.
func (s *TokenService) Refresh(ctx context.Context, refreshToken, sourceIP, userAgent string) (*domain.TokenSet, error) {
	claims, err := s.Validate(ctx, refreshToken, ValidateConstraints{ExpectedType: domain.TokenTypeRefresh})
	if err != nil {
		if errors.Is(err, ErrWrongTokenType) {
			return nil, ErrMalformed
		}
		return nil, err
	}

	req := IssueRequest{
		SubjectID: claims.Subject,
		ClientID:  claims.ClientID,
		Scopes:    claims.Scopes,
		Audience:  claims.Audience,
		SourceIP:  sourceIP,
		UserAgent: userAgent,
	}
	if err := s.checkIssuanceGate(ctx, req); err != nil {
		return nil, err
	}

	signer, err := s.Rotation.ActiveSigner(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var set *domain.TokenSet

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		record, err := tx.Tokens().GetTokenByID(ctx, claims.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrMalformed
			}
			return err
		}
		if record.Revoked {
			return ErrRevoked
		}
		if record.Type != domain.TokenTypeRefresh {
			return ErrMalformed
		}

		if err := s.revokeInTx(ctx, tx, record, "rotated on refresh", now); err != nil {
			return err
		}

		issued, err := s.issue(ctx, tx, signer, req)
		if err != nil {
			return err
		}
		set = issued
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.primeRevocationCache(ctx, claims.ID, remainingLifetime(claims, now))

	s.recordEvent(ctx, domain.SecurityEvent{
		Type:      domain.EventTokenIssued,
		SubjectID: claims.Subject,
		ClientID:  claims.ClientID,
		IPAddress: sourceIP,
		UserAgent: userAgent,
		Success:   true,
		Severity:  domain.SeverityLow,
		Details:   "refresh rotation",
	})
	return set, nil
}

func remainingLifetime(claims *jwtx.Claims, now time.Time) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(now)
}

// Revoke marks a token revoked and inserts its blacklist entry. Revoking an
// already revoked or unknown token id is reported, not silently absorbed.
func (s *TokenService) Revoke(ctx context.Context, tokenID, reason string) error {
	now := s.now()
	var record domain.Token

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		found, err := tx.Tokens().GetTokenByID(ctx, tokenID)
		if err != nil {
			return err
		}
		record = found
		if record.Revoked {
			return nil
		}
		return s.revokeInTx(ctx, tx, record, reason, now)
	})
	if err != nil {
		return err
	}

	s.primeRevocationCache(ctx, tokenID, record.ExpiresAt.Sub(now))

	s.recordEvent(ctx, domain.SecurityEvent{
		Type:      domain.EventTokenRevoked,
		SubjectID: record.SubjectID,
		ClientID:  record.ClientID,
		Success:   true,
		Severity:  domain.SeverityLow,
		Details:   reason,
	})
	return nil
}

// RevokeAllForSubject revokes every live token the subject owns. Used on
// logout-everywhere and account compromise.
func (s *TokenService) RevokeAllForSubject(ctx context.Context, subjectID, reason string) (int, error) {
	now := s.now()
	var revoked []domain.Token

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		ids, err := tx.Tokens().ListActiveTokenIDsBySubject(ctx, subjectID, now)
		if err != nil {
			return err
		}
		for _, id := range ids {
			record, err := tx.Tokens().GetTokenByID(ctx, id)
			if err != nil {
				return err
			}
			if err := s.revokeInTx(ctx, tx, record, reason, now); err != nil {
				return err
			}
			revoked = append(revoked, record)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, record := range revoked {
		s.primeRevocationCache(ctx, record.ID, record.ExpiresAt.Sub(now))
	}

	s.recordEvent(ctx, domain.SecurityEvent{
		Type:      domain.EventTokenRevoked,
		SubjectID: subjectID,
		Success:   true,
		Severity:  domain.SeverityMedium,
		Details:   fmt.Sprintf("revoked all (%d): %s", len(revoked), reason),
	})
	return len(revoked), nil
}

// revokeInTx flips the token record and writes the blacklist entry that every
// revoked token must have.
func (s *TokenService) revokeInTx(ctx context.Context, tx store.Tx, record domain.Token, reason string, now time.Time) error {
	if err := tx.Tokens().RevokeToken(ctx, record.ID, reason, now); err != nil {
		return fmt.Errorf("service: revoke token %s: %w", record.ID, err)
	}
	entry := domain.RevocationEntry{
		TokenID:   record.ID,
		SubjectID: record.SubjectID,
		Type:      record.Type,
		RevokedAt: now,
		ExpiresAt: record.ExpiresAt,
		Reason:    reason,
	}
	if err := tx.Revocations().CreateRevocation(ctx, entry); err != nil {
		return fmt.Errorf("service: blacklist token %s: %w", record.ID, err)
	}
	return nil
}

func (s *TokenService) recordEvent(ctx context.Context, e domain.SecurityEvent) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Record(ctx, e); err != nil {
		slogx.FromContext(ctx).Error("record security event failed",
			slog.String("type", e.Type), slog.Any("error", err))
	}
}
