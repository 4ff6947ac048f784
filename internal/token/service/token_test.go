package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberauth/ember/internal/token/domain"
)

func issueForSubject(t *testing.T, env *testEnv, subject string) *domain.TokenSet {
	t.Helper()

	set, err := env.tokens.Issue(context.Background(), IssueRequest{
		SubjectID: subject,
		ClientID:  "web-app",
		Scopes:    []string{"profile:read", "orders:write"},
		Audience:  []string{"https://api.test"},
		SourceIP:  "10.0.0.1",
	})
	require.NoError(t, err)
	require.NotNil(t, set)
	return set
}

func TestIssueAndValidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set := issueForSubject(t, env, "alice")
	require.NotEmpty(t, set.AccessToken)
	require.NotEmpty(t, set.RefreshToken)
	require.Empty(t, set.IdentityToken)
	require.Equal(t, "Bearer", set.TokenType)

	t.Run("fresh access token validates", func(t *testing.T) {
		claims, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
		require.NoError(t, err)
		require.Equal(t, "alice", claims.Subject)
		require.Equal(t, domain.TokenTypeAccess, claims.TokenType)
		require.Equal(t, []string{"profile:read", "orders:write"}, claims.Scopes)
		require.NotEmpty(t, claims.ID)
	})

	t.Run("audience constraint enforced", func(t *testing.T) {
		_, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{
			ExpectedAudience: []string{"https://other.test"},
		})
		require.ErrorIs(t, err, ErrAudienceMismatch)
	})

	t.Run("scope constraint enforced", func(t *testing.T) {
		_, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{
			RequiredScopes: []string{"admin:write"},
		})
		require.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("issuer constraint enforced", func(t *testing.T) {
		_, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{
			ExpectedIssuer: "https://imposter.test",
		})
		require.ErrorIs(t, err, ErrIssuerMismatch)
	})

	t.Run("refresh token fails access-type constraint", func(t *testing.T) {
		_, err := env.tokens.Validate(ctx, set.RefreshToken, ValidateConstraints{
			ExpectedType: domain.TokenTypeAccess,
		})
		require.ErrorIs(t, err, ErrWrongTokenType)
	})

	t.Run("garbage is malformed", func(t *testing.T) {
		_, err := env.tokens.Validate(ctx, "not-a-token", ValidateConstraints{})
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestValidateExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set, err := env.tokens.Issue(ctx, IssueRequest{
		SubjectID: "alice",
		ClientID:  "web-app",
		AccessTTL: -time.Minute,
	})
	require.NoError(t, err)

	_, err = env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
	require.ErrorIs(t, err, ErrExpired)
}

func TestIdentityTokenIssued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set, err := env.tokens.Issue(ctx, IssueRequest{
		SubjectID:       "alice",
		ClientID:        "web-app",
		IncludeIdentity: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, set.IdentityToken)

	claims, err := env.tokens.Validate(ctx, set.IdentityToken, ValidateConstraints{
		ExpectedType: domain.TokenTypeIdentity,
	})
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestRefreshIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set := issueForSubject(t, env, "alice")

	rotated, err := env.tokens.Refresh(ctx, set.RefreshToken, "10.0.0.1", "")
	require.NoError(t, err)
	require.NotEmpty(t, rotated.AccessToken)
	require.NotEqual(t, set.AccessToken, rotated.AccessToken)

	// The new set works, the presented refresh token is spent.
	_, err = env.tokens.Validate(ctx, rotated.AccessToken, ValidateConstraints{})
	require.NoError(t, err)

	_, err = env.tokens.Refresh(ctx, set.RefreshToken, "10.0.0.1", "")
	require.ErrorIs(t, err, ErrRevoked)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set := issueForSubject(t, env, "alice")

	_, err := env.tokens.Refresh(ctx, set.AccessToken, "10.0.0.1", "")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRevokeMakesValidationFail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set := issueForSubject(t, env, "alice")

	claims, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
	require.NoError(t, err)

	require.NoError(t, env.tokens.Revoke(ctx, claims.ID, "user logout"))

	_, err = env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
	require.ErrorIs(t, err, ErrRevoked)

	t.Run("survives a cache wipe", func(t *testing.T) {
		require.NoError(t, env.cache.Close())
		_, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
		require.ErrorIs(t, err, ErrRevoked)
	})
}

func TestRevokeAllForSubject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := issueForSubject(t, env, "alice")
	second := issueForSubject(t, env, "alice")
	other := issueForSubject(t, env, "bob")

	count, err := env.tokens.RevokeAllForSubject(ctx, "alice", "account compromise")
	require.NoError(t, err)
	require.Equal(t, 4, count) // two sets of access + refresh

	for _, token := range []string{first.AccessToken, first.RefreshToken, second.AccessToken, second.RefreshToken} {
		_, err := env.tokens.Validate(ctx, token, ValidateConstraints{})
		require.ErrorIs(t, err, ErrRevoked)
	}

	// Other subjects are untouched.
	_, err = env.tokens.Validate(ctx, other.AccessToken, ValidateConstraints{})
	require.NoError(t, err)
}

func TestIssuanceRefusedForLockedSubject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < DefaultSubjectFailureThreshold; i++ {
		_, err := env.events.Record(ctx, domain.SecurityEvent{
			Type:      domain.EventLoginFailure,
			SubjectID: "alice",
			IPAddress: "1.2.3.4",
			Success:   false,
			Severity:  domain.SeverityMedium,
		})
		require.NoError(t, err)
	}

	_, err := env.tokens.Issue(ctx, IssueRequest{SubjectID: "alice", ClientID: "web-app"})
	require.ErrorIs(t, err, ErrSubjectLocked)

	// The refusal itself lands in the audit log as an account-locked event.
	events, err := env.events.RecentEvents(ctx, "alice", 20)
	require.NoError(t, err)

	var locked []domain.SecurityEvent
	for _, e := range events {
		if e.Type == domain.EventAccountLocked {
			locked = append(locked, e)
		}
	}
	require.Len(t, locked, 1)
	require.False(t, locked[0].Success)
	require.Equal(t, domain.SeverityHigh, locked[0].Severity)
	require.Equal(t, "subject_locked", locked[0].ErrorCode)
}

func TestValidateRevokedTokenRecordsEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set := issueForSubject(t, env, "alice")
	claims, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
	require.NoError(t, err)
	require.NoError(t, env.tokens.Revoke(ctx, claims.ID, "compromised"))

	_, err = env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
	require.ErrorIs(t, err, ErrRevoked)

	events, err := env.events.RecentEvents(ctx, "alice", 50)
	require.NoError(t, err)

	var replays []domain.SecurityEvent
	for _, e := range events {
		if e.ErrorCode == "token_revoked" {
			replays = append(replays, e)
		}
	}
	require.Len(t, replays, 1)
	require.Equal(t, domain.EventUnauthorizedAccess, replays[0].Type)
	require.Equal(t, "web-app", replays[0].ClientID)
	require.False(t, replays[0].Success)

	t.Run("replays accumulate into the lockout signal", func(t *testing.T) {
		for i := 0; i < DefaultSubjectFailureThreshold-1; i++ {
			_, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
			require.ErrorIs(t, err, ErrRevoked)
		}

		locked, err := env.events.IsSubjectUnderAttack(ctx, "alice")
		require.NoError(t, err)
		require.True(t, locked)
	})
}
