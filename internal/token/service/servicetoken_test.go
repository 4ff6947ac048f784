package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberauth/ember/internal/token/domain"
)

func newServiceTokenService(env *testEnv) *ServiceTokenService {
	return &ServiceTokenService{
		Tokens: env.tokens,
		Cache:  env.cache,
		Now:    env.clock.Now,
		Policies: map[string]ServicePolicy{
			"billing": {
				AllowedScopes:    []string{"invoices:read", "invoices:write"},
				AllowedAudiences: []string{"https://ledger.test"},
			},
			"mailer": {
				AllowedScopes: []string{"templates:read"},
				TTL:           30 * time.Minute,
			},
		},
	}
}

func TestIssueServiceToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newServiceTokenService(env)

	set, err := svc.IssueServiceToken(ctx, "billing", "https://ledger.test", nil)
	require.NoError(t, err)
	require.NotEmpty(t, set.AccessToken)

	claims, err := env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{
		ExpectedAudience: []string{"https://ledger.test"},
	})
	require.NoError(t, err)
	require.Equal(t, "svc:billing", claims.Subject)
	require.Equal(t, domain.TokenTypeAccess, claims.TokenType)
	// Empty request grants the full allow-list.
	require.ElementsMatch(t, []string{"invoices:read", "invoices:write"}, claims.Scopes)
}

func TestIssueServiceTokenEnforcesPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newServiceTokenService(env)

	_, err := svc.IssueServiceToken(ctx, "unknown-svc", "https://ledger.test", nil)
	require.ErrorIs(t, err, ErrUnknownService)

	_, err = svc.IssueServiceToken(ctx, "billing", "https://ledger.test", []string{"admin:root"})
	require.ErrorIs(t, err, ErrScopeNotAllowed)

	_, err = svc.IssueServiceToken(ctx, "billing", "https://elsewhere.test", nil)
	require.ErrorIs(t, err, ErrServiceNoAudience)
}

func TestIssueServiceTokenCachesPerCallerAndAudience(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newServiceTokenService(env)

	first, err := svc.IssueServiceToken(ctx, "billing", "https://ledger.test", nil)
	require.NoError(t, err)

	second, err := svc.IssueServiceToken(ctx, "billing", "https://ledger.test", nil)
	require.NoError(t, err)
	require.Equal(t, first.AccessToken, second.AccessToken)

	// A different caller never shares a cached set.
	other, err := svc.IssueServiceToken(ctx, "mailer", "anything", nil)
	require.NoError(t, err)
	require.NotEqual(t, first.AccessToken, other.AccessToken)
}

func TestCachedServiceTokenReportsRemainingLifetime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newServiceTokenService(env)

	first, err := svc.IssueServiceToken(ctx, "billing", "https://ledger.test", nil)
	require.NoError(t, err)
	require.Equal(t, DefaultServiceTokenTTL, first.ExpiresIn)

	env.clock.Advance(20 * time.Minute)

	// Still the cached set, but its lifetime reflects the time elapsed.
	second, err := svc.IssueServiceToken(ctx, "billing", "https://ledger.test", nil)
	require.NoError(t, err)
	require.Equal(t, first.AccessToken, second.AccessToken)
	require.Equal(t, DefaultServiceTokenTTL-20*time.Minute, second.ExpiresIn)
}
