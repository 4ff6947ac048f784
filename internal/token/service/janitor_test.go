package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/pkg/idx"
)

func TestJanitorSweepPurgesExpiredRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	longAgo := time.Now().UTC().Add(-60 * 24 * time.Hour)

	stale := domain.Token{
		ID:        idx.New().String(),
		SubjectID: "alice",
		ClientID:  "web-app",
		Type:      domain.TokenTypeAccess,
		Issuer:    "https://auth.test",
		TokenHash: "stale-hash",
		IssuedAt:  longAgo,
		ExpiresAt: longAgo.Add(15 * time.Minute),
	}
	require.NoError(t, env.store.Tokens().CreateToken(ctx, stale))

	require.NoError(t, env.store.Revocations().CreateRevocation(ctx, domain.RevocationEntry{
		TokenID:   stale.ID,
		SubjectID: "alice",
		Type:      domain.TokenTypeAccess,
		RevokedAt: longAgo,
		ExpiresAt: stale.ExpiresAt,
		Reason:    "old",
	}))

	// A live token must survive the sweep.
	live := issueForSubject(t, env, "bob")

	janitor := NewJanitorService(env.store, slog.Default(), time.Hour)
	janitor.Sweep(ctx)

	_, err := env.store.Tokens().GetTokenByID(ctx, stale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.store.Revocations().GetRevocation(ctx, stale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.tokens.Validate(ctx, live.AccessToken, ValidateConstraints{})
	require.NoError(t, err)
}

func TestJanitorStartStop(t *testing.T) {
	env := newTestEnv(t)

	janitor := NewJanitorService(env.store, slog.Default(), time.Hour)
	janitor.Start()
	janitor.Stop()
}

func TestRotationJobStartStop(t *testing.T) {
	env := newTestEnv(t)

	job := NewRotationJob(env.rotation, slog.Default(), time.Hour)
	job.Start()
	job.Stop()

	// The initial check self-heals an active key into place.
	key, err := env.rotation.ActiveSigningKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.KeyStateActive, key.State)
}
