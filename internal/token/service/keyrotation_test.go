package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/pkg/jwtx"
)

func TestActiveSigningKeySelfHeals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No keys exist; first use generates and activates one.
	key, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.KeyStateActive, key.State)
	require.Equal(t, jwtx.AlgorithmRS256, key.Algorithm)
	require.NotEmpty(t, key.PrivateKeyEncrypted)
	require.NotContains(t, string(key.PrivateKeyEncrypted), "PRIVATE KEY")

	// Subsequent calls converge on the same key.
	again, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, key.Kid, again.Kid)
}

func TestActivateRefusesExpiredKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key, err := env.rotation.GenerateKeyPair(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.KeyStatePending, key.State)

	env.clock.Advance(env.rotation.keyLifetime() + time.Hour)

	err = env.rotation.Activate(ctx, key.Kid)
	require.ErrorIs(t, err, ErrKeyExpired)
}

func TestActivateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key, err := env.rotation.GenerateKeyPair(ctx)
	require.NoError(t, err)

	require.NoError(t, env.rotation.Activate(ctx, key.Kid))
	require.NoError(t, env.rotation.Activate(ctx, key.Kid))
}

func TestRotationKeepsOldTokensValid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set := issueForSubject(t, env, "alice")

	before, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)

	env.clock.Advance(env.rotation.rotationInterval() + time.Hour)
	require.NoError(t, env.rotation.RotateIfDue(ctx))

	after, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.Kid, after.Kid)

	// Tokens signed by the previous key still verify.
	_, err = env.tokens.Validate(ctx, set.AccessToken, ValidateConstraints{})
	require.NoError(t, err)

	// New tokens carry the new kid.
	fresh := issueForSubject(t, env, "alice")
	kid, err := jwtx.PeekKID(fresh.AccessToken)
	require.NoError(t, err)
	require.Equal(t, after.Kid, kid)
}

func TestRotateIfDueIsNotEager(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	before, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)

	require.NoError(t, env.rotation.RotateIfDue(ctx))

	after, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, before.Kid, after.Kid)
}

func TestEmergencyRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	compromised, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)

	replacement, err := env.rotation.EmergencyRevoke(ctx, compromised.Kid, "key material leaked")
	require.NoError(t, err)
	require.NotEqual(t, compromised.Kid, replacement.Kid)

	active, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, replacement.Kid, active.Kid)

	old, err := env.rotation.KeyForVerification(ctx, compromised.Kid)
	require.NoError(t, err)
	require.Equal(t, domain.KeyStateDeactivated, old.State)
	require.Equal(t, "key material leaked", old.DeactivatedReason)
}

func TestPublicKeySet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	active, err := env.rotation.ActiveSigningKey(ctx)
	require.NoError(t, err)

	set, err := env.rotation.PublicKeySet(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	require.Equal(t, active.Kid, set.Keys[0].Kid)
	require.Equal(t, "RSA", set.Keys[0].Kty)
	require.NotEmpty(t, set.Keys[0].N)
	require.NotEmpty(t, set.Keys[0].E)

	t.Run("deactivated key stays published through grace", func(t *testing.T) {
		replacement, err := env.rotation.EmergencyRevoke(ctx, active.Kid, "drill")
		require.NoError(t, err)

		set, err := env.rotation.PublicKeySet(ctx)
		require.NoError(t, err)
		require.Len(t, set.Keys, 2)

		env.clock.Advance(env.rotation.gracePeriod() + time.Hour)

		set, err = env.rotation.PublicKeySet(ctx)
		require.NoError(t, err)
		require.Len(t, set.Keys, 1)
		require.Equal(t, replacement.Kid, set.Keys[0].Kid)
	})
}
