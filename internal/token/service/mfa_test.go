package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func newMFAService(env *testEnv) *MFAService {
	return &MFAService{
		Store:  env.store,
		Events: env.events,
		Issuer: "EmberAuth",
		Now:    env.clock.Now,
	}
}

func TestEnrollAndVerifyCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfa := newMFAService(env)

	enrollment, err := mfa.Enroll(ctx, "alice", "alice@example.test")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.ProvisioningURI, "otpauth://totp/")
	require.Contains(t, enrollment.ProvisioningURI, "EmberAuth")
	require.Len(t, enrollment.BackupCodes, backupCodeCount)

	// Recovery codes are read back over the phone; base32 keeps them to
	// uppercase letters and digits.
	for _, code := range enrollment.BackupCodes {
		require.Regexp(t, regexp.MustCompile(`^[A-Z2-7]{16}$`), code)
	}

	// The seed at rest is ciphertext, not the base32 secret.
	record, err := env.store.MFASecrets().GetMFASecret(ctx, "alice")
	require.NoError(t, err)
	require.NotContains(t, string(record.SecretEncrypted), enrollment.Secret)

	code, err := totp.GenerateCode(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)

	ok, err := mfa.VerifyCode(ctx, "alice", code)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mfa.VerifyCode(ctx, "alice", "000000")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyCodeToleratesAdjacentWindows(t *testing.T) {
	env := newTestEnv(t)
	mfa := newMFAService(env)

	secret, err := mfa.GenerateSecret()
	require.NoError(t, err)

	// Anchor mid-window so a one-second drift cannot cross a boundary.
	at := time.Unix(1700000015, 0)

	current, err := totp.GenerateCode(secret, at)
	require.NoError(t, err)
	previous, err := totp.GenerateCode(secret, at.Add(-30*time.Second))
	require.NoError(t, err)
	next, err := totp.GenerateCode(secret, at.Add(30*time.Second))
	require.NoError(t, err)
	stale, err := totp.GenerateCode(secret, at.Add(-60*time.Second))
	require.NoError(t, err)

	require.True(t, VerifyCodeAt(secret, current, at))
	require.True(t, VerifyCodeAt(secret, previous, at))
	require.True(t, VerifyCodeAt(secret, next, at))
	require.False(t, VerifyCodeAt(secret, stale, at))
}

func TestVerifyCodeRequiresEnrollment(t *testing.T) {
	env := newTestEnv(t)
	mfa := newMFAService(env)

	_, err := mfa.VerifyCode(context.Background(), "nobody", "123456")
	require.ErrorIs(t, err, ErrMFANotEnrolled)
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfa := newMFAService(env)

	enrollment, err := mfa.Enroll(ctx, "alice", "alice@example.test")
	require.NoError(t, err)

	code := enrollment.BackupCodes[0]

	ok, err := mfa.ConsumeBackupCode(ctx, "alice", code)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mfa.ConsumeBackupCode(ctx, "alice", code)
	require.NoError(t, err)
	require.False(t, ok)

	// The remaining codes still work.
	ok, err = mfa.ConsumeBackupCode(ctx, "alice", enrollment.BackupCodes[1])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegenerateBackupCodesInvalidatesOldOnes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfa := newMFAService(env)

	enrollment, err := mfa.Enroll(ctx, "alice", "alice@example.test")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)

	fresh, err := mfa.RegenerateBackupCodes(ctx, "alice", code)
	require.NoError(t, err)
	require.Len(t, fresh, backupCodeCount)

	ok, err := mfa.ConsumeBackupCode(ctx, "alice", enrollment.BackupCodes[0])
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = mfa.ConsumeBackupCode(ctx, "alice", fresh[0])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDisableRemovesSecretAndCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfa := newMFAService(env)

	enrollment, err := mfa.Enroll(ctx, "alice", "alice@example.test")
	require.NoError(t, err)

	require.NoError(t, mfa.Disable(ctx, "alice"))

	_, err = mfa.VerifyCode(ctx, "alice", "123456")
	require.ErrorIs(t, err, ErrMFANotEnrolled)

	ok, err := mfa.ConsumeBackupCode(ctx, "alice", enrollment.BackupCodes[0])
	require.NoError(t, err)
	require.False(t, ok)
}
