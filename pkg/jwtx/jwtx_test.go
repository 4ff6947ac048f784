package jwtx_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberauth/ember/pkg/cryptox"
	"github.com/emberauth/ember/pkg/jwtx"
)

const testIssuer = "ember-auth"

func newTestSigner(t *testing.T, kid string) *jwtx.Signer {
	t.Helper()
	pemData, err := cryptox.GenerateRSAKey(2048)
	require.NoError(t, err)
	signer, err := jwtx.NewSignerRS256(kid, pemData)
	require.NoError(t, err)
	require.NoError(t, signer.Validate())
	return signer
}

func TestSignAndVerify(t *testing.T) {
	signer := newTestSigner(t, "key-1")

	now := time.Now().UTC()
	claims := jwtx.NewTokenClaims(
		"tok-123", "user-42", "client-7", jwtx.TokenTypeAccess,
		[]string{"orders:read", "orders:write"},
		2*time.Minute, testIssuer, []string{"api"}, now,
	)

	token, err := signer.Sign(claims)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	keyset := jwtx.NewKeySet()
	keyset.AddSigner(signer)

	verifier := jwtx.NewVerifier(keyset, testIssuer)
	parsed, err := verifier.Verify(token)
	require.NoError(t, err)

	require.Equal(t, "tok-123", parsed.ID)
	require.Equal(t, "user-42", parsed.Subject)
	require.Equal(t, "client-7", parsed.ClientID)
	require.Equal(t, jwtx.TokenTypeAccess, parsed.TokenType)
	require.ElementsMatch(t, claims.Scopes, parsed.Scopes)
	require.True(t, parsed.HasScopes([]string{"orders:read"}))
	require.False(t, parsed.HasScopes([]string{"admin:write"}))
}

func TestVerifyFailsForWrongIssuer(t *testing.T) {
	signer := newTestSigner(t, "key-1")

	claims := jwtx.NewTokenClaims(
		"tok-1", "user-1", "client-1", jwtx.TokenTypeAccess,
		nil, time.Minute, "someone-else", nil, time.Now().UTC(),
	)
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	keyset := jwtx.NewKeySet()
	keyset.AddSigner(signer)

	_, err = jwtx.NewVerifier(keyset, testIssuer).Verify(token)
	require.ErrorIs(t, err, jwtx.ErrIssuer)
}

func TestVerifyFailsForExpiredToken(t *testing.T) {
	signer := newTestSigner(t, "key-1")

	issued := time.Now().UTC().Add(-10 * time.Minute)
	claims := jwtx.NewTokenClaims(
		"tok-1", "user-1", "client-1", jwtx.TokenTypeAccess,
		nil, time.Minute, testIssuer, nil, issued,
	)
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	keyset := jwtx.NewKeySet()
	keyset.AddSigner(signer)

	_, err = jwtx.NewVerifier(keyset, testIssuer).Verify(token)
	require.ErrorIs(t, err, jwtx.ErrExpired)
}

func TestVerifyFailsForUnknownKID(t *testing.T) {
	signer := newTestSigner(t, "key-unknown")

	claims := jwtx.NewTokenClaims(
		"tok-1", "user-1", "client-1", jwtx.TokenTypeAccess,
		nil, time.Minute, testIssuer, nil, time.Now().UTC(),
	)
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	empty := jwtx.NewKeySet()
	_, err = jwtx.NewVerifier(empty, testIssuer).Verify(token)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)
}

func TestVerifyFailsForForgedSignature(t *testing.T) {
	signer := newTestSigner(t, "key-1")
	imposter := newTestSigner(t, "key-1") // same kid, different key

	claims := jwtx.NewTokenClaims(
		"tok-1", "user-1", "client-1", jwtx.TokenTypeAccess,
		nil, time.Minute, testIssuer, nil, time.Now().UTC(),
	)
	token, err := imposter.Sign(claims)
	require.NoError(t, err)

	keyset := jwtx.NewKeySet()
	keyset.AddSigner(signer)

	_, err = jwtx.NewVerifier(keyset, testIssuer).Verify(token)
	require.Error(t, err)
	require.NotErrorIs(t, err, jwtx.ErrUnknownKID)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	keyset := jwtx.NewKeySet()
	keyset.AddSigner(newTestSigner(t, "key-1"))

	_, err := jwtx.NewVerifier(keyset, testIssuer).Verify("not.a.jwt")
	require.ErrorIs(t, err, jwtx.ErrMalformed)
}

func TestPeekKID(t *testing.T) {
	signer := newTestSigner(t, "peek-key")

	claims := jwtx.NewTokenClaims(
		"tok-1", "user-1", "client-1", jwtx.TokenTypeAccess,
		nil, time.Minute, testIssuer, nil, time.Now().UTC(),
	)
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	kid, err := jwtx.PeekKID(token)
	require.NoError(t, err)
	require.Equal(t, "peek-key", kid)

	_, err = jwtx.PeekKID("garbage")
	require.ErrorIs(t, err, jwtx.ErrMalformed)
}

func TestKeySetRemove(t *testing.T) {
	signer := newTestSigner(t, "gone-key")
	keyset := jwtx.NewKeySet()
	keyset.AddSigner(signer)
	require.True(t, keyset.Has("gone-key"))

	keyset.Remove("gone-key")
	require.False(t, keyset.Has("gone-key"))
	require.False(t, keyset.IsReady())
}

func TestJWKRoundTrip(t *testing.T) {
	signer := newTestSigner(t, "jwk-key")
	jwk := signer.PublicJWK()

	require.Equal(t, "RSA", jwk.Kty)
	require.Equal(t, "sig", jwk.Use)
	require.Equal(t, "RS256", jwk.Alg)

	pub, err := jwk.PublicKey()
	require.NoError(t, err)
	require.Equal(t, 0, signer.Public().N.Cmp(pub.N))
}
