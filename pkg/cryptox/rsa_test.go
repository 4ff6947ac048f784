package cryptox_test

import (
	"testing"

	"github.com/emberauth/ember/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestGenerateRSAKeyRejectsWeakSizes(t *testing.T) {
	_, err := cryptox.GenerateRSAKey(1024)
	require.Error(t, err)
}

func TestGenerateAndParseRSAKey(t *testing.T) {
	pemData, err := cryptox.GenerateRSAKey(2048)
	require.NoError(t, err)

	priv, err := cryptox.ParseRSAPrivateKey(pemData)
	require.NoError(t, err)
	require.Equal(t, 2048, priv.N.BitLen())
}

func TestRSAPublicPEMRoundTrip(t *testing.T) {
	pemData, err := cryptox.GenerateRSAKey(2048)
	require.NoError(t, err)

	pubPEM, err := cryptox.RSAPublicPEM(pemData)
	require.NoError(t, err)
	require.Contains(t, string(pubPEM), "PUBLIC KEY")
	require.NotContains(t, string(pubPEM), "PRIVATE")

	pub, err := cryptox.ParseRSAPublicKey(pubPEM)
	require.NoError(t, err)

	priv, err := cryptox.ParseRSAPrivateKey(pemData)
	require.NoError(t, err)
	require.Equal(t, 0, priv.PublicKey.N.Cmp(pub.N))
}

func TestFingerprintTokenIsDeterministic(t *testing.T) {
	a := cryptox.FingerprintToken("opaque-token")
	b := cryptox.FingerprintToken("opaque-token")
	c := cryptox.FingerprintToken("different")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 43)
}

func TestGenerateTokenLengthAndUniqueness(t *testing.T) {
	t1, err := cryptox.GenerateToken(cryptox.TokenSize256)
	require.NoError(t, err)
	t2, err := cryptox.GenerateToken(cryptox.TokenSize256)
	require.NoError(t, err)

	require.Len(t, t1, 43)
	require.NotEqual(t, t1, t2)

	_, err = cryptox.GenerateToken(0)
	require.Error(t, err)
}
