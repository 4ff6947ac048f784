package jwtx

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/emberauth/ember/pkg/cryptox"
)

// AlgorithmRS256 is the only signing algorithm the service issues with.
const AlgorithmRS256 = "RS256"

// Signer signs token claims with a single RSA key, stamping its kid into the
// token header so verifiers can select the matching public key without
// trial-and-error.
type Signer struct {
	kid string
	key *rsa.PrivateKey
}

// NewSignerRS256 creates a signer from PEM-encoded RSA private key bytes.
func NewSignerRS256(kid string, pemKey []byte) (*Signer, error) {
	key, err := cryptox.ParseRSAPrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("jwtx: %w", err)
	}
	return &Signer{kid: kid, key: key}, nil
}

func (s *Signer) Alg() string { return AlgorithmRS256 }
func (s *Signer) KID() string { return s.kid }

// Sign turns the claims into a signed compact JWT string.
func (s *Signer) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Public returns the verification half of the key.
func (s *Signer) Public() *rsa.PublicKey { return &s.key.PublicKey }

// PublicJWK returns a JWK for inclusion in a published key set.
func (s *Signer) PublicJWK() JWK {
	return NewRSAJWK(s.kid, "sig", AlgorithmRS256, &s.key.PublicKey)
}

// Validate does a quick sanity check that key material is actually loaded.
func (s *Signer) Validate() error {
	if s.key == nil {
		return errors.New("jwtx: nil RSA key")
	}
	return nil
}
