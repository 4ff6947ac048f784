package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed  = errors.New("jwtx: malformed token")
	ErrUnknownKID = errors.New("jwtx: unknown kid")
	ErrInvalidSig = errors.New("jwtx: invalid signature")

	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrAudience    = errors.New("jwtx: audience mismatch")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Verifier validates RS256 JWTs against a KeySet, resolving the signing key
// from the token's kid header.
type Verifier struct {
	keys   *KeySet
	issuer string
}

// NewVerifier creates a verifier. The issuer is enforced on every token;
// audience expectations are supplied per call since they vary by caller.
func NewVerifier(keys *KeySet, issuer string) *Verifier {
	return &Verifier{keys: keys, issuer: issuer}
}

// PeekKID extracts the kid header without verifying the signature. The token
// service uses it to resolve historical keys from storage before retrying
// verification.
func PeekKID(tokenStr string) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{AlgorithmRS256}))
	token, _, err := parser.ParseUnverified(tokenStr, &Claims{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return "", fmt.Errorf("%w: missing kid header", ErrMalformed)
	}
	return kid, nil
}

// Verify validates the compact JWT string and returns its parsed claims.
// Signature and structural failures surface as ErrMalformed, ErrUnknownKID or
// ErrInvalidSig; expiry as ErrExpired; issuer as ErrIssuer.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgorithmRS256}),
		// Expiry is validated explicitly below so the caller can tell an
		// expired token apart from a structurally broken one.
		jwt.WithoutClaimsValidation(),
	)

	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrMalformed)
		}
		pub, err := v.keys.Get(kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
		}
		return pub, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKID):
			return nil, err
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %w", ErrInvalidSig, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrMalformed
	}

	if err := claims.ValidateIssuer(v.issuer); err != nil {
		return nil, err
	}
	if err := claims.ValidateExpiry(time.Now()); err != nil {
		return nil, err
	}

	return claims, nil
}
