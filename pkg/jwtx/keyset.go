package jwtx

import (
	"crypto/rsa"
	"errors"
	"sync"
)

var ErrNoKey = errors.New("jwtx: key not found")

// KeySet holds all public verification keys in memory, keyed by kid. It is
// thread-safe so the JWKS endpoint and verifiers can share one instance while
// the rotation manager mutates it.
type KeySet struct {
	mu  sync.RWMutex
	pub map[string]*rsa.PublicKey
}

// NewKeySet returns an empty KeySet.
func NewKeySet() *KeySet {
	return &KeySet{pub: make(map[string]*rsa.PublicKey)}
}

// Add registers a public key under the given kid, replacing any existing
// entry. Adding the same key twice is a no-op, which keeps concurrent
// rotation idempotent.
func (k *KeySet) Add(kid string, pub *rsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pub[kid] = pub
}

// AddSigner registers a signer's public key.
func (k *KeySet) AddSigner(s *Signer) {
	k.Add(s.KID(), s.Public())
}

// Remove drops a key from the set. Used when a key is purged; deactivated
// keys stay resolvable until then so in-flight tokens keep verifying.
func (k *KeySet) Remove(kid string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.pub, kid)
}

// Get returns the public key for the given kid.
func (k *KeySet) Get(kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if pk, ok := k.pub[kid]; ok {
		return pk, nil
	}
	return nil, ErrNoKey
}

// Has reports whether the kid is present.
func (k *KeySet) Has(kid string) bool {
	_, err := k.Get(kid)
	return err == nil
}

// IsReady returns true if at least one key is loaded.
func (k *KeySet) IsReady() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.pub) > 0
}
