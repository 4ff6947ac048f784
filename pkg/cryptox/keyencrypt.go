package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	masterKeyOnce sync.Once
	masterKey     []byte
	masterKeyID   string
	masterKeyPath string
)

// SetMasterKeyPath configures where to load the master encryption key from.
// Must be called before the first encryption/decryption operation. When not
// set, the key is loaded from the EMBER_MASTER_KEY environment variable.
func SetMasterKeyPath(path string) {
	masterKeyPath = path
}

// MasterKeyRef identifies which master key wrapped a ciphertext. Stored next
// to encrypted private keys so a future key can be introduced without
// re-wrapping everything at once.
func MasterKeyRef() (string, error) {
	if _, err := getMasterKey(); err != nil {
		return "", err
	}
	return masterKeyID, nil
}

// loadMasterKey derives a 32-byte AES-256 key from, in order of preference:
// the configured key file, the EMBER_MASTER_KEY environment variable, or an
// ephemeral random key for development (wrapped keys will not survive restart).
func loadMasterKey() ([]byte, error) {
	var keyMaterial []byte

	if masterKeyPath != "" {
		data, err := os.ReadFile(masterKeyPath)
		if err != nil {
			return nil, fmt.Errorf("cryptox: read master key file: %w", err)
		}
		keyMaterial = data
	} else if envKey := os.Getenv("EMBER_MASTER_KEY"); envKey != "" {
		keyMaterial = []byte(envKey)
	} else {
		keyMaterial = make([]byte, 32)
		if _, err := rand.Read(keyMaterial); err != nil {
			return nil, fmt.Errorf("cryptox: generate ephemeral master key: %w", err)
		}
	}

	hash := sha256.Sum256(keyMaterial)
	return hash[:], nil
}

func getMasterKey() ([]byte, error) {
	var err error
	masterKeyOnce.Do(func() {
		masterKey, err = loadMasterKey()
		if err != nil {
			return
		}
		// The key reference is a fingerprint of the key itself, not the key.
		ref := sha256.Sum256(masterKey)
		masterKeyID = fmt.Sprintf("local-aes256:%x", ref[:4])
	})
	if err != nil {
		return nil, err
	}
	if masterKey == nil {
		return nil, fmt.Errorf("cryptox: master key unavailable")
	}
	return masterKey, nil
}

// EncryptPrivateKey wraps a PEM-encoded private key using AES-256-GCM under
// the master key. Output layout: [nonce][ciphertext][auth tag]. Private key
// material never leaves this package unencrypted.
func EncryptPrivateKey(pemData []byte) ([]byte, error) {
	key, err := getMasterKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, pemData, nil), nil
}

// DecryptPrivateKey unwraps data produced by EncryptPrivateKey.
func DecryptPrivateKey(encryptedData []byte) ([]byte, error) {
	key, err := getMasterKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, fmt.Errorf("cryptox: ciphertext too short")
	}

	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decryption failed: %w", err)
	}

	return plaintext, nil
}

// EncryptSecret and DecryptSecret wrap small secrets (TOTP seeds) with the
// same master key. Kept separate from the private key helpers so call sites
// read clearly.
func EncryptSecret(secret string) ([]byte, error)    { return EncryptPrivateKey([]byte(secret)) }
func DecryptSecret(data []byte) (string, error) {
	b, err := DecryptPrivateKey(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ResetMasterKeyForTesting resets the master key singleton. Tests only.
func ResetMasterKeyForTesting() {
	masterKeyOnce = sync.Once{}
	masterKey = nil
	masterKeyID = ""
}
