package domain

import "time"

// MFASecret holds a subject's TOTP seed. The secret is base32-encoded,
// high-entropy, and encrypted at rest with the same master key that wraps
// signing keys.
type MFASecret struct {
	SubjectID       string
	SecretEncrypted []byte
	CreatedAt       time.Time
}

// MFAEnrollment is returned when a subject enrols: the plaintext secret and
// provisioning URI are shown exactly once.
type MFAEnrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	Issuer          string   `json:"issuer"`
	Account         string   `json:"account"`
	BackupCodes     []string `json:"backup_codes"`
}
