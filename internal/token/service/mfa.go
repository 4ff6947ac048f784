package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/pkg/cryptox"
)

const (
	totpPeriod     = 30
	totpSecretSize = 20 // 160 bits of entropy, base32-encoded

	backupCodeCount = 10
	backupCodeBytes = 10 // 80 bits, 16 base32 characters
)

var (
	ErrInvalidTOTPCode = errors.New("invalid TOTP code")
	ErrMFANotEnrolled  = errors.New("MFA not enrolled for this subject")
)

// MFAService manages TOTP enrollment, code verification and single-use
// recovery codes. Seeds are encrypted at rest under the same master key that
// wraps signing keys; recovery codes are stored only as bcrypt hashes.
type MFAService struct {
	Store  store.Store
	Events *SecurityEventService
	Issuer string

	// Now is swappable for tests. Nil means time.Now.
	Now func() time.Time
}

func (s *MFAService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// GenerateSecret produces a fresh base32-encoded TOTP seed.
func (s *MFAService) GenerateSecret() (string, error) {
	raw := make([]byte, totpSecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("service: generate TOTP secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// ProvisioningURI builds the otpauth:// enrollment URI authenticator apps
// consume.
func (s *MFAService) ProvisioningURI(account, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", s.Issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", "6")
	q.Set("period", "30")

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + s.Issuer + ":" + account,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Enroll creates a subject's TOTP seed and recovery codes. The plaintext
// secret, provisioning URI and codes are returned exactly once; at rest only
// the encrypted seed and code hashes exist.
func (s *MFAService) Enroll(ctx context.Context, subjectID, account string) (domain.MFAEnrollment, error) {
	secret, err := s.GenerateSecret()
	if err != nil {
		return domain.MFAEnrollment{}, err
	}

	encrypted, err := cryptox.EncryptSecret(secret)
	if err != nil {
		return domain.MFAEnrollment{}, fmt.Errorf("service: encrypt TOTP secret: %w", err)
	}

	codes, hashes, err := newBackupCodes(backupCodeCount)
	if err != nil {
		return domain.MFAEnrollment{}, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MFASecrets().UpsertMFASecret(ctx, domain.MFASecret{
			SubjectID:       subjectID,
			SecretEncrypted: encrypted,
			CreatedAt:       s.now(),
		}); err != nil {
			return fmt.Errorf("service: store TOTP secret: %w", err)
		}
		if err := tx.BackupCodes().DeleteAllBackupCodes(ctx, subjectID); err != nil {
			return err
		}
		for _, hash := range hashes {
			if err := tx.BackupCodes().CreateBackupCode(ctx, subjectID, hash); err != nil {
				return fmt.Errorf("service: store backup code: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.MFAEnrollment{}, err
	}

	return domain.MFAEnrollment{
		Secret:          secret,
		ProvisioningURI: s.ProvisioningURI(account, secret),
		Issuer:          s.Issuer,
		Account:         account,
		BackupCodes:     codes,
	}, nil
}

// VerifyCode checks a 6-digit TOTP code against the subject's stored seed,
// accepting the current window plus one on either side for clock skew.
func (s *MFAService) VerifyCode(ctx context.Context, subjectID, code string) (bool, error) {
	record, err := s.Store.MFASecrets().GetMFASecret(ctx, subjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrMFANotEnrolled
		}
		return false, fmt.Errorf("service: load TOTP secret: %w", err)
	}

	secret, err := cryptox.DecryptSecret(record.SecretEncrypted)
	if err != nil {
		return false, fmt.Errorf("service: decrypt TOTP secret: %w", err)
	}

	ok := VerifyCodeAt(secret, code, s.now())
	s.recordMFAEvent(ctx, subjectID, ok, "totp")
	return ok, nil
}

// VerifyCodeAt validates a code against a seed at a given instant. Split out
// so callers holding a plaintext seed (enrollment confirmation) can verify
// without a store round trip.
func VerifyCodeAt(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// RegenerateBackupCodes replaces the subject's recovery codes after a
// successful TOTP verification.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, subjectID, totpCode string) ([]string, error) {
	ok, err := s.VerifyCode(ctx, subjectID, totpCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidTOTPCode
	}

	codes, hashes, err := newBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().DeleteAllBackupCodes(ctx, subjectID); err != nil {
			return err
		}
		for _, hash := range hashes {
			if err := tx.BackupCodes().CreateBackupCode(ctx, subjectID, hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// ConsumeBackupCode verifies a recovery code and invalidates it on success.
// Each code is usable exactly once.
func (s *MFAService) ConsumeBackupCode(ctx context.Context, subjectID, code string) (bool, error) {
	hashes, err := s.Store.BackupCodes().ListBackupCodeHashes(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("service: list backup codes: %w", err)
	}

	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			if err := s.Store.BackupCodes().DeleteBackupCode(ctx, subjectID, hash); err != nil {
				return false, fmt.Errorf("service: consume backup code: %w", err)
			}
			s.recordMFAEvent(ctx, subjectID, true, "backup_code")
			return true, nil
		}
	}

	s.recordMFAEvent(ctx, subjectID, false, "backup_code")
	return false, nil
}

// Disable removes the subject's seed and all recovery codes.
func (s *MFAService) Disable(ctx context.Context, subjectID string) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MFASecrets().DeleteMFASecret(ctx, subjectID); err != nil {
			return err
		}
		return tx.BackupCodes().DeleteAllBackupCodes(ctx, subjectID)
	})
}

func (s *MFAService) recordMFAEvent(ctx context.Context, subjectID string, success bool, method string) {
	if s.Events == nil {
		return
	}
	eventType := domain.EventMFASuccess
	severity := domain.SeverityLow
	if !success {
		eventType = domain.EventMFAFailure
		severity = domain.SeverityMedium
	}
	_, _ = s.Events.Record(ctx, domain.SecurityEvent{
		Type:      eventType,
		SubjectID: subjectID,
		Success:   success,
		Severity:  severity,
		Details:   method,
	})
}

func newBackupCodes(n int) (codes, hashes []string, err error) {
	codes = make([]string, n)
	hashes = make([]string, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("service: generate backup code: %w", err)
		}
		// Base32 keeps recovery codes alphanumeric and easy to read back.
		code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("service: hash backup code: %w", err)
		}
		codes[i] = code
		hashes[i] = string(hash)
	}
	return codes, hashes, nil
}
