package sqlite

import (
	"context"
	"time"

	"github.com/emberauth/ember/internal/token/domain"
)

type mfaSecretsRepo struct {
	q querier
}

func (r *mfaSecretsRepo) UpsertMFASecret(ctx context.Context, s domain.MFASecret) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mfa_secrets (subject_id, secret_encrypted, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET secret_encrypted = excluded.secret_encrypted,
			created_at = excluded.created_at`,
		s.SubjectID, s.SecretEncrypted, s.CreatedAt)
	return err
}

func (r *mfaSecretsRepo) GetMFASecret(ctx context.Context, subjectID string) (domain.MFASecret, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT subject_id, secret_encrypted, created_at
		FROM mfa_secrets WHERE subject_id = ?`, subjectID)

	var s domain.MFASecret
	if err := row.Scan(&s.SubjectID, &s.SecretEncrypted, &s.CreatedAt); err != nil {
		return domain.MFASecret{}, mapNotFound(err)
	}
	return s, nil
}

func (r *mfaSecretsRepo) DeleteMFASecret(ctx context.Context, subjectID string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM mfa_secrets WHERE subject_id = ?`, subjectID)
	return err
}

type backupCodesRepo struct {
	q querier
}

func (r *backupCodesRepo) CreateBackupCode(ctx context.Context, subjectID, codeHash string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mfa_backup_codes (subject_id, code_hash, created_at)
		VALUES (?, ?, ?)`, subjectID, codeHash, time.Now().UTC())
	return err
}

func (r *backupCodesRepo) ListBackupCodeHashes(ctx context.Context, subjectID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT code_hash FROM mfa_backup_codes WHERE subject_id = ?`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}

func (r *backupCodesRepo) DeleteBackupCode(ctx context.Context, subjectID, codeHash string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM mfa_backup_codes WHERE subject_id = ? AND code_hash = ?`,
		subjectID, codeHash)
	return err
}

func (r *backupCodesRepo) DeleteAllBackupCodes(ctx context.Context, subjectID string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM mfa_backup_codes WHERE subject_id = ?`, subjectID)
	return err
}
