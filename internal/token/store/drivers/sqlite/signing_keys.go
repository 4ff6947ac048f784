package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/internal/token/store"
)

type signingKeysRepo struct {
	q querier
}

const signingKeyColumns = `id, kid, algorithm, key_size_bits, public_key_pem, private_key_encrypted,
	encryption_key_ref, state, created_at, activated_at, expires_at, deactivated_at, deactivated_reason`

func (r *signingKeysRepo) CreateSigningKey(ctx context.Context, key domain.SigningKeyPair) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO signing_keys (`+signingKeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Kid, key.Algorithm, key.KeySizeBits, key.PublicKeyPEM, key.PrivateKeyEncrypted,
		key.EncryptionKeyRef, key.State, key.CreatedAt, mapOptionalTime(key.ActivatedAt),
		key.ExpiresAt, mapOptionalTime(key.DeactivatedAt), key.DeactivatedReason,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *signingKeysRepo) GetSigningKeyByKid(ctx context.Context, kid string) (domain.SigningKeyPair, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys WHERE kid = ?`, kid)
	return scanSigningKey(row)
}

func (r *signingKeysRepo) GetActiveSigningKey(ctx context.Context, now time.Time) (domain.SigningKeyPair, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE state = ? AND expires_at > ?
		ORDER BY activated_at DESC
		LIMIT 1`, domain.KeyStateActive, now)
	return scanSigningKey(row)
}

func (r *signingKeysRepo) ListSigningKeys(ctx context.Context) ([]domain.SigningKeyPair, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.SigningKeyPair
	for rows.Next() {
		key, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *signingKeysRepo) ActivateSigningKey(ctx context.Context, kid string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE signing_keys SET state = ?, activated_at = ?
		WHERE kid = ? AND state = ?`,
		domain.KeyStateActive, at, kid, domain.KeyStatePending)
	return err
}

func (r *signingKeysRepo) DeactivateSigningKey(ctx context.Context, kid, reason string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE signing_keys SET state = ?, deactivated_at = ?, deactivated_reason = ?
		WHERE kid = ? AND state != ?`,
		domain.KeyStateDeactivated, at, reason, kid, domain.KeyStateDeactivated)
	return err
}

func (r *signingKeysRepo) MarkExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE signing_keys SET state = ?
		WHERE state IN (?, ?) AND expires_at <= ?`,
		domain.KeyStateExpired, domain.KeyStateActive, domain.KeyStatePending, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *signingKeysRepo) DeleteSigningKeysExpiredBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM signing_keys WHERE expires_at < ? AND state != ?`,
		cutoff, domain.KeyStateActive)
	return err
}

func (r *signingKeysRepo) DeletePendingSigningKeysBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM signing_keys WHERE state = ? AND created_at < ?`,
		domain.KeyStatePending, cutoff)
	return err
}

// rowScanner lets one scan helper serve both QueryRow and Rows paths.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSigningKey(row rowScanner) (domain.SigningKeyPair, error) {
	var (
		key                      domain.SigningKeyPair
		activatedAt, deactivated sql.NullTime
	)
	err := row.Scan(
		&key.ID, &key.Kid, &key.Algorithm, &key.KeySizeBits, &key.PublicKeyPEM,
		&key.PrivateKeyEncrypted, &key.EncryptionKeyRef, &key.State, &key.CreatedAt,
		&activatedAt, &key.ExpiresAt, &deactivated, &key.DeactivatedReason,
	)
	if err != nil {
		return domain.SigningKeyPair{}, mapNotFound(err)
	}
	key.ActivatedAt = mapNullTimePtr(activatedAt)
	key.DeactivatedAt = mapNullTimePtr(deactivated)
	return key, nil
}
