package sqlite

import (
	"context"
	"time"

	"github.com/emberauth/ember/internal/token/domain"
)

type revocationsRepo struct {
	q querier
}

func (r *revocationsRepo) CreateRevocation(ctx context.Context, e domain.RevocationEntry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO token_blacklist (token_id, subject_id, type, revoked_at, expires_at, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TokenID, e.SubjectID, e.Type, e.RevokedAt, e.ExpiresAt, e.Reason)
	return err
}

func (r *revocationsRepo) GetRevocation(ctx context.Context, tokenID string) (domain.RevocationEntry, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT token_id, subject_id, type, revoked_at, expires_at, reason
		FROM token_blacklist WHERE token_id = ?`, tokenID)

	var e domain.RevocationEntry
	err := row.Scan(&e.TokenID, &e.SubjectID, &e.Type, &e.RevokedAt, &e.ExpiresAt, &e.Reason)
	if err != nil {
		return domain.RevocationEntry{}, mapNotFound(err)
	}
	return e, nil
}

func (r *revocationsRepo) DeleteRevocationsExpiredBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM token_blacklist WHERE expires_at < ?`, cutoff)
	return err
}
