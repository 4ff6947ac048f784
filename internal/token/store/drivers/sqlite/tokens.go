package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/internal/token/store"
)

type tokensRepo struct {
	q querier
}

const tokenColumns = `id, subject_id, client_id, type, audience, issuer, token_hash,
	issued_at, expires_at, not_before, revoked, revoked_at, revoked_reason,
	last_used_at, source_ip, user_agent`

func (r *tokensRepo) CreateToken(ctx context.Context, t domain.Token) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SubjectID, t.ClientID, t.Type, joinScopes(t.Audience), t.Issuer, t.TokenHash,
		t.IssuedAt, t.ExpiresAt, mapOptionalTime(t.NotBefore), t.Revoked,
		mapOptionalTime(t.RevokedAt), t.RevokedReason, mapOptionalTime(t.LastUsedAt),
		t.SourceIP, t.UserAgent,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	for _, scope := range t.Scopes {
		if _, err := r.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO token_scopes (token_id, scope) VALUES (?, ?)`,
			t.ID, scope); err != nil {
			return err
		}
	}
	return nil
}

func (r *tokensRepo) GetTokenByID(ctx context.Context, id string) (domain.Token, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)

	t, audience, err := scanToken(row)
	if err != nil {
		return domain.Token{}, err
	}
	t.Audience = splitScopes(audience)

	scopes, err := r.tokenScopes(ctx, id)
	if err != nil {
		return domain.Token{}, err
	}
	t.Scopes = scopes
	return t, nil
}

func (r *tokensRepo) tokenScopes(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT scope FROM token_scopes WHERE token_id = ? ORDER BY scope`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func (r *tokensRepo) TouchTokenUsage(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE tokens SET last_used_at = ? WHERE id = ?`, at, id)
	return err
}

func (r *tokensRepo) RevokeToken(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE tokens SET revoked = 1, revoked_at = ?, revoked_reason = ?
		WHERE id = ? AND revoked = 0`, at, reason, id)
	return err
}

func (r *tokensRepo) ListActiveTokenIDsBySubject(ctx context.Context, subjectID string, now time.Time) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id FROM tokens
		WHERE subject_id = ? AND revoked = 0 AND expires_at > ?`, subjectID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *tokensRepo) DeleteTokensExpiredBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM tokens WHERE expires_at < ?`, cutoff)
	return err
}

func scanToken(row rowScanner) (domain.Token, string, error) {
	var (
		t                               domain.Token
		audience                        string
		notBefore, revokedAt, lastUsed sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.SubjectID, &t.ClientID, &t.Type, &audience, &t.Issuer, &t.TokenHash,
		&t.IssuedAt, &t.ExpiresAt, &notBefore, &t.Revoked, &revokedAt, &t.RevokedReason,
		&lastUsed, &t.SourceIP, &t.UserAgent,
	)
	if err != nil {
		return domain.Token{}, "", mapNotFound(err)
	}
	t.NotBefore = mapNullTimePtr(notBefore)
	t.RevokedAt = mapNullTimePtr(revokedAt)
	t.LastUsedAt = mapNullTimePtr(lastUsed)
	return t, audience, nil
}
