package sqlite

import (
	"context"
	"time"

	"github.com/emberauth/ember/internal/token/domain"
)

type securityEventsRepo struct {
	q querier
}

const securityEventColumns = `id, type, subject_id, client_id, ip_address, user_agent,
	success, error_code, severity, risk_score, details, created_at`

func (r *securityEventsRepo) CreateSecurityEvent(ctx context.Context, e domain.SecurityEvent) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO security_events (`+securityEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.SubjectID, e.ClientID, e.IPAddress, e.UserAgent,
		e.Success, e.ErrorCode, e.Severity, e.RiskScore, e.Details, e.CreatedAt)
	return err
}

func (r *securityEventsRepo) CountFailuresBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE subject_id = ? AND success = 0 AND created_at >= ?`, subjectID, since)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *securityEventsRepo) CountFailuresByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE ip_address = ? AND success = 0 AND created_at >= ?`, ip, since)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *securityEventsRepo) ListEventsBySubject(ctx context.Context, subjectID string, limit int) ([]domain.SecurityEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+securityEventColumns+` FROM security_events
		WHERE subject_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SecurityEvent
	for rows.Next() {
		var e domain.SecurityEvent
		if err := rows.Scan(
			&e.ID, &e.Type, &e.SubjectID, &e.ClientID, &e.IPAddress, &e.UserAgent,
			&e.Success, &e.ErrorCode, &e.Severity, &e.RiskScore, &e.Details, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *securityEventsRepo) DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM security_events WHERE created_at < ?`, cutoff)
	return err
}
