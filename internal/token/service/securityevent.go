package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/pkg/idx"
	"github.com/emberauth/ember/pkg/slogx"
)

// Brute-force detection defaults.
const (
	DefaultSubjectFailureThreshold = 5
	DefaultSubjectFailureWindow    = 15 * time.Minute
	DefaultIPFailureThreshold      = 10
	DefaultIPFailureWindow         = time.Hour

	// riskWindow is the trailing window the risk score is derived from.
	riskWindow = time.Hour

	// maxRiskScore caps the derived score.
	maxRiskScore = 10
)

// SecurityEventService appends risk-scored events to the audit log and
// answers the brute-force predicates the issuer and rate limiter consult.
type SecurityEventService struct {
	Store store.Store

	// Thresholds; zero values fall back to the defaults above.
	SubjectFailureThreshold int
	SubjectFailureWindow    time.Duration
	IPFailureThreshold      int
	IPFailureWindow         time.Duration

	// Now is swappable for tests. Nil means time.Now.
	Now func() time.Time
}

func (s *SecurityEventService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *SecurityEventService) subjectThreshold() int {
	if s.SubjectFailureThreshold > 0 {
		return s.SubjectFailureThreshold
	}
	return DefaultSubjectFailureThreshold
}

func (s *SecurityEventService) subjectWindow() time.Duration {
	if s.SubjectFailureWindow > 0 {
		return s.SubjectFailureWindow
	}
	return DefaultSubjectFailureWindow
}

func (s *SecurityEventService) ipThreshold() int {
	if s.IPFailureThreshold > 0 {
		return s.IPFailureThreshold
	}
	return DefaultIPFailureThreshold
}

func (s *SecurityEventService) ipWindow() time.Duration {
	if s.IPFailureWindow > 0 {
		return s.IPFailureWindow
	}
	return DefaultIPFailureWindow
}

// Record appends the event with a derived risk score and returns the stored
// copy. When a failure pushes the subject over the brute-force threshold a
// brute-force-detected event is appended alongside it.
func (s *SecurityEventService) Record(ctx context.Context, e domain.SecurityEvent) (domain.SecurityEvent, error) {
	now := s.now()
	if e.ID == "" {
		e.ID = idx.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityLow
	}

	score, err := s.riskScore(ctx, e, now)
	if err != nil {
		return domain.SecurityEvent{}, fmt.Errorf("service: score security event: %w", err)
	}
	e.RiskScore = score

	if err := s.Store.SecurityEvents().CreateSecurityEvent(ctx, e); err != nil {
		return domain.SecurityEvent{}, fmt.Errorf("service: record security event: %w", err)
	}

	if !e.Success && e.SubjectID != "" {
		if err := s.maybeFlagBruteForce(ctx, e, now); err != nil {
			// The primary event is already durable; detection is best effort.
			slogx.FromContext(ctx).Error("brute force detection failed",
				slog.String("subject_id", e.SubjectID), slog.Any("error", err))
		}
	}

	return e, nil
}

// riskScore derives a 0-10 score from the event severity plus the trailing
// failure history of its subject and source IP. Each signal contributes a
// bounded increment so one noisy dimension cannot saturate the score alone.
func (s *SecurityEventService) riskScore(ctx context.Context, e domain.SecurityEvent, now time.Time) (int, error) {
	score := severityBase(e.Severity)
	if !e.Success {
		score++
	}

	since := now.Add(-riskWindow)

	if e.SubjectID != "" {
		count, err := s.Store.SecurityEvents().CountFailuresBySubjectSince(ctx, e.SubjectID, since)
		if err != nil {
			return 0, err
		}
		score += min(count, 4)
	}

	if e.IPAddress != "" {
		count, err := s.Store.SecurityEvents().CountFailuresByIPSince(ctx, e.IPAddress, since)
		if err != nil {
			return 0, err
		}
		score += min(count, 4)
	}

	return min(score, maxRiskScore), nil
}

func severityBase(severity string) int {
	switch severity {
	case domain.SeverityCritical:
		return 4
	case domain.SeverityHigh:
		return 3
	case domain.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// maybeFlagBruteForce appends a brute-force-detected event the moment the
// subject's failure count reaches the threshold, exactly once per crossing.
func (s *SecurityEventService) maybeFlagBruteForce(ctx context.Context, e domain.SecurityEvent, now time.Time) error {
	if e.Type == domain.EventBruteForceDetected {
		return nil
	}

	count, err := s.Store.SecurityEvents().CountFailuresBySubjectSince(ctx, e.SubjectID, now.Add(-s.subjectWindow()))
	if err != nil {
		return err
	}
	if count != s.subjectThreshold() {
		return nil
	}

	_, err = s.Record(ctx, domain.SecurityEvent{
		Type:      domain.EventBruteForceDetected,
		SubjectID: e.SubjectID,
		ClientID:  e.ClientID,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Success:   false,
		Severity:  domain.SeverityHigh,
		Details:   fmt.Sprintf("%d failures within %s", count, s.subjectWindow()),
		CreatedAt: now,
	})
	return err
}

// IsSubjectUnderAttack reports whether the subject's trailing failures reach
// the lockout threshold.
func (s *SecurityEventService) IsSubjectUnderAttack(ctx context.Context, subjectID string) (bool, error) {
	if subjectID == "" {
		return false, nil
	}
	count, err := s.Store.SecurityEvents().CountFailuresBySubjectSince(ctx, subjectID, s.now().Add(-s.subjectWindow()))
	if err != nil {
		return false, err
	}
	return count >= s.subjectThreshold(), nil
}

// IsIPSuspicious reports whether the source IP's trailing failures reach the
// threshold.
func (s *SecurityEventService) IsIPSuspicious(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	count, err := s.Store.SecurityEvents().CountFailuresByIPSince(ctx, ip, s.now().Add(-s.ipWindow()))
	if err != nil {
		return false, err
	}
	return count >= s.ipThreshold(), nil
}

// RecentEvents returns the newest events for a subject, newest first.
func (s *SecurityEventService) RecentEvents(ctx context.Context, subjectID string, limit int) ([]domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Store.SecurityEvents().ListEventsBySubject(ctx, subjectID, limit)
}
