package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberauth/ember/internal/token/cache"
	"github.com/emberauth/ember/internal/token/domain"
	"github.com/emberauth/ember/pkg/slogx"
)

// WindowLimit is one fixed-window bandwidth bound.
type WindowLimit struct {
	Max    int64
	Window time.Duration
}

// DefaultWindowLimits nest a short burst bound inside a sustained bound so
// spikes and slow abuse are both caught.
var DefaultWindowLimits = []WindowLimit{
	{Max: 10, Window: time.Minute},
	{Max: 200, Window: time.Hour},
}

// Identifier names one dimension a request is limited on.
type Identifier struct {
	Kind  string // subject, ip, client, endpoint
	Value string
}

func SubjectIdentifier(v string) Identifier  { return Identifier{Kind: "subject", Value: v} }
func IPIdentifier(v string) Identifier       { return Identifier{Kind: "ip", Value: v} }
func ClientIdentifier(v string) Identifier   { return Identifier{Kind: "client", Value: v} }
func EndpointIdentifier(v string) Identifier { return Identifier{Kind: "endpoint", Value: v} }

// RateLimitService enforces per-identifier fixed-window limits against the
// shared counter store, so the limits hold across service instances. Counter
// store outages fail open with an observable degradation event. Actors the
// audit log has flagged get their limits halved.
type RateLimitService struct {
	Counters cache.Store
	Events   *SecurityEventService

	// Limits default to DefaultWindowLimits when empty.
	Limits []WindowLimit
}

func (s *RateLimitService) limits() []WindowLimit {
	if len(s.Limits) > 0 {
		return s.Limits
	}
	return DefaultWindowLimits
}

// Allow evaluates every limit for every identifier; all buckets must allow.
// One atomic increment per bucket, no read-then-write races under bursts.
func (s *RateLimitService) Allow(ctx context.Context, scope string, ids ...Identifier) bool {
	degradationRecorded := false
	for _, id := range ids {
		if id.Value == "" {
			continue
		}

		divisor := int64(1)
		if s.flagged(ctx, id) {
			divisor = 2
		}

		for _, limit := range s.limits() {
			key := fmt.Sprintf("rl:%s:%s:%s:%d", scope, id.Kind, id.Value, int64(limit.Window.Seconds()))

			count, err := s.Counters.Incr(ctx, key, limit.Window)
			if err != nil {
				// Fail open: availability over strict limiting, but the
				// compromise has to be observable.
				slogx.FromContext(ctx).Warn("rate limiter degraded, failing open",
					slog.String("scope", scope), slog.Any("error", err))
				// One audit event per call, not one per bucket.
				if !degradationRecorded {
					degradationRecorded = true
					s.recordDegraded(ctx, scope, id)
				}
				continue
			}

			allowed := limit.Max / divisor
			if allowed < 1 {
				allowed = 1
			}
			if count > allowed {
				s.recordDenial(ctx, scope, id)
				return false
			}
		}
	}
	return true
}

// flagged asks the audit log whether this actor is under active abuse.
func (s *RateLimitService) flagged(ctx context.Context, id Identifier) bool {
	if s.Events == nil {
		return false
	}
	switch id.Kind {
	case "subject":
		flagged, err := s.Events.IsSubjectUnderAttack(ctx, id.Value)
		return err == nil && flagged
	case "ip":
		flagged, err := s.Events.IsIPSuspicious(ctx, id.Value)
		return err == nil && flagged
	default:
		return false
	}
}

func (s *RateLimitService) recordDenial(ctx context.Context, scope string, id Identifier) {
	if s.Events == nil {
		return
	}
	e := domain.SecurityEvent{
		Type:      domain.EventRateLimitExceeded,
		Success:   false,
		ErrorCode: "rate_limit_exceeded",
		Severity:  domain.SeverityMedium,
		Details:   fmt.Sprintf("scope=%s %s=%s", scope, id.Kind, id.Value),
	}
	switch id.Kind {
	case "subject":
		e.SubjectID = id.Value
	case "ip":
		e.IPAddress = id.Value
	case "client":
		e.ClientID = id.Value
	}
	if _, err := s.Events.Record(ctx, e); err != nil {
		slogx.FromContext(ctx).Error("record rate limit denial failed", slog.Any("error", err))
	}
}

func (s *RateLimitService) recordDegraded(ctx context.Context, scope string, id Identifier) {
	if s.Events == nil {
		return
	}
	e := domain.SecurityEvent{
		Type:      domain.EventSuspiciousActivity,
		Success:   true,
		ErrorCode: "rate_limiter_degraded",
		Severity:  domain.SeverityMedium,
		Details:   fmt.Sprintf("counter store unreachable, failed open for scope=%s %s=%s", scope, id.Kind, id.Value),
	}
	switch id.Kind {
	case "subject":
		e.SubjectID = id.Value
	case "ip":
		e.IPAddress = id.Value
	case "client":
		e.ClientID = id.Value
	}
	if _, err := s.Events.Record(ctx, e); err != nil {
		slogx.FromContext(ctx).Error("record rate limiter degradation failed", slog.Any("error", err))
	}
}
