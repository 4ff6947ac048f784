package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberauth/ember/internal/token/domain"
)

func TestAllowDeniesOverLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rl := &RateLimitService{
		Counters: env.cache,
		Events:   env.events,
		Limits:   []WindowLimit{{Max: 3, Window: time.Minute}},
	}

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow(ctx, "login", SubjectIdentifier("alice")))
	}
	require.False(t, rl.Allow(ctx, "login", SubjectIdentifier("alice")))

	// Another identifier has its own bucket.
	require.True(t, rl.Allow(ctx, "login", SubjectIdentifier("bob")))

	events, err := env.events.RecentEvents(ctx, "alice", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, domain.EventRateLimitExceeded, events[0].Type)
	require.Equal(t, domain.SeverityMedium, events[0].Severity)
}

func TestAllowRecoversAfterWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rl := &RateLimitService{
		Counters: env.cache,
		Limits:   []WindowLimit{{Max: 2, Window: time.Minute}},
	}

	require.True(t, rl.Allow(ctx, "token", IPIdentifier("1.2.3.4")))
	require.True(t, rl.Allow(ctx, "token", IPIdentifier("1.2.3.4")))
	require.False(t, rl.Allow(ctx, "token", IPIdentifier("1.2.3.4")))

	env.clock.Advance(time.Minute + time.Second)

	require.True(t, rl.Allow(ctx, "token", IPIdentifier("1.2.3.4")))
}

func TestAllowChecksEveryIdentifier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rl := &RateLimitService{
		Counters: env.cache,
		Limits:   []WindowLimit{{Max: 1, Window: time.Minute}},
	}

	require.True(t, rl.Allow(ctx, "login", SubjectIdentifier("alice"), IPIdentifier("1.2.3.4")))

	// Different subject, same exhausted IP bucket.
	require.False(t, rl.Allow(ctx, "login", SubjectIdentifier("carol"), IPIdentifier("1.2.3.4")))
}

// brokenCounters simulates a counter store outage.
type brokenCounters struct{}

func (brokenCounters) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (brokenCounters) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (brokenCounters) Del(ctx context.Context, keys ...string) error {
	return errors.New("connection refused")
}
func (brokenCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenCounters) Ping(ctx context.Context) error { return errors.New("connection refused") }
func (brokenCounters) Close() error                   { return nil }

func TestAllowFailsOpenOnCounterOutage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rl := &RateLimitService{
		Counters: brokenCounters{},
		Events:   env.events,
		Limits: []WindowLimit{
			{Max: 1, Window: time.Minute},
			{Max: 10, Window: time.Hour},
		},
	}

	// Far past any limit, still allowed; availability wins during outages.
	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(ctx, "login", SubjectIdentifier("alice")))
	}

	// One degradation event per call, not one per failed bucket.
	events, err := env.events.RecentEvents(ctx, "alice", 50)
	require.NoError(t, err)

	degraded := 0
	for _, e := range events {
		if e.ErrorCode == "rate_limiter_degraded" {
			degraded++
		}
	}
	require.Equal(t, 5, degraded)
}
