package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/emberauth/ember/internal/token/store"
)

// Retention defaults for the janitor.
const (
	DefaultTokenRetention   = 30 * 24 * time.Hour
	DefaultEventRetention   = 90 * 24 * time.Hour
	DefaultPendingKeyMaxAge = 24 * time.Hour
	DefaultJanitorInterval  = 24 * time.Hour
)

// JanitorService periodically purges expired rows so the durable store does
// not grow without bound: spent tokens, stale blacklist entries, old signing
// keys, aged-out audit events and orphaned pending keys.
type JanitorService struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration

	TokenRetention   time.Duration
	EventRetention   time.Duration
	KeyRetention     time.Duration
	PendingKeyMaxAge time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJanitorService creates a janitor with the given sweep interval. Zero or
// negative intervals default to daily.
func NewJanitorService(st store.Store, logger *slog.Logger, interval time.Duration) *JanitorService {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &JanitorService{
		Store:    st,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (s *JanitorService) Start() {
	go s.run()
	s.Logger.Info("janitor started", "interval", s.Interval)
}

// Stop shuts the worker down, blocking until any in-progress sweep finishes.
func (s *JanitorService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("janitor stopped")
}

func (s *JanitorService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Sweep immediately on startup
	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs every purge once. Each deletion is independent; a failure in one
// does not stop the others.
func (s *JanitorService) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.Logger.Info("janitor sweep starting")

	tokenRetention := s.TokenRetention
	if tokenRetention <= 0 {
		tokenRetention = DefaultTokenRetention
	}
	eventRetention := s.EventRetention
	if eventRetention <= 0 {
		eventRetention = DefaultEventRetention
	}
	keyRetention := s.KeyRetention
	if keyRetention <= 0 {
		keyRetention = DefaultKeyRetention
	}
	pendingMaxAge := s.PendingKeyMaxAge
	if pendingMaxAge <= 0 {
		pendingMaxAge = DefaultPendingKeyMaxAge
	}

	if err := s.Store.Tokens().DeleteTokensExpiredBefore(ctx, now.Add(-tokenRetention)); err != nil {
		s.Logger.Error("janitor: purge expired tokens", "error", err)
	}

	// Blacklist entries for tokens that would have expired anyway.
	if err := s.Store.Revocations().DeleteRevocationsExpiredBefore(ctx, now); err != nil {
		s.Logger.Error("janitor: purge revocations", "error", err)
	}

	if count, err := s.Store.SigningKeys().MarkExpiredSigningKeys(ctx, now); err != nil {
		s.Logger.Error("janitor: mark expired keys", "error", err)
	} else if count > 0 {
		s.Logger.Info("janitor: marked keys expired", "count", count)
	}

	if err := s.Store.SigningKeys().DeleteSigningKeysExpiredBefore(ctx, now.Add(-keyRetention)); err != nil {
		s.Logger.Error("janitor: purge old signing keys", "error", err)
	}

	// Losers of concurrent first-use races leave pending keys behind.
	if err := s.Store.SigningKeys().DeletePendingSigningKeysBefore(ctx, now.Add(-pendingMaxAge)); err != nil {
		s.Logger.Error("janitor: purge stale pending keys", "error", err)
	}

	if err := s.Store.SecurityEvents().DeleteSecurityEventsBefore(ctx, now.Add(-eventRetention)); err != nil {
		s.Logger.Error("janitor: purge security events", "error", err)
	}

	s.Logger.Info("janitor sweep completed")
}
