package service

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRotationCheckInterval is how often the job asks whether the active
// key is due for rotation, not how often keys actually rotate.
const DefaultRotationCheckInterval = 24 * time.Hour

// RotationJob drives scheduled key rotation in the background. Overlapping
// runs across instances are safe: activation and deactivation are idempotent
// and a missed tick just delays rotation by one interval.
type RotationJob struct {
	Rotation *KeyRotationService
	Logger   *slog.Logger
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewRotationJob(rotation *KeyRotationService, logger *slog.Logger, interval time.Duration) *RotationJob {
	if interval <= 0 {
		interval = DefaultRotationCheckInterval
	}
	return &RotationJob{
		Rotation: rotation,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (j *RotationJob) Start() {
	go j.run()
	j.Logger.Info("key rotation job started", "interval", j.Interval)
}

// Stop shuts the worker down, blocking until an in-progress check finishes so
// no key store mutation is left half-applied.
func (j *RotationJob) Stop() {
	close(j.stopCh)
	<-j.doneCh
	j.Logger.Info("key rotation job stopped")
}

func (j *RotationJob) run() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	j.check()

	for {
		select {
		case <-ticker.C:
			j.check()
		case <-j.stopCh:
			return
		}
	}
}

func (j *RotationJob) check() {
	ctx := context.Background()
	if err := j.Rotation.RotateIfDue(ctx); err != nil {
		// A failed rotation leaves the previous key active. Critical because
		// a persistently failing rotation ages the key past policy.
		j.Logger.Error("scheduled key rotation failed", "error", err)
	}
}
