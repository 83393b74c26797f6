// Package timeout schedules the deferred checks that force-abort record
// requests nobody answered. Deadlines are persisted alongside the resource
// rows, so a restart re-arms every in-flight deadline instead of silently
// dropping it.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swabbr-live/internal/lifecycle"
	"swabbr-live/internal/models"
	"swabbr-live/internal/observability/metrics"
	"swabbr-live/internal/storage"
)

// Handler receives the fire callback. The lifecycle manager implements it.
type Handler interface {
	HandleTimeout(ctx context.Context, trigger models.TriggerContext) error
}

// Timer is the one-shot timer handle the supervisor holds per armed
// deadline.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d. Tests substitute a manual
// implementation; production uses time.AfterFunc.
type TimerFactory func(d time.Duration, fn func()) Timer

type stdTimer struct{ timer *time.Timer }

func (t stdTimer) Stop() bool { return t.timer.Stop() }

func stdTimerFactory(d time.Duration, fn func()) Timer {
	return stdTimer{timer: time.AfterFunc(d, fn)}
}

// Config wires the supervisor.
type Config struct {
	Repository storage.Repository
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// FireTimeout bounds the context handed to the handler per fire.
	FireTimeout time.Duration
	// RetryDelay spaces the re-fires after a handler error.
	RetryDelay time.Duration
	Now        func() time.Time
	NewTimer   TimerFactory
}

// maxFireAttempts bounds in-process re-fires after handler errors; the
// persisted entry outlives them, so a restart picks the deadline up again.
const maxFireAttempts = 5

// Supervisor arms one deferred check per outstanding request and fires it
// at the deadline. Every armed action is keyed on both the resource and the
// owner captured at arm time; the handler re-checks both before acting, so
// firing is idempotent and safe against recycled resources.
type Supervisor struct {
	repo        storage.Repository
	logger      *slog.Logger
	metrics     *metrics.Recorder
	fireTimeout time.Duration
	retryDelay  time.Duration
	now         func() time.Time
	newTimer    TimerFactory

	mu      sync.Mutex
	handler Handler
	timers  map[string]Timer
	closed  bool
}

// New constructs a Supervisor. Repository is required; the handler is
// installed separately to break the construction cycle with the lifecycle
// manager.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	fireTimeout := cfg.FireTimeout
	if fireTimeout <= 0 {
		fireTimeout = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 15 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newTimer := cfg.NewTimer
	if newTimer == nil {
		newTimer = stdTimerFactory
	}
	return &Supervisor{
		repo:        cfg.Repository,
		logger:      logger,
		metrics:     recorder,
		fireTimeout: fireTimeout,
		retryDelay:  retryDelay,
		now:         now,
		newTimer:    newTimer,
		timers:      make(map[string]Timer),
	}, nil
}

// SetHandler installs the fire target.
func (s *Supervisor) SetHandler(handler Handler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Arm persists the trigger context and schedules its one-shot check. A
// second Arm for the same resource replaces the previous deadline, which is
// how the connect deadline becomes the max-duration deadline once the
// resource goes live.
func (s *Supervisor) Arm(ctx context.Context, trigger models.TriggerContext) error {
	if trigger.ResourceID == "" {
		return fmt.Errorf("trigger resource id is required")
	}
	if err := s.repo.SaveTimeout(ctx, trigger); err != nil {
		return fmt.Errorf("persist timeout: %w", err)
	}

	delay := trigger.TimeoutDeadline.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor stopped")
	}
	if existing, ok := s.timers[trigger.ResourceID]; ok {
		existing.Stop()
	}
	s.timers[trigger.ResourceID] = s.newTimer(delay, func() {
		s.fire(trigger, 1)
	})
	s.mu.Unlock()

	s.logger.Debug("deadline armed",
		"resource_id", trigger.ResourceID, "user_id", trigger.UserID,
		"expected_status", trigger.ExpectedStatus, "deadline", trigger.TimeoutDeadline)
	return nil
}

// Cancel stops and forgets the armed deadline for a resource, both the
// in-process timer and the persisted entry. Cancelling a resource with no
// armed deadline is a no-op.
func (s *Supervisor) Cancel(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	if timer, ok := s.timers[resourceID]; ok {
		timer.Stop()
		delete(s.timers, resourceID)
	}
	s.mu.Unlock()
	return s.repo.DeleteTimeout(ctx, resourceID)
}

// Fire runs one deadline check. The handler re-reads current state and only
// acts when the resource still matches the context captured at arm time, so
// duplicate fires and fires racing webhook events settle to the same state.
func (s *Supervisor) Fire(trigger models.TriggerContext) {
	s.fire(trigger, 1)
}

func (s *Supervisor) fire(trigger models.TriggerContext, attempt int) {
	s.mu.Lock()
	handler := s.handler
	delete(s.timers, trigger.ResourceID)
	s.mu.Unlock()

	if handler == nil {
		s.logger.Error("deadline fired without handler", "resource_id", trigger.ResourceID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	err := handler.HandleTimeout(ctx, trigger)
	switch {
	case err == nil:
		s.metrics.ObserveTimeoutFire("aborted")
	case errors.Is(err, lifecycle.ErrStaleEvent):
		s.metrics.ObserveTimeoutFire("stale")
	default:
		s.metrics.ObserveTimeoutFire("error")
		s.logger.Error("deadline handling failed",
			"resource_id", trigger.ResourceID, "attempt", attempt, "error", err)
		s.rearm(trigger, attempt)
		return
	}

	if err := s.repo.DeleteTimeout(ctx, trigger.ResourceID); err != nil {
		s.logger.Error("drop fired timeout failed", "resource_id", trigger.ResourceID, "error", err)
	}
}

// rearm schedules a retry after a handler error so a transient failure does
// not leave a non-terminal resource without a deadline until restart.
func (s *Supervisor) rearm(trigger models.TriggerContext, attempt int) {
	if attempt >= maxFireAttempts {
		s.logger.Error("deadline retries exhausted, deferring to restart",
			"resource_id", trigger.ResourceID, "attempts", attempt)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// A fresh Arm for the same resource takes precedence over the retry.
	if _, ok := s.timers[trigger.ResourceID]; ok {
		return
	}
	s.timers[trigger.ResourceID] = s.newTimer(s.retryDelay, func() {
		s.fire(trigger, attempt+1)
	})
}

// Restore re-arms every persisted deadline after a restart. Deadlines that
// passed while the process was down fire on a zero-delay timer, so missed
// aborts happen promptly instead of never.
func (s *Supervisor) Restore(ctx context.Context) error {
	triggers, err := s.repo.ListTimeouts(ctx)
	if err != nil {
		return fmt.Errorf("list persisted timeouts: %w", err)
	}
	for _, trigger := range triggers {
		if err := s.Arm(ctx, trigger); err != nil {
			return err
		}
	}
	if len(triggers) > 0 {
		s.logger.Info("restored persisted deadlines", "count", len(triggers))
	}
	return nil
}

// Stop cancels all in-process timers. Persisted entries stay for the next
// Restore.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

var _ lifecycle.Armer = (*Supervisor)(nil)
