// Package lifecycle drives a reserved livestream resource through connect,
// disconnect, and teardown. Every transition is a single guarded
// compare-and-set on the stored status, so webhook deliveries, timeout
// fires, and scheduler work may interleave arbitrarily for the same
// resource: exactly one of them wins and the rest observe a stale no-op.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"swabbr-live/internal/models"
	"swabbr-live/internal/notify"
	"swabbr-live/internal/observability/metrics"
	"swabbr-live/internal/pool"
	"swabbr-live/internal/provider"
	"swabbr-live/internal/storage"
)

var (
	// ErrUnknownResource means the webhook named an external id this
	// subsystem does not track.
	ErrUnknownResource = errors.New("unknown livestream resource")
	// ErrOwnershipConflict means an event referenced a resource/owner
	// pairing inconsistent with current state. Rejected, never applied.
	ErrOwnershipConflict = errors.New("resource ownership conflict")
	// ErrStaleEvent marks an event that arrived after the resource moved
	// on. Callers treat it as a logged no-op, not a failure.
	ErrStaleEvent = errors.New("stale event ignored")
	// ErrIngestStateMismatch means the provider's reported connection
	// state contradicts the event being processed.
	ErrIngestStateMismatch = errors.New("provider ingest state mismatch")
)

// Armer schedules and cancels deferred timeout checks. The timeout
// supervisor implements it; the indirection keeps this package free of a
// dependency cycle.
type Armer interface {
	Arm(ctx context.Context, trigger models.TriggerContext) error
	Cancel(ctx context.Context, resourceID string) error
}

// Notifier is the fire-and-forget notification entry point.
type Notifier interface {
	Dispatch(notification notify.Notification)
}

// Config wires the manager's collaborators.
type Config struct {
	Repository storage.Repository
	Provider   provider.Client
	Pool       *pool.Pool
	Notifier   Notifier
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// MaxStreamDuration bounds how long a resource may stay live before
	// the supervisor force-aborts it.
	MaxStreamDuration time.Duration
}

// Manager owns the resource state machine.
type Manager struct {
	repo              storage.Repository
	provider          provider.Client
	pool              *pool.Pool
	notifier          Notifier
	logger            *slog.Logger
	metrics           *metrics.Recorder
	maxStreamDuration time.Duration
	timeouts          Armer
}

// New constructs a Manager. Repository, Provider, and Pool are required.
func New(cfg Config) (*Manager, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider client is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	maxDuration := cfg.MaxStreamDuration
	if maxDuration <= 0 {
		maxDuration = 10 * time.Minute
	}
	return &Manager{
		repo:              cfg.Repository,
		provider:          cfg.Provider,
		pool:              cfg.Pool,
		notifier:          cfg.Notifier,
		logger:            logger,
		metrics:           recorder,
		maxStreamDuration: maxDuration,
	}, nil
}

// SetTimeouts installs the timeout supervisor after construction; the
// supervisor in turn fires back into HandleTimeout.
func (m *Manager) SetTimeouts(armer Armer) {
	m.timeouts = armer
}

func (m *Manager) resolve(ctx context.Context, externalID string) (models.LivestreamResource, error) {
	resource, ok, err := m.repo.ResourceByExternalID(ctx, externalID)
	if err != nil {
		return models.LivestreamResource{}, err
	}
	if !ok {
		return models.LivestreamResource{}, fmt.Errorf("external id %s: %w", externalID, ErrUnknownResource)
	}
	return resource, nil
}

// EncoderConnected handles the webhook reporting that a device started
// pushing video. assertedUserID may be empty when the provider does not
// echo the user; when present it must match the resource's owner.
func (m *Manager) EncoderConnected(ctx context.Context, externalID, assertedUserID string, eventTime time.Time) (models.LivestreamResource, error) {
	resource, err := m.resolve(ctx, externalID)
	if err != nil {
		return models.LivestreamResource{}, err
	}
	if assertedUserID != "" && resource.OwnerUserID != assertedUserID {
		return resource, fmt.Errorf("resource %s bound to %q, event asserts %q: %w",
			resource.ID, resource.OwnerUserID, assertedUserID, ErrOwnershipConflict)
	}
	if resource.Status != models.StatusPendingUser {
		m.logStale("encoder_connected", resource)
		return resource, ErrStaleEvent
	}

	m.metrics.ObserveProviderAttempt("state")
	state, err := m.provider.QueryConnectionState(ctx, externalID)
	if err != nil {
		m.metrics.ObserveProviderFailure("state")
		return resource, fmt.Errorf("query connection state: %w", err)
	}
	if !state.Connected {
		return resource, fmt.Errorf("resource %s reports no active ingest: %w", resource.ID, ErrIngestStateMismatch)
	}

	owner := resource.OwnerUserID
	updated, err := m.repo.TransitionResource(ctx, resource.ID, storage.ResourceTransition{
		From:        models.StatusPendingUser,
		To:          models.StatusLive,
		ExpectOwner: &owner,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			m.logStale("encoder_connected", updated)
			return updated, ErrStaleEvent
		}
		if errors.Is(err, storage.ErrOwnerMismatch) {
			return updated, fmt.Errorf("resource %s changed hands during transition: %w",
				resource.ID, ErrOwnershipConflict)
		}
		return models.LivestreamResource{}, err
	}
	m.metrics.ObserveTransition(string(models.StatusPendingUser), string(models.StatusLive))
	m.logger.Info("resource live", "resource_id", updated.ID, "user_id", owner)

	// Replace the connect deadline with the max-duration deadline.
	if m.timeouts != nil {
		trigger := models.TriggerContext{
			ResourceID:      updated.ID,
			UserID:          owner,
			TriggerMinute:   eventTime.UTC().Truncate(time.Minute),
			TimeoutDeadline: eventTime.UTC().Add(m.maxStreamDuration),
			ExpectedStatus:  models.StatusLive,
		}
		if err := m.timeouts.Arm(ctx, trigger); err != nil {
			m.logger.Error("re-arm max duration deadline failed", "resource_id", updated.ID, "error", err)
		}
	}

	if m.notifier != nil {
		m.notifier.Dispatch(notify.Notification{
			Kind:         notify.KindProfileLive,
			TargetUserID: owner,
			ProfileLive: &notify.ProfileLivePayload{
				VloggerID:  owner,
				ResourceID: updated.ID,
				StartedAt:  eventTime.UTC(),
			},
		})
	}
	return updated, nil
}

// EncoderDisconnected handles the webhook reporting that the device stopped
// pushing. The resource moves through pending_closure while the provider
// stop call runs, then lands in closed (or aborted when the stop fails).
func (m *Manager) EncoderDisconnected(ctx context.Context, externalID, assertedUserID string, eventTime time.Time) (models.LivestreamResource, error) {
	resource, err := m.resolve(ctx, externalID)
	if err != nil {
		return models.LivestreamResource{}, err
	}
	if assertedUserID != "" && resource.Status.Owned() && resource.OwnerUserID != assertedUserID {
		return resource, fmt.Errorf("resource %s bound to %q, event asserts %q: %w",
			resource.ID, resource.OwnerUserID, assertedUserID, ErrOwnershipConflict)
	}
	if resource.Status != models.StatusLive {
		m.logStale("encoder_disconnected", resource)
		return resource, ErrStaleEvent
	}

	m.metrics.ObserveProviderAttempt("state")
	state, err := m.provider.QueryConnectionState(ctx, externalID)
	if err != nil {
		m.metrics.ObserveProviderFailure("state")
		return resource, fmt.Errorf("query connection state: %w", err)
	}
	if state.Connected {
		return resource, fmt.Errorf("resource %s still reports active ingest: %w", resource.ID, ErrIngestStateMismatch)
	}

	owner := resource.OwnerUserID
	updated, err := m.repo.TransitionResource(ctx, resource.ID, storage.ResourceTransition{
		From:        models.StatusLive,
		To:          models.StatusPendingClosure,
		ExpectOwner: &owner,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			m.logStale("encoder_disconnected", updated)
			return updated, ErrStaleEvent
		}
		if errors.Is(err, storage.ErrOwnerMismatch) {
			return updated, fmt.Errorf("resource %s changed hands during transition: %w",
				resource.ID, ErrOwnershipConflict)
		}
		return models.LivestreamResource{}, err
	}
	m.metrics.ObserveTransition(string(models.StatusLive), string(models.StatusPendingClosure))

	return m.finalizeClosure(ctx, updated)
}

// finalizeClosure runs the provider stop and settles a pending_closure
// resource into closed, or aborted when the provider refuses to stop.
func (m *Manager) finalizeClosure(ctx context.Context, resource models.LivestreamResource) (models.LivestreamResource, error) {
	owner := resource.OwnerUserID
	m.metrics.ObserveProviderAttempt("stop")
	stopErr := m.provider.Stop(ctx, resource.ExternalID)

	target := models.StatusClosed
	if stopErr != nil {
		m.metrics.ObserveProviderFailure("stop")
		m.logger.Error("provider stop failed, aborting resource",
			"resource_id", resource.ID, "error", stopErr)
		target = models.StatusAborted
	}

	updated, err := m.repo.TransitionResource(ctx, resource.ID, storage.ResourceTransition{
		From:        models.StatusPendingClosure,
		To:          target,
		ExpectOwner: &owner,
		SetOwner:    storage.StringPtr(""),
	})
	if err != nil {
		return models.LivestreamResource{}, fmt.Errorf("settle closure: %w", err)
	}
	m.metrics.ObserveTransition(string(models.StatusPendingClosure), string(target))
	m.logger.Info("resource settled", "resource_id", updated.ID, "status", updated.Status, "previous_owner", owner)

	if m.timeouts != nil {
		if err := m.timeouts.Cancel(ctx, updated.ID); err != nil {
			m.logger.Error("cancel timeout failed", "resource_id", updated.ID, "error", err)
		}
	}
	if err := m.pool.Release(ctx, updated.ID); err != nil {
		m.logger.Error("release after closure failed", "resource_id", updated.ID, "error", err)
	}
	return updated, nil
}

// HandleTimeout is the supervisor's entry point: re-read the resource and
// force-abort it when it still sits in the state the deadline was armed
// against. Everything else is a stale no-op; firing twice is safe because
// the underlying transition is guarded.
func (m *Manager) HandleTimeout(ctx context.Context, trigger models.TriggerContext) error {
	resource, ok, err := m.repo.GetResource(ctx, trigger.ResourceID)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Info("stale timeout ignored, resource gone", "resource_id", trigger.ResourceID)
		return ErrStaleEvent
	}
	// A recycled resource may carry a new owner by now; a deadline armed
	// for the previous owner must never touch it.
	if resource.OwnerUserID != trigger.UserID || resource.Status != trigger.ExpectedStatus {
		m.logStale("timeout", resource)
		return ErrStaleEvent
	}

	owner := resource.OwnerUserID
	updated, err := m.repo.TransitionResource(ctx, trigger.ResourceID, storage.ResourceTransition{
		From:        trigger.ExpectedStatus,
		To:          models.StatusAborted,
		ExpectOwner: &owner,
		SetOwner:    storage.StringPtr(""),
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrOwnerMismatch) {
			m.logStale("timeout", updated)
			return ErrStaleEvent
		}
		return err
	}
	m.metrics.ObserveTransition(string(trigger.ExpectedStatus), string(models.StatusAborted))
	m.logger.Warn("resource aborted by deadline",
		"resource_id", updated.ID, "user_id", trigger.UserID,
		"expected_status", trigger.ExpectedStatus, "deadline", trigger.TimeoutDeadline)

	if err := m.pool.Release(ctx, updated.ID); err != nil {
		m.logger.Error("release after abort failed", "resource_id", updated.ID, "error", err)
	}
	return nil
}

func (m *Manager) logStale(event string, resource models.LivestreamResource) {
	m.metrics.ObserveStaleEvent(event)
	m.logger.Info("stale event ignored",
		"event", event, "resource_id", resource.ID, "status", resource.Status)
}
