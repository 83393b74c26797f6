// Package pool manages the set of provider-side livestream resources. It is
// the only component that creates or destroys resource rows; reservations
// and releases go through the repository's guarded transitions so concurrent
// callers can never double-book a slot.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swabbr-live/internal/models"
	"swabbr-live/internal/observability/metrics"
	"swabbr-live/internal/provider"
	"swabbr-live/internal/storage"
)

var (
	// ErrNoResourceAvailable means the pool is empty and provisioning a
	// fresh resource is currently not allowed or failed.
	ErrNoResourceAvailable = errors.New("no livestream resource available")
	// ErrAlreadyReserved means another caller won the race for the same
	// created resource. Retry with a different candidate.
	ErrAlreadyReserved = errors.New("resource already reserved")
)

// Config wires the pool's collaborators and provisioning policy.
type Config struct {
	Repository storage.Repository
	Provider   provider.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// MinCreateInterval rate-limits provider-side provisioning; a second
	// TryAcquire inside the interval fails fast with ErrNoResourceAvailable
	// instead of hammering the provider.
	MinCreateInterval time.Duration
	// WarmTarget is the number of idle created resources EnsureWarm keeps
	// provisioned ahead of demand. Zero disables warming.
	WarmTarget int
}

// Pool reserves and releases livestream resources.
type Pool struct {
	repo              storage.Repository
	provider          provider.Client
	logger            *slog.Logger
	metrics           *metrics.Recorder
	minCreateInterval time.Duration
	warmTarget        int

	createMu   sync.Mutex
	lastCreate time.Time
}

// New constructs a Pool. Repository and Provider are required.
func New(cfg Config) (*Pool, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Pool{
		repo:              cfg.Repository,
		provider:          cfg.Provider,
		logger:            logger,
		metrics:           recorder,
		minCreateInterval: cfg.MinCreateInterval,
		warmTarget:        cfg.WarmTarget,
	}, nil
}

// TryAcquire returns an idle created resource, provisioning a new one when
// the pool is empty. Provisioning persists the row only after the provider
// call succeeds; a row that cannot be persisted is torn down at the provider
// so no resource leaks half-created.
func (p *Pool) TryAcquire(ctx context.Context) (models.LivestreamResource, error) {
	resource, ok, err := p.repo.FirstResourceWithStatus(ctx, models.StatusCreated)
	if err != nil {
		return models.LivestreamResource{}, err
	}
	if ok {
		return resource, nil
	}
	return p.provision(ctx)
}

func (p *Pool) provision(ctx context.Context) (models.LivestreamResource, error) {
	p.createMu.Lock()
	if p.minCreateInterval > 0 && !p.lastCreate.IsZero() && time.Since(p.lastCreate) < p.minCreateInterval {
		p.createMu.Unlock()
		return models.LivestreamResource{}, fmt.Errorf("provisioning rate limited: %w", ErrNoResourceAvailable)
	}
	p.lastCreate = time.Now()
	p.createMu.Unlock()

	p.metrics.ObserveProviderAttempt("create")
	created, err := p.provider.CreateResource(ctx)
	if err != nil {
		p.metrics.ObserveProviderFailure("create")
		return models.LivestreamResource{}, fmt.Errorf("provision resource: %w", err)
	}

	resource, err := p.repo.CreateResource(ctx, created.ExternalID)
	if err != nil {
		// The provider-side slot exists but we failed to track it;
		// tear it down rather than leak it.
		p.logger.Error("persist provisioned resource failed, deleting at provider",
			"external_id", created.ExternalID, "error", err)
		teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.metrics.ObserveProviderAttempt("delete")
		if deleteErr := p.provider.Delete(teardownCtx, created.ExternalID); deleteErr != nil {
			p.metrics.ObserveProviderFailure("delete")
			p.logger.Error("teardown of unpersisted resource failed",
				"external_id", created.ExternalID, "error", deleteErr)
		}
		return models.LivestreamResource{}, fmt.Errorf("persist resource: %w", err)
	}
	p.logger.Info("provisioned livestream resource", "resource_id", resource.ID, "external_id", resource.ExternalID)
	return resource, nil
}

// Reserve binds a created resource to a user: a single guarded transition to
// pending_user, followed by a provider start with a compensating abort when
// the start fails. Exactly one of two concurrent callers wins; the loser
// gets ErrAlreadyReserved and should retry with another candidate.
func (p *Pool) Reserve(ctx context.Context, resourceID, userID string) (models.LivestreamResource, error) {
	resource, err := p.repo.TransitionResource(ctx, resourceID, storage.ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: storage.StringPtr(""),
		SetOwner:    storage.StringPtr(userID),
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return models.LivestreamResource{}, fmt.Errorf("resource %s: %w", resourceID, ErrAlreadyReserved)
		}
		return models.LivestreamResource{}, err
	}
	p.metrics.ObserveTransition(string(models.StatusCreated), string(models.StatusPendingUser))

	p.metrics.ObserveProviderAttempt("start")
	if err := p.provider.Start(ctx, resource.ExternalID); err != nil {
		p.metrics.ObserveProviderFailure("start")
		// Roll the persisted intent back so the resource is never stuck
		// reserved for a user whose slot never started.
		if _, abortErr := p.repo.TransitionResource(ctx, resourceID, storage.ResourceTransition{
			From:        models.StatusPendingUser,
			To:          models.StatusAborted,
			ExpectOwner: storage.StringPtr(userID),
			SetOwner:    storage.StringPtr(""),
		}); abortErr != nil {
			p.logger.Error("abort after failed start did not apply", "resource_id", resourceID, "error", abortErr)
		} else {
			p.metrics.ObserveTransition(string(models.StatusPendingUser), string(models.StatusAborted))
			if releaseErr := p.Release(ctx, resourceID); releaseErr != nil {
				p.logger.Error("release after failed start did not apply", "resource_id", resourceID, "error", releaseErr)
			}
		}
		return models.LivestreamResource{}, fmt.Errorf("start resource %s: %w", resourceID, err)
	}
	return resource, nil
}

// Release finalises a terminal resource: an aborted resource is stopped at
// the provider and returned to the pool as created, a closed resource is
// destroyed both locally and at the provider. Non-terminal statuses are
// refused; the lifecycle manager must abort or close first.
func (p *Pool) Release(ctx context.Context, resourceID string) error {
	resource, ok, err := p.repo.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("resource %s: %w", resourceID, storage.ErrResourceNotFound)
	}

	switch resource.Status {
	case models.StatusAborted:
		p.metrics.ObserveProviderAttempt("stop")
		if err := p.provider.Stop(ctx, resource.ExternalID); err != nil {
			p.metrics.ObserveProviderFailure("stop")
			// Cannot prove the slot is reusable; destroy it instead of
			// recycling a resource in an unknown provider state.
			p.logger.Warn("stop before reuse failed, destroying resource",
				"resource_id", resourceID, "error", err)
			return p.destroy(ctx, resource)
		}
		if _, err := p.repo.TransitionResource(ctx, resourceID, storage.ResourceTransition{
			From:        models.StatusAborted,
			To:          models.StatusCreated,
			ExpectOwner: storage.StringPtr(""),
			SetOwner:    storage.StringPtr(""),
		}); err != nil {
			return fmt.Errorf("recycle resource %s: %w", resourceID, err)
		}
		p.logger.Info("recycled aborted resource", "resource_id", resourceID)
		return nil
	case models.StatusClosed:
		return p.destroy(ctx, resource)
	default:
		return fmt.Errorf("resource %s is %s, not terminal: %w", resourceID, resource.Status, storage.ErrStatusConflict)
	}
}

func (p *Pool) destroy(ctx context.Context, resource models.LivestreamResource) error {
	p.metrics.ObserveProviderAttempt("delete")
	if err := p.provider.Delete(ctx, resource.ExternalID); err != nil {
		p.metrics.ObserveProviderFailure("delete")
		p.logger.Error("provider delete failed", "resource_id", resource.ID,
			"external_id", resource.ExternalID, "error", err)
	}
	if err := p.repo.DeleteResource(ctx, resource.ID); err != nil {
		return fmt.Errorf("destroy resource %s: %w", resource.ID, err)
	}
	p.logger.Info("destroyed livestream resource", "resource_id", resource.ID)
	return nil
}

// EnsureWarm tops the pool up to the configured warm target, one resource
// per call so the provisioning rate limit stays effective.
func (p *Pool) EnsureWarm(ctx context.Context) error {
	if p.warmTarget <= 0 {
		return nil
	}
	idle, err := p.repo.CountResources(ctx, models.StatusCreated)
	if err != nil {
		return err
	}
	p.metrics.SetPooledResources(idle)
	if idle >= p.warmTarget {
		return nil
	}
	if _, err := p.provision(ctx); err != nil {
		if errors.Is(err, ErrNoResourceAvailable) {
			return nil
		}
		return err
	}
	// Re-count rather than assume: a concurrent reserve may have claimed
	// the fresh resource already.
	idle, err = p.repo.CountResources(ctx, models.StatusCreated)
	if err != nil {
		return err
	}
	p.metrics.SetPooledResources(idle)
	return nil
}
