package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"swabbr-live/internal/eligibility"
	"swabbr-live/internal/lifecycle"
	"swabbr-live/internal/models"
	"swabbr-live/internal/notify"
	"swabbr-live/internal/observability/metrics"
	"swabbr-live/internal/pool"
	"swabbr-live/internal/provider"
	"swabbr-live/internal/storage"
)

const (
	defaultConnectTimeout = 5 * time.Minute
	defaultConcurrency    = 8
	reserveAttempts       = 3
)

// Notifier hands a finished record request to the dispatch pipeline.
type Notifier interface {
	Dispatch(notification notify.Notification)
}

// Config wires a Ticker.
type Config struct {
	Repository  storage.Repository
	Eligibility eligibility.Source
	Pool        *pool.Pool
	Provider    provider.Client
	Timeouts    lifecycle.Armer
	Notifier    Notifier
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// ConnectTimeout is how long a notified user gets to start streaming
	// before the request is aborted.
	ConnectTimeout time.Duration
	// Concurrency caps the per-tick fan-out.
	Concurrency int
	Now         func() time.Time
}

// Ticker runs the per-minute selection and fan-out. Each selected user gets
// a reserved livestream resource, an armed connect deadline and a record
// request notification; one user failing never blocks the rest of the
// minute's batch.
type Ticker struct {
	repo           storage.Repository
	eligibility    eligibility.Source
	pool           *pool.Pool
	provider       provider.Client
	timeouts       lifecycle.Armer
	notifier       Notifier
	logger         *slog.Logger
	metrics        *metrics.Recorder
	connectTimeout time.Duration
	concurrency    int
	now            func() time.Time
}

// NewTicker validates the wiring and returns a Ticker.
func NewTicker(cfg Config) (*Ticker, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Eligibility == nil {
		return nil, fmt.Errorf("eligibility source is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider client is required")
	}
	if cfg.Timeouts == nil {
		return nil, fmt.Errorf("timeout armer is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ticker{
		repo:           cfg.Repository,
		eligibility:    cfg.Eligibility,
		pool:           cfg.Pool,
		provider:       cfg.Provider,
		timeouts:       cfg.Timeouts,
		notifier:       cfg.Notifier,
		logger:         logger,
		metrics:        recorder,
		connectTimeout: connectTimeout,
		concurrency:    concurrency,
		now:            now,
	}, nil
}

// Tick processes one wall-clock minute: fetch candidates, select the users
// whose slots land on this minute, then fan out the record requests. The
// returned error covers only the candidate fetch; per-user failures are
// logged and counted, never propagated.
func (t *Ticker) Tick(ctx context.Context, minuteUTC time.Time) error {
	minuteUTC = minuteUTC.UTC().Truncate(time.Minute)

	candidates, err := t.eligibility.GetEligibleUsers(ctx, minuteUTC)
	if err != nil {
		return fmt.Errorf("fetch eligible users: %w", err)
	}
	selected := SelectUsersForMinute(candidates, minuteUTC)
	if len(selected) == 0 {
		t.metrics.ObserveTick(0, 0)
		return nil
	}

	var group errgroup.Group
	group.SetLimit(t.concurrency)
	failures := make(chan struct{}, len(selected))
	for _, record := range selected {
		record := record
		group.Go(func() error {
			if err := t.requestRecord(ctx, record, minuteUTC); err != nil {
				t.logger.Error("record request failed",
					"user_id", record.UserID, "minute", minuteUTC, "error", err)
				failures <- struct{}{}
			}
			return nil
		})
	}
	_ = group.Wait()
	close(failures)
	t.metrics.ObserveTick(len(selected), len(failures))
	return nil
}

// requestRecord handles one selected user end to end: reserve a resource,
// arm the connect deadline, notify. Users already holding an active
// resource are skipped without a failure.
func (t *Ticker) requestRecord(ctx context.Context, record models.EligibilityRecord, minuteUTC time.Time) error {
	if _, owned, err := t.repo.ResourceOwnedBy(ctx, record.UserID); err != nil {
		return fmt.Errorf("check active resource: %w", err)
	} else if owned {
		t.logger.Info("user already holds an active resource, skipping",
			"user_id", record.UserID, "minute", minuteUTC)
		return nil
	}

	resource, err := t.reserve(ctx, record.UserID)
	if err != nil {
		return err
	}

	details, err := t.provider.ConnectionDetails(ctx, resource.ExternalID)
	if err != nil {
		t.abandon(resource.ID, record.UserID)
		return fmt.Errorf("fetch connection details: %w", err)
	}

	deadline := t.now().Add(t.connectTimeout)
	err = t.timeouts.Arm(ctx, models.TriggerContext{
		ResourceID:      resource.ID,
		UserID:          record.UserID,
		TriggerMinute:   minuteUTC,
		TimeoutDeadline: deadline,
		ExpectedStatus:  models.StatusPendingUser,
	})
	if err != nil {
		t.abandon(resource.ID, record.UserID)
		return fmt.Errorf("arm connect deadline: %w", err)
	}

	t.notifier.Dispatch(notify.Notification{
		Kind:         notify.KindRecordRequest,
		TargetUserID: record.UserID,
		OccurredAt:   t.now(),
		RecordRequest: &notify.RecordRequestPayload{
			ResourceID:       resource.ID,
			RequestedAt:      minuteUTC,
			ResponseDeadline: deadline,
			Connection:       details,
		},
	})
	t.logger.Info("record request sent",
		"user_id", record.UserID, "resource_id", resource.ID, "deadline", deadline)
	return nil
}

// reserve acquires and claims a resource for the user, retrying a few
// times when another tick worker wins the race for the same pooled
// resource.
func (t *Ticker) reserve(ctx context.Context, userID string) (models.LivestreamResource, error) {
	var lastErr error
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		resource, err := t.pool.TryAcquire(ctx)
		if err != nil {
			return models.LivestreamResource{}, fmt.Errorf("acquire resource: %w", err)
		}
		reserved, err := t.pool.Reserve(ctx, resource.ID, userID)
		if err == nil {
			return reserved, nil
		}
		if !errors.Is(err, pool.ErrAlreadyReserved) {
			return models.LivestreamResource{}, fmt.Errorf("reserve resource: %w", err)
		}
		lastErr = err
	}
	return models.LivestreamResource{}, fmt.Errorf("reserve resource after %d attempts: %w", reserveAttempts, lastErr)
}

// abandon rolls a half-claimed reservation back on a failure path: abort
// the pending reservation, then hand the aborted resource to the pool for
// recycling. The tick context may already be cancelled, so the cleanup runs
// on its own deadline.
func (t *Ticker) abandon(resourceID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := t.repo.TransitionResource(ctx, resourceID, storage.ResourceTransition{
		From:        models.StatusPendingUser,
		To:          models.StatusAborted,
		ExpectOwner: storage.StringPtr(userID),
		SetOwner:    storage.StringPtr(""),
	}); err != nil {
		t.logger.Error("abort after failed request did not apply",
			"resource_id", resourceID, "error", err)
		return
	}
	t.metrics.ObserveTransition(string(models.StatusPendingUser), string(models.StatusAborted))
	if err := t.pool.Release(ctx, resourceID); err != nil {
		t.logger.Error("release after failed request", "resource_id", resourceID, "error", err)
	}
}
