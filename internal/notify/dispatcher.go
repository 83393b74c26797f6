// Package notify delivers push notifications asynchronously. Dispatch is
// fire-and-forget: a gateway outage can delay or drop a message but can
// never fail the lifecycle transition or scheduler tick that produced it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"swabbr-live/internal/observability/metrics"
)

// Gateway is the external notification service that reaches a user's
// registered device.
type Gateway interface {
	Send(ctx context.Context, userID string, kind string, payload any) error
}

// DispatcherConfig tunes queueing and delivery behaviour.
type DispatcherConfig struct {
	Queue          Queue
	Gateway        Gateway
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	MaxAttempts    int
	RetryInterval  time.Duration
	PublishTimeout time.Duration
	SendTimeout    time.Duration
}

// Dispatcher enqueues notifications and runs the delivery worker that moves
// them to the gateway with bounded retries.
type Dispatcher struct {
	queue          Queue
	gateway        Gateway
	logger         *slog.Logger
	metrics        *metrics.Recorder
	maxAttempts    int
	retryInterval  time.Duration
	publishTimeout time.Duration
	sendTimeout    time.Duration

	stopOnce sync.Once
	stop     func()
}

// NewDispatcher wires a Dispatcher. Queue and Gateway are required.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 2 * time.Second
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:          cfg.Queue,
		gateway:        cfg.Gateway,
		logger:         logger,
		metrics:        recorder,
		maxAttempts:    maxAttempts,
		retryInterval:  cfg.RetryInterval,
		publishTimeout: publishTimeout,
		sendTimeout:    sendTimeout,
		stop:           func() {},
	}
}

// Dispatch validates and enqueues a notification, returning immediately.
// Failures are logged, never returned: callers must not couple their state
// transitions to notification delivery.
func (d *Dispatcher) Dispatch(notification Notification) {
	if notification.OccurredAt.IsZero() {
		notification.OccurredAt = time.Now().UTC()
	}
	if err := notification.Validate(); err != nil {
		d.metrics.ObserveNotification(string(notification.Kind), "rejected")
		d.logger.Error("notification rejected", "kind", notification.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()
	if err := d.queue.Publish(ctx, notification); err != nil {
		d.logger.Error("notification enqueue failed",
			"kind", notification.Kind, "user_id", notification.TargetUserID, "error", err)
	}
}

// Start launches the delivery worker. The returned function stops it and
// waits for the in-flight delivery to finish.
func (d *Dispatcher) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	sub := d.queue.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-workerCtx.Done():
				return
			case notification, ok := <-sub.Notifications():
				if !ok {
					return
				}
				d.deliver(workerCtx, notification)
			}
		}
	}()

	return func() {
		d.stopOnce.Do(func() {
			cancel()
			sub.Close()
			<-done
		})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, notification Notification) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		lastErr = d.gateway.Send(sendCtx, notification.TargetUserID, string(notification.Kind), notification.Payload())
		cancel()
		if lastErr == nil {
			d.metrics.ObserveNotification(string(notification.Kind), "delivered")
			d.logger.Debug("notification delivered",
				"kind", notification.Kind, "user_id", notification.TargetUserID, "attempt", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < d.maxAttempts && d.retryInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.retryInterval):
			}
		}
	}
	d.metrics.ObserveNotification(string(notification.Kind), "dropped")
	d.logger.Error("notification dropped after retries",
		"kind", notification.Kind, "user_id", notification.TargetUserID,
		"attempts", d.maxAttempts, "error", lastErr)
}
