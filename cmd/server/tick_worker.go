package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"swabbr-live/internal/scheduler"
)

type minuteTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) minuteTicker

func startTickWorker(ctx context.Context, logger *slog.Logger, ticker *scheduler.Ticker) func() {
	return startTickWorkerWithTicker(ctx, logger, ticker, func(d time.Duration) minuteTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

// startTickWorkerWithTicker runs one scheduler tick per wall-clock minute.
// The first tick fires on the next minute boundary so every process in a
// deployment evaluates the same minutes.
func startTickWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	ticker *scheduler.Ticker,
	newTicker tickerFactory,
) func() {
	if ticker == nil {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)

		now := time.Now().UTC()
		align := time.NewTimer(now.Truncate(time.Minute).Add(time.Minute).Sub(now))
		select {
		case <-workerCtx.Done():
			align.Stop()
			return
		case <-align.C:
		}

		runTick(workerCtx, logger, ticker, time.Now().UTC())

		tick := newTicker(time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case at := <-tick.C():
				runTick(workerCtx, logger, ticker, at.UTC())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func runTick(ctx context.Context, logger *slog.Logger, ticker *scheduler.Ticker, minute time.Time) {
	if err := ticker.Tick(ctx, minute); err != nil && logger != nil {
		logger.Error("scheduler tick failed", "minute", minute.Truncate(time.Minute), "error", err)
	}
}

type warmer interface {
	EnsureWarm(ctx context.Context) error
}

// startWarmWorker keeps the resource pool topped up in the background.
func startWarmWorker(ctx context.Context, logger *slog.Logger, pool warmer, interval time.Duration) func() {
	return startWarmWorkerWithTicker(ctx, logger, pool, interval, func(d time.Duration) minuteTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startWarmWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	pool warmer,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if pool == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	tick := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			tick.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-tick.C():
				if err := pool.EnsureWarm(workerCtx); err != nil && logger != nil {
					logger.Error("pool warm-up failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
