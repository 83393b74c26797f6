package notify

import (
	"context"
	"sync"
)

// Queue decouples notification producers from the delivery worker. Enqueue
// failures never propagate into lifecycle transitions; the dispatcher logs
// and drops instead.
type Queue interface {
	Publish(ctx context.Context, notification Notification) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active consumer of queued notifications.
type Subscription interface {
	Notifications() <-chan Notification
	Close()
}

// NewMemoryQueue initialises an in-memory queue suitable for tests and
// single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, notification Notification) error {
	if err := notification.Validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- notification:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so a slow consumer cannot
			// stall the publishing transition.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Notification, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for sub := range q.subs {
		sub.closeLocked()
		delete(q.subs, sub)
	}
	return nil
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Notification
}

func (s *memorySubscription) Notifications() <-chan Notification {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.queue.mu.Lock()
	delete(s.queue.subs, s)
	s.queue.mu.Unlock()
	s.closeLocked()
}

func (s *memorySubscription) closeLocked() {
	s.once.Do(func() {
		close(s.ch)
	})
}
