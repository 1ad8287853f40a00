package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

type Handler func(ctx context.Context, msg model.DispatchMessage) error

// MemoryQueue is an in-process queue for local runs. Each published message is
// handed to every subscriber on its own goroutine and retried with a linear
// backoff until MaxRetries is exhausted.
type MemoryQueue struct {
	MaxRetries int
	Backoff    time.Duration

	mu        sync.Mutex
	handlers  []Handler
	published []model.DispatchMessage
	wg        sync.WaitGroup
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{MaxRetries: 3, Backoff: 500 * time.Millisecond}
}

func (q *MemoryQueue) Subscribe(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

func (q *MemoryQueue) PublishBatch(ctx context.Context, msgs []model.DispatchMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	q.published = append(q.published, msgs...)
	handlers := append([]Handler(nil), q.handlers...)
	q.mu.Unlock()

	for _, m := range msgs {
		for _, h := range handlers {
			q.wg.Add(1)
			go q.deliver(h, m)
		}
	}
	return nil
}

func (q *MemoryQueue) deliver(h Handler, m model.DispatchMessage) {
	defer q.wg.Done()

	for attempt := 0; ; attempt++ {
		err := h(context.Background(), m)
		if err == nil {
			return
		}
		if attempt >= q.MaxRetries {
			slog.Error("memory queue delivery gave up",
				"idempotency_key", m.IdempotencyKey, "attempts", attempt+1, "err", err)
			return
		}
		slog.Warn("memory queue delivery failed",
			"idempotency_key", m.IdempotencyKey, "attempt", attempt+1, "err", err)
		time.Sleep(time.Duration(attempt+1) * q.Backoff)
	}
}

// Published returns a copy of every message accepted so far.
func (q *MemoryQueue) Published() []model.DispatchMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DispatchMessage(nil), q.published...)
}

// Wait blocks until in-flight deliveries have finished.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}
