// Package queue delivers run-ready work items to the workers.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/dukex/durable/pkg/eventbus"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/models"
)

var ErrQueueClosed = errors.New("queue is closed")

// Queue accepts work items; delivery is at least once.
type Queue interface {
	Enqueue(ctx context.Context, item models.WorkItem) error
}

// BusQueue publishes work items as run.ready events keyed by run ID.
type BusQueue struct {
	publisher eventbus.EventPublisher
	workerID  string
}

func NewBusQueue(publisher eventbus.EventPublisher, workerID string) *BusQueue {
	return &BusQueue{publisher: publisher, workerID: workerID}
}

func (q *BusQueue) Enqueue(ctx context.Context, item models.WorkItem) error {
	event := &events.RunReady{
		BaseEvent: events.NewBaseEvent(events.RunReadyEvent, item.EnqueuedAt),
		Item:      item,
	}
	event.WorkerID = q.workerID

	return q.publisher.Publish(ctx, item.RunID, event)
}

// MemoryQueue is an in-process channel queue used by tests and embedded engines.
type MemoryQueue struct {
	mu     sync.RWMutex
	items  chan models.WorkItem
	closed bool
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{items: make(chan models.WorkItem, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item models.WorkItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Items is the receive side of the queue.
func (q *MemoryQueue) Items() <-chan models.WorkItem {
	return q.items
}

// Drain returns every item currently buffered without blocking.
func (q *MemoryQueue) Drain() []models.WorkItem {
	var items []models.WorkItem

	for {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items
		}
	}
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.items)
	}
}

var (
	_ Queue = (*BusQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
