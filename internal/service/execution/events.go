package execution

import (
	"sync"
	"sync/atomic"

	"github.com/krobus00/execution-service/internal/entity"
	"github.com/sirupsen/logrus"
)

const defaultSubscriberBuffer = 256

type Subscription struct {
	id      uint64
	events  chan entity.ExecutionEvent
	dropped atomic.Int64
}

func (s *Subscription) Events() <-chan entity.ExecutionEvent {
	return s.events
}

// Dropped counts events skipped because the subscriber's buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// EventHub fans lifecycle events out to subscribers without ever blocking the publisher.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	buffer      int
	closed      bool
}

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	return &EventHub{
		subscribers: make(map[uint64]*Subscription),
		buffer:      buffer,
	}
}

func (h *EventHub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		events: make(chan entity.ExecutionEvent, h.buffer),
	}
	if h.closed {
		close(sub.events)
		return sub
	}

	h.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe closes the subscription channel. Repeated calls are no-ops.
func (h *EventHub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.id]; !ok {
		return
	}
	delete(h.subscribers, sub.id)
	close(sub.events)
}

func (h *EventHub) Broadcast(topic string, record entity.ExecutionRecord) {
	event := entity.ExecutionEvent{Topic: topic, Payload: record}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
			if sub.dropped.Add(1) == 1 {
				logrus.WithFields(logrus.Fields{
					"topic":      topic,
					"subscriber": sub.id,
				}).Warn("subscriber is falling behind, dropping events")
			}
		}
	}
}

// Close ends every subscription. Later subscribers receive an already closed channel.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.events)
	}
}
