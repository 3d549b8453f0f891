package server

import (
	"strings"
	"sync"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

type eventSubscriber struct {
	id    int64
	runID string
	ch    chan model.ProgressEvent
}

// EventBroker fans progress events out to per-run stream subscribers. A slow
// subscriber loses its oldest buffered event rather than stalling the fanout.
type EventBroker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]eventSubscriber
}

func NewEventBroker(bufferSize int) *EventBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBroker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]eventSubscriber),
	}
}

func (b *EventBroker) Subscribe(runID string) (<-chan model.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.ProgressEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	subscriber := eventSubscriber{
		id:    b.nextID,
		runID: strings.TrimSpace(runID),
		ch:    ch,
	}
	b.subscribers[subscriber.id] = subscriber
	return ch, func() {
		b.unsubscribe(subscriber.id)
	}
}

func (b *EventBroker) Publish(event model.ProgressEvent) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	snapshot := make([]eventSubscriber, 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		snapshot = append(snapshot, subscriber)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, subscriber := range snapshot {
		if subscriber.runID != "" && subscriber.runID != strings.TrimSpace(event.RunID) {
			continue
		}
		if tryPublishEvent(subscriber.ch, event) {
			delivered++
		}
	}
	return delivered
}

func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, subscriber := range b.subscribers {
		close(subscriber.ch)
		delete(b.subscribers, id)
	}
}

func (b *EventBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscriber, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(subscriber.ch)
}

func tryPublishEvent(ch chan model.ProgressEvent, event model.ProgressEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		// Drop one stale message and retry once to avoid blocking broker fanout.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}
