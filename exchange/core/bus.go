// Package core wires the exchange together: the event bus, the task
// table, and the scheduler that moves tasks from queue to settlement.
package core

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/market"
)

// Bus is the typed publish/subscribe fabric of the exchange. Publishing
// never blocks: a subscriber that stops draining loses events rather
// than stalling the market.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan market.Event
	nextID  int
	buffer  int
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBus creates a Bus with the given per-subscriber buffer.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan market.Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of all future events and a cancel
// function that releases the subscription.
func (b *Bus) Subscribe() (<-chan market.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan market.Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan market.Event, b.buffer)
	b.subs[id] = ch
	return ch, func() { b.unsubscribe(id) }
}

// Publish fans the event out to every subscriber.
func (b *Bus) Publish(ev market.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, slow subscriber",
				zap.String("kind", string(ev.Kind())))
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close terminates all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}
