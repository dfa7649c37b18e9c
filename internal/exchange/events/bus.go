// In-process event streams for trades, margin calls and circuit breaker
// events. Publishing is fire-and-forget and never blocks the matching or
// risk paths: slow subscribers drop events and the drop is counted.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

const defaultBuffer = 1024

// Bus fans out core events to subscribers.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	tradeSubs   []chan model.Trade
	marginSubs  []chan model.MarginCall
	breakerSubs []chan model.CircuitBreakerEvent

	dropped atomic.Int64
}

// NewBus returns an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// SubscribeTrades returns a buffered channel of trade events.
func (b *Bus) SubscribeTrades() <-chan model.Trade {
	ch := make(chan model.Trade, defaultBuffer)
	b.mu.Lock()
	b.tradeSubs = append(b.tradeSubs, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeMarginCalls returns a buffered channel of margin call events.
func (b *Bus) SubscribeMarginCalls() <-chan model.MarginCall {
	ch := make(chan model.MarginCall, defaultBuffer)
	b.mu.Lock()
	b.marginSubs = append(b.marginSubs, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeBreakerEvents returns a buffered channel of circuit breaker
// events.
func (b *Bus) SubscribeBreakerEvents() <-chan model.CircuitBreakerEvent {
	ch := make(chan model.CircuitBreakerEvent, defaultBuffer)
	b.mu.Lock()
	b.breakerSubs = append(b.breakerSubs, ch)
	b.mu.Unlock()
	return ch
}

// UnsubscribeTrades removes a trade subscriber. Transient consumers such
// as websocket connections must unsubscribe on disconnect or the bus fans
// out to dead channels forever.
func (b *Bus) UnsubscribeTrades(ch <-chan model.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.tradeSubs {
		if sub == ch {
			b.tradeSubs = append(b.tradeSubs[:i], b.tradeSubs[i+1:]...)
			return
		}
	}
}

// UnsubscribeMarginCalls removes a margin call subscriber.
func (b *Bus) UnsubscribeMarginCalls(ch <-chan model.MarginCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.marginSubs {
		if sub == ch {
			b.marginSubs = append(b.marginSubs[:i], b.marginSubs[i+1:]...)
			return
		}
	}
}

// UnsubscribeBreakerEvents removes a circuit breaker subscriber.
func (b *Bus) UnsubscribeBreakerEvents(ch <-chan model.CircuitBreakerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.breakerSubs {
		if sub == ch {
			b.breakerSubs = append(b.breakerSubs[:i], b.breakerSubs[i+1:]...)
			return
		}
	}
}

// PublishTrade fans a trade out to all subscribers.
func (b *Bus) PublishTrade(t model.Trade) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.tradeSubs {
		select {
		case ch <- t:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishMarginCall fans a margin call out to all subscribers.
func (b *Bus) PublishMarginCall(mc model.MarginCall) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.marginSubs {
		select {
		case ch <- mc:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishBreakerEvent fans a circuit breaker event out to all subscribers.
func (b *Bus) PublishBreakerEvent(ev model.CircuitBreakerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.breakerSubs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
