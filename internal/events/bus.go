package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType names the observability signals emitted by the router.
type EventType string

const (
	EventRoutingDecision   EventType = "routing_decision"
	EventBreakerTransition EventType = "breaker_transition"
	EventHealthChange      EventType = "health_change"
	EventFallbackAttempt   EventType = "fallback_attempt"
	EventCacheHit          EventType = "cache_hit"
	EventCacheMiss         EventType = "cache_miss"
	EventRequestComplete   EventType = "request_complete"
)

// Event is one observability notification. Key is the provider or
// provider:model the event concerns, when applicable.
type Event struct {
	Type   EventType      `json:"type"`
	Key    string         `json:"key,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Time   time.Time      `json:"time"`
}

// Bus fans events out to subscribers through a bounded queue. Publishing
// never blocks request handling: when the queue is full the oldest queued
// event is dropped to make room, and a counter records the loss.
type Bus struct {
	logger *logrus.Logger

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu   sync.RWMutex
	subs []chan Event

	closed  atomic.Bool
	dropped atomic.Int64
}

// NewBus starts the dispatch loop with a queue of the given size.
func NewBus(queueSize int, logger *logrus.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish enqueues an event. Full queue drops the oldest event, not the
// publisher.
func (b *Bus) Publish(typ EventType, key string, fields map[string]any) {
	if b.closed.Load() {
		return
	}
	ev := Event{Type: typ, Key: key, Fields: fields, Time: time.Now()}

	select {
	case b.queue <- ev:
		return
	default:
	}

	// Make room by discarding the oldest entry, then retry once. A racing
	// publisher can still win the freed slot, in which case this event is
	// the one dropped.
	select {
	case <-b.queue:
		b.dropped.Add(1)
	default:
	}
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe returns a channel receiving every event dispatched after the
// call. Slow subscribers lose events rather than stalling the bus.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Dropped reports how many events were lost to backpressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close drains the queue, closes subscriber channels, and stops the
// dispatch loop. Publishes after Close are discarded.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.done:
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					b.mu.Lock()
					for _, ch := range b.subs {
						close(ch)
					}
					b.subs = nil
					b.mu.Unlock()
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"event": string(ev.Type),
			"key":   ev.Key,
		}).Debug("Router event")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}
