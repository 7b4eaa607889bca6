// Package events implements the typed publish/subscribe bus every component
// uses to surface observable state (§9 design note: "explicit typed event
// channels... no global emitter"). There is no HTTP/WebSocket delivery layer
// here — that belongs to an external dashboard process, out of scope for
// this orchestrator — only in-process fan-out to any number of subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"perp-orchestrator/pkg/types"
)

// Envelope wraps every published event with a name and timestamp so
// subscribers can dispatch on Type without a type switch on Payload alone.
type Envelope struct {
	Type    string
	At      time.Time
	Payload any
}

// Event name constants, one per §6 "Emitted events" entry.
const (
	TypeOptimizerStarted            = "optimizer:started"
	TypeOptimizerStopped            = "optimizer:stopped"
	TypeVariantPositionOpened       = "variant:position_opened"
	TypeVariantPositionClosed       = "variant:position_closed"
	TypeVariantError                = "variant:error"
	TypeVariantCircuitBreakerOpened = "variant:circuit_breaker_opened"
	TypeVariantCircuitBreakerClosed = "variant:circuit_breaker_closed"
	TypeVariantPromotionEligible    = "variant:promotion_eligible"
	TypeTelemetryMetrics             = "telemetry:metrics"
	TypeRateBackoff                  = "rate:backoff"
	TypeRateRecovery                 = "rate:recovery"
	TypeRateReconnect                = "rate:reconnect"
	TypeRateHighLag                  = "rate:highLag"
	TypeRateHighJitter               = "rate:highJitter"
	TypeStopReplaced                 = "stop:replaced"
	TypeStopEmergency                = "stop:emergency"
	TypeStopCritical                 = "stop:critical"
	TypeReconcilerDrift              = "reconciler:drift"
	TypeAlert                        = "alert"
)

// subscriber is one registered listener: a buffered channel plus the name it
// was registered under (empty = subscribe to everything).
type subscriber struct {
	id   uint64
	ch   chan Envelope
	name string // "" means all event types
}

// Bus fans published events out to subscribers without blocking the
// publisher. A slow or absent subscriber never stalls a hot path — a full
// subscriber channel drops the event and logs the first drop and every 50th
// drop after it for that subscriber, grounded on
// the teacher's non-blocking select-default dashboard-event send pattern.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	logger  *slog.Logger
	dropped map[uint64]int64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:    make(map[uint64]*subscriber),
		dropped: make(map[uint64]int64),
		logger:  logger.With("component", "events"),
	}
}

// Subscribe registers a new listener for eventType ("" subscribes to all
// events) and returns a receive channel plus an unsubscribe func.
func (b *Bus) Subscribe(eventType string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan Envelope, buffer), name: eventType}
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
}

// Publish broadcasts an event to every matching subscriber without blocking.
func (b *Bus) Publish(eventType string, payload any) {
	env := Envelope{Type: eventType, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.name != "" && sub.name != eventType {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.dropped[sub.id]++
			if b.dropped[sub.id]%50 == 1 {
				b.logger.Warn("subscriber channel full, dropping event", "type", eventType, "subscriber", sub.id)
			}
		}
	}
}

// PublishAlert is a convenience wrapper publishing an Alert payload.
func (b *Bus) PublishAlert(level types.AlertLevel, message string) {
	b.Publish(TypeAlert, types.Alert{Level: level, Message: message, At: time.Now()})
}
