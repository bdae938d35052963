package events

import (
	"sync"
	"time"
)

// EventType represents different types of engine events
type EventType string

const (
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventGatekeeperBlock EventType = "GATEKEEPER_BLOCK"
	EventFill            EventType = "FILL"
	EventStopMoved       EventType = "STOP_MOVED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventBalanceUpdate   EventType = "BALANCE_UPDATE"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
	EventError           EventType = "ERROR"
	EventConnected       EventType = "CONNECTED"
)

// Event represents an engine event
type Event struct {
	Type      EventType              `json:"type"`
	Variant   string                 `json:"variant,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers without waiting for them
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(variant, symbol, direction string, entry, stop, qty float64) {
	eb.Publish(Event{
		Type:    EventPositionOpened,
		Variant: variant,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"direction": direction,
			"entry":     entry,
			"stop":      stop,
			"qty":       qty,
		},
	})
}

// PublishGatekeeperBlock publishes an admission denial
func (eb *EventBus) PublishGatekeeperBlock(variant, symbol, direction, reason string) {
	eb.Publish(Event{
		Type:    EventGatekeeperBlock,
		Variant: variant,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"direction": direction,
			"reason":    reason,
		},
	})
}

// PublishFill publishes a realized stop or rung fill
func (eb *EventBus) PublishFill(variant, symbol, kind string, qty, exit, pnl, fee float64) {
	eb.Publish(Event{
		Type:    EventFill,
		Variant: variant,
		Data: map[string]interface{}{
			"symbol": symbol,
			"type":   kind,
			"qty":    qty,
			"exit":   exit,
			"pnl":    pnl,
			"fee":    fee,
		},
	})
}

// PublishStopMoved publishes a stop relocation
func (eb *EventBus) PublishStopMoved(variant, symbol, afterRung string, newStop float64) {
	eb.Publish(Event{
		Type:    EventStopMoved,
		Variant: variant,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"after":    afterRung,
			"new_stop": newStop,
		},
	})
}

// PublishPositionClosed publishes a position leaving the open set
func (eb *EventBus) PublishPositionClosed(variant, symbol, reason string) {
	eb.Publish(Event{
		Type:    EventPositionClosed,
		Variant: variant,
		Data: map[string]interface{}{
			"symbol": symbol,
			"reason": reason,
		},
	})
}

// PublishBalanceUpdate publishes the balance after an iteration
func (eb *EventBus) PublishBalanceUpdate(variant string, balance float64, open, activeManaged int) {
	eb.Publish(Event{
		Type:    EventBalanceUpdate,
		Variant: variant,
		Data: map[string]interface{}{
			"balance":        balance,
			"open_positions": open,
			"active_managed": activeManaged,
		},
	})
}

// PublishError publishes an engine error
func (eb *EventBus) PublishError(variant, source, message string) {
	eb.Publish(Event{
		Type:    EventError,
		Variant: variant,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}
