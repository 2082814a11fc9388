// Package events provides a non-blocking pub/sub bus for controller
// events. The tick loop publishes; the event recorder subscribes. A slow
// subscriber never stalls a tick: full channels drop.
package events

import (
	"sync"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventPhaseState is published when a phase changes interval state.
	EventPhaseState EventType = "phase_state"
	// EventCallPlaced is published when a new call enters the queue.
	EventCallPlaced EventType = "call_placed"
	// EventCallServed is published when a call's target completes service.
	EventCallServed EventType = "call_served"
	// EventModeChange is published when the control mode transitions.
	EventModeChange EventType = "mode_change"
	// EventBarrierCross is published when the scheduler flips barriers.
	EventBarrierCross EventType = "barrier_cross"
	// EventBusFault is published when the field bus health trips or clears.
	EventBusFault EventType = "bus_fault"
	// EventTransfer is published when outputs transfer to or from flash.
	EventTransfer EventType = "transfer"
)

// Event represents a controller event stamped with control time.
type Event struct {
	Type        EventType
	ControlTime float64
	Data        map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						// Recover from subscriber panics to keep the bus alive.
					}
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type.
// Uses select with default to ensure non-blocking behavior.
// If a subscriber's channel is full, the event is dropped for that subscriber.
func (b *Bus) Publish(eventType EventType, controlTime float64, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:        eventType,
		ControlTime: controlTime,
		Data:        data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full, drop to avoid blocking the tick loop.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
