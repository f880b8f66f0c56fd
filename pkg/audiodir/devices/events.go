package devices

import (
	"sync"

	"go.uber.org/zap"
)

// Event is a marker interface for all directory events
type Event interface {
	isEvent()
}

type baseEvent struct{}

func (baseEvent) isEvent() {}

// DeviceAdded is fired after a device is appended to the collection
type DeviceAdded struct {
	baseEvent
	Device *Device
}

// DeviceRemoved is fired after a device left the collection
type DeviceRemoved struct {
	baseEvent
	Device *Device
}

// DeviceUpdated is fired when a device re-read its OS record
type DeviceUpdated struct {
	baseEvent
	Device *Device
}

// DefaultPlaybackChanged is fired when the multimedia default changes; Device is nil when there is none
type DefaultPlaybackChanged struct {
	baseEvent
	Device *Device
}

// SessionCreated is fired when an audio session appears on a tracked device
type SessionCreated struct {
	baseEvent
	Device  *Device
	Session Session
}

// Bus provides simple event publish/subscribe
type Bus struct {
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers []chan Event
}

// NewBus creates a new event bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe creates a new event channel for receiving events
func (b *Bus) Subscribe(bufferSize int) chan Event {
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	return ch
}

// Unsubscribe stops delivery to ch and closes it
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers (non-blocking)
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// the owner goroutine must never wait on a consumer
			b.logger.Warnw("Dropping event for slow subscriber", "event", event)
		}
	}
}
