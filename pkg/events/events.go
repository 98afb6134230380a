/*
Package events implements the fire-and-forget property-change
notification stream described in spec.md §6.3: a broker that
broadcasts pool/filesystem/device/availability events to any number of
subscribers without gating mutations on delivery.
*/
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	EventPoolCreated        EventType = "pool.created"
	EventPoolRenamed        EventType = "pool.renamed"
	EventPoolStarted        EventType = "pool.started"
	EventPoolStopped        EventType = "pool.stopped"
	EventPoolDestroyed      EventType = "pool.destroyed"
	EventPoolGrown          EventType = "pool.grown"
	EventAvailabilityChanged EventType = "pool.availability_changed"
	EventFilesystemCreated  EventType = "filesystem.created"
	EventFilesystemRenamed  EventType = "filesystem.renamed"
	EventFilesystemSnapshotted EventType = "filesystem.snapshotted"
	EventFilesystemDestroyed EventType = "filesystem.destroyed"
	EventDeviceAdded        EventType = "device.added"
	EventDeviceRemoved      EventType = "device.removed"
	EventDeviceDisowned     EventType = "device.disowned"
	EventPoolErrored        EventType = "pool.errored"
	EventEncryptionBound    EventType = "encryption.bound"
	EventEncryptionUnbound  EventType = "encryption.unbound"
	EventEncryptionUnlocked EventType = "encryption.unlocked"
	EventPropertyChanged    EventType = "property.changed"
	EventThinPoolCondition  EventType = "pool.thinpool_condition"
)

// Event represents a single notification on the stream.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// PropertyChanged builds the Event spec.md §6.3 names explicitly: a
// named property of a pool changed value.
func PropertyChanged(poolID, property, value string) *Event {
	return &Event{
		Type:    EventPropertyChanged,
		Message: property + " changed",
		Metadata: map[string]string{
			"pool_id":  poolID,
			"property": property,
			"value":    value,
		},
	}
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publish never
// blocks on a slow subscriber: per-subscriber buffers are bounded and
// a full buffer drops the event rather than stall the publisher,
// matching spec.md §6.3's "fire-and-forget, does not gate mutations".
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
