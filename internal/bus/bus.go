package bus

import "sync"

// Bus is the central event dispatcher. Subscribers register with an
// optional event type filter and an optional device_id filter; a zero
// value on either matches everything. Publish never blocks on a slow
// subscriber: full subscriber channels drop the event rather than
// stall the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

type subscription struct {
	ch        chan Event
	eventType EventType // "" matches any type
	deviceID  string    // "" matches any device
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives events matching eventType
// (or every type, if eventType is "") for the given deviceID (or every
// device, if deviceID is ""). The channel is buffered; a subscriber
// that cannot keep up loses events rather than blocking publishers.
func (b *Bus) Subscribe(eventType EventType, deviceID string) <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{ch: ch, eventType: eventType, deviceID: deviceID})
	b.mu.Unlock()
	return ch
}

// SubscribeAll is shorthand for Subscribe("", "").
func (b *Bus) SubscribeAll() <-chan Event {
	return b.Subscribe("", "")
}

// Publish delivers evt to every matching subscriber. Delivery to each
// subscriber's channel preserves this call's relative order against
// this producer's other Publish calls; no ordering is promised across
// concurrent producers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != evt.Type {
			continue
		}
		if sub.deviceID != "" && sub.deviceID != evt.DeviceID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber backed up; drop rather than block the publisher.
		}
	}
}

// Unsubscribe removes a previously returned channel from dispatch and
// closes it. Safe to call once per channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeDevice removes every subscription registered for deviceID.
// Used by the Device Manager when a device is destroyed.
func (b *Bus) UnsubscribeDevice(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	for _, sub := range b.subs {
		if sub.deviceID == deviceID {
			close(sub.ch)
			continue
		}
		kept = append(kept, sub)
	}
	b.subs = kept
}

// Close shuts down every subscription. The bus is unusable afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
