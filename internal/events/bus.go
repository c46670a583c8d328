// Package events is mailbridge's in-process publish/subscribe bus.
// Account workers and the fetcher publish state transitions and delivery
// outcomes; the MQTT status publisher and the command router's statistics
// subscribe. The bus is nil-safe: publishing on a nil *Bus is a no-op, so
// components do not need guard checks when no subscriber is configured.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAccount identifies events from an account worker.
	SourceAccount = "account"
	// SourceFetcher identifies events from the incremental fetcher.
	SourceFetcher = "fetcher"
	// SourceTelegram identifies events from the Bot API transport.
	SourceTelegram = "telegram"
	// SourceCommands identifies events from the command router.
	SourceCommands = "commands"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals an account connection state transition.
	// Data: account, email, from, to, error.
	KindStateChanged = "state_changed"
	// KindWatermark signals that an account's watermark moved.
	// Data: account, watermark.
	KindWatermark = "watermark"

	// KindDelivered signals a notification was accepted by Telegram.
	// Data: account, seq, chat_id.
	KindDelivered = "delivered"
	// KindDeliveryFailed signals a notification send error.
	// Data: account, seq, chat_id, error.
	KindDeliveryFailed = "delivery_failed"
	// KindFetchComplete signals the end of a fetch cycle.
	// Data: account, from, to, delivered, failed, skipped, parse_errors.
	KindFetchComplete = "fetch_complete"

	// KindCommand signals an incoming bot command.
	// Data: command, chat_id.
	KindCommand = "command"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Int returns Data[key] as an int64 when it holds any integer type.
func (e Event) Int(key string) (int64, bool) {
	switch v := e.Data[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// String returns Data[key] as a string, or "" when absent.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber. No-op on nil.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time. No-op on nil.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
