// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (connectivity manager,
// presence detector, scan scheduler, unit runtime) to subscribers (the
// diagnostics WebSocket handler, the journal writer). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceNetmgr identifies events from the connectivity manager.
	SourceNetmgr = "netmgr"
	// SourcePresence identifies events from the presence detector.
	SourcePresence = "presence"
	// SourceScan identifies events from the scan scheduler.
	SourceScan = "scan"
	// SourceUnit identifies events from the unit runtime.
	SourceUnit = "unit"
)

// Kind constants describe the type of event within a source.
const (
	// KindLinkState signals a link state machine transition.
	// Data: state, error.
	KindLinkState = "link_state"
	// KindSessionState signals a session state machine transition.
	// Data: state, error.
	KindSessionState = "session_state"
	// KindMessageQueued signals a publish was buffered for later.
	// Data: topic, queue_depth.
	KindMessageQueued = "message_queued"
	// KindMessageSent signals a queued or direct publish succeeded.
	// Data: topic, queued.
	KindMessageSent = "message_sent"
	// KindMessageDropped signals a queued message exhausted its retries.
	// Data: topic, retries.
	KindMessageDropped = "message_dropped"
	// KindQueueEvicted signals the oldest entry was evicted to admit a
	// new one. Data: topic, evicted_topic.
	KindQueueEvicted = "queue_evicted"
	// KindDiagnostics carries the periodic connectivity stats snapshot.
	// Data: stats fields.
	KindDiagnostics = "diagnostics"

	// KindPresenceChanged signals the visible presence flipped.
	// Data: present, rssi.
	KindPresenceChanged = "presence_changed"
	// KindGraceStarted signals a departure grace period began.
	// Data: misses.
	KindGraceStarted = "grace_started"
	// KindGraceEnded signals a grace period ended.
	// Data: reconnected.
	KindGraceEnded = "grace_ended"

	// KindScanReport carries periodic scan scheduler statistics.
	// Data: mode, scans, detections.
	KindScanReport = "scan_report"

	// KindMessageReceived signals an inbound broker message arrived.
	// Data: topic, bytes.
	KindMessageReceived = "message_received"
	// KindResponseSent signals an operator response was published.
	// Data: message_id, response.
	KindResponseSent = "response_sent"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
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
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
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
