package services

import (
	"log"
	"sync"

	"council/internal/models"
)

// defaultEventRetention is the per-session ring size when none is configured
const defaultEventRetention = 1024

// EventBus is an in-memory pub/sub for council events, scoped per
// session. It assigns each event a monotonically increasing per-session
// sequence number and retains the last K events so a reconnecting
// subscriber can request the missed tail followed by live events.
//
// Delivery is at-least-once to in-memory subscribers and at-most-once
// across process restarts — the ring dies with the process, and clients
// rebuild from the persisted conversation + snapshot instead. The bus
// is an accelerator, not the source of truth.
type EventBus struct {
	mu          sync.RWMutex
	retention   int
	subscribers map[string]map[string]chan models.CouncilEvent // sessionID → subID → chan
	rings       map[string]*eventRing                          // sessionID → retained tail
	seqs        map[string]uint64                              // sessionID → last assigned seq
}

// eventRing holds the retained tail of one session's events
type eventRing struct {
	events []models.CouncilEvent
}

// NewEventBus creates an event bus with the given per-session retention
func NewEventBus(retention int) *EventBus {
	if retention <= 0 {
		retention = defaultEventRetention
	}
	return &EventBus{
		retention:   retention,
		subscribers: make(map[string]map[string]chan models.CouncilEvent),
		rings:       make(map[string]*eventRing),
		seqs:        make(map[string]uint64),
	}
}

// Publish assigns the next sequence number, appends the event to the
// session's retention ring and fans it out. Non-blocking — a slow
// subscriber's channel being full drops the live delivery for that
// subscriber; the event stays in the ring for EventsSince.
// Returns the event with its assigned seq.
func (b *EventBus) Publish(sessionID string, event models.CouncilEvent) models.CouncilEvent {
	b.mu.Lock()

	b.seqs[sessionID]++
	event.SessionID = sessionID
	event.Seq = b.seqs[sessionID]

	ring, ok := b.rings[sessionID]
	if !ok {
		ring = &eventRing{}
		b.rings[sessionID] = ring
	}
	ring.events = append(ring.events, event)
	if len(ring.events) > b.retention {
		// Drop the oldest; the audit log remains the canonical record
		ring.events = ring.events[len(ring.events)-b.retention:]
	}

	conns := b.subscribers[sessionID]
	for subID, ch := range conns {
		select {
		case ch <- event:
		default:
			log.Printf("[EVENT-BUS] Subscriber %s full for session %s, dropping live event seq=%d", subID, sessionID, event.Seq)
		}
	}
	b.mu.Unlock()

	return event
}

// Subscribe creates a new event channel for a session. The caller
// typically pairs it with EventsSince to replay the missed tail first.
func (b *EventBus) Subscribe(sessionID, subID string, bufSize int) <-chan models.CouncilEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan models.CouncilEvent, bufSize)
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan models.CouncilEvent)
	}
	b.subscribers[sessionID][subID] = ch

	log.Printf("[EVENT-BUS] Subscribe: session=%s sub=%s (total=%d)", sessionID, subID, len(b.subscribers[sessionID]))
	return ch
}

// Unsubscribe removes a subscription. The channel is NOT closed — the
// subscriber's goroutine exits via its own done signal and the channel
// is GC'd.
func (b *EventBus) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, ok := b.subscribers[sessionID]; ok {
		delete(conns, subID)
		if len(conns) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
}

// EventsSince returns the retained events with seq > afterSeq, in order.
// Events older than the retention window are gone from the bus; clients
// needing them reconstruct from the persisted conversation instead.
func (b *EventBus) EventsSince(sessionID string, afterSeq uint64) []models.CouncilEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ring, ok := b.rings[sessionID]
	if !ok {
		return nil
	}

	var out []models.CouncilEvent
	for _, e := range ring.events {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq returns the last assigned sequence number for a session
func (b *EventBus) LastSeq(sessionID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seqs[sessionID]
}

// DropSession discards a session's ring and counters (after permanent
// deletion of the conversation).
func (b *EventBus) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, sessionID)
	delete(b.seqs, sessionID)
}

// SubscriberCount returns the number of active subscribers for a session
func (b *EventBus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}
