// Package events routes canonical state changes from the store, session manager
// and hub to interested subscribers inside the process.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	NewMessage          Type = "new_message"
	NewConversation     Type = "new_conversation"
	ConversationUpdated Type = "conversation_updated"
	MessageStatus       Type = "message_status"
	ChannelStatus       Type = "channel_status"
	PairingChallenge    Type = "pairing_challenge"
	Typing              Type = "typing"
	Read                Type = "read"
)

// Event is one canonical change. Data holds the entity or payload that changed.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	ChannelID      string    `json:"channelId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Data           any       `json:"data,omitempty"`
	At             time.Time `json:"at"`
	// Origin identifies the hub client that produced an ephemeral event.
	Origin string `json:"-"`
}

// Publisher is the write side handed to components that raise events.
type Publisher interface {
	Publish(Event)
}

const defaultBuffer = 256

// Bus fans each published event out to every subscriber.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			log.Warn().Str("subscriber", id).Str("eventType", string(evt.Type)).Msg("Dropped event for slow subscriber")
		}
	}
}

// Close closes every subscriber channel; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Recorder is a Publisher that keeps every event, for tests and wiring checks.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if len(types) == 0 {
			out = append(out, e)
			continue
		}
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
