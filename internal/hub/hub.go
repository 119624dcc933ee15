// Package hub keeps the live agent websocket connections and fans canonical
// events out to them.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/events"
)

// Bus is the event router the hub reads from and relays ephemeral signals
// through.
type Bus interface {
	events.Publisher
	Subscribe(buffer int) (<-chan events.Event, func())
}

type Options struct {
	// PingInterval is the liveness period. A client that has not answered
	// the previous ping when the next one is due is dropped.
	PingInterval time.Duration
	// SendBuffer is the per-client outbound queue; overflowing it drops the client.
	SendBuffer int
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Hub is the registry of connected clients.
type Hub struct {
	bus      Bus
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(bus Bus, opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		bus:     bus,
		opts:    opts,
		clients: make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run forwards bus events to clients until ctx ends, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) error {
	ch, cancel := h.bus.Subscribe(1024)
	defer cancel()

	log.Info().Dur("pingInterval", h.opts.PingInterval).Msg("Broadcast hub running")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case evt, ok := <-ch:
			if !ok {
				h.closeAll()
				return nil
			}
			h.Broadcast(evt)
		}
	}
}

// ServeWS upgrades the request and registers the client. The agent identity
// may be passed as the X-Agent-ID header or the agentId query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		agentID = r.URL.Query().Get("agentId")
	}

	c := newClient(h, conn, agentID)
	h.register(c)
	log.Info().Str("clientID", c.id).Str("agentID", agentID).Str("remote", r.RemoteAddr).Msg("Agent client connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// remove deregisters c and closes its queue; the write pump then closes
// the connection.
func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.mu.Unlock()
	log.Info().Str("clientID", c.id).Str("agentID", c.agent()).Str("reason", reason).Msg("Agent client removed")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// Broadcast delivers evt to every client whose filters match. Clients whose
// queue is full are dropped.
func (h *Hub) Broadcast(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("type", string(evt.Type)).Msg("Failed to encode event")
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range h.clients {
		if !c.wants(evt) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c, "send buffer full")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// relay publishes an ephemeral client signal on the bus so every hub
// subscriber (and export) sees it. It is never persisted.
func (h *Hub) relay(c *Client, typ events.Type, conversationID string, data any) {
	h.bus.Publish(events.Event{
		Type:           typ,
		ConversationID: conversationID,
		Data:           data,
		Origin:         c.id,
	})
}

func isEphemeral(t events.Type) bool {
	return t == events.Typing || t == events.Read
}
