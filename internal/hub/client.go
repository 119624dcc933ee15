package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/events"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Frame is a client-to-hub message.
type Frame struct {
	Type           string   `json:"type"`
	AgentID        string   `json:"agentId,omitempty"`
	Channels       []string `json:"channels,omitempty"`
	Conversations  []string `json:"conversations,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	IsTyping       bool     `json:"isTyping,omitempty"`
}

// Reply is a hub-to-client control message. Canonical events are sent as
// events.Event.
type Reply struct {
	Type          string   `json:"type"`
	ClientID      string   `json:"clientId,omitempty"`
	AgentID       string   `json:"agentId,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	Conversations []string `json:"conversations,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// TypingSignal is the payload of a relayed typing event.
type TypingSignal struct {
	AgentID  string `json:"agentId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ReadSignal is the payload of a relayed read notification.
type ReadSignal struct {
	AgentID string `json:"agentId,omitempty"`
}

// Client is one agent connection. With no subscriptions it receives every
// canonical event.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// alive is cleared when a ping goes out and set by the pong.
	alive atomic.Bool

	mu            sync.RWMutex
	agentID       string
	channels      map[string]struct{}
	conversations map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, agentID string) *Client {
	c := &Client{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, h.opts.SendBuffer),
		agentID:       agentID,
		channels:      make(map[string]struct{}),
		conversations: make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Client) agent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// wants reports whether evt matches the client's filters. Ephemeral signals
// only reach other clients subscribed to the conversation.
func (c *Client) wants(evt events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if isEphemeral(evt.Type) {
		if evt.Origin == c.id {
			return false
		}
		_, ok := c.conversations[evt.ConversationID]
		return ok
	}
	if len(c.channels) == 0 && len(c.conversations) == 0 {
		return true
	}
	if _, ok := c.channels[evt.ChannelID]; ok && evt.ChannelID != "" {
		return true
	}
	_, ok := c.conversations[evt.ConversationID]
	return ok && evt.ConversationID != ""
}

// reply queues a control message unless the client is already gone.
func (c *Client) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	h := c.hub
	h.mu.RLock()
	full := false
	if h.clients[c.id] == c {
		select {
		case c.send <- data:
		default:
			full = true
		}
	}
	h.mu.RUnlock()
	if full {
		h.remove(c, "send buffer full")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c, "connection closed")
		c.conn.Close()
	}()

	interval := c.hub.opts.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * interval))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.conn.SetReadDeadline(time.Now().Add(3 * interval))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("clientID", c.id).Msg("Websocket read error")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(Reply{Type: "error", Error: "malformed frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f Frame) {
	switch f.Type {
	case "authenticate":
		c.mu.Lock()
		c.agentID = f.AgentID
		c.mu.Unlock()
		c.reply(Reply{Type: "authenticated", ClientID: c.id, AgentID: f.AgentID})

	case "subscribe", "unsubscribe":
		c.mu.Lock()
		for _, id := range f.Channels {
			if f.Type == "subscribe" {
				c.channels[id] = struct{}{}
			} else {
				delete(c.channels, id)
			}
		}
		for _, id := range f.Conversations {
			if f.Type == "subscribe" {
				c.conversations[id] = struct{}{}
			} else {
				delete(c.conversations, id)
			}
		}
		r := Reply{Type: f.Type + "d", Channels: keys(c.channels), Conversations: keys(c.conversations)}
		c.mu.Unlock()
		c.reply(r)

	case "typing":
		if f.ConversationID == "" {
			c.reply(Reply{Type: "error", Error: "conversationId is required"})
			return
		}
		c.hub.relay(c, events.Typing, f.ConversationID, TypingSignal{AgentID: c.agent(), IsTyping: f.IsTyping})

	case "read":
		if f.ConversationID == "" {
			c.reply(Reply{Type: "error", Error: "conversationId is required"})
			return
		}
		c.hub.relay(c, events.Read, f.ConversationID, ReadSignal{AgentID: c.agent()})

	case "ping":
		c.alive.Store(true)
		c.reply(Reply{Type: "pong"})

	default:
		c.reply(Reply{Type: "error", Error: "unknown frame type " + f.Type})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.remove(c, "write failed")
				return
			}

		case <-ticker.C:
			if !c.alive.Swap(false) {
				c.hub.remove(c, "missed ping")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c, "ping failed")
				return
			}
		}
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
