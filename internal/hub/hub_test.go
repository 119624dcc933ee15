package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/internal/events"
)

// chanBus hands Run a single pre-made channel so nothing published before
// Run subscribes is lost.
type chanBus struct{ ch chan events.Event }

func newChanBus() *chanBus { return &chanBus{ch: make(chan events.Event, 64)} }

func (b *chanBus) Publish(evt events.Event) { b.ch <- evt }

func (b *chanBus) Subscribe(int) (<-chan events.Event, func()) { return b.ch, func() {} }

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	h := New(newChanBus(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, agentID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if agentID != "" {
		header.Set("X-Agent-ID", agentID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func subscribe(t *testing.T, conn *websocket.Conn, conversations ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Frame{Type: "subscribe", Conversations: conversations}))
	ack := readFrame(t, conn)
	require.Equal(t, "subscribed", ack["type"])
}

func TestBroadcastFanOut(t *testing.T) {
	h, url := startHub(t, Options{})
	a := dial(t, url, "agent-a")
	b := dial(t, url, "agent-b")
	waitClients(t, h, 2)

	h.Broadcast(events.Event{ID: "e1", Type: events.NewMessage, ChannelID: "ch-1", ConversationID: "conv-1"})

	for _, conn := range []*websocket.Conn{a, b} {
		got := readFrame(t, conn)
		assert.Equal(t, "new_message", got["type"])
		assert.Equal(t, "conv-1", got["conversationId"])
	}
}

func TestSubscriptionFilter(t *testing.T) {
	h, url := startHub(t, Options{})
	filtered := dial(t, url, "")
	all := dial(t, url, "")
	waitClients(t, h, 2)
	subscribe(t, filtered, "conv-1")

	h.Broadcast(events.Event{Type: events.NewMessage, ChannelID: "ch-1", ConversationID: "conv-2"})
	h.Broadcast(events.Event{Type: events.NewMessage, ChannelID: "ch-1", ConversationID: "conv-1"})

	assert.Equal(t, "conv-1", readFrame(t, filtered)["conversationId"])
	assert.Equal(t, "conv-2", readFrame(t, all)["conversationId"])
	assert.Equal(t, "conv-1", readFrame(t, all)["conversationId"])
}

func TestTypingRelay(t *testing.T) {
	h, url := startHub(t, Options{})
	origin := dial(t, url, "agent-a")
	peer := dial(t, url, "agent-b")
	other := dial(t, url, "agent-c")
	waitClients(t, h, 3)
	subscribe(t, origin, "conv-1")
	subscribe(t, peer, "conv-1")
	subscribe(t, other, "conv-2")

	require.NoError(t, origin.WriteJSON(Frame{Type: "typing", ConversationID: "conv-1", IsTyping: true}))

	got := readFrame(t, peer)
	assert.Equal(t, "typing", got["type"])
	assert.Equal(t, "conv-1", got["conversationId"])
	data, ok := got["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-a", data["agentId"])
	assert.Equal(t, true, data["isTyping"])

	// The relay has been fanned out; the next frame each of the others sees
	// is the canonical event that follows it.
	h.Broadcast(events.Event{Type: events.ConversationUpdated, ConversationID: "conv-1"})
	h.Broadcast(events.Event{Type: events.ConversationUpdated, ConversationID: "conv-2"})
	assert.Equal(t, "conversation_updated", readFrame(t, origin)["type"])
	next := readFrame(t, other)
	assert.Equal(t, "conversation_updated", next["type"])
	assert.Equal(t, "conv-2", next["conversationId"])
}

func TestFrameErrors(t *testing.T) {
	h, url := startHub(t, Options{})
	conn := dial(t, url, "")
	waitClients(t, h, 1)

	require.NoError(t, conn.WriteJSON(Frame{Type: "typing"}))
	assert.Equal(t, "error", readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "malformed frame", readFrame(t, conn)["error"])

	require.NoError(t, conn.WriteJSON(Frame{Type: "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(Frame{Type: "authenticate", AgentID: "agent-9"}))
	got := readFrame(t, conn)
	assert.Equal(t, "authenticated", got["type"])
	assert.Equal(t, "agent-9", got["agentId"])
	assert.NotEmpty(t, got["clientId"])
}

func TestDropsUnresponsiveClient(t *testing.T) {
	h, url := startHub(t, Options{PingInterval: 50 * time.Millisecond})

	// A client that never reads never answers pings.
	dial(t, url, "silent")
	live := dial(t, url, "live")
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitClients(t, h, 2)

	waitClients(t, h, 1)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.Clients())
}

func TestSlowClientDropped(t *testing.T) {
	h := New(newChanBus(), Options{SendBuffer: 1})
	c := newClient(h, nil, "slow")
	h.register(c)

	h.Broadcast(events.Event{Type: events.NewMessage})
	assert.Equal(t, 1, h.Clients())
	h.Broadcast(events.Event{Type: events.NewMessage})
	assert.Equal(t, 0, h.Clients())

	_, ok := <-c.send
	assert.True(t, ok)
	_, ok = <-c.send
	assert.False(t, ok)
}

func TestWants(t *testing.T) {
	h := New(newChanBus(), Options{})
	c := newClient(h, nil, "")

	assert.True(t, c.wants(events.Event{Type: events.NewMessage, ConversationID: "x"}))
	assert.False(t, c.wants(events.Event{Type: events.Typing, ConversationID: "x"}))

	c.channels["ch-1"] = struct{}{}
	assert.True(t, c.wants(events.Event{Type: events.ChannelStatus, ChannelID: "ch-1"}))
	assert.False(t, c.wants(events.Event{Type: events.ChannelStatus, ChannelID: "ch-2"}))

	c.conversations["x"] = struct{}{}
	assert.True(t, c.wants(events.Event{Type: events.Read, ConversationID: "x", Origin: "someone-else"}))
	assert.False(t, c.wants(events.Event{Type: events.Read, ConversationID: "x", Origin: c.id}))
}

func TestCheckOrigin(t *testing.T) {
	h := New(newChanBus(), Options{AllowedOrigins: []string{"https://inbox.example.com"}})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://INBOX.example.com")
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(r))
}
