package meta

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/config"
	"zapinbox/internal/db"
	"zapinbox/internal/events"
	"zapinbox/internal/ingest"
	"zapinbox/internal/models"
	"zapinbox/internal/session"
	"zapinbox/internal/store"
)

type readyHooks struct {
	mu         sync.Mutex
	externalID string
	name       string
}

func (h *readyHooks) PairingChallenge(string) {}
func (h *readyHooks) Ready(externalID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.externalID, h.name = externalID, name
}
func (h *readyHooks) Disconnected(string)            {}
func (h *readyHooks) AuthFailure(error)              {}
func (h *readyHooks) SaveSessionData(models.JSONMap) {}

// graphServer fakes the Graph API endpoints the adapter calls.
type graphServer struct {
	mu    sync.Mutex
	sends []map[string]any
	fail  bool
}

func (g *graphServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v21.0/me", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "page-token" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"page-1","name":"Acme Support","instagram_business_account":{"id":"ig-1","username":"acme"}}`))
	})
	mux.HandleFunc("/v21.0/me/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		g.mu.Lock()
		g.sends = append(g.sends, body)
		fail := g.fail
		g.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"(#551) This person isn't available right now.","code":551}}`))
			return
		}
		_, _ = w.Write([]byte(`{"recipient_id":"psid-1","message_id":"m_out_1"}`))
	})
	mux.HandleFunc("/v21.0/psid-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"first_name":"Alice","last_name":"Doe","profile_pic":"https://cdn.example.com/alice.jpg"}`))
	})
	return mux
}

func newAdapter(t *testing.T, platform models.Platform) (*Adapter, *graphServer) {
	t.Helper()
	g := &graphServer{}
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	a, err := NewAdapter(platform, config.MetaConfig{GraphBaseURL: srv.URL, GraphVersion: "v21.0"}, 5*time.Second, nil)
	require.NoError(t, err)
	return a, g
}

func TestSignature(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	header := Sign("s3cret", body)
	assert.True(t, ValidSignature("s3cret", body, header))
	assert.False(t, ValidSignature("other", body, header))
	assert.False(t, ValidSignature("s3cret", []byte(`{"object":"user"}`), header))
	assert.False(t, ValidSignature("s3cret", body, "sha1=abc"))
	assert.False(t, ValidSignature("s3cret", body, "sha256=zz"))
}

func TestVerifyChallenge(t *testing.T) {
	a, _ := newAdapter(t, models.PlatformMessenger)
	w, err := NewWebhook(a, nopSink{}, nopFinder{}, "verify-me", "secret", 0)
	require.NoError(t, err)

	challenge, ok := w.VerifyChallenge("subscribe", "verify-me", "12345")
	assert.True(t, ok)
	assert.Equal(t, "12345", challenge)

	_, ok = w.VerifyChallenge("subscribe", "wrong", "12345")
	assert.False(t, ok)
	_, ok = w.VerifyChallenge("unsubscribe", "verify-me", "12345")
	assert.False(t, ok)

	_, err = NewWebhook(a, nopSink{}, nopFinder{}, "", "", 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestNormalize(t *testing.T) {
	var ev Messaging
	require.NoError(t, json.Unmarshal([]byte(`{
		"sender":{"id":"ig-user"},"recipient":{"id":"ig-1"},"timestamp":1717236000000,
		"message":{"mid":"ig-mid","text":"love this","reply_to":{"story":{"url":"https://cdn.example.com/s.mp4","id":"st-1"}}}
	}`), &ev))
	env := Normalize(models.PlatformInstagram, ev)
	assert.Equal(t, models.ContentStoryReply, env.ContentType)
	assert.Equal(t, "https://cdn.example.com/s.mp4", env.MediaRef)
	assert.Equal(t, "love this", env.Body)
	assert.Equal(t, "ig-user", env.ContactID)
	assert.Equal(t, time.UnixMilli(1717236000000).UTC(), env.Timestamp)

	require.NoError(t, json.Unmarshal([]byte(`{
		"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},"timestamp":1717236000000,
		"message":{"mid":"m_2","attachments":[
			{"type":"image","payload":{"url":"https://cdn.example.com/a.jpg"}},
			{"type":"image","payload":{"url":"https://cdn.example.com/b.jpg"}}]}
	}`), &ev))
	env = Normalize(models.PlatformMessenger, ev)
	assert.Equal(t, models.ContentImage, env.ContentType)
	assert.Equal(t, "https://cdn.example.com/a.jpg", env.MediaRef)
	assert.Equal(t, []string{"https://cdn.example.com/b.jpg"}, env.Metadata["attachments"])

	require.NoError(t, json.Unmarshal([]byte(`{
		"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},
		"message":{"mid":"m_3","attachments":[{"type":"location","payload":{"title":"Office","coordinates":{"lat":25.2,"long":55.3}}}]}
	}`), &ev))
	env = Normalize(models.PlatformMessenger, ev)
	assert.Equal(t, models.ContentLocation, env.ContentType)
	assert.Equal(t, "Office", env.Body)
	assert.Equal(t, 25.2, env.Metadata["latitude"])
	assert.Empty(t, env.MediaRef)
}

func TestInitialize(t *testing.T) {
	a, _ := newAdapter(t, models.PlatformMessenger)
	hooks := &readyHooks{}
	ch := &models.Channel{ID: "c1", Platform: models.PlatformMessenger, SessionData: models.JSONMap{AccessTokenKey: "page-token"}}

	sess, err := a.Initialize(context.Background(), ch, hooks)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "page-1", hooks.externalID)
	assert.Equal(t, "Acme Support", hooks.name)

	_, err = a.Initialize(context.Background(), &models.Channel{ID: "c2"}, hooks)
	assert.ErrorIs(t, err, models.ErrAuthenticationFailure)

	ch.SessionData = models.JSONMap{AccessTokenKey: "expired"}
	_, err = a.Initialize(context.Background(), ch, hooks)
	assert.ErrorIs(t, err, models.ErrAuthenticationFailure)

	ig, _ := newAdapter(t, models.PlatformInstagram)
	igHooks := &readyHooks{}
	_, err = ig.Initialize(context.Background(), &models.Channel{ID: "c3", SessionData: models.JSONMap{AccessTokenKey: "page-token"}}, igHooks)
	require.NoError(t, err)
	assert.Equal(t, "ig-1", igHooks.externalID)
	assert.Equal(t, "acme", igHooks.name)
}

func TestSend(t *testing.T) {
	a, g := newAdapter(t, models.PlatformMessenger)
	sess := &pageSession{adapter: a, channelID: "c1", token: "page-token"}
	ctx := context.Background()

	id, err := sess.Send(ctx, "psid-1", session.Outbound{Body: "Hello there"})
	require.NoError(t, err)
	assert.Equal(t, "m_out_1", id)

	_, err = sess.Send(ctx, "psid-1", session.Outbound{ContentType: models.ContentImage, MediaRef: "https://cdn.example.com/p.jpg"})
	require.NoError(t, err)

	g.mu.Lock()
	require.Len(t, g.sends, 2)
	assert.Equal(t, map[string]any{"id": "psid-1"}, g.sends[0]["recipient"])
	assert.Equal(t, map[string]any{"text": "Hello there"}, g.sends[0]["message"])
	attachment := g.sends[1]["message"].(map[string]any)["attachment"].(map[string]any)
	assert.Equal(t, "image", attachment["type"])
	g.fail = true
	g.mu.Unlock()

	_, err = sess.Send(ctx, "psid-1", session.Outbound{Body: "anyone?"})
	var perr *models.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
	assert.Contains(t, perr.Detail, "isn't available")

	_, err = sess.Send(ctx, "psid-1", session.Outbound{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = sess.Send(ctx, "psid-1", session.Outbound{MediaRef: "data:text/plain;base64,aGk="})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestProcessWebhook(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	rec := &events.Recorder{}
	st := store.New(conn, rec)
	in, err := ingest.NewIngestor(st)
	require.NoError(t, err)

	ch, err := st.CreateChannel(ctx, models.PlatformMessenger, "Acme", models.JSONMap{AccessTokenKey: "page-token"})
	require.NoError(t, err)
	_, err = st.ActivateChannel(ctx, ch.ID, "page-1", "Acme Support")
	require.NoError(t, err)

	a, _ := newAdapter(t, models.PlatformMessenger)
	w, err := NewWebhook(a, in, st, "verify-me", "", time.Second)
	require.NoError(t, err)

	body := []byte(`{"object":"page","entry":[{"id":"page-1","time":1717236000000,"messaging":[
		{"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},"timestamp":1717236000000,"message":{"mid":"m_in_1","text":"Is my order shipped?"}},
		{"sender":{"id":"page-1"},"recipient":{"id":"psid-1"},"timestamp":1717236001000,"message":{"mid":"m_echo","text":"echo","is_echo":true}},
		{"sender":{"id":"psid-9"},"recipient":{"id":"page-unknown"},"timestamp":1717236002000,"message":{"mid":"m_lost","text":"hi"}}
	]}]}`)
	job := ingest.NewJob(string(models.PlatformMessenger), body)
	require.NoError(t, w.Process(ctx, job))
	// Redelivery is absorbed by dedup.
	require.NoError(t, w.Process(ctx, job))

	conv, err := st.FindConversationByContact(ctx, ch.ID, "psid-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Doe", conv.ContactName)
	assert.Equal(t, "https://cdn.example.com/alice.jpg", conv.ContactAvatar)
	assert.Equal(t, 1, conv.UnreadCount)

	msgs, err := st.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Is my order shipped?", msgs[0].Body)

	_, err = st.GetMessageByExternalID(ctx, "m_echo")
	assert.ErrorIs(t, err, models.ErrMessageNotFound)

	assert.NoError(t, w.Process(ctx, ingest.NewJob("messenger", []byte(`not json`))))
	assert.NoError(t, w.Process(ctx, ingest.NewJob("messenger", []byte(`{"object":"instagram"}`))))
}

type nopSink struct{}

func (nopSink) Ingest(context.Context, ingest.Envelope) (*models.Message, bool, error) {
	return nil, false, nil
}
func (nopSink) ApplyReceipt(context.Context, ingest.Receipt) (int, error) { return 0, nil }

type nopFinder struct{}

func (nopFinder) FindChannelByExternalID(context.Context, models.Platform, string) (*models.Channel, error) {
	return nil, models.ErrChannelNotFound
}
