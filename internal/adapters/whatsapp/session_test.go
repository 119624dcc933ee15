package whatsapp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"zapinbox/internal/ingest"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
)

type recordingHooks struct {
	mu           sync.Mutex
	ready        []string
	disconnected []string
	authErrs     []error
	saved        []models.JSONMap
}

func (h *recordingHooks) PairingChallenge(string) {}

func (h *recordingHooks) Ready(externalID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = append(h.ready, externalID+"/"+name)
}

func (h *recordingHooks) Disconnected(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, reason)
}

func (h *recordingHooks) AuthFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authErrs = append(h.authErrs, err)
}

func (h *recordingHooks) SaveSessionData(data models.JSONMap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, data)
}

type gatedSink struct {
	release chan struct{}

	mu   sync.Mutex
	envs []ingest.Envelope
}

func (s *gatedSink) Ingest(ctx context.Context, env ingest.Envelope) (*models.Message, bool, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return &models.Message{}, true, nil
}

func (s *gatedSink) ApplyReceipt(context.Context, ingest.Receipt) (int, error) { return 0, nil }

func (s *gatedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

type nopMedia struct{}

func (nopMedia) Load(context.Context, string) ([]byte, string, error) { return nil, "", nil }

func (nopMedia) Store(context.Context, media.Item) (*media.Object, error) {
	return &media.Object{}, nil
}

type sessionFixture struct {
	s         *waSession
	client    *whatsmeow.Client
	hooks     *recordingHooks
	sink      *gatedSink
	container *sqlstore.Container
	restarted chan *store.Device
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	dialect, dsn, err := storeAddress("sqlite", filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	container, err := sqlstore.New(context.Background(), dialect, dsn, newLogger("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })

	device := container.NewDevice()
	jid := types.NewJID("971500000001", types.DefaultUserServer)
	device.ID = &jid
	device.PushName = "Shop"
	client := newClient(device, "ch-1")

	f := &sessionFixture{
		client:    client,
		hooks:     &recordingHooks{},
		sink:      &gatedSink{},
		container: container,
		restarted: make(chan *store.Device, 1),
	}
	f.s = &waSession{
		adapter: &Adapter{
			container:       container,
			sink:            f.sink,
			media:           nopMedia{},
			downloadTimeout: time.Second,
		},
		channelID: "ch-1",
		hooks:     f.hooks,
		client:    client,
	}
	f.s.restart = func(d *store.Device) error {
		f.restarted <- d
		return nil
	}
	return f
}

func TestConnectedReportsReadyOnce(t *testing.T) {
	f := newSessionFixture(t)

	f.s.handle(f.client, &events.Connected{})
	f.s.handle(f.client, &events.Connected{})

	assert.Equal(t, []string{"971500000001/Shop"}, f.hooks.ready)
}

func TestPairSuccessSavesDevice(t *testing.T) {
	f := newSessionFixture(t)
	jid := types.NewJID("971500000002", types.DefaultUserServer)

	f.s.handle(f.client, &events.PairSuccess{ID: jid, Platform: "android"})

	require.Len(t, f.hooks.saved, 1)
	assert.Equal(t, jid.String(), f.hooks.saved[0][DeviceJIDKey])
}

func TestStreamReplacedDisconnects(t *testing.T) {
	f := newSessionFixture(t)

	f.s.handle(f.client, &events.StreamReplaced{})

	assert.Len(t, f.hooks.disconnected, 1)
	assert.Empty(t, f.hooks.authErrs)
}

func TestAuthFailureEvents(t *testing.T) {
	cases := map[string]any{
		"pair error":      &events.PairError{Error: errors.New("rejected")},
		"connect failure": &events.ConnectFailure{Reason: events.ConnectFailureReason(403), Message: "blocked"},
		"temporary ban":   &events.TemporaryBan{Expire: time.Hour},
		"client outdated": &events.ClientOutdated{},
	}
	for name, evt := range cases {
		t.Run(name, func(t *testing.T) {
			f := newSessionFixture(t)

			f.s.handle(f.client, evt)

			require.Len(t, f.hooks.authErrs, 1)
			assert.ErrorIs(t, f.hooks.authErrs[0], models.ErrAuthenticationFailure)
			assert.Empty(t, f.hooks.disconnected)
			assert.Empty(t, f.hooks.ready)
		})
	}
}

func TestEventsFromReplacedClientIgnored(t *testing.T) {
	f := newSessionFixture(t)
	stale := newClient(f.container.NewDevice(), "ch-1")

	f.s.handle(stale, &events.StreamReplaced{})
	f.s.handle(stale, &events.PairError{Error: errors.New("late")})

	assert.Empty(t, f.hooks.disconnected)
	assert.Empty(t, f.hooks.authErrs)
}

func TestLoggedOutOnResumePairsAgain(t *testing.T) {
	f := newSessionFixture(t)

	f.s.handle(f.client, &events.LoggedOut{OnConnect: true})

	select {
	case d := <-f.restarted:
		assert.Nil(t, d.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("pairing was not restarted")
	}
	f.hooks.mu.Lock()
	defer f.hooks.mu.Unlock()
	require.Len(t, f.hooks.saved, 1)
	assert.Empty(t, f.hooks.saved[0])
	assert.Empty(t, f.hooks.disconnected)
}

func TestLoggedOutFromPhoneDisconnects(t *testing.T) {
	f := newSessionFixture(t)

	f.s.handle(f.client, &events.LoggedOut{OnConnect: false})

	assert.Len(t, f.hooks.disconnected, 1)
	require.Len(t, f.hooks.saved, 1)
	assert.Empty(t, f.hooks.saved[0])
	select {
	case <-f.restarted:
		t.Fatal("logout from the phone must not restart pairing")
	default:
	}
}

func historyMessage(id, text string) *waHistorySync.HistorySyncMsg {
	return &waHistorySync.HistorySyncMsg{
		Message: &waWeb.WebMessageInfo{
			Key: &waCommon.MessageKey{
				RemoteJID: proto.String("971500000009@s.whatsapp.net"),
				FromMe:    proto.Bool(false),
				ID:        proto.String(id),
			},
			Message:          &waE2E.Message{Conversation: proto.String(text)},
			MessageTimestamp: proto.Uint64(uint64(time.Now().Add(-time.Hour).Unix())),
		},
	}
}

func TestHistorySyncRunsOffEventLoop(t *testing.T) {
	f := newSessionFixture(t)
	f.sink.release = make(chan struct{})

	hs := &events.HistorySync{Data: &waHistorySync.HistorySync{
		Conversations: []*waHistorySync.Conversation{{
			ID:       proto.String("971500000009@s.whatsapp.net"),
			Messages: []*waHistorySync.HistorySyncMsg{historyMessage("H1", "old one"), historyMessage("H2", "old two")},
		}},
	}}

	done := make(chan struct{})
	go func() {
		f.s.handle(f.client, hs)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("history sync blocked the event handler")
	}
	assert.Equal(t, 0, f.sink.count())

	close(f.sink.release)
	require.Eventually(t, func() bool { return f.sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	for _, env := range f.sink.envs {
		assert.Equal(t, models.DirectionIncoming, env.Direction)
		assert.Equal(t, true, env.Metadata["history"])
		assert.Equal(t, "971500000009", env.ContactID)
	}
}
