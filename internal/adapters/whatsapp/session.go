package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"zapinbox/internal/ingest"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
	"zapinbox/internal/session"
)

// historyTimeout bounds one history sync batch.
const historyTimeout = 10 * time.Minute

// waSession is one whatsmeow client bound to a channel. The client is
// replaced when stored credentials turn out to be revoked.
type waSession struct {
	adapter   *Adapter
	channelID string
	hooks     session.Hooks
	// restart pairs a fresh device after a failed resume.
	restart func(device *store.Device) error

	mu      sync.Mutex
	client  *whatsmeow.Client
	handler uint32
	ready   bool
	closed  bool

	// Backfill batches run one at a time, off the event loop.
	historyMu sync.Mutex
}

func (s *waSession) start(device *store.Device) error {
	client := newClient(device, s.channelID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.client = client
	s.ready = false
	s.handler = client.AddEventHandler(func(evt any) { s.handle(client, evt) })
	s.mu.Unlock()

	if client.Store.ID == nil {
		return s.pair(client)
	}
	log.Info().Str("channelID", s.channelID).Str("jid", client.Store.ID.String()).Msg("Resuming WhatsApp session")
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting whatsapp client: %w", err)
	}
	return nil
}

// pair connects an unpaired client and forwards QR codes until pairing
// succeeds or the session is torn down. Expired QR rounds restart.
func (s *waSession) pair(client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(context.Background())
	if err != nil {
		return fmt.Errorf("requesting QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting whatsapp client: %w", err)
	}
	go s.forwardQR(client, qrChan)
	return nil
}

func (s *waSession) forwardQR(client *whatsmeow.Client, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if s.isClosed() {
				return
			}
			if s.adapter.qrTerminal {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			s.hooks.PairingChallenge(item.Code)

		case whatsmeow.QRChannelSuccess.Event:
			log.Info().Str("channelID", s.channelID).Msg("QR pairing succeeded")
			return

		case whatsmeow.QRChannelTimeout.Event:
			if s.isClosed() || s.current() != client {
				return
			}
			log.Info().Str("channelID", s.channelID).Msg("QR codes expired, restarting pairing")
			time.Sleep(time.Second)
			if err := s.pair(client); err != nil {
				s.hooks.AuthFailure(err)
			}
			return

		case whatsmeow.QRChannelEventError:
			s.hooks.AuthFailure(fmt.Errorf("%w: %v", models.ErrAuthenticationFailure, item.Error))
			return

		default:
			// Client outdated, scanned without multidevice and similar.
			s.hooks.AuthFailure(fmt.Errorf("%w: pairing failed: %s", models.ErrAuthenticationFailure, item.Event))
			return
		}
	}
}

func (s *waSession) current() *whatsmeow.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *waSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handle runs on whatsmeow's event loop. Work is bounded by the download
// and ingest timeouts, history sync runs in the background, and a panic never
// escapes into the transport.
func (s *waSession) handle(client *whatsmeow.Client, evt any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("channelID", s.channelID).Msg("Recovered from panic in WhatsApp event handler")
		}
	}()
	if s.current() != client {
		return
	}

	switch e := evt.(type) {
	case *events.PairSuccess:
		log.Info().Str("channelID", s.channelID).Str("jid", e.ID.String()).Str("platform", e.Platform).Msg("Device paired")
		s.hooks.SaveSessionData(models.JSONMap{DeviceJIDKey: e.ID.String()})

	case *events.Connected:
		s.mu.Lock()
		first := !s.ready
		s.ready = true
		s.mu.Unlock()
		if first && client.Store.ID != nil {
			s.hooks.Ready(client.Store.ID.User, client.Store.PushName)
		}

	case *events.Message:
		s.onMessage(context.Background(), client, e, false)

	case *events.Receipt:
		s.onReceipt(e)

	case *events.HistorySync:
		go s.onHistorySync(client, e)

	case *events.LoggedOut:
		s.onLoggedOut(client, e)

	case *events.StreamReplaced:
		s.hooks.Disconnected("session opened elsewhere")

	case *events.TemporaryBan:
		s.hooks.AuthFailure(fmt.Errorf("%w: temporary ban: %s", models.ErrAuthenticationFailure, e.String()))

	case *events.PairError:
		s.hooks.AuthFailure(fmt.Errorf("%w: pairing rejected: %v", models.ErrAuthenticationFailure, e.Error))

	case *events.ConnectFailure:
		s.hooks.AuthFailure(fmt.Errorf("%w: connect failure %d: %s", models.ErrAuthenticationFailure, e.Reason, e.Message))

	case *events.ClientOutdated:
		s.hooks.AuthFailure(fmt.Errorf("%w: client outdated", models.ErrAuthenticationFailure))

	case *events.Disconnected:
		// Transient; the client reconnects on its own.
		log.Warn().Str("channelID", s.channelID).Msg("WhatsApp connection dropped, reconnecting")
	}
}

// onLoggedOut handles revoked credentials. A failed resume pairs again; a
// logout from the phone ends the session.
func (s *waSession) onLoggedOut(client *whatsmeow.Client, e *events.LoggedOut) {
	log.Warn().Str("channelID", s.channelID).Bool("onConnect", e.OnConnect).Int("reason", int(e.Reason)).Msg("WhatsApp device logged out")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if client.Store.ID != nil {
		if err := client.Store.Delete(ctx); err != nil {
			log.Error().Err(err).Str("channelID", s.channelID).Msg("Failed to delete revoked device")
		}
	}
	s.hooks.SaveSessionData(models.JSONMap{})

	if !e.OnConnect {
		s.hooks.Disconnected("logged out from phone")
		return
	}

	go func() {
		client.RemoveEventHandler(s.handler)
		client.Disconnect()
		if err := s.restart(s.adapter.container.NewDevice()); err != nil {
			s.hooks.AuthFailure(err)
		}
	}()
}

func (s *waSession) onMessage(ctx context.Context, client *whatsmeow.Client, e *events.Message, history bool) {
	info := e.Info
	if info.IsGroup || info.Chat.Server == types.BroadcastServer || info.Chat.Server == types.NewsletterServer {
		return
	}
	c, ok := extract(e.Message)
	if !ok {
		return
	}

	env := ingest.Envelope{
		Platform:          models.PlatformWhatsApp,
		ChannelID:         s.channelID,
		ContactID:         contactID(info.Chat),
		Body:              c.Body,
		ContentType:       c.ContentType,
		PlatformMessageID: info.ID,
		Timestamp:         info.Timestamp.UTC(),
		Direction:         models.DirectionIncoming,
		Metadata:          c.Metadata,
	}
	if info.IsFromMe {
		env.Direction = models.DirectionOutgoing
	} else {
		env.Contact = models.ContactMeta{Name: info.PushName}
	}
	if history {
		env.Metadata["history"] = true
	}

	// History rows skip media: the backfill must stay bounded.
	if c.Media != nil && !history {
		dctx, cancel := context.WithTimeout(ctx, s.adapter.downloadTimeout)
		env.MediaRef = s.download(dctx, client, c, env)
		cancel()
	}

	ictx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, _, err := s.adapter.sink.Ingest(ictx, env); err != nil {
		log.Error().Err(err).Str("channelID", s.channelID).Str("messageID", info.ID).Msg("Failed to ingest WhatsApp message")
	}
}

// download fetches and stores an attachment. Failures leave the message
// without media; the placeholder body still shows what arrived.
func (s *waSession) download(ctx context.Context, client *whatsmeow.Client, c content, env ingest.Envelope) string {
	data, err := client.Download(ctx, c.Media)
	if err != nil {
		log.Warn().Err(err).Str("channelID", s.channelID).Str("messageID", env.PlatformMessageID).Msg("Media download failed")
		return ""
	}
	obj, err := s.adapter.media.Store(ctx, media.Item{
		ChannelID: s.channelID,
		ContactID: env.ContactID,
		MessageID: env.PlatformMessageID,
		Incoming:  env.Direction == models.DirectionIncoming,
		Data:      data,
		MIMEType:  c.MIMEType,
		FileName:  c.FileName,
		At:        env.Timestamp,
	})
	if err != nil {
		log.Warn().Err(err).Str("channelID", s.channelID).Str("messageID", env.PlatformMessageID).Msg("Media storage failed")
		return ""
	}
	if obj.Thumbnail != "" {
		env.Metadata["thumbnail"] = obj.Thumbnail
	}
	return obj.Ref
}

func (s *waSession) onReceipt(e *events.Receipt) {
	status, ok := receiptStatus(e.Type)
	if !ok || e.IsGroup {
		return
	}
	ids := make([]string, 0, len(e.MessageIDs))
	for _, id := range e.MessageIDs {
		ids = append(ids, string(id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.adapter.sink.ApplyReceipt(ctx, ingest.Receipt{
		Platform:   models.PlatformWhatsApp,
		ChannelID:  s.channelID,
		ContactID:  contactID(e.Chat),
		MessageIDs: ids,
		Status:     status,
	}); err != nil {
		log.Error().Err(err).Str("channelID", s.channelID).Msg("Failed to apply WhatsApp receipt")
	}
}

// onHistorySync backfills one-to-one chats under historyTimeout. Rows already
// stored are skipped by message id. A replaced or closed session stops it.
func (s *waSession) onHistorySync(client *whatsmeow.Client, e *events.HistorySync) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("channelID", s.channelID).Msg("Recovered from panic in history sync")
		}
	}()
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	count := 0
	for _, conv := range e.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil || chat.Server != types.DefaultUserServer {
			continue
		}
		for _, hm := range conv.GetMessages() {
			if ctx.Err() != nil || s.isClosed() || s.current() != client {
				log.Warn().Str("channelID", s.channelID).Int("messages", count).Msg("History sync interrupted")
				return
			}
			evt, err := client.ParseWebMessage(chat, hm.GetMessage())
			if err != nil {
				continue
			}
			s.onMessage(ctx, client, evt, true)
			count++
		}
	}
	log.Info().Str("channelID", s.channelID).Int("messages", count).Str("syncType", e.Data.GetSyncType().String()).Msg("History sync processed")
}

func (s *waSession) Send(ctx context.Context, recipient string, out session.Outbound) (string, error) {
	client := s.current()
	if client == nil || !client.IsConnected() || !client.IsLoggedIn() {
		return "", fmt.Errorf("%w: whatsapp client is not connected", models.ErrSessionNotReady)
	}
	jid, err := recipientJID(recipient)
	if err != nil {
		return "", err
	}

	var msg *waE2E.Message
	if out.MediaRef != "" {
		msg, err = s.buildMedia(ctx, client, out)
		if err != nil {
			return "", err
		}
	} else {
		if out.Body == "" {
			return "", fmt.Errorf("%w: empty message body", models.ErrInvalidInput)
		}
		msg = &waE2E.Message{Conversation: proto.String(out.Body)}
	}

	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", &models.ProviderError{Platform: models.PlatformWhatsApp, Detail: "send failed", Err: err}
	}
	log.Debug().Str("channelID", s.channelID).Str("messageID", resp.ID).Msg("WhatsApp message sent")
	return resp.ID, nil
}

func (s *waSession) buildMedia(ctx context.Context, client *whatsmeow.Client, out session.Outbound) (*waE2E.Message, error) {
	data, mime, err := s.adapter.media.Load(ctx, out.MediaRef)
	if err != nil {
		return nil, err
	}
	ct := out.ContentType
	if ct == "" || ct == models.ContentText || !ct.IsMedia() {
		ct = models.ContentTypeFromMIME(mime)
	}
	up, err := client.Upload(ctx, data, mediaType(ct))
	if err != nil {
		return nil, &models.ProviderError{Platform: models.PlatformWhatsApp, Detail: "media upload failed", Err: err}
	}
	return mediaMessage(ct, up, mime, out.Body, "document"+media.Extension(mime)), nil
}

// Teardown disconnects the client. logout also unlinks the device.
func (s *waSession) Teardown(ctx context.Context, logout bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	client.RemoveEventHandler(s.handler)
	if logout && client.Store.ID != nil {
		if err := client.Logout(ctx); err != nil && !errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			client.Disconnect()
			return fmt.Errorf("logging out: %w", err)
		}
		return nil
	}
	client.Disconnect()
	return nil
}
