package meta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/ingest"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
)

// Sink receives normalized messages and receipts.
type Sink interface {
	Ingest(ctx context.Context, env ingest.Envelope) (*models.Message, bool, error)
	ApplyReceipt(ctx context.Context, r ingest.Receipt) (int, error)
}

// ChannelFinder resolves the channel a webhook entry is addressed to.
type ChannelFinder interface {
	FindChannelByExternalID(ctx context.Context, platform models.Platform, externalID string) (*models.Channel, error)
}

// Payload is the webhook delivery body.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

type Party struct {
	ID string `json:"id"`
}

// Messaging is one event inside an entry.
type Messaging struct {
	Sender    Party           `json:"sender"`
	Recipient Party           `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *InboundMessage `json:"message,omitempty"`
	Delivery  *Delivery       `json:"delivery,omitempty"`
	Read      *Read           `json:"read,omitempty"`
}

type InboundMessage struct {
	Mid         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	IsDeleted   bool         `json:"is_deleted"`
	Attachments []Attachment `json:"attachments"`
	ReplyTo     *ReplyTo     `json:"reply_to,omitempty"`
	QuickReply  *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply,omitempty"`
}

type Attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		StickerID   int64  `json:"sticker_id"`
		Coordinates *struct {
			Lat  float64 `json:"lat"`
			Long float64 `json:"long"`
		} `json:"coordinates,omitempty"`
	} `json:"payload"`
}

type ReplyTo struct {
	Mid   string `json:"mid"`
	Story *struct {
		URL string `json:"url"`
		ID  string `json:"id"`
	} `json:"story,omitempty"`
}

type Delivery struct {
	Mids      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

type Read struct {
	Mid       string `json:"mid"`
	Watermark int64  `json:"watermark"`
}

// Webhook verifies and processes webhook deliveries for one platform.
type Webhook struct {
	adapter         *Adapter
	sink            Sink
	channels        ChannelFinder
	verifyToken     string
	appSecret       string
	downloadTimeout time.Duration
}

// NewWebhook builds the webhook side of adapter.
func NewWebhook(adapter *Adapter, sink Sink, channels ChannelFinder, verifyToken, appSecret string, downloadTimeout time.Duration) (*Webhook, error) {
	if adapter == nil || sink == nil || channels == nil {
		return nil, fmt.Errorf("%w: webhook requires adapter, sink and channel finder", models.ErrConfiguration)
	}
	if verifyToken == "" {
		return nil, fmt.Errorf("%w: verify token is required", models.ErrConfiguration)
	}
	if appSecret == "" {
		log.Warn().Str("platform", string(adapter.platform)).Msg("META_APP_SECRET not set, webhook signatures will not be checked")
	}
	if downloadTimeout <= 0 {
		downloadTimeout = 30 * time.Second
	}
	return &Webhook{
		adapter:         adapter,
		sink:            sink,
		channels:        channels,
		verifyToken:     verifyToken,
		appSecret:       appSecret,
		downloadTimeout: downloadTimeout,
	}, nil
}

func (w *Webhook) Platform() models.Platform { return w.adapter.platform }

// VerifyChallenge answers the subscription handshake. ok is false when the
// mode or token does not match.
func (w *Webhook) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || !hmac.Equal([]byte(token), []byte(w.verifyToken)) {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks the X-Hub-Signature-256 header against the body.
// Without an app secret every body is accepted.
func (w *Webhook) VerifySignature(body []byte, header string) bool {
	if w.appSecret == "" {
		return true
	}
	return ValidSignature(w.appSecret, body, header)
}

// ValidSignature reports whether header is "sha256=" followed by the hex
// HMAC-SHA256 of body keyed with secret.
func ValidSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) expectedObject() string {
	if w.adapter.platform == models.PlatformInstagram {
		return "instagram"
	}
	return "page"
}

// Process is the out-of-band phase of a delivery. Events for unknown
// channels are dropped; other failures are returned so the job is retried,
// which is safe because messages are deduplicated by platform id.
func (w *Webhook) Process(ctx context.Context, job *ingest.Job) error {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// A malformed body will never parse; do not retry it.
		log.Error().Err(err).Str("jobID", job.ID).Msg("Discarding unparseable webhook payload")
		return nil
	}
	if payload.Object != w.expectedObject() {
		log.Warn().Str("object", payload.Object).Str("platform", string(w.Platform())).Msg("Ignoring webhook for another object type")
		return nil
	}

	var errs []error
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			if err := w.handle(ctx, entry, ev); err != nil {
				if errors.Is(err, models.ErrChannelNotFound) {
					log.Warn().Str("recipient", ev.Recipient.ID).Str("platform", string(w.Platform())).Msg("Webhook event for unknown channel dropped")
					continue
				}
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (w *Webhook) handle(ctx context.Context, entry Entry, ev Messaging) error {
	switch {
	case ev.Message != nil:
		if ev.Message.IsEcho || ev.Message.IsDeleted {
			return nil
		}
		return w.handleMessage(ctx, entry, ev)

	case ev.Delivery != nil:
		r := ingest.Receipt{
			Platform:          w.Platform(),
			ChannelExternalID: ev.Recipient.ID,
			ContactID:         ev.Sender.ID,
			MessageIDs:        ev.Delivery.Mids,
			Status:            models.StatusDelivered,
		}
		if len(r.MessageIDs) == 0 && ev.Delivery.Watermark > 0 {
			r.Watermark = time.UnixMilli(ev.Delivery.Watermark).UTC()
		}
		_, err := w.sink.ApplyReceipt(ctx, r)
		return err

	case ev.Read != nil:
		r := ingest.Receipt{
			Platform:          w.Platform(),
			ChannelExternalID: ev.Recipient.ID,
			ContactID:         ev.Sender.ID,
			Status:            models.StatusRead,
		}
		if ev.Read.Mid != "" {
			r.MessageIDs = []string{ev.Read.Mid}
		} else if ev.Read.Watermark > 0 {
			r.Watermark = time.UnixMilli(ev.Read.Watermark).UTC()
		}
		_, err := w.sink.ApplyReceipt(ctx, r)
		return err
	}
	return nil
}

func (w *Webhook) handleMessage(ctx context.Context, entry Entry, ev Messaging) error {
	channelExternalID := ev.Recipient.ID
	if channelExternalID == "" {
		channelExternalID = entry.ID
	}
	ch, err := w.channels.FindChannelByExternalID(ctx, w.Platform(), channelExternalID)
	if err != nil {
		return err
	}

	env := Normalize(w.Platform(), ev)
	env.ChannelID = ch.ID
	env.ChannelExternalID = channelExternalID

	token, _ := ch.SessionData[AccessTokenKey].(string)
	env.Contact = w.adapter.Profile(ctx, token, env.ContactID)

	if env.MediaRef != "" && env.ContentType.IsMedia() {
		env.MediaRef = w.persistMedia(ctx, ch.ID, env)
	}

	_, _, err = w.sink.Ingest(ctx, env)
	return err
}

// persistMedia copies a provider CDN attachment into object storage. CDN
// links expire, so with inline storage the link is kept as is.
func (w *Webhook) persistMedia(ctx context.Context, channelID string, env ingest.Envelope) string {
	store := w.adapter.media
	if store == nil || store.Backend() == "inline" {
		return env.MediaRef
	}

	dctx, cancel := context.WithTimeout(ctx, w.downloadTimeout)
	defer cancel()

	data, mime, err := store.Load(dctx, env.MediaRef)
	if err != nil {
		log.Warn().Err(err).Str("messageID", env.PlatformMessageID).Msg("Attachment download failed, keeping provider URL")
		return env.MediaRef
	}
	obj, err := store.Store(dctx, media.Item{
		ChannelID: channelID,
		ContactID: env.ContactID,
		MessageID: env.PlatformMessageID,
		Incoming:  true,
		Data:      data,
		MIMEType:  mime,
		At:        env.Timestamp,
	})
	if err != nil {
		log.Warn().Err(err).Str("messageID", env.PlatformMessageID).Msg("Attachment upload failed, keeping provider URL")
		return env.MediaRef
	}
	if obj.Thumbnail != "" {
		env.Metadata["thumbnail"] = obj.Thumbnail
	}
	return obj.Ref
}

// Normalize maps a messaging event onto an envelope. Channel and contact
// profile are filled in by the caller.
func Normalize(platform models.Platform, ev Messaging) ingest.Envelope {
	msg := ev.Message
	env := ingest.Envelope{
		Platform:          platform,
		ChannelExternalID: ev.Recipient.ID,
		ContactID:         ev.Sender.ID,
		Body:              msg.Text,
		ContentType:       models.ContentText,
		PlatformMessageID: msg.Mid,
		Direction:         models.DirectionIncoming,
		Metadata:          models.JSONMap{},
	}
	if ev.Timestamp > 0 {
		env.Timestamp = time.UnixMilli(ev.Timestamp).UTC()
	} else {
		env.Timestamp = time.Now().UTC()
	}
	if msg.QuickReply != nil && msg.QuickReply.Payload != "" {
		env.Metadata["quickReply"] = msg.QuickReply.Payload
	}

	if msg.ReplyTo != nil {
		if msg.ReplyTo.Story != nil {
			env.ContentType = models.ContentStoryReply
			env.MediaRef = msg.ReplyTo.Story.URL
			env.Metadata["storyId"] = msg.ReplyTo.Story.ID
			return env
		}
		if msg.ReplyTo.Mid != "" {
			env.Metadata["replyTo"] = msg.ReplyTo.Mid
		}
	}

	if len(msg.Attachments) == 0 {
		return env
	}
	first := msg.Attachments[0]
	env.ContentType = attachmentContent(first)
	switch env.ContentType {
	case models.ContentLocation:
		if c := first.Payload.Coordinates; c != nil {
			env.Metadata["latitude"] = c.Lat
			env.Metadata["longitude"] = c.Long
		}
		if env.Body == "" {
			env.Body = first.Payload.Title
		}
	default:
		env.MediaRef = first.Payload.URL
	}
	if len(msg.Attachments) > 1 {
		var extra []string
		for _, a := range msg.Attachments[1:] {
			if a.Payload.URL != "" {
				extra = append(extra, a.Payload.URL)
			}
		}
		if len(extra) > 0 {
			env.Metadata["attachments"] = extra
		}
	}
	return env
}

func attachmentContent(a Attachment) models.ContentType {
	switch a.Type {
	case "image":
		if a.Payload.StickerID != 0 {
			return models.ContentSticker
		}
		return models.ContentImage
	case "video", "ig_reel", "reel":
		return models.ContentVideo
	case "audio":
		return models.ContentAudio
	case "file":
		return models.ContentDocument
	case "location":
		return models.ContentLocation
	case "story_mention":
		return models.ContentStoryReply
	case "share":
		return models.ContentImage
	}
	if a.Payload.URL != "" {
		return models.ContentDocument
	}
	return models.ContentText
}
