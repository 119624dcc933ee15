// Package dispatch routes agent-authored messages to the platform session of
// their conversation and records the outcome on the message row.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"zapinbox/internal/models"
	"zapinbox/internal/session"
)

// Store is the canonical store surface the dispatcher needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkMessageSent(ctx context.Context, id, externalID string) error
	MarkMessageFailed(ctx context.Context, id, detail string) (bool, error)
}

// Sessions hands out the live session of a channel.
type Sessions interface {
	Session(ctx context.Context, ch *models.Channel) (session.Session, error)
}

// Request is one agent send.
type Request struct {
	ConversationID string             `json:"conversationId"`
	Body           string             `json:"body"`
	ContentType    models.ContentType `json:"contentType,omitempty"`
	MediaRef       string             `json:"mediaRef,omitempty"`
	AgentID        string             `json:"agentId,omitempty"`
}

type Dispatcher struct {
	store    Store
	sessions Sessions
	timeout  time.Duration
}

func New(store Store, sessions Sessions, providerTimeout time.Duration) (*Dispatcher, error) {
	if store == nil || sessions == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a store and a session source", models.ErrConfiguration)
	}
	if providerTimeout <= 0 {
		providerTimeout = 20 * time.Second
	}
	return &Dispatcher{store: store, sessions: sessions, timeout: providerTimeout}, nil
}

// Send persists the message as pending, then hands it to the platform.
//
// Errors before the row exists (unknown conversation, no active session)
// return a nil message. A provider failure is not an error to the caller: the
// message comes back failed, with the provider detail in metadata "error".
func (d *Dispatcher) Send(ctx context.Context, req Request) (*models.Message, error) {
	ct, err := normalize(&req)
	if err != nil {
		return nil, err
	}

	conv, err := d.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	ch, err := d.store.GetChannel(ctx, conv.ChannelID)
	if err != nil {
		return nil, err
	}
	sess, err := d.sessions.Session(ctx, ch)
	if err != nil {
		return nil, err
	}

	msg, _, err := d.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutgoing,
		Body:           models.DisplayBody(req.Body, ct, req.MediaRef != ""),
		ContentType:    ct,
		MediaRef:       models.StrPtr(req.MediaRef),
		Status:         models.StatusPending,
		AgentID:        models.StrPtr(req.AgentID),
		Metadata:       models.JSONMap{},
	})
	if err != nil {
		return nil, fmt.Errorf("recording outgoing message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	externalID, sendErr := sess.Send(sendCtx, conv.ContactID, session.Outbound{
		Body:        req.Body,
		ContentType: ct,
		MediaRef:    req.MediaRef,
	})
	cancel()

	// The outcome is recorded even if the caller has gone away.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelRecord()

	if sendErr != nil {
		if errors.Is(sendErr, context.DeadlineExceeded) {
			sendErr = &models.ProviderError{Platform: ch.Platform, Detail: "provider call timed out", Err: sendErr}
		}
		log.Error().
			Err(sendErr).
			Str("channelID", ch.ID).
			Str("conversationID", conv.ID).
			Str("messageID", msg.ID).
			Msg("Outbound send failed")
		detail := sendErr.Error()
		if _, err := d.store.MarkMessageFailed(recordCtx, msg.ID, detail); err != nil {
			log.Error().Err(err).Str("messageID", msg.ID).Msg("Failed to mark message failed")
		}
		if fresh, err := d.store.GetMessage(recordCtx, msg.ID); err == nil {
			return fresh, nil
		}
		msg.Status = models.StatusFailed
		if msg.Metadata == nil {
			msg.Metadata = models.JSONMap{}
		}
		msg.Metadata["error"] = detail
		return msg, nil
	}

	if err := d.store.MarkMessageSent(recordCtx, msg.ID, externalID); err != nil {
		log.Error().Err(err).Str("messageID", msg.ID).Msg("Failed to mark message sent")
	}
	log.Info().
		Str("channelID", ch.ID).
		Str("conversationID", conv.ID).
		Str("messageID", msg.ID).
		Str("externalID", externalID).
		Msg("Message dispatched")

	if fresh, err := d.store.GetMessage(recordCtx, msg.ID); err == nil {
		return fresh, nil
	}
	msg.Status = models.StatusSent
	msg.ExternalID = models.StrPtr(externalID)
	return msg, nil
}

// normalize validates the request and settles its content type. Media sent
// without a type is classified by its MIME type.
func normalize(req *Request) (models.ContentType, error) {
	if req.ConversationID == "" {
		return "", fmt.Errorf("%w: conversationId is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Body) == "" && req.MediaRef == "" {
		return "", fmt.Errorf("%w: body or mediaRef is required", models.ErrInvalidInput)
	}
	ct := req.ContentType
	if ct != "" && !ct.Valid() {
		return "", fmt.Errorf("%w: content type %q", models.ErrInvalidInput, ct)
	}
	if req.MediaRef == "" {
		if ct == "" || ct.IsMedia() {
			ct = models.ContentText
		}
		return ct, nil
	}
	if ct == "" || ct == models.ContentText {
		ct = models.ContentTypeFromMIME(mediaMIME(req.MediaRef))
		if ct == models.ContentText {
			ct = models.ContentDocument
		}
	}
	return ct, nil
}

func mediaMIME(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		du, err := dataurl.DecodeString(ref)
		if err != nil {
			return ""
		}
		return du.MediaType.ContentType()
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return mime.TypeByExtension(path.Ext(u.Path))
}
