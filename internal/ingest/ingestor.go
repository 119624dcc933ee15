// Package ingest turns normalized provider events into canonical store writes
// and runs the out-of-band processing phase for acknowledged webhooks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/store"
)

// Store is the canonical store surface the ingestor writes through.
type Store interface {
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	FindChannelByExternalID(ctx context.Context, platform models.Platform, externalID string) (*models.Channel, error)
	TouchChannel(ctx context.Context, id string) error
	CreateConversation(ctx context.Context, nc store.NewConversation) (*models.Conversation, bool, error)
	FindConversationByContact(ctx context.Context, channelID, contactID string) (*models.Conversation, error)
	UpdateContact(ctx context.Context, id string, meta models.ContactMeta) error
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
	UpdateMessageStatusByExternalID(ctx context.Context, externalID string, status models.MessageStatus) (bool, error)
	AdvanceOutgoingUntil(ctx context.Context, conversationID string, status models.MessageStatus, until time.Time) (int, error)
}

// Ingestor persists envelopes and receipts. It is safe for concurrent use.
type Ingestor struct {
	store    Store
	channels *cache.Cache
}

func NewIngestor(st Store) (*Ingestor, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: ingestor requires a store", models.ErrConfiguration)
	}
	return &Ingestor{
		store:    st,
		channels: cache.New(time.Minute, 5*time.Minute),
	}, nil
}

// Ingest resolves the conversation for env and appends its message.
// A redelivery of a known platform message id returns created=false.
func (in *Ingestor) Ingest(ctx context.Context, env Envelope) (*models.Message, bool, error) {
	if env.ContactID == "" {
		return nil, false, fmt.Errorf("%w: envelope without contact", models.ErrInvalidInput)
	}

	ch, err := in.resolveChannel(ctx, env.Platform, env.ChannelID, env.ChannelExternalID)
	if err != nil {
		return nil, false, err
	}

	conv, created, err := in.store.CreateConversation(ctx, store.NewConversation{
		ChannelID: ch.ID,
		ContactID: env.ContactID,
		Contact:   env.Contact,
	})
	if errors.Is(err, models.ErrChannelNotFound) {
		// Cached channel deleted underneath us.
		in.forget(env.Platform, env.ChannelExternalID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolving conversation: %w", err)
	}
	if !created && env.Contact.Name != "" && env.Contact.Name != conv.ContactName {
		if err := in.store.UpdateContact(ctx, conv.ID, env.Contact); err != nil {
			log.Warn().Err(err).Str("conversationID", conv.ID).Msg("Failed to refresh contact metadata")
		}
	}

	ct := env.ContentType
	if ct == "" || !ct.Valid() {
		ct = models.ContentText
	}
	direction := env.Direction
	if direction == "" {
		direction = models.DirectionIncoming
	}
	status := models.StatusDelivered
	if direction == models.DirectionOutgoing {
		status = models.StatusSent
	}
	metadata := env.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}

	msg, fresh, err := in.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Direction:      direction,
		Body:           models.DisplayBody(env.Body, ct, env.MediaRef != ""),
		ContentType:    ct,
		MediaRef:       models.StrPtr(env.MediaRef),
		Status:         status,
		ExternalID:     models.StrPtr(env.PlatformMessageID),
		Metadata:       metadata,
		CreatedAt:      env.Timestamp,
	})
	if err != nil {
		return nil, false, fmt.Errorf("persisting message: %w", err)
	}

	if fresh {
		if err := in.store.TouchChannel(ctx, ch.ID); err != nil {
			log.Debug().Err(err).Str("channelID", ch.ID).Msg("Failed to touch channel")
		}
		log.Debug().
			Str("channelID", ch.ID).
			Str("conversationID", conv.ID).
			Str("messageID", msg.ID).
			Str("externalID", env.PlatformMessageID).
			Str("contentType", string(ct)).
			Msg("Message ingested")
	}
	return msg, fresh, nil
}

// ApplyReceipt advances the status of the acknowledged outgoing messages.
// Regressions and unknown ids are skipped. It returns how many rows moved.
func (in *Ingestor) ApplyReceipt(ctx context.Context, r Receipt) (int, error) {
	applied := 0
	for _, id := range r.MessageIDs {
		ok, err := in.store.UpdateMessageStatusByExternalID(ctx, id, r.Status)
		switch {
		case errors.Is(err, models.ErrMessageNotFound):
			log.Debug().Str("externalID", id).Str("status", string(r.Status)).Msg("Receipt for unknown message")
		case err != nil:
			return applied, err
		case ok:
			applied++
		}
	}

	if !r.Watermark.IsZero() && r.ContactID != "" {
		ch, err := in.resolveChannel(ctx, r.Platform, r.ChannelID, r.ChannelExternalID)
		if err != nil {
			return applied, err
		}
		conv, err := in.store.FindConversationByContact(ctx, ch.ID, r.ContactID)
		if errors.Is(err, models.ErrConversationNotFound) {
			return applied, nil
		}
		if err != nil {
			return applied, err
		}
		n, err := in.store.AdvanceOutgoingUntil(ctx, conv.ID, r.Status, r.Watermark)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (in *Ingestor) resolveChannel(ctx context.Context, platform models.Platform, channelID, externalID string) (*models.Channel, error) {
	if channelID != "" {
		return in.store.GetChannel(ctx, channelID)
	}
	if externalID == "" {
		return nil, fmt.Errorf("%w: envelope without channel", models.ErrInvalidInput)
	}

	key := cacheKey(platform, externalID)
	if v, ok := in.channels.Get(key); ok {
		return v.(*models.Channel), nil
	}
	ch, err := in.store.FindChannelByExternalID(ctx, platform, externalID)
	if err != nil {
		return nil, fmt.Errorf("resolving %s channel %s: %w", platform, externalID, err)
	}
	in.channels.SetDefault(key, ch)
	return ch, nil
}

func (in *Ingestor) forget(platform models.Platform, externalID string) {
	if externalID != "" {
		in.channels.Delete(cacheKey(platform, externalID))
	}
}

func cacheKey(platform models.Platform, externalID string) string {
	return string(platform) + ":" + strings.TrimSpace(externalID)
}
