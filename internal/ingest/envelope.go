package ingest

import (
	"time"

	"zapinbox/internal/models"
)

// Envelope is the platform-neutral form of one inbound provider message.
type Envelope struct {
	Platform models.Platform
	// ChannelID is set by session-style adapters that already know their
	// channel; webhook adapters resolve it from ChannelExternalID.
	ChannelID         string
	ChannelExternalID string

	ContactID string
	Contact   models.ContactMeta

	Body              string
	ContentType       models.ContentType
	MediaRef          string
	PlatformMessageID string
	Timestamp         time.Time
	// Direction defaults to incoming; messages typed on the paired phone
	// itself arrive as outgoing.
	Direction models.Direction
	Metadata  models.JSONMap
}

// Receipt is a delivery or read acknowledgement for outgoing messages.
// Either MessageIDs or a Watermark (everything sent up to that instant)
// identifies the messages.
type Receipt struct {
	Platform          models.Platform
	ChannelID         string
	ChannelExternalID string
	ContactID         string
	MessageIDs        []string
	Watermark         time.Time
	Status            models.MessageStatus
}
