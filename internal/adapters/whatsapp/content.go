package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"zapinbox/internal/models"
)

// content is the canonical view of one protocol message.
type content struct {
	Body        string
	ContentType models.ContentType
	Media       whatsmeow.DownloadableMessage
	MIMEType    string
	FileName    string
	Metadata    models.JSONMap
}

// unwrap strips the ephemeral, view-once and caption wrappers.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for msg != nil {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return nil
}

// extract maps a protocol message onto canonical content. ok is false for
// messages that carry nothing to show (reactions, protocol updates).
func extract(raw *waE2E.Message) (c content, ok bool) {
	msg := unwrap(raw)
	if msg == nil {
		return c, false
	}
	c.Metadata = models.JSONMap{}
	c.ContentType = models.ContentText

	switch {
	case msg.GetConversation() != "":
		c.Body = msg.GetConversation()

	case msg.GetExtendedTextMessage() != nil:
		ext := msg.GetExtendedTextMessage()
		c.Body = ext.GetText()
		if q := ext.GetContextInfo().GetStanzaID(); q != "" {
			c.Metadata["replyTo"] = q
		}

	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		c.ContentType, c.Media, c.Body, c.MIMEType = models.ContentImage, m, m.GetCaption(), m.GetMimetype()

	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		c.ContentType, c.Media, c.Body, c.MIMEType = models.ContentVideo, m, m.GetCaption(), m.GetMimetype()

	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		c.ContentType, c.Media, c.MIMEType = models.ContentAudio, m, m.GetMimetype()
		if m.GetPTT() {
			c.Metadata["voiceNote"] = true
		}

	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		c.ContentType, c.Media, c.Body, c.MIMEType = models.ContentDocument, m, m.GetCaption(), m.GetMimetype()
		c.FileName = m.GetFileName()
		if c.FileName == "" {
			c.FileName = m.GetTitle()
		}
		if c.FileName != "" {
			c.Metadata["fileName"] = c.FileName
		}

	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		c.ContentType, c.Media, c.MIMEType = models.ContentSticker, m, m.GetMimetype()

	case msg.GetLocationMessage() != nil:
		m := msg.GetLocationMessage()
		c.ContentType = models.ContentLocation
		c.Body = strings.TrimSpace(m.GetName() + " " + m.GetAddress())
		c.Metadata["latitude"] = m.GetDegreesLatitude()
		c.Metadata["longitude"] = m.GetDegreesLongitude()

	case msg.GetContactMessage() != nil:
		m := msg.GetContactMessage()
		c.ContentType = models.ContentContact
		c.Body = m.GetDisplayName()
		c.Metadata["vcard"] = m.GetVcard()

	default:
		return c, false
	}
	return c, true
}

// contactID is the conversation key for a chat: the phone number for
// regular users, the full JID for anything else.
func contactID(chat types.JID) string {
	chat = chat.ToNonAD()
	if chat.Server == types.DefaultUserServer {
		return chat.User
	}
	return chat.String()
}

// recipientJID parses a conversation contact id back into a JID. Phone
// numbers may carry formatting.
func recipientJID(contact string) (types.JID, error) {
	if strings.Contains(contact, "@") {
		jid, err := types.ParseJID(contact)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("%w: invalid recipient %q: %v", models.ErrInvalidInput, contact, err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, contact)
	if digits == "" {
		return types.EmptyJID, fmt.Errorf("%w: invalid recipient %q", models.ErrInvalidInput, contact)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// receiptStatus maps a receipt type onto a message status. ok is false for
// receipts that say nothing about delivery to the contact.
func receiptStatus(t types.ReceiptType) (models.MessageStatus, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return models.StatusDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		return models.StatusRead, true
	}
	return "", false
}

func mediaType(ct models.ContentType) whatsmeow.MediaType {
	switch ct {
	case models.ContentImage, models.ContentSticker:
		return whatsmeow.MediaImage
	case models.ContentVideo:
		return whatsmeow.MediaVideo
	case models.ContentAudio:
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

// mediaMessage wraps an uploaded attachment into the matching message kind.
func mediaMessage(ct models.ContentType, up whatsmeow.UploadResponse, mime, caption, fileName string) *waE2E.Message {
	switch ct {
	case models.ContentImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.ContentSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.ContentVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.ContentAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(strings.Contains(mime, "ogg") || strings.Contains(mime, "opus")),
		}}
	}
	if fileName == "" {
		fileName = "document"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       optional(caption),
		FileName:      proto.String(fileName),
		Title:         proto.String(fileName),
		Mimetype:      proto.String(mime),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
