package models

import "strings"

// ContentType is the canonical kind of a message body.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentVideo      ContentType = "video"
	ContentAudio      ContentType = "audio"
	ContentDocument   ContentType = "document"
	ContentLocation   ContentType = "location"
	ContentContact    ContentType = "contact"
	ContentStoryReply ContentType = "story_reply"
	ContentSticker    ContentType = "sticker"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentVideo, ContentAudio, ContentDocument,
		ContentLocation, ContentContact, ContentStoryReply, ContentSticker:
		return true
	}
	return false
}

// IsMedia reports whether the content type carries a downloadable attachment.
func (c ContentType) IsMedia() bool {
	switch c {
	case ContentImage, ContentVideo, ContentAudio, ContentDocument, ContentSticker:
		return true
	}
	return false
}

// Placeholder is the bracketed display body used when a message has no text.
func (c ContentType) Placeholder() string {
	switch c {
	case ContentText, "":
		return ""
	case ContentStoryReply:
		return "[Story reply]"
	case ContentContact:
		return "[Contact]"
	}
	s := string(c)
	return "[" + strings.ToUpper(s[:1]) + s[1:] + "]"
}

// DisplayBody returns body, or the content type placeholder when body is blank
// and the message carries an attachment or structured payload.
func DisplayBody(body string, ct ContentType, hasMedia bool) string {
	if strings.TrimSpace(body) != "" {
		return body
	}
	if hasMedia || (ct != ContentText && ct != "") {
		return ct.Placeholder()
	}
	return body
}

// ContentTypeFromMIME picks a canonical type for an attachment's MIME type.
func ContentTypeFromMIME(mime string) ContentType {
	switch {
	case strings.HasPrefix(mime, "image/webp"):
		return ContentSticker
	case strings.HasPrefix(mime, "image/"):
		return ContentImage
	case strings.HasPrefix(mime, "video/"):
		return ContentVideo
	case strings.HasPrefix(mime, "audio/"):
		return ContentAudio
	case mime == "":
		return ContentText
	default:
		return ContentDocument
	}
}
