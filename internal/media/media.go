// Package media stores message attachments (S3 or inline data URLs), builds
// image thumbnails and loads media referenced by agents for outbound sends.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"zapinbox/internal/models"
)

// Item is one attachment to store.
type Item struct {
	ChannelID string
	ContactID string
	MessageID string
	Incoming  bool
	Data      []byte
	MIMEType  string
	FileName  string
	At        time.Time
}

// Object describes a stored attachment.
type Object struct {
	Ref       string `json:"url"`
	Key       string `json:"key,omitempty"`
	MIMEType  string `json:"mimeType"`
	Size      int    `json:"size"`
	FileName  string `json:"fileName,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Storage persists attachment bytes and returns a loadable reference.
type Storage interface {
	Name() string
	Save(ctx context.Context, item Item) (*Object, error)
}

// InlineStore keeps media inside the message as a data URL. It is the
// fallback when no object storage is configured.
type InlineStore struct{}

func (InlineStore) Name() string { return "inline" }

func (InlineStore) Save(_ context.Context, item Item) (*Object, error) {
	mime := item.MIMEType
	if mime == "" {
		mime = http.DetectContentType(item.Data)
	}
	return &Object{
		Ref:      dataurl.New(item.Data, mime).String(),
		MIMEType: mime,
		Size:     len(item.Data),
		FileName: item.FileName,
	}, nil
}

const thumbnailSize = 200

// Manager stores attachments and loads outbound media references.
type Manager struct {
	storage  Storage
	http     *resty.Client
	maxBytes int64
}

// NewManager wires storage and the HTTP client used to fetch media URLs.
// A nil storage keeps media inline.
func NewManager(storage Storage, client *resty.Client) *Manager {
	if storage == nil {
		storage = InlineStore{}
	}
	if client == nil {
		client = resty.New().SetTimeout(30 * time.Second)
	}
	return &Manager{storage: storage, http: client, maxBytes: 64 << 20}
}

// Backend names the configured storage.
func (m *Manager) Backend() string { return m.storage.Name() }

// Store saves item and, for images, attaches a JPEG thumbnail as a data URL.
// A failed thumbnail is logged and skipped.
func (m *Manager) Store(ctx context.Context, item Item) (*Object, error) {
	if len(item.Data) == 0 {
		return nil, fmt.Errorf("%w: empty media", models.ErrInvalidInput)
	}
	if item.MIMEType == "" {
		item.MIMEType = http.DetectContentType(item.Data)
	}
	if item.At.IsZero() {
		item.At = time.Now().UTC()
	}

	obj, err := m.storage.Save(ctx, item)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(item.MIMEType, "image/") && !strings.Contains(item.MIMEType, "webp") {
		thumb, err := Thumbnail(item.Data, thumbnailSize)
		if err != nil {
			log.Debug().Err(err).Str("messageID", item.MessageID).Msg("Thumbnail generation skipped")
		} else {
			obj.Thumbnail = dataurl.New(thumb, "image/jpeg").String()
		}
	}
	return obj, nil
}

// Load returns the bytes behind ref, which is either a data URL or an
// http(s) URL.
func (m *Manager) Load(ctx context.Context, ref string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		du, err := dataurl.DecodeString(ref)
		if err != nil {
			return nil, "", fmt.Errorf("%w: malformed data URL: %v", models.ErrInvalidInput, err)
		}
		return du.Data, du.MediaType.ContentType(), nil

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		resp, err := m.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(ref)
		if err != nil {
			return nil, "", fmt.Errorf("fetching media: %w", err)
		}
		body := resp.RawBody()
		defer body.Close()
		if resp.StatusCode() >= 300 {
			return nil, "", fmt.Errorf("fetching media: unexpected status %d", resp.StatusCode())
		}
		var buf bytes.Buffer
		n, err := buf.ReadFrom(io.LimitReader(body, m.maxBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("reading media: %w", err)
		}
		if n > m.maxBytes {
			return nil, "", fmt.Errorf("%w: media exceeds %d bytes", models.ErrInvalidInput, m.maxBytes)
		}
		mime := resp.Header().Get("Content-Type")
		if mime == "" || mime == "application/octet-stream" {
			mime = http.DetectContentType(buf.Bytes())
		}
		return buf.Bytes(), mime, nil
	}
	return nil, "", fmt.Errorf("%w: unsupported media reference", models.ErrInvalidInput)
}

// Thumbnail scales an image to fit within size x size and encodes it as JPEG.
func Thumbnail(data []byte, size uint) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	thumb := resize.Thumbnail(size, size, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Key is the object layout:
// channels/<id>/<inbox|outbox>/<contact>/<yyyy>/<mm>/<dd>/<kind>/<message><ext>.
func Key(item Item) string {
	direction := "outbox"
	if item.Incoming {
		direction = "inbox"
	}
	contact := strings.NewReplacer("@", "_", ":", "_", "/", "_").Replace(item.ContactID)
	at := item.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return fmt.Sprintf("channels/%s/%s/%s/%s/%s/%s/%s/%s%s",
		item.ChannelID,
		direction,
		contact,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		kindFolder(item.MIMEType),
		item.MessageID,
		Extension(item.MIMEType),
	)
}

func kindFolder(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "images"
	case strings.HasPrefix(mime, "video/"):
		return "videos"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	}
	return "documents"
}

// Extension maps a MIME type onto a file extension, ".bin" when unknown.
func Extension(mime string) string {
	switch {
	case strings.Contains(mime, "jpeg"), strings.Contains(mime, "jpg"):
		return ".jpg"
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "gif"):
		return ".gif"
	case strings.Contains(mime, "webp"):
		return ".webp"
	case strings.Contains(mime, "mp4"):
		return ".mp4"
	case strings.Contains(mime, "webm"):
		return ".webm"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	case strings.Contains(mime, "opus"):
		return ".opus"
	case strings.Contains(mime, "mpeg"):
		return ".mp3"
	case strings.Contains(mime, "pdf"):
		return ".pdf"
	case strings.Contains(mime, "docx"), strings.Contains(mime, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mime, "msword"):
		return ".doc"
	}
	return ".bin"
}
