package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/config"
	"zapinbox/internal/models"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestKeyLayout(t *testing.T) {
	key := Key(Item{
		ChannelID: "ch-1",
		ContactID: "971501234567@s.whatsapp.net",
		MessageID: "wamid.9",
		Incoming:  true,
		MIMEType:  "image/jpeg",
		At:        time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "channels/ch-1/inbox/971501234567_s.whatsapp.net/2025/03/07/images/wamid.9.jpg", key)

	key = Key(Item{ChannelID: "ch-1", ContactID: "psid", MessageID: "m", MIMEType: "application/pdf",
		At: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)})
	assert.Equal(t, "channels/ch-1/outbox/psid/2025/12/31/documents/m.pdf", key)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".ogg", Extension("audio/ogg; codecs=opus"))
	assert.Equal(t, ".mp4", Extension("video/mp4"))
	assert.Equal(t, ".docx", Extension("application/vnd.openxmlformats-officedocument.wordprocessingml.document"))
	assert.Equal(t, ".bin", Extension("application/x-unknown"))
}

func TestInlineStoreWithThumbnail(t *testing.T) {
	m := NewManager(nil, nil)
	assert.Equal(t, "inline", m.Backend())

	data := pngBytes(t, 640, 320)
	obj, err := m.Store(context.Background(), Item{ChannelID: "c", MessageID: "m", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "image/png", obj.MIMEType)
	assert.True(t, strings.HasPrefix(obj.Ref, "data:image/png"))
	assert.True(t, strings.HasPrefix(obj.Thumbnail, "data:image/jpeg"))

	loaded, mime, err := m.Load(context.Background(), obj.Ref)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, data, loaded)

	_, err = m.Store(context.Background(), Item{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestThumbnailFitsBounds(t *testing.T) {
	thumb, err := Thumbnail(pngBytes(t, 800, 400), 200)
	require.NoError(t, err)
	img, format, err := image.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())

	_, err = Thumbnail([]byte("not an image"), 200)
	assert.Error(t, err)
}

func TestLoadFetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write([]byte("OggS-audio"))
	}))
	defer srv.Close()

	m := NewManager(nil, nil)
	data, mime, err := m.Load(context.Background(), srv.URL+"/voice.ogg")
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", mime)
	assert.Equal(t, []byte("OggS-audio"), data)

	_, _, err = m.Load(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)

	_, _, err = m.Load(context.Background(), "ftp://example.com/x")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestS3PublicURL(t *testing.T) {
	st, err := NewS3Store(config.S3Config{Bucket: "media", Region: "eu-west-1", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "https://media.s3.eu-west-1.amazonaws.com/k.jpg", st.PublicURL("k.jpg"))

	st, err = NewS3Store(config.S3Config{Bucket: "media", Region: "us-east-1", AccessKey: "a", SecretKey: "b",
		Endpoint: "http://minio:9000", PathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/media/k.jpg", st.PublicURL("k.jpg"))

	st, err = NewS3Store(config.S3Config{Bucket: "media", AccessKey: "a", SecretKey: "b", PublicURL: "https://cdn.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/k.jpg", st.PublicURL("k.jpg"))

	_, err = NewS3Store(config.S3Config{Bucket: "media"})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
