// Package whatsapp implements the QR-paired platform on whatsmeow. Device
// credentials live in a whatsmeow sqlstore so sessions resume after restarts.
package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	_ "modernc.org/sqlite"

	"zapinbox/internal/ingest"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
	"zapinbox/internal/session"
)

// SessionData key holding the paired device JID.
const DeviceJIDKey = "jid"

// Sink receives normalized messages and receipts.
type Sink interface {
	Ingest(ctx context.Context, env ingest.Envelope) (*models.Message, bool, error)
	ApplyReceipt(ctx context.Context, r ingest.Receipt) (int, error)
}

// MediaStore persists downloaded attachments and loads outbound ones.
type MediaStore interface {
	Load(ctx context.Context, ref string) ([]byte, string, error)
	Store(ctx context.Context, item media.Item) (*media.Object, error)
}

type Options struct {
	// Driver is "sqlite" or "postgres"; DSN addresses the device store.
	Driver          string
	DSN             string
	QRTerminal      bool
	DownloadTimeout time.Duration
	Sink            Sink
	Media           MediaStore
}

// Adapter creates whatsmeow sessions over a shared device container.
type Adapter struct {
	container       *sqlstore.Container
	sink            Sink
	media           MediaStore
	qrTerminal      bool
	downloadTimeout time.Duration
}

// NewAdapter opens (and upgrades) the device store.
func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Sink == nil || opts.Media == nil {
		return nil, fmt.Errorf("%w: whatsapp adapter requires a sink and media store", models.ErrConfiguration)
	}
	dialect, dsn, err := storeAddress(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	store.SetOSInfo("zapinbox", [3]uint32{1, 0, 0})

	container, err := sqlstore.New(ctx, dialect, dsn, newLogger("store"))
	if err != nil {
		return nil, fmt.Errorf("opening whatsapp device store: %w", err)
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 30 * time.Second
	}

	log.Info().Str("dialect", dialect).Msg("WhatsApp device store ready")
	return &Adapter{
		container:       container,
		sink:            opts.Sink,
		media:           opts.Media,
		qrTerminal:      opts.QRTerminal,
		downloadTimeout: opts.DownloadTimeout,
	}, nil
}

// storeAddress picks the sqlstore dialect and DSN. sqlite needs foreign keys
// and a busy timeout for the device tables.
func storeAddress(driver, dsn string) (string, string, error) {
	if dsn == "" {
		return "", "", fmt.Errorf("%w: SESSION_DB_URL is empty", models.ErrConfiguration)
	}
	switch driver {
	case "postgres":
		return "postgres", dsn, nil
	case "sqlite", "":
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			dsn = "file:" + dsn
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		if !strings.Contains(dsn, "foreign_keys") {
			dsn += sep + "_pragma=foreign_keys(1)"
			sep = "&"
		}
		if !strings.Contains(dsn, "busy_timeout") {
			dsn += sep + "_pragma=busy_timeout(3000)"
		}
		return "sqlite", dsn, nil
	}
	return "", "", fmt.Errorf("%w: session store driver %q is not supported", models.ErrConfiguration, driver)
}

func (a *Adapter) Platform() models.Platform { return models.PlatformWhatsApp }

func (a *Adapter) RequiresSession() bool { return true }

// Initialize resumes the stored device when the channel has one, otherwise
// starts QR pairing. Lifecycle changes arrive through hooks.
func (a *Adapter) Initialize(ctx context.Context, ch *models.Channel, hooks session.Hooks) (session.Session, error) {
	device, err := a.device(ctx, ch)
	if err != nil {
		return nil, err
	}

	s := &waSession{
		adapter:   a,
		channelID: ch.ID,
		hooks:     hooks,
	}
	s.restart = s.start
	if err := s.start(device); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *Adapter) device(ctx context.Context, ch *models.Channel) (*store.Device, error) {
	raw, _ := ch.SessionData[DeviceJIDKey].(string)
	if raw == "" {
		return a.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		log.Warn().Err(err).Str("channelID", ch.ID).Msg("Stored device JID is invalid, pairing again")
		return a.container.NewDevice(), nil
	}
	device, err := a.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", raw, err)
	}
	if device == nil {
		log.Info().Str("channelID", ch.ID).Str("jid", raw).Msg("Stored device not found, pairing again")
		return a.container.NewDevice(), nil
	}
	return device, nil
}

// Close releases the device store.
func (a *Adapter) Close() error {
	return a.container.Close()
}

func newClient(device *store.Device, channelID string) *whatsmeow.Client {
	client := whatsmeow.NewClient(device, newLogger("client/"+channelID))
	client.EnableAutoReconnect = true
	return client
}
