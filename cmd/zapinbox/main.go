package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"zapinbox/config"
	"zapinbox/internal/adapters/meta"
	"zapinbox/internal/adapters/whatsapp"
	"zapinbox/internal/db"
	"zapinbox/internal/dispatch"
	"zapinbox/internal/events"
	"zapinbox/internal/export"
	"zapinbox/internal/handlers"
	"zapinbox/internal/hub"
	"zapinbox/internal/ingest"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
	"zapinbox/internal/session"
	"zapinbox/internal/store"
	"zapinbox/pkg/httputil"
	"zapinbox/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.InitLogger("info", "console")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("zapinbox stopped with error")
	}
	log.Info().Msg("zapinbox stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("driver", cfg.DBDriver).Msg("Opening database")
	conn, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	bus := events.NewBus()
	defer bus.Close()
	st := store.New(conn, bus)

	ingestor, err := ingest.NewIngestor(st)
	if err != nil {
		return err
	}
	queue, err := newQueue(cfg)
	if err != nil {
		return err
	}

	// Media: S3 when enabled, inline data URLs otherwise.
	var (
		storage media.Storage = media.InlineStore{}
		cleaner handlers.MediaCleaner
	)
	if cfg.S3.Enabled {
		s3, err := media.NewS3Store(cfg.S3)
		if err != nil {
			return err
		}
		if err := s3.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("S3 bucket is not reachable yet")
		}
		storage, cleaner = s3, s3
	}
	mediaManager := media.NewManager(storage, httputil.NewClient("", cfg.MediaDownloadTimeout))

	var (
		adapters []session.PlatformAdapter
		webhooks []handlers.Webhook
	)
	if cfg.WhatsApp.Enabled {
		wa, err := whatsapp.NewAdapter(ctx, whatsapp.Options{
			Driver:          cfg.SessionDriver,
			DSN:             cfg.SessionDBURL,
			QRTerminal:      cfg.WhatsApp.QRTerminal,
			DownloadTimeout: cfg.MediaDownloadTimeout,
			Sink:            ingestor,
			Media:           mediaManager,
		})
		if err != nil {
			return err
		}
		defer wa.Close()
		adapters = append(adapters, wa)
	}
	if cfg.Meta.Enabled {
		for _, platform := range []models.Platform{models.PlatformMessenger, models.PlatformInstagram} {
			adapter, err := meta.NewAdapter(platform, cfg.Meta, cfg.ProviderTimeout, mediaManager)
			if err != nil {
				return err
			}
			wh, err := meta.NewWebhook(adapter, ingestor, st, cfg.Meta.VerifyToken, cfg.Meta.AppSecret, cfg.MediaDownloadTimeout)
			if err != nil {
				return err
			}
			queue.Handle(string(platform), wh.Process)
			adapters = append(adapters, adapter)
			webhooks = append(webhooks, wh)
		}
	}

	manager, err := session.NewManager(st, bus, adapters...)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(st, manager, cfg.ProviderTimeout)
	if err != nil {
		return err
	}
	broadcast := hub.New(bus, hub.Options{
		PingInterval:   cfg.Hub.PingInterval,
		SendBuffer:     cfg.Hub.SendBuffer,
		AllowedOrigins: cfg.Hub.Origins,
	})

	srv, err := handlers.NewServer(handlers.Deps{
		Store:    st,
		Sessions: manager,
		Sender:   dispatcher,
		Queue:    queue,
		Hub:      broadcast,
		Webhooks: webhooks,
		Media:    cleaner,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return broadcast.Run(gctx) })
	if cfg.RabbitMQ.ExportEvents {
		exporter, err := export.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueuePrefix, cfg.RabbitMQ.ExportTypes)
		if err != nil {
			return err
		}
		g.Go(func() error { return exporter.Run(gctx, bus) })
	}
	g.Go(func() error {
		log.Info().Str("address", cfg.Address).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		manager.Shutdown(shutdownCtx)
		return nil
	})

	// Sessions resume in the background so a slow provider does not hold up
	// the listener.
	go manager.ResumeAll(gctx)

	return g.Wait()
}

func newQueue(cfg *config.Config) (ingest.Queue, error) {
	opts := ingest.QueueOptions{
		Workers:      cfg.Ingest.Workers,
		Size:         cfg.Ingest.QueueSize,
		MaxAttempts:  cfg.Ingest.MaxAttempts,
		RetryBackoff: cfg.Ingest.RetryBackoff,
	}
	if cfg.RabbitMQ.URL != "" {
		return ingest.NewRabbitQueue(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueuePrefix, opts)
	}
	log.Info().Msg("RABBITMQ_URL is not set, using the in-memory ingest queue")
	return ingest.NewMemoryQueue(opts), nil
}
