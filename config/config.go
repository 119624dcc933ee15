package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
)

// Config holds all configuration fields for the application.
type Config struct {
	Address   string
	LogLevel  string
	LogFormat string

	DBDriver      string // "postgres" or "sqlite"
	DatabaseURL   string
	SessionDBURL  string
	SessionDriver string

	ProviderTimeout      time.Duration
	MediaDownloadTimeout time.Duration

	WhatsApp WhatsAppConfig
	Meta     MetaConfig
	Hub      HubConfig
	Ingest   IngestConfig
	RabbitMQ RabbitMQConfig
	S3       S3Config
}

type WhatsAppConfig struct {
	Enabled    bool
	QRTerminal bool
}

type MetaConfig struct {
	Enabled      bool
	VerifyToken  string
	AppSecret    string
	GraphVersion string
	GraphBaseURL string
}

type HubConfig struct {
	PingInterval time.Duration
	SendBuffer   int
	Origins      []string
}

type IngestConfig struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

type RabbitMQConfig struct {
	URL          string
	QueuePrefix  string
	ExportEvents bool
	// ExportTypes limits export to these event types; empty exports all.
	ExportTypes []string
}

type S3Config struct {
	Enabled   bool
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// LoadConfig loads configuration from environment variables.
// A .env file is read first when present; real environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded, relying on environment variables")
	}

	cfg := &Config{
		Address:   getEnv("ADDRESS", ":"+getEnv("PORT", "8080")),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		DBDriver:      strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DatabaseURL:   getEnv("DATABASE_URL", "file:zapinbox.db"),
		SessionDBURL:  os.Getenv("SESSION_DB_URL"),
		SessionDriver: strings.ToLower(os.Getenv("SESSION_DB_DRIVER")),

		ProviderTimeout:      getEnvDuration("PROVIDER_TIMEOUT", 20*time.Second),
		MediaDownloadTimeout: getEnvDuration("MEDIA_DOWNLOAD_TIMEOUT", 30*time.Second),

		WhatsApp: WhatsAppConfig{
			Enabled:    getEnvBool("WHATSAPP_ENABLED", true),
			QRTerminal: getEnvBool("WHATSAPP_QR_TERMINAL", false),
		},
		Meta: MetaConfig{
			Enabled:      getEnvBool("META_ENABLED", true),
			VerifyToken:  os.Getenv("META_VERIFY_TOKEN"),
			AppSecret:    os.Getenv("META_APP_SECRET"),
			GraphVersion: getEnv("META_GRAPH_VERSION", "v21.0"),
			GraphBaseURL: getEnv("META_GRAPH_BASE_URL", "https://graph.facebook.com"),
		},
		Hub: HubConfig{
			PingInterval: getEnvDuration("HUB_PING_INTERVAL", 30*time.Second),
			SendBuffer:   getEnvInt("HUB_SEND_BUFFER", 64),
			Origins:      getEnvList("HUB_ALLOWED_ORIGINS"),
		},
		Ingest: IngestConfig{
			Workers:      getEnvInt("INGEST_WORKERS", 4),
			QueueSize:    getEnvInt("INGEST_QUEUE_SIZE", 1024),
			MaxAttempts:  getEnvInt("INGEST_MAX_ATTEMPTS", 3),
			RetryBackoff: getEnvDuration("INGEST_RETRY_BACKOFF", 2*time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			URL:          os.Getenv("RABBITMQ_URL"),
			QueuePrefix:  getEnv("RABBITMQ_QUEUE_PREFIX", "zapinbox"),
			ExportEvents: getEnvBool("RABBITMQ_EXPORT_EVENTS", false),
			ExportTypes:  getEnvList("RABBITMQ_EXPORT_TYPES"),
		},
		S3: S3Config{
			Enabled:   getEnvBool("S3_ENABLED", false),
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: getEnvBool("S3_PATH_STYLE", false),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},
	}

	if cfg.SessionDBURL == "" {
		cfg.SessionDBURL = cfg.DatabaseURL
	}
	if cfg.SessionDriver == "" {
		cfg.SessionDriver = cfg.DBDriver
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing or inconsistent settings as a configuration error.
func (c *Config) Validate() error {
	var problems []string

	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("DB_DRIVER %q is not supported", c.DBDriver))
	}
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.WhatsApp.Enabled && c.SessionDBURL == "" {
		problems = append(problems, "SESSION_DB_URL is required when WhatsApp is enabled")
	}
	if c.Meta.Enabled && c.Meta.VerifyToken == "" {
		problems = append(problems, "META_VERIFY_TOKEN is required when Meta platforms are enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		problems = append(problems, "S3_BUCKET is required when S3 is enabled")
	}
	if c.Ingest.Workers <= 0 {
		problems = append(problems, "INGEST_WORKERS must be positive")
	}
	if c.Ingest.MaxAttempts <= 0 {
		problems = append(problems, "INGEST_MAX_ATTEMPTS must be positive")
	}
	if c.RabbitMQ.ExportEvents && c.RabbitMQ.URL == "" {
		problems = append(problems, "RABBITMQ_URL is required when event export is enabled")
	}
	if c.Hub.PingInterval <= 0 {
		problems = append(problems, "HUB_PING_INTERVAL must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
		return fallback
	}
	return b
}

// getEnvDuration accepts Go duration strings ("30s") or plain seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
	return fallback
}
