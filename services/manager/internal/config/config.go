package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the manager daemon.
type Config struct {
	Addr              string   `env:"ADDR,default=:8080"`
	DBDSN             string   `env:"DB_DSN,default=intg-manager.db"`
	LogLevel          string   `env:"LOG_LEVEL,default=info"`
	LogConsole        bool     `env:"LOG_CONSOLE,default=false"`
	OTLPEndpoint      string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins    []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RequestsPerMinute int      `env:"RATE_LIMIT_PER_MINUTE,default=120"`

	Device   Device   `env:", prefix=DEVICE_"`
	Registry Registry `env:", prefix=REGISTRY_"`
	Jobs     Jobs     `env:", prefix=JOBS_"`
	Backup   Backup   `env:", prefix=BACKUP_"`
	Events   Events
	Notify   Notify `env:", prefix=NOTIFY_"`
}

// Device configures the device API client.
type Device struct {
	URL               string        `env:"URL,required"`
	APIKey            string        `env:"API_KEY"`
	PIN               string        `env:"PIN"`
	SetupDelay        time.Duration `env:"SETUP_DELAY,default=500ms"`
	PowerPollInterval time.Duration `env:"POWER_POLL_INTERVAL,default=1m"`
}

// Registry configures release and catalog lookups.
type Registry struct {
	BaseURL       string        `env:"BASE_URL,default=https://api.github.com"`
	Token         string        `env:"TOKEN"`
	CatalogURL    string        `env:"CATALOG_URL"`
	CatalogTTL    time.Duration `env:"CATALOG_TTL,default=1h"`
	DownloadLimit int64         `env:"DOWNLOAD_LIMIT,default=67108864"`
}

// Jobs configures the orchestrator and scheduler.
type Jobs struct {
	Workers       int           `env:"WORKERS,default=2"`
	PhaseTimeout  time.Duration `env:"PHASE_TIMEOUT,default=5m"`
	RetryBase     time.Duration `env:"RETRY_BASE,default=1s"`
	CheckInterval time.Duration `env:"CHECK_INTERVAL,default=30m"`
	DrainTimeout  time.Duration `env:"DRAIN_TIMEOUT,default=2m"`
}

// Backup configures archive signing, encryption and off-device copies.
type Backup struct {
	AgeSecretKey       string        `env:"AGE_SECRET_KEY"`
	AgePublicKey       string        `env:"AGE_PUBLIC_KEY"`
	Recipients         []string      `env:"RECIPIENTS"`
	CaptureConcurrency int           `env:"CAPTURE_CONCURRENCY,default=3"`
	S3Bucket           string        `env:"S3_BUCKET"`
	S3Prefix           string        `env:"S3_PREFIX,default=intg-manager"`
	S3URLTTL           time.Duration `env:"S3_URL_TTL,default=24h"`
}

// Events configures the NATS and MQTT event channels. Both are optional.
type Events struct {
	NATSURL       string        `env:"NATS_URL"`
	NATSStreamAge time.Duration `env:"NATS_STREAM_MAX_AGE,default=168h"`
	MQTTBroker    string        `env:"MQTT_BROKER_URL"`
	MQTTClientID  string        `env:"MQTT_CLIENT_ID,default=intg-manager"`
	MQTTUsername  string        `env:"MQTT_USERNAME"`
	MQTTPassword  string        `env:"MQTT_PASSWORD"`
	MQTTPrefix    string        `env:"MQTT_TOPIC_PREFIX,default=intgmgr/events"`
	MQTTQoS       int           `env:"MQTT_QOS,default=1"`
}

// Notify configures HTTP notification channels. Empty values disable a channel.
type Notify struct {
	WebhookURL           string            `env:"WEBHOOK_URL"`
	WebhookHeaders       map[string]string `env:"WEBHOOK_HEADERS"`
	HomeAssistantURL     string            `env:"HOME_ASSISTANT_URL"`
	HomeAssistantToken   string            `env:"HOME_ASSISTANT_TOKEN"`
	HomeAssistantService string            `env:"HOME_ASSISTANT_SERVICE"`
	NtfyServer           string            `env:"NTFY_SERVER,default=https://ntfy.sh"`
	NtfyTopic            string            `env:"NTFY_TOPIC"`
	NtfyToken            string            `env:"NTFY_TOKEN"`
	DiscordWebhookURL    string            `env:"DISCORD_WEBHOOK_URL"`
	PushoverAppToken     string            `env:"PUSHOVER_APP_TOKEN"`
	PushoverUserKey      string            `env:"PUSHOVER_USER_KEY"`
	SendTimeout          time.Duration     `env:"SEND_TIMEOUT,default=15s"`
}

// Load reads optional dotenv files, then the environment.
func Load(ctx context.Context, dotenv ...string) (Config, error) {
	for _, path := range dotenv {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks combinations envconfig cannot express.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Device.APIKey) == "" && strings.TrimSpace(c.Device.PIN) == "" {
		return errors.New("DEVICE_API_KEY or DEVICE_PIN is required")
	}
	if c.Jobs.Workers <= 0 {
		return errors.New("JOBS_WORKERS must be positive")
	}
	if c.Events.MQTTQoS < 0 || c.Events.MQTTQoS > 2 {
		return errors.New("MQTT_QOS must be 0, 1 or 2")
	}
	if (c.Notify.PushoverAppToken == "") != (c.Notify.PushoverUserKey == "") {
		return errors.New("NOTIFY_PUSHOVER_APP_TOKEN and NOTIFY_PUSHOVER_USER_KEY must be set together")
	}
	return nil
}
