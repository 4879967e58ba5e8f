package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Notification drivers.
const (
	DriverLog     = "log"
	DriverWebhook = "webhook"
	DriverKafka   = "kafka"
)

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (STOREFRONT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Redis        RedisConfig
	Orders       OrdersConfig
	Notify       NotifyConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// RedisConfig enables Redis-backed idempotency and rate limiting.
type RedisConfig struct {
	URL string `usage:"Redis URL (STOREFRONT_REDIS_URL or REDIS_URL); empty disables idempotency keys" flag:"redis-url"`
}

// OrdersConfig tunes the order workflow.
type OrdersConfig struct {
	StrictTransitions bool `default:"false" usage:"Reject status changes outside the order lifecycle" flag:"strict-transitions"`
}

// NotifyConfig controls customer notifications.
type NotifyConfig struct {
	Driver       string        `default:"log" usage:"Notification driver: log, webhook or kafka"`
	ShopName     string        `default:"Patitas" usage:"Shop name used in emails" flag:"shop-name"`
	Locale       string        `default:"en" usage:"Language tag for amounts in emails" flag:"notify-locale"`
	PollInterval time.Duration `default:"2s" usage:"Outbox poll interval" flag:"notify-poll-interval"`
	BatchSize    int           `default:"20" usage:"Outbox messages claimed per poll" flag:"notify-batch-size"`
	Workers      int           `default:"2" usage:"Concurrent outbox workers" flag:"notify-workers"`
	MaxAttempts  int           `default:"8" usage:"Delivery attempts before a message is dead" flag:"notify-max-attempts"`
	SendTimeout  time.Duration `default:"10s" usage:"Timeout of one notification send" flag:"notify-send-timeout"`
	Lease        time.Duration `default:"5m" usage:"Outbox claim lease; must cover a batch of sends" flag:"notify-lease"`
	MaxBacklog   int           `default:"1000" usage:"Pending notifications before readiness fails" flag:"notify-max-backlog"`
	Webhook      WebhookConfig
	Kafka        KafkaConfig
}

// WebhookConfig points at an HTTP email relay.
type WebhookConfig struct {
	URL     string        `usage:"Email relay endpoint" flag:"webhook-url"`
	Token   string        `usage:"Email relay bearer token" flag:"webhook-token"`
	From    string        `default:"pedidos@patitas.example" usage:"Sender address" flag:"webhook-from"`
	Timeout time.Duration `default:"10s" usage:"Relay request timeout" flag:"webhook-timeout"`
}

// KafkaConfig selects the topic order events are published to.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers" flag:"kafka-brokers"`
	Topic   string   `default:"storefront.notifications" usage:"Kafka topic" flag:"kafka-topic"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max            int           `default:"100" usage:"Max requests per window"`
	Window         time.Duration `default:"1m"  usage:"Rate limit window duration"`
	OrderMax       int           `default:"10" usage:"Max order submissions per window" flag:"order-rate-limit"`
	TrustedProxies int           `default:"0" usage:"Reverse proxies appending to X-Forwarded-For; 0 keys clients by peer address" flag:"trusted-proxies"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix:        "STOREFRONT",
		AllowUnknownEnvs: true,
		Files:            []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set STOREFRONT_DATABASE_URL or DATABASE_URL")
	}
	if c.APIKeyPepper == "" {
		return errors.New("api key pepper is required: set STOREFRONT_API_KEY_PEPPER")
	}
	if batch := time.Duration(c.Notify.BatchSize) * c.Notify.SendTimeout; c.Notify.Lease < batch {
		return errors.Errorf("notify lease %s is shorter than batch size times send timeout (%s)", c.Notify.Lease, batch)
	}
	if c.RateLimit.TrustedProxies < 0 {
		return errors.New("trusted proxies must not be negative")
	}
	switch c.Notify.Driver {
	case DriverLog:
	case DriverWebhook:
		if c.Notify.Webhook.URL == "" {
			return errors.New("webhook driver requires notify.webhook.url")
		}
	case DriverKafka:
		if len(c.Notify.Kafka.Brokers) == 0 {
			return errors.New("kafka driver requires notify.kafka.brokers")
		}
	default:
		return errors.Errorf("unknown notify driver %q", c.Notify.Driver)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's STOREFRONT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
