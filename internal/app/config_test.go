package app

import (
	"testing"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoad(t *testing.T) (*Config, error) {
	t.Helper()
	return loadConfig(aconfig.Config{
		EnvPrefix:        "STOREFRONT",
		AllowUnknownEnvs: true,
		SkipFlags:        true,
		SkipFiles:        true,
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STOREFRONT_DATABASE_URL", "postgres://localhost/storefront")
	t.Setenv("STOREFRONT_API_KEY_PEPPER", "pepper")
	t.Setenv("PORT", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := testLoad(t)
	require.NoError(t, err)

	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "postgres://localhost/storefront", cfg.DatabaseURL)
	assert.Equal(t, DriverLog, cfg.Notify.Driver)
	assert.Equal(t, 2*time.Second, cfg.Notify.PollInterval)
	assert.GreaterOrEqual(t, cfg.Notify.Lease, time.Duration(cfg.Notify.BatchSize)*cfg.Notify.SendTimeout)
	assert.Equal(t, 100, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 10, cfg.RateLimit.OrderMax)
	assert.Zero(t, cfg.RateLimit.TrustedProxies)
	assert.False(t, cfg.Orders.StrictTransitions)
	assert.Equal(t, 15*time.Second, cfg.Graceful.ShutdownTimeout)
}

func TestLoadConfigPlatformDefaults(t *testing.T) {
	t.Setenv("STOREFRONT_API_KEY_PEPPER", "pepper")
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("REDIS_URL", "redis://platform:6379/0")
	t.Setenv("PORT", "9090")

	cfg, err := testLoad(t)
	require.NoError(t, err)

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://platform:6379/0", cfg.Redis.URL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)
}

func TestLoadConfigPrefixedWins(t *testing.T) {
	t.Setenv("STOREFRONT_DATABASE_URL", "postgres://own/db")
	t.Setenv("STOREFRONT_API_KEY_PEPPER", "pepper")
	t.Setenv("DATABASE_URL", "postgres://platform/db")

	cfg, err := testLoad(t)
	require.NoError(t, err)
	assert.Equal(t, "postgres://own/db", cfg.DatabaseURL)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DatabaseURL:  "postgres://localhost/db",
			APIKeyPepper: "pepper",
			Notify:       NotifyConfig{Driver: DriverLog},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "missing database",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: "database URL is required",
		},
		{
			name:    "missing pepper",
			mutate:  func(c *Config) { c.APIKeyPepper = "" },
			wantErr: "pepper is required",
		},
		{
			name:    "webhook without url",
			mutate:  func(c *Config) { c.Notify.Driver = DriverWebhook },
			wantErr: "notify.webhook.url",
		},
		{
			name: "webhook with url",
			mutate: func(c *Config) {
				c.Notify.Driver = DriverWebhook
				c.Notify.Webhook.URL = "https://relay.example/send"
			},
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Notify.Driver = DriverKafka },
			wantErr: "notify.kafka.brokers",
		},
		{
			name: "lease shorter than batch",
			mutate: func(c *Config) {
				c.Notify.BatchSize = 20
				c.Notify.SendTimeout = 10 * time.Second
				c.Notify.Lease = time.Minute
			},
			wantErr: "notify lease",
		},
		{
			name: "lease covers batch",
			mutate: func(c *Config) {
				c.Notify.BatchSize = 20
				c.Notify.SendTimeout = 10 * time.Second
				c.Notify.Lease = 200 * time.Second
			},
		},
		{
			name:    "negative trusted proxies",
			mutate:  func(c *Config) { c.RateLimit.TrustedProxies = -1 },
			wantErr: "trusted proxies",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Notify.Driver = "carrier-pigeon" },
			wantErr: "unknown notify driver",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
