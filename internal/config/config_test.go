package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("STORAGE_DRIVER", "")

	cfg := LoadConfig()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 10*time.Second, cfg.Auth.StorageTimeout)
	assert.Equal(t, 3, cfg.Auth.MaxRetries)
	assert.Equal(t, "wace-mvp", cfg.Auth.Issuer)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("STORAGE_DRIVER", "Postgres")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("ENABLE_TLS", "true")

	cfg := LoadConfig()

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	assert.True(t, cfg.Server.EnableTLS)
	assert.Same(t, cfg, Get())
}

func TestLoadConfig_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("STORAGE_TIMEOUT", "soon")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Auth.StorageTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "blob" },
			wantErr: `unknown storage driver "blob"`,
		},
		{
			name:    "identical secrets",
			mutate:  func(c *Config) { c.Auth.JWTRefreshSecret = c.Auth.JWTSecret },
			wantErr: "must differ",
		},
		{
			name: "short secrets in production",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Storage.Driver = "postgres"
				c.Auth.JWTSecret = "short"
			},
			wantErr: "JWT_SECRET must be at least 32 bytes",
		},
		{
			name: "memory storage in production",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
				c.Auth.JWTRefreshSecret = "fedcba9876543210fedcba9876543210"
			},
			wantErr: "memory storage is not allowed",
		},
		{
			name:    "kms without key",
			mutate:  func(c *Config) { c.KMS.Enabled = true },
			wantErr: "KMS_KEY_ID",
		},
		{
			name:    "malformed trusted proxy",
			mutate:  func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "proxy.internal"} },
			wantErr: "TRUSTED_PROXIES",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
