package main

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.WebListen)
	assert.Equal(t, "/metrics", cfg.PrometheusPath)
	assert.Equal(t, "sms_broadcasts", cfg.QueueName)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 1, cfg.SendAttempts)
	assert.Equal(t, 5*time.Second, cfg.SendRetryDelay)
	assert.False(t, cfg.ProxyProtocol)
	assert.Empty(t, cfg.DatabaseURL())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("WEB_LISTEN", "127.0.0.1:8080")
	t.Setenv("HAPROXY_PROXY_PROTOCOL", "true")
	t.Setenv("BROADCAST_WORKERS", "0")
	t.Setenv("SEND_ATTEMPTS", "3")
	t.Setenv("SEND_RETRY_DELAY", "250ms")
	t.Setenv("CARRIER_TWILIO", "true")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "smsgw")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_NAME", "records")

	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.WebListen)
	assert.True(t, cfg.ProxyProtocol)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 3, cfg.SendAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.SendRetryDelay)
	assert.True(t, cfg.TwilioEnabled)
	assert.Equal(t, "postgres://smsgw:pw@db.internal:5432/records", cfg.DatabaseURL())
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("BROADCAST_WORKERS", "lots")

	_, err := LoadConfig(context.Background())
	assert.Error(t, err)
}

func TestDatabaseURLEscapesCredentials(t *testing.T) {
	cfg := Config{
		DBHost:     "db",
		DBPort:     "5432",
		DBUser:     "sms gw",
		DBPassword: "p@ss/w:rd#1",
		DBName:     "records",
	}

	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	require.NoError(t, err)
	assert.Equal(t, "db", pc.ConnConfig.Host)
	assert.Equal(t, uint16(5432), pc.ConnConfig.Port)
	assert.Equal(t, "sms gw", pc.ConnConfig.User)
	assert.Equal(t, "p@ss/w:rd#1", pc.ConnConfig.Password)
	assert.Equal(t, "records", pc.ConnConfig.Database)
}
