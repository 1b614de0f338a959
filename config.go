package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config is read from the environment, with an optional .env file loaded
// first for local runs.
type Config struct {
	ServerID string `env:"SERVER_ID,default=clinic-smsgw"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	WebListen     string `env:"WEB_LISTEN,default=0.0.0.0:3000"`
	APIKey        string `env:"API_KEY"`
	ProxyProtocol bool   `env:"HAPROXY_PROXY_PROTOCOL,default=false"`
	// PublicURL is the scheme and host carriers post webhooks to, used to
	// check Twilio signatures behind a proxy.
	PublicURL string `env:"PUBLIC_URL"`

	PrometheusListen string `env:"PROMETHEUS_LISTEN,default=0.0.0.0:2550"`
	PrometheusPath   string `env:"PROMETHEUS_PATH,default=/metrics"`

	LokiURL      string `env:"LOKI_URL"`
	LokiUsername string `env:"LOKI_USERNAME"`
	LokiPassword string `env:"LOKI_PASSWORD"`

	DBHost     string `env:"DB_HOST"`
	DBPort     string `env:"DB_PORT,default=5432"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`

	MongoURI  string `env:"MONGODB_URI"`
	OptOutDB  string `env:"OPTOUT_DB,default=gateway_data"`
	AMQPURL   string `env:"AMQP_URL"`
	QueueName string `env:"BROADCAST_QUEUE,default=sms_broadcasts"`

	Workers        int           `env:"BROADCAST_WORKERS,default=2"`
	SendAttempts   int           `env:"SEND_ATTEMPTS,default=1"`
	SendRetryDelay time.Duration `env:"SEND_RETRY_DELAY,default=5s"`

	DefaultCarrier string `env:"DEFAULT_CARRIER"`

	TwilioEnabled    bool   `env:"CARRIER_TWILIO,default=false"`
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`

	TelnyxEnabled   bool   `env:"CARRIER_TELNYX,default=false"`
	TelnyxAPIKey    string `env:"TELNYX_API_KEY"`
	TelnyxProfileID string `env:"TELNYX_MESSAGING_PROFILE_ID"`
	TelnyxPublicKey string `env:"TELNYX_PUBLIC_KEY"`

	EncryptionKey string `env:"ENCRYPTION_KEY"`
}

// LoadConfig loads .env if present and then parses the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	// a missing .env is normal outside of development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing env vars: %w", err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SendAttempts < 1 {
		cfg.SendAttempts = 1
	}
	return cfg, nil
}

// DatabaseURL returns the postgres connection string, or "" when no database
// is configured.
func (c Config) DatabaseURL() string {
	if c.DBHost == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	return u.String()
}
