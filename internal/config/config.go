package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	DBDSN    string `env:"DB_DSN, required"`
	RedisDSN string `env:"REDIS_DSN, default=redis://localhost:6379/0"`
	HTTPAddr string `env:"HTTP_ADDR, default=:8080"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	// Guards the /admin routes. Leaving it unset disables them.
	AdminKey string `env:"ADMIN_KEY"`

	// Reconciliation engine.
	TickIntervalSeconds int `env:"TICK_INTERVAL_SECONDS, default=10"`
	TickWorkers         int `env:"TICK_WORKERS, default=8"`

	Slack SlackConfig

	// Optional S3/R2 backed cache for processed profile pictures.
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3PublicURL string `env:"S3_PUBLIC_URL"`
	S3Region    string `env:"S3_REGION, default=auto"`

	// Base64, 32 bytes once decoded. Installation tokens are encrypted
	// at rest with this key.
	EncryptionKeyRaw string `env:"ENCRYPTION_KEY, required"`
	EncryptionKey    []byte `env:"-"`
}

type SlackConfig struct {
	ClientID      string `env:"SLACK_CLIENT_ID, required"`
	ClientSecret  string `env:"SLACK_CLIENT_SECRET, required"`
	SigningSecret string `env:"SLACK_SIGNING_SECRET, required"`

	// App-level token (xapp-...). When set, huddle events arrive over
	// Socket Mode instead of the public events endpoint.
	AppToken string `env:"SLACK_APP_TOKEN"`

	// Channel that receives "x is now playing y" messages.
	LogChannel string `env:"SLACK_LOG_CHANNEL"`

	RedirectURL string `env:"SLACK_REDIRECT_URL"`
}

// Load reads configuration from the environment and validates the
// pieces that cannot be checked lazily.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeyRaw)
	if err != nil {
		return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
	}
	if len(key) != 32 {
		return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
	}
	cfg.EncryptionKey = key

	if cfg.TickIntervalSeconds < 1 {
		return Config{}, errors.New("TICK_INTERVAL_SECONDS must be at least 1")
	}
	if cfg.TickWorkers < 1 {
		cfg.TickWorkers = 1
	}

	return cfg, nil
}
