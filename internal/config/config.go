package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DB_DSN"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"2m"`
	NoShowGrace    time.Duration `envconfig:"NO_SHOW_GRACE" default:"15m"`
	MaxWait        time.Duration `envconfig:"MAX_WAIT" default:"0"`
	SweepBatchSize int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`

	EstimatorURL     string        `envconfig:"ESTIMATOR_URL"`
	EstimatorTimeout time.Duration `envconfig:"ESTIMATOR_TIMEOUT" default:"2s"`

	NotifyProvider     string        `envconfig:"NOTIFY_PROVIDER" default:"log"`
	NotifyWebhookURL   string        `envconfig:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken string        `envconfig:"NOTIFY_WEBHOOK_TOKEN"`
	NotifyTimeout      time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MIN" default:"120"`
	RateLimitBurst     int `envconfig:"RATE_LIMIT_BURST" default:"30"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
