package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"slskdn.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	// PeerBackend selects the peer protocol implementation. "fs" serves ranges
	// from local per-peer directories and exists for soak runs and development.
	PeerBackend string `envconfig:"PEER_BACKEND" default:"fs"`
	ShareRoot   string `envconfig:"SHARE_ROOT"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Transfer struct {
		SegmentSize  int64         `split_words:"true" default:"1048576"`
		MaxRetries   int           `split_words:"true" default:"3"`
		StallWindow  time.Duration `split_words:"true" default:"90s"`
		FetchTimeout time.Duration `split_words:"true" default:"2m"`
	}

	Governor struct {
		GlobalMaxFetches    int64         `split_words:"true" default:"32"`
		PerSourceMaxFetches int64         `split_words:"true" default:"4"`
		AcquireTimeout      time.Duration `split_words:"true" default:"10s"`
	}

	Sources struct {
		SuspectAfterFailures int           `split_words:"true" default:"5"`
		SuspectCooldown      time.Duration `split_words:"true" default:"5m"`
		EvictAfterFailures   int           `split_words:"true" default:"20"`
	}

	Sweep struct {
		Interval         time.Duration `split_words:"true" default:"2m"`
		DiscoveryTimeout time.Duration `split_words:"true" default:"15s"`
	}

	Cleanup struct {
		Interval     time.Duration `split_words:"true" default:"30m"`
		KeepPartsFor time.Duration `split_words:"true" default:"24h"`
	}

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"slskdn"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:5030"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.Transfer.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", cfg.Transfer.SegmentSize)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
