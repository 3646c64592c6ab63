package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string        `mapstructure:"PORT"`
	Env           string        `mapstructure:"ENV"`
	LogLevel      string        `mapstructure:"LOG_LEVEL"`
	PublicBaseURL string        `mapstructure:"PUBLIC_BASE_URL"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string        `mapstructure:"REDIS_URL"`
	ArchiveQueue  string        `mapstructure:"ARCHIVE_QUEUE"`
	ResultTTL     time.Duration `mapstructure:"RESULT_TTL"`

	OrthancURL           string        `mapstructure:"ORTHANC_URL"`
	OrthancUsername      string        `mapstructure:"ORTHANC_USERNAME"`
	OrthancPassword      string        `mapstructure:"ORTHANC_PASSWORD"`
	OrthancSeriesTimeout time.Duration `mapstructure:"ORTHANC_SERIES_TIMEOUT"`
	OrthancTagsTimeout   time.Duration `mapstructure:"ORTHANC_TAGS_TIMEOUT"`

	IngestConcurrency  int           `mapstructure:"INGEST_CONCURRENCY"`
	IngestPollInterval time.Duration `mapstructure:"INGEST_POLL_INTERVAL"`
	JobRetention       time.Duration `mapstructure:"JOB_RETENTION"`
	TagPlaceholder     string        `mapstructure:"TAG_PLACEHOLDER"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "PUBLIC_BASE_URL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "ARCHIVE_QUEUE", "RESULT_TTL",
	"ORTHANC_URL", "ORTHANC_USERNAME", "ORTHANC_PASSWORD",
	"ORTHANC_SERIES_TIMEOUT", "ORTHANC_TAGS_TIMEOUT",
	"INGEST_CONCURRENCY", "INGEST_POLL_INTERVAL", "JOB_RETENTION", "TAG_PLACEHOLDER",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ARCHIVE_QUEUE", "archive:compression")
	v.SetDefault("RESULT_TTL", time.Hour)
	v.SetDefault("ORTHANC_URL", "http://localhost:8042")
	v.SetDefault("ORTHANC_SERIES_TIMEOUT", 10*time.Second)
	v.SetDefault("ORTHANC_TAGS_TIMEOUT", 8*time.Second)
	v.SetDefault("INGEST_CONCURRENCY", 10)
	v.SetDefault("INGEST_POLL_INTERVAL", 200*time.Millisecond)
	v.SetDefault("JOB_RETENTION", 15*time.Minute)
	v.SetDefault("TAG_PLACEHOLDER", "UNSPECIFIED")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if cfg.IsDev() && cfg.RedisURL == "" {
		log.Println("WARNING: REDIS_URL is not set; results are cached in process memory and archival handoffs are only logged.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the values that would otherwise fail late, inside a job.
func (c *Config) Validate() error {
	if c.IngestConcurrency <= 0 {
		return fmt.Errorf("INGEST_CONCURRENCY must be positive, got %d", c.IngestConcurrency)
	}
	if c.IngestPollInterval <= 0 {
		return fmt.Errorf("INGEST_POLL_INTERVAL must be positive, got %s", c.IngestPollInterval)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("RESULT_TTL must be positive, got %s", c.ResultTTL)
	}
	if c.OrthancURL == "" {
		return fmt.Errorf("ORTHANC_URL is required")
	}
	if (c.OrthancUsername == "") != (c.OrthancPassword == "") {
		return fmt.Errorf("ORTHANC_USERNAME and ORTHANC_PASSWORD must be set together")
	}
	return nil
}
