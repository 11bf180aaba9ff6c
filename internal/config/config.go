package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"NM_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"NM_DB_MAX_CONNS" default:"8"`

	WebhookSecret     string `envconfig:"WEBHOOK_SECRET" default:""`
	WebhookSkipVerify bool   `envconfig:"WEBHOOK_SKIP_VERIFY" default:"false"`
	AppTag            string `envconfig:"APP_TAG" default:""`

	DiscoveryEndpoint string        `envconfig:"DISCOVERY_ENDPOINT" default:"https://api.exa.ai"`
	DiscoveryAPIKey   string        `envconfig:"DISCOVERY_API_KEY" default:""`
	CrawlTimeout      time.Duration `envconfig:"CRAWL_TIMEOUT" default:"10s"`

	EmbeddingEndpoint   string `envconfig:"EMBEDDING_ENDPOINT" default:"https://api.openai.com/v1/embeddings"`
	EmbeddingAPIKey     string `envconfig:"EMBEDDING_API_KEY" default:""`
	EmbeddingModel      string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int    `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`

	ClassifierEndpoint string `envconfig:"CLASSIFIER_ENDPOINT" default:"https://api.openai.com/v1/chat/completions"`
	ClassifierAPIKey   string `envconfig:"CLASSIFIER_API_KEY" default:""`
	ClassifierModel    string `envconfig:"CLASSIFIER_MODEL" default:"gpt-4o-mini"`

	DedupWindowDays    int `envconfig:"DEDUP_WINDOW_DAYS" default:"7"`
	DedupNeighborLimit int `envconfig:"DEDUP_NEIGHBOR_LIMIT" default:"10"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("NM_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("NM_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("NM_DB_MIN_CONNS (%d) cannot exceed NM_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.WebhookSkipVerify && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SKIP_VERIFY must not be enabled in production")
	}
	if c.CrawlTimeout <= 0 {
		return fmt.Errorf("CRAWL_TIMEOUT must be positive")
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 1")
	}
	if c.DedupWindowDays < 1 {
		return fmt.Errorf("DEDUP_WINDOW_DAYS must be >= 1")
	}
	if c.DedupNeighborLimit < 1 {
		return fmt.Errorf("DEDUP_NEIGHBOR_LIMIT must be >= 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}
