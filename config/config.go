// Package config provides configuration loading and management for buildforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/checkpoint"
	"github.com/c360studio/buildforge/dispatch"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/pipeline"
	"github.com/c360studio/buildforge/storage"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Audit sink names.
const (
	SinkLog      = "log"
	SinkNATS     = "nats"
	SinkPostgres = "postgres"
)

// Config represents the complete buildforge configuration
type Config struct {
	Models    ModelsConfig           `yaml:"models"`
	Pipeline  PipelineConfig         `yaml:"pipeline"`
	Billing   BillingConfig          `yaml:"billing"`
	Database  storage.PostgresConfig `yaml:"database"`
	Redis     RedisConfig            `yaml:"redis"`
	NATS      NATSConfig             `yaml:"nats"`
	Retrieval RetrievalConfig        `yaml:"retrieval"`
	Audit     AuditConfig            `yaml:"audit"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Tools     ToolsConfig            `yaml:"tools"`
}

// ModelsConfig binds tiers to models and sets gateway timeouts.
type ModelsConfig struct {
	model.RegistryConfig `yaml:",inline"`

	// Timeout bounds a non-streaming model call.
	Timeout time.Duration `yaml:"timeout"`
	// StreamTimeout bounds a streaming model call.
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

// PipelineConfig configures the orchestration driver.
type PipelineConfig struct {
	pipeline.Config `yaml:",inline"`

	// DefaultComplexity applies when a run request names none.
	DefaultComplexity string `yaml:"default_complexity"`
	// PromptsDir holds <stage>.tmpl prompt overrides (empty = built-ins only).
	PromptsDir string `yaml:"prompts_dir"`
	// WatchPrompts reloads overrides when files in PromptsDir change.
	WatchPrompts bool `yaml:"watch_prompts"`
	// CheckpointTTL is how long run state is kept for resume.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
}

// BillingConfig configures the credit gate.
type BillingConfig struct {
	// Ledger is memory, postgres or redis.
	Ledger string `yaml:"ledger"`
	// Cost is the credits reserved per run.
	Cost int `yaml:"cost"`
	// SeedBalances preloads the memory ledger.
	SeedBalances map[string]int `yaml:"seed_balances,omitempty"`
}

// RedisConfig configures the Redis connection
type RedisConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = no messaging)
	URL string `yaml:"url"`
	// Name identifies the connection to the server.
	Name string `yaml:"name"`
	// TrajectoryTTL is the retention of the model and tool call buckets.
	TrajectoryTTL time.Duration `yaml:"trajectory_ttl"`
}

// RetrievalConfig configures the pgvector memory lookup.
type RetrievalConfig struct {
	Enabled bool `yaml:"enabled"`
	Limit   int  `yaml:"limit"`
	// EmbeddingURL is an OpenAI-compatible /embeddings root (empty = zero vector).
	EmbeddingURL   string `yaml:"embedding_url"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// AuditConfig configures the async audit and notification path.
type AuditConfig struct {
	Queue dispatch.Config `yaml:"queue"`
	// Sinks lists the enabled audit sinks: log, nats, postgres.
	Sinks []string `yaml:"sinks"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Listen is the /metrics address (empty = disabled)
	Listen string `yaml:"listen"`
}

// ToolsConfig configures tool executor settings
type ToolsConfig struct {
	// DocsAllowlist restricts fetch_documentation (empty = built-in list)
	DocsAllowlist []string `yaml:"docs_allowlist"`
	// DocsMaxChars bounds documentation returned to the model
	DocsMaxChars int `yaml:"docs_max_chars"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			RegistryConfig: model.DefaultRegistryConfig(),
			Timeout:        2 * time.Minute,
			StreamTimeout:  5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Config:            pipeline.DefaultConfig(),
			DefaultComplexity: string(model.ComplexityMedium),
			CheckpointTTL:     checkpoint.DefaultTTL,
		},
		Billing: BillingConfig{
			Ledger: LedgerMemory,
			Cost:   billing.DefaultCost,
		},
		NATS: NATSConfig{
			Name:          "buildforge",
			TrajectoryTTL: 7 * 24 * time.Hour,
		},
		Retrieval: RetrievalConfig{
			Limit:          5,
			EmbeddingModel: "text-embedding-3-small",
		},
		Audit: AuditConfig{
			Queue: dispatch.DefaultConfig(),
			Sinks: []string{SinkLog},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.Models.Validate(); err != nil {
		return err
	}
	if c.Pipeline.ToolLoopLimit <= 0 {
		return fmt.Errorf("pipeline.tool_loop_limit must be positive")
	}
	if c.Pipeline.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.retry.max_attempts must be positive")
	}
	if c.Pipeline.DefaultComplexity != "" && !model.Complexity(c.Pipeline.DefaultComplexity).IsValid() {
		return fmt.Errorf("pipeline.default_complexity %q is not low, medium or high", c.Pipeline.DefaultComplexity)
	}
	if c.Billing.Cost <= 0 {
		return fmt.Errorf("billing.cost must be positive")
	}

	switch c.Billing.Ledger {
	case LedgerMemory:
	case LedgerPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres ledger")
		}
	case LedgerRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis ledger")
		}
	default:
		return fmt.Errorf("billing.ledger %q is not memory, postgres or redis", c.Billing.Ledger)
	}

	if c.Retrieval.Enabled && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when retrieval is enabled")
	}
	for _, sink := range c.Audit.Sinks {
		switch sink {
		case SinkLog:
		case SinkNATS:
			if c.NATS.URL == "" {
				return fmt.Errorf("nats.url is required for the nats audit sink")
			}
		case SinkPostgres:
			if c.Database.URL == "" {
				return fmt.Errorf("database.url is required for the postgres audit sink")
			}
		default:
			return fmt.Errorf("unknown audit sink %q", sink)
		}
	}
	return nil
}

// HasSink reports whether an audit sink is enabled.
func (c *Config) HasSink(name string) bool {
	return slices.Contains(c.Audit.Sinks, name)
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.OverlayFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// OverlayFile decodes a YAML file onto c. Keys absent from the file keep their
// current values, so successive files layer in order.
func (c *Config) OverlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.Overlay(data)
}

// Overlay decodes YAML onto c.
func (c *Config) Overlay(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
