package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root taskweave configuration.
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine" json:"engine"`
	Memory      MemoryConfig      `mapstructure:"memory" yaml:"memory" json:"memory"`
	Context     ContextConfig     `mapstructure:"context" yaml:"context" json:"context"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression" json:"compression"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence" json:"persistence"`
	Events      EventsConfig      `mapstructure:"events" yaml:"events" json:"events"`
	Embeddings  EmbeddingsConfig  `mapstructure:"embeddings" yaml:"embeddings" json:"embeddings"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health" json:"health"`
}

// EngineConfig controls the workflow engine.
type EngineConfig struct {
	MaxConcurrentAgents int           `mapstructure:"max_concurrent_agents" yaml:"max_concurrent_agents" json:"max_concurrent_agents"`
	CheckpointDir       string        `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir" json:"checkpoint_dir"`
	CheckpointsEnabled  bool          `mapstructure:"checkpoints_enabled" yaml:"checkpoints_enabled" json:"checkpoints_enabled"`
	DefaultStepTimeout  time.Duration `mapstructure:"default_step_timeout" yaml:"default_step_timeout" json:"default_step_timeout"`
	CancelGrace         time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace" json:"cancel_grace"`
	// DispatchRate throttles dispatches per agent per second; 0 disables.
	DispatchRate float64 `mapstructure:"dispatch_rate" yaml:"dispatch_rate" json:"dispatch_rate"`
}

// MemoryConfig controls the three-tier memory store.
type MemoryConfig struct {
	MaxWorkingMessages             int           `mapstructure:"max_working_messages" yaml:"max_working_messages" json:"max_working_messages"`
	MaxSummaries                   int           `mapstructure:"max_summaries" yaml:"max_summaries" json:"max_summaries"`
	MinImportance                  float64       `mapstructure:"min_importance" yaml:"min_importance" json:"min_importance"`
	RecentKeep                     int           `mapstructure:"recent_keep" yaml:"recent_keep" json:"recent_keep"`
	MaxMessagesBeforeConsolidation int           `mapstructure:"max_messages_before_consolidation" yaml:"max_messages_before_consolidation" json:"max_messages_before_consolidation"`
	ConsolidateInterval            time.Duration `mapstructure:"consolidate_interval" yaml:"consolidate_interval" json:"consolidate_interval"`
	AutoConsolidate                bool          `mapstructure:"auto_consolidate" yaml:"auto_consolidate" json:"auto_consolidate"`
	MaxSummaryLength               int           `mapstructure:"max_summary_length" yaml:"max_summary_length" json:"max_summary_length"`
}

// ContextConfig controls the context builder scans.
type ContextConfig struct {
	CodebaseRoot     string `mapstructure:"codebase_root" yaml:"codebase_root" json:"codebase_root"`
	DocsRoot         string `mapstructure:"docs_root" yaml:"docs_root" json:"docs_root"`
	MaxContextTokens int    `mapstructure:"max_context_tokens" yaml:"max_context_tokens" json:"max_context_tokens"`
	MaxFiles         int    `mapstructure:"max_files" yaml:"max_files" json:"max_files"`
	MaxDocs          int    `mapstructure:"max_docs" yaml:"max_docs" json:"max_docs"`
	// ExactTokens switches token estimation from character ratios to a
	// real tokenizer when the encoding is available locally.
	ExactTokens bool `mapstructure:"exact_tokens" yaml:"exact_tokens" json:"exact_tokens"`
}

// CompressionConfig controls the token compression pipeline.
type CompressionConfig struct {
	MaxTokens   int      `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	TargetRatio float64  `mapstructure:"target_ratio" yaml:"target_ratio" json:"target_ratio"`
	Strategies  []string `mapstructure:"strategies" yaml:"strategies" json:"strategies"`
}

// PersistenceConfig selects and tunes the persistent memory log backend.
type PersistenceConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	// Project namespaces the sqlite file under memory/{project}/.
	Project string `mapstructure:"project" yaml:"project" json:"project"`
}

// EventsConfig tunes the event bus and the optional Redis relay.
type EventsConfig struct {
	BufferSize int              `mapstructure:"buffer_size" yaml:"buffer_size" json:"buffer_size"`
	RingSize   int              `mapstructure:"ring_size" yaml:"ring_size" json:"ring_size"`
	Redis      RedisRelayConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// RedisRelayConfig mirrors bus events onto a Redis stream when enabled.
type RedisRelayConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Stream  string `mapstructure:"stream" yaml:"stream" json:"stream"`
	MaxLen  int64  `mapstructure:"max_len" yaml:"max_len" json:"max_len"`
}

// EmbeddingsConfig configures the external embedding service client.
type EmbeddingsConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Model     string        `mapstructure:"model" yaml:"model" json:"model"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	CacheSize int           `mapstructure:"cache_size" yaml:"cache_size" json:"cache_size"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// HealthConfig configures the admin HTTP endpoint.
type HealthConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`
}

// Default returns the configuration used when no file or overrides are present.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentAgents: 5,
			CheckpointDir:       "checkpoints",
			CheckpointsEnabled:  true,
			DefaultStepTimeout:  30 * time.Second,
			CancelGrace:         5 * time.Second,
		},
		Memory: MemoryConfig{
			MaxWorkingMessages:             100,
			MaxSummaries:                   10,
			MinImportance:                  0.7,
			RecentKeep:                     10,
			MaxMessagesBeforeConsolidation: 50,
			ConsolidateInterval:            24 * time.Hour,
			AutoConsolidate:                true,
			MaxSummaryLength:               500,
		},
		Context: ContextConfig{
			CodebaseRoot:     ".",
			DocsRoot:         "./docs",
			MaxContextTokens: 8000,
			MaxFiles:         10,
			MaxDocs:          5,
		},
		Compression: CompressionConfig{
			MaxTokens:   8000,
			TargetRatio: 0.8,
			Strategies:  []string{"relevance", "extractive", "code_summary", "deduplicate"},
		},
		Persistence: PersistenceConfig{
			Driver:  "sqlite",
			Project: "default",
		},
		Events: EventsConfig{
			BufferSize: 64,
			RingSize:   256,
			Redis: RedisRelayConfig{
				Addr:   "localhost:6379",
				Stream: "taskweave:events",
				MaxLen: 4096,
			},
		},
		Embeddings: EmbeddingsConfig{
			BaseURL:   "http://localhost:8090",
			Model:     "text-embedding-3-small",
			Timeout:   5 * time.Second,
			CacheSize: 512,
		},
		Tracing: TracingConfig{
			ServiceName:  "taskweave",
			OTLPEndpoint: "localhost:4317",
		},
		Health: HealthConfig{
			Addr: ":2112",
		},
	}
}

// Load reads configuration from the given path (or, when empty, from
// CONFIG_PATH / ./config.yaml), layers TASKWEAVE_* environment overrides
// on top of defaults, and validates the result. A missing file is not an
// error; defaults plus env apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("engine.max_concurrent_agents", d.Engine.MaxConcurrentAgents)
	v.SetDefault("engine.checkpoint_dir", d.Engine.CheckpointDir)
	v.SetDefault("engine.checkpoints_enabled", d.Engine.CheckpointsEnabled)
	v.SetDefault("engine.default_step_timeout", d.Engine.DefaultStepTimeout)
	v.SetDefault("engine.cancel_grace", d.Engine.CancelGrace)
	v.SetDefault("engine.dispatch_rate", d.Engine.DispatchRate)

	v.SetDefault("memory.max_working_messages", d.Memory.MaxWorkingMessages)
	v.SetDefault("memory.max_summaries", d.Memory.MaxSummaries)
	v.SetDefault("memory.min_importance", d.Memory.MinImportance)
	v.SetDefault("memory.recent_keep", d.Memory.RecentKeep)
	v.SetDefault("memory.max_messages_before_consolidation", d.Memory.MaxMessagesBeforeConsolidation)
	v.SetDefault("memory.consolidate_interval", d.Memory.ConsolidateInterval)
	v.SetDefault("memory.auto_consolidate", d.Memory.AutoConsolidate)
	v.SetDefault("memory.max_summary_length", d.Memory.MaxSummaryLength)

	v.SetDefault("context.codebase_root", d.Context.CodebaseRoot)
	v.SetDefault("context.docs_root", d.Context.DocsRoot)
	v.SetDefault("context.max_context_tokens", d.Context.MaxContextTokens)
	v.SetDefault("context.max_files", d.Context.MaxFiles)
	v.SetDefault("context.max_docs", d.Context.MaxDocs)
	v.SetDefault("context.exact_tokens", d.Context.ExactTokens)

	v.SetDefault("compression.max_tokens", d.Compression.MaxTokens)
	v.SetDefault("compression.target_ratio", d.Compression.TargetRatio)
	v.SetDefault("compression.strategies", d.Compression.Strategies)

	v.SetDefault("persistence.driver", d.Persistence.Driver)
	v.SetDefault("persistence.dsn", d.Persistence.DSN)
	v.SetDefault("persistence.project", d.Persistence.Project)

	v.SetDefault("events.buffer_size", d.Events.BufferSize)
	v.SetDefault("events.ring_size", d.Events.RingSize)
	v.SetDefault("events.redis.enabled", d.Events.Redis.Enabled)
	v.SetDefault("events.redis.addr", d.Events.Redis.Addr)
	v.SetDefault("events.redis.stream", d.Events.Redis.Stream)
	v.SetDefault("events.redis.max_len", d.Events.Redis.MaxLen)

	v.SetDefault("embeddings.enabled", d.Embeddings.Enabled)
	v.SetDefault("embeddings.base_url", d.Embeddings.BaseURL)
	v.SetDefault("embeddings.model", d.Embeddings.Model)
	v.SetDefault("embeddings.timeout", d.Embeddings.Timeout)
	v.SetDefault("embeddings.cache_size", d.Embeddings.CacheSize)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)

	v.SetDefault("health.addr", d.Health.Addr)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentAgents < 1 {
		return fmt.Errorf("engine.max_concurrent_agents must be >= 1, got %d", c.Engine.MaxConcurrentAgents)
	}
	if c.Engine.CheckpointsEnabled && c.Engine.CheckpointDir == "" {
		return fmt.Errorf("engine.checkpoint_dir required when checkpoints are enabled")
	}
	if c.Memory.MaxWorkingMessages < 1 {
		return fmt.Errorf("memory.max_working_messages must be >= 1, got %d", c.Memory.MaxWorkingMessages)
	}
	if c.Memory.MaxSummaries < 1 {
		return fmt.Errorf("memory.max_summaries must be >= 1, got %d", c.Memory.MaxSummaries)
	}
	if c.Memory.MinImportance < 0 || c.Memory.MinImportance > 1 {
		return fmt.Errorf("memory.min_importance must be in [0,1], got %f", c.Memory.MinImportance)
	}
	if c.Memory.RecentKeep < 0 {
		return fmt.Errorf("memory.recent_keep must be >= 0, got %d", c.Memory.RecentKeep)
	}
	if c.Compression.TargetRatio <= 0 || c.Compression.TargetRatio > 1 {
		return fmt.Errorf("compression.target_ratio must be in (0,1], got %f", c.Compression.TargetRatio)
	}
	for _, s := range c.Compression.Strategies {
		switch s {
		case "relevance", "extractive", "code_summary", "deduplicate":
		default:
			return fmt.Errorf("unknown compression strategy %q", s)
		}
	}
	switch c.Persistence.Driver {
	case "sqlite", "postgres", "":
	default:
		return fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver)
	}
	return nil
}
