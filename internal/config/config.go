// Package config loads the assistant configuration from a YAML file with
// EMBER_-prefixed environment overrides, applying defaults for anything left
// unset.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the assistant core.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Turn      TurnConfig      `mapstructure:"turn"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Driver selects the task/conversation store backend: "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	// Path is the data directory when Driver is "sqlite"; each store keeps
	// its own database file under it.
	Path string `mapstructure:"path"`
}

// ExecutorConfig configures the task scheduler.
type ExecutorConfig struct {
	// Workers is the maximum parallelism W.
	Workers int `mapstructure:"workers"`
	// BackpressureFactor is K: spawns are refused once ready tasks exceed
	// Workers*K.
	BackpressureFactor int `mapstructure:"backpressure_factor"`
	// DefaultMaxRetries applies to tasks that do not set their own limit.
	DefaultMaxRetries int `mapstructure:"default_max_retries"`
	// RetryBaseDelay is the base of the exponential retry backoff.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// TaskTimeout bounds a single task execution; zero disables the deadline.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// TriggerConfig configures the trigger service.
type TriggerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxFiresPerMinute caps trigger firing rate under backpressure.
	MaxFiresPerMinute int `mapstructure:"max_fires_per_minute"`
	// File is an optional YAML list of triggers registered at startup.
	File string `mapstructure:"file"`
}

// LLMConfig configures the generation and embedding endpoints.
type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	EmbedModel     string        `mapstructure:"embed_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RequestsPerMinute rate-limits outbound LLM calls; workers suspend
	// rather than fail when the limit is reached.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// KnowledgeConfig configures the retrieval orchestrator.
type KnowledgeConfig struct {
	PersistPath   string  `mapstructure:"persist_path"`
	VectorTopK    int     `mapstructure:"vector_top_k"`
	KeywordTopK   int     `mapstructure:"keyword_top_k"`
	MinSimilarity float32 `mapstructure:"min_similarity"`
	ContextBudget int     `mapstructure:"context_budget"`
}

// TurnConfig configures the conversation turn driver.
type TurnConfig struct {
	// PreservedWindow is the number of most recent messages always kept when
	// truncating history.
	PreservedWindow int `mapstructure:"preserved_window"`
	// HistoryBudget bounds conversation history tokens in the prompt.
	HistoryBudget int `mapstructure:"history_budget"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8720"},
		Store:  StoreConfig{Driver: "memory"},
		Executor: ExecutorConfig{
			Workers:            4,
			BackpressureFactor: 8,
			DefaultMaxRetries:  3,
			RetryBaseDelay:     time.Second,
		},
		Trigger: TriggerConfig{Enabled: true, MaxFiresPerMinute: 60},
		LLM: LLMConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			EmbedModel:        "text-embedding-3-small",
			RequestTimeout:    120 * time.Second,
			RequestsPerMinute: 60,
		},
		Knowledge: KnowledgeConfig{
			VectorTopK:    8,
			KeywordTopK:   8,
			MinSimilarity: 0.3,
			ContextBudget: 4000,
		},
		Turn: TurnConfig{PreservedWindow: 6, HistoryBudget: 8000},
	}
}

// Load reads configuration from the given file (optional) and the
// environment, merged over Default.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EMBER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ember")
		v.AddConfigPath("$HOME/.ember")
		v.AddConfigPath(".")
		// Missing config file is fine, defaults apply.
		_ = v.ReadInConfig()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be positive, got %d", c.Executor.Workers)
	}
	if c.Executor.BackpressureFactor <= 0 {
		return fmt.Errorf("executor.backpressure_factor must be positive, got %d", c.Executor.BackpressureFactor)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite driver")
	}
	if c.Knowledge.ContextBudget <= 0 {
		return fmt.Errorf("knowledge.context_budget must be positive, got %d", c.Knowledge.ContextBudget)
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("executor.workers", cfg.Executor.Workers)
	v.SetDefault("executor.backpressure_factor", cfg.Executor.BackpressureFactor)
	v.SetDefault("executor.default_max_retries", cfg.Executor.DefaultMaxRetries)
	v.SetDefault("executor.retry_base_delay", cfg.Executor.RetryBaseDelay)
	v.SetDefault("executor.task_timeout", cfg.Executor.TaskTimeout)
	v.SetDefault("trigger.enabled", cfg.Trigger.Enabled)
	v.SetDefault("trigger.max_fires_per_minute", cfg.Trigger.MaxFiresPerMinute)
	v.SetDefault("trigger.file", cfg.Trigger.File)
	v.SetDefault("llm.base_url", cfg.LLM.BaseURL)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.embed_model", cfg.LLM.EmbedModel)
	v.SetDefault("llm.request_timeout", cfg.LLM.RequestTimeout)
	v.SetDefault("llm.requests_per_minute", cfg.LLM.RequestsPerMinute)
	v.SetDefault("knowledge.persist_path", cfg.Knowledge.PersistPath)
	v.SetDefault("knowledge.vector_top_k", cfg.Knowledge.VectorTopK)
	v.SetDefault("knowledge.keyword_top_k", cfg.Knowledge.KeywordTopK)
	v.SetDefault("knowledge.min_similarity", cfg.Knowledge.MinSimilarity)
	v.SetDefault("knowledge.context_budget", cfg.Knowledge.ContextBudget)
	v.SetDefault("turn.preserved_window", cfg.Turn.PreservedWindow)
	v.SetDefault("turn.history_budget", cfg.Turn.HistoryBudget)
}
