// Package config loads the service configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"lab-assistant/internal/core"
	"lab-assistant/internal/llm"
	"lab-assistant/pkg"
)

// EnvPrefix prefixes every environment variable read by the service.
const EnvPrefix = "LAB_ASSISTANT"

// Config represents the main application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Session      SessionConfig      `mapstructure:"session"`
	Upload       UploadConfig       `mapstructure:"upload"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig configures the text generation service.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Temperature    float32       `mapstructure:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// RateLimit is in requests per second; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// Resilience returns the retry and rate limit settings of the generator.
func (c LLMConfig) Resilience() llm.ResilienceConfig {
	return llm.ResilienceConfig{
		Timeout:        c.Timeout,
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		RateLimit:      c.RateLimit,
		Burst:          c.Burst,
	}
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxSessions   int           `mapstructure:"max_sessions"`
	RedisURL      string        `mapstructure:"redis_url"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	DatabaseURL   string        `mapstructure:"database_url"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// UploadConfig bounds uploads.
type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// ConversationConfig tunes the report and follow-up conversation.
type ConversationConfig struct {
	Retention     string   `mapstructure:"retention"`
	MaxTurns      int      `mapstructure:"max_turns"`
	RecordContext bool     `mapstructure:"record_context"`
	Languages     []string `mapstructure:"languages"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Session store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Manager loads configuration using Viper
type Manager struct {
	v      *viper.Viper
	config *Config
}

// NewManager loads configuration from path, or from config.yaml in the
// usual locations when path is empty.  A missing default file is not an
// error; a missing explicit one is.
func NewManager(path string) (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.loadConfig(path); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfig(path string) error {
	v := m.v
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lab-assistant/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY"); err != nil {
		return err
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.config = config
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "400s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("llm.model", "gemini-1.5-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.initial_backoff", "500ms")
	v.SetDefault("llm.max_backoff", "8s")
	v.SetDefault("llm.rate_limit", 2.0)
	v.SetDefault("llm.burst", 4)

	v.SetDefault("session.backend", BackendMemory)
	v.SetDefault("session.ttl", "2h")
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.redis_url", "redis://localhost:6379/0")
	v.SetDefault("session.redis_prefix", "lab-assistant:session:")
	v.SetDefault("session.database_url", "")
	v.SetDefault("session.sqlite_path", "data/sessions.db")
	v.SetDefault("session.sweep_interval", "5m")

	v.SetDefault("upload.max_bytes", 5<<20)

	v.SetDefault("conversation.retention", string(core.RetainFull))
	v.SetDefault("conversation.max_turns", 20)
	v.SetDefault("conversation.record_context", false)
	v.SetDefault("conversation.languages", []string{"en", "fr"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *Config {
	return m.config
}

// Validate checks the configuration.  Every failure is a *pkg.ConfigError.
func (m *Manager) Validate() error {
	return m.config.Validate()
}

// Validate checks the configuration.  Every failure is a *pkg.ConfigError.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return &pkg.ConfigError{Key: "llm.api_key", Message: "an API key is required (set GOOGLE_API_KEY or " + EnvPrefix + "_LLM_API_KEY)"}
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return &pkg.ConfigError{Key: "llm.model", Message: "a model name is required"}
	}
	if c.LLM.MaxRetries < 0 {
		return &pkg.ConfigError{Key: "llm.max_retries", Message: "must not be negative"}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &pkg.ConfigError{Key: "server.port", Message: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	// A reply that succeeds on the last retry must still reach the client.
	if worst := c.LLM.Resilience().WorstCase(); c.Server.WriteTimeout > 0 && (worst == 0 || c.Server.WriteTimeout <= worst) {
		return &pkg.ConfigError{
			Key:     "server.write_timeout",
			Message: fmt.Sprintf("%s does not cover a generation with retries (%s); raise it or lower llm.timeout / llm.max_retries", c.Server.WriteTimeout, worst),
		}
	}

	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.RedisURL == "" {
			return &pkg.ConfigError{Key: "session.redis_url", Message: "required for the redis backend"}
		}
	case BackendPostgres:
		if c.Session.DatabaseURL == "" {
			return &pkg.ConfigError{Key: "session.database_url", Message: "required for the postgres backend"}
		}
	case BackendSQLite:
		if c.Session.SQLitePath == "" {
			return &pkg.ConfigError{Key: "session.sqlite_path", Message: "required for the sqlite backend"}
		}
	default:
		return &pkg.ConfigError{Key: "session.backend", Message: fmt.Sprintf("unknown backend %q", c.Session.Backend)}
	}
	if c.Session.TTL <= 0 {
		return &pkg.ConfigError{Key: "session.ttl", Message: "must be positive"}
	}
	if c.Upload.MaxBytes <= 0 {
		return &pkg.ConfigError{Key: "upload.max_bytes", Message: "must be positive"}
	}

	mode, err := core.ParseRetentionMode(c.Conversation.Retention)
	if err != nil {
		return &pkg.ConfigError{Key: "conversation.retention", Message: err.Error()}
	}
	if mode != core.RetainFull && c.Conversation.MaxTurns <= 0 {
		return &pkg.ConfigError{Key: "conversation.max_turns", Message: "must be positive for " + string(mode) + " retention"}
	}
	if _, err := c.Languages(); err != nil {
		return err
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return &pkg.ConfigError{Key: "logging.level", Message: err.Error()}
	}
	if f := c.Logging.Format; f != "json" && f != "text" {
		return &pkg.ConfigError{Key: "logging.format", Message: fmt.Sprintf("unknown format %q", f)}
	}
	return nil
}

// Languages returns the enabled languages, default first.
func (c *Config) Languages() ([]pkg.Language, error) {
	if len(c.Conversation.Languages) == 0 {
		return []pkg.Language{pkg.LanguageEnglish}, nil
	}
	out := make([]pkg.Language, 0, len(c.Conversation.Languages))
	for _, code := range c.Conversation.Languages {
		l := pkg.Language(strings.ToLower(strings.TrimSpace(code)))
		if _, ok := core.LanguageName(l); !ok {
			return nil, &pkg.ConfigError{Key: "conversation.languages", Message: fmt.Sprintf("unsupported language %q", code)}
		}
		out = append(out, l)
	}
	return out, nil
}

// Retention returns the transcript retention policy.
func (c *Config) Retention() core.RetentionPolicy {
	mode, err := core.ParseRetentionMode(c.Conversation.Retention)
	if err != nil {
		mode = core.RetainFull
	}
	return core.RetentionPolicy{Mode: mode, MaxTurns: c.Conversation.MaxTurns}
}
