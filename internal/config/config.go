// Package config loads lotse.yaml and LOTSE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/lotse/internal/agent"
	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/tools"
)

// Provider kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

type ProviderConfig struct {
	// Kind selects the wire protocol; empty means openai.
	Kind    string            `mapstructure:"kind"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Models  map[string]string `mapstructure:"models"`
	// TokenLimits maps a model name to its context budget in tokens.
	TokenLimits map[string]int `mapstructure:"token_limits"`
}

type AgentConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations"`
	ToolConcurrency  int           `mapstructure:"tool_concurrency"`
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`
	ProfilesDir      string        `mapstructure:"profiles_dir"`
	ContextMaxTokens int           `mapstructure:"context_max_tokens"`
	Language         string        `mapstructure:"language"`
}

type ToolboxConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	MaxRevisions     int      `mapstructure:"max_revisions"`
	MaxSentenceWords int      `mapstructure:"max_sentence_words"`
	Jargon           []string `mapstructure:"jargon"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Providers       map[string]ProviderConfig         `mapstructure:"providers"`
	DefaultProvider string                            `mapstructure:"default_provider"`
	Agent           AgentConfig                       `mapstructure:"agent"`
	Toolbox         ToolboxConfig                     `mapstructure:"toolbox"`
	Server          ServerConfig                      `mapstructure:"server"`
	Storage         StorageConfig                     `mapstructure:"storage"`
	Log             LogConfig                         `mapstructure:"log"`
	Tools           map[string]tools.ToolServerConfig `mapstructure:"tools"`
}

func newViper() *viper.Viper {
	home := os.Getenv("HOME")

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOTSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default_provider", "openai")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.tool_concurrency", 4)
	v.SetDefault("agent.tool_timeout", "30s")
	v.SetDefault("agent.profiles_dir", filepath.Join(home, ".lotse", "profiles"))
	v.SetDefault("agent.context_max_tokens", 6000)
	v.SetDefault("agent.language", "de")
	v.SetDefault("toolbox.enabled", true)
	v.SetDefault("toolbox.max_revisions", 1)
	v.SetDefault("toolbox.max_sentence_words", 15)
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(home, ".lotse", "lotse.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	return v
}

// Load reads lotse.yaml from the working directory or $HOME/.lotse. A missing
// file is not an error; defaults and environment overrides still apply.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("lotse")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.lotse")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
		if p.Kind == "" {
			p.Kind = KindOpenAI
		}
		if p.Kind != KindOpenAI && p.Kind != KindAnthropic {
			return nil, fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
		cfg.Providers[name] = p
	}
	return &cfg, nil
}

// expandEnv resolves values of the form ${VAR}.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Model returns the model configured for role ("default", "utility"). The
// utility role falls back to the default model.
func (p ProviderConfig) Model(role string) string {
	if m := p.Models[role]; m != "" {
		return m
	}
	return p.Models["default"]
}

// ContextLimit returns the token budget for model, or fallback when none is
// configured.
func (p ProviderConfig) ContextLimit(model string, fallback int) int {
	if n := p.TokenLimits[model]; n > 0 {
		return n
	}
	return fallback
}

// NewClient builds a model client for this provider.
func (p ProviderConfig) NewClient(model string, logger *slog.Logger) (llm.Client, error) {
	if model == "" {
		return nil, errors.New("no model configured")
	}
	switch p.Kind {
	case KindAnthropic:
		return llm.NewAnthropicClient(p.BaseURL, p.APIKey, model), nil
	case KindOpenAI, "":
		return llm.NewClient(p.BaseURL, p.APIKey, model).WithLogger(logger), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

// ExecConfig returns the tool execution settings.
func (c *Config) ExecConfig() agent.ExecConfig {
	ec := agent.DefaultExecConfig()
	if c.Agent.ToolConcurrency > 0 {
		ec.Concurrency = c.Agent.ToolConcurrency
	}
	if c.Agent.ToolTimeout > 0 {
		ec.PerToolTimeout = c.Agent.ToolTimeout
	}
	return ec
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
