package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/lotse/internal/llm"
)

const sampleConfig = `
default_provider: azure
providers:
  azure:
    base_url: https://example.invalid/v1
    api_key: ${LOTSE_TEST_KEY}
    models:
      default: gpt-4o
      utility: gpt-4o-mini
    token_limits:
      gpt-4o: 24000
  claude:
    kind: anthropic
    api_key: plain
    models:
      default: claude-sonnet-4-5
agent:
  tool_timeout: 5s
  language: en
tools:
  weather:
    binary: bin/lotse-tool-weather
    enabled: true
    language: en
log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lotse.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("LOTSE_TEST_KEY", "sk-secret")
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	p, err := cfg.Provider("")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if p.APIKey != "sk-secret" {
		t.Errorf("api key = %q, want expanded env var", p.APIKey)
	}
	if p.Kind != KindOpenAI {
		t.Errorf("kind = %q, want openai default", p.Kind)
	}
	if p.Model("utility") != "gpt-4o-mini" || p.Model("default") != "gpt-4o" {
		t.Errorf("models = %v", p.Models)
	}
	if got := p.ContextLimit("gpt-4o", 6000); got != 24000 {
		t.Errorf("context limit = %d, want 24000", got)
	}
	if got := p.ContextLimit("other", 6000); got != 6000 {
		t.Errorf("fallback context limit = %d", got)
	}

	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d, want default 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.ToolTimeout != 5*time.Second {
		t.Errorf("tool timeout = %v", cfg.Agent.ToolTimeout)
	}
	if cfg.Agent.Language != "en" {
		t.Errorf("language = %q", cfg.Agent.Language)
	}
	if w := cfg.Tools["weather"]; !w.Enabled || w.Binary != "bin/lotse-tool-weather" || w.Language != "en" {
		t.Errorf("weather tool = %+v", w)
	}

	ec := cfg.ExecConfig()
	if ec.PerToolTimeout != 5*time.Second || ec.Concurrency != 4 {
		t.Errorf("exec config = %+v", ec)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOTSE_AGENT_MAX_ITERATIONS", "3")
	t.Setenv("LOTSE_SERVER_PORT", "9090")
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Errorf("max iterations = %d, want 3 from env", cfg.Agent.MaxIterations)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090 from env", cfg.Server.Port)
	}
}

func TestUnknownProviderKind(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "providers:\n  x:\n    kind: bedrock\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("err = %v, want unknown kind", err)
	}
}

func TestUnknownProvider(t *testing.T) {
	cfg := &Config{DefaultProvider: "missing"}
	if _, err := cfg.Provider(""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewClient(t *testing.T) {
	openaiP := ProviderConfig{Kind: KindOpenAI, BaseURL: "http://localhost:1"}
	c, err := openaiP.NewClient("gpt-4o", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := c.(*llm.OpenAICompatClient); !ok {
		t.Errorf("client = %T, want *llm.OpenAICompatClient", c)
	}

	anthropicP := ProviderConfig{Kind: KindAnthropic}
	c, err = anthropicP.NewClient("claude-sonnet-4-5", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := c.(*llm.AnthropicClient); !ok {
		t.Errorf("client = %T, want *llm.AnthropicClient", c)
	}

	if _, err := openaiP.NewClient("", nil); err == nil {
		t.Error("empty model accepted")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	log := cfg.NewLogger(&buf)

	log.Info("hidden")
	log.Warn("shown", "tool", "weather")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info logged at warn level")
	}
	if !strings.Contains(out, `"tool":"weather"`) {
		t.Errorf("json output = %q", out)
	}
}
