package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/lotse/internal/config"
	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/toolbox"
	"github.com/michaelbrown/lotse/internal/tools"
)

var (
	configFlag   string
	providerFlag string
	modelFlag    string
	profileFlag  string
	langFlag     string
)

var rootCmd = &cobra.Command{
	Use:   "lotse",
	Short: "Lotse - tool-augmented assistant for public administration",
	Long: `Lotse runs conversational turns in which a language model can call tools
(built-in helpers such as plain-language rewriting and flow diagrams, or
MCP tool servers) and streams progress of every tool call.

It connects to OpenAI-compatible endpoints or the Anthropic API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./lotse.yaml or ~/.lotse/lotse.yaml)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Model provider name from the config")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Agent profile to use")
	rootCmd.PersistentFlags().StringVar(&langFlag, "lang", "", "Language for tool texts (de, en, ...)")
}

func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		return config.LoadFile(configFlag)
	}
	return config.Load()
}

// buildRegistry registers the built-in tools and every enabled MCP server.
// A server that fails to start is logged and skipped.
func buildRegistry(cfg *config.Config, utility llm.Client, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	registry.SetDefaultLanguage(cfg.Agent.Language)

	if cfg.Toolbox.Enabled && utility != nil {
		err := toolbox.Register(registry, toolbox.Deps{
			Client:           utility,
			MaxRevisions:     cfg.Toolbox.MaxRevisions,
			MaxSentenceWords: cfg.Toolbox.MaxSentenceWords,
			Jargon:           cfg.Toolbox.Jargon,
			Logger:           logger,
		})
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("registering built-in tools: %w", err)
		}
	}

	names := make([]string, 0, len(cfg.Tools))
	for name := range cfg.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := registry.AddServer(name, cfg.Tools[name]); err != nil {
			logger.Warn("tool server not started", "server", name, "error", err)
		}
	}

	registry.Seal()
	return registry, nil
}

// utilityClient returns the client for the provider's utility model, used by
// the built-in tools.
func utilityClient(cfg *config.Config, providerName string, logger *slog.Logger) llm.Client {
	if providerName == "" {
		providerName = cfg.DefaultProvider
	}
	p, err := cfg.Provider(providerName)
	if err != nil {
		return nil
	}
	c, err := p.NewClient(p.Model("utility"), logger)
	if err != nil {
		logger.Debug("no utility model", "provider", providerName, "error", err)
		return nil
	}
	return c
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
