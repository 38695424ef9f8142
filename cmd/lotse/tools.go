package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsJSONFlag bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List available tools",
	Long: `List the built-in and MCP tools with their localized title and summary.

Examples:
  lotse tools
  lotse tools --lang en
  lotse tools --json`,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSONFlag, "json", false, "Print the full metadata as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	registry, err := buildRegistry(cfg, utilityClient(cfg, providerFlag, logger), logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	meta := registry.ListMetadata(firstSet(langFlag, cfg.Agent.Language))
	if toolsJSONFlag {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	}
	if len(meta) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tools available.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLANG\tTITLE\tSUMMARY")
	for _, m := range meta {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.Language, m.Title, strings.ReplaceAll(m.Summary, "\n", " "))
	}
	return tw.Flush()
}
