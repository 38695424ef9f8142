package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/lotse/internal/metrics"
	"github.com/michaelbrown/lotse/internal/server"
	"github.com/michaelbrown/lotse/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Lotse API server",
	Long: `Start the Lotse HTTP server. Turns are streamed as NDJSON or over a
WebSocket; Prometheus metrics are served at /metrics.

Examples:
  lotse serve
  lotse serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	registry, err := buildRegistry(cfg, utilityClient(cfg, providerFlag, logger), logger)
	if err != nil {
		return err
	}
	defer registry.Close()
	logger.Info("tools registered", "tools", registry.Names())

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, store, registry,
		server.WithLogger(logger),
		server.WithMetrics(metrics.New()),
	)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	return srv.Start(port)
}
