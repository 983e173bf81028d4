package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/parley/internal/app"
	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/logging"
	"github.com/nfrund/parley/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket server",
	Long: `Run the WebSocket server until SIGINT or SIGTERM.

Configuration is read from the environment and an optional .env file.
JWT_SECRET is required; see .env.example for every setting.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := server.SignalContext(context.Background())
	defer stop()

	logger.Info("Starting parley", "version", version, "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	return nil
}
