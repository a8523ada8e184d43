package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/walwatch/walwatch/internal/config"
	"github.com/walwatch/walwatch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collector and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := config.InitLogger(cfg.Logging)
	if err != nil {
		return err
	}
	logger.Info("Starting walwatch",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"targets", len(cfg.Targets),
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
