package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"labsql-agent/internal/app"
	"labsql-agent/internal/config"
	"labsql-agent/internal/httpserver"
	"labsql-agent/internal/logger"
	"labsql-agent/internal/metrics"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over HTTP",
		Long:  "Load configuration, connect to the lab database and serve POST /sql-generation with health, metrics and audit routes.",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "override listen address (host:port)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.HTTPAddr = listen
	}
	logger.Init(logger.Options{Production: cfg.IsProduction()})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing agent: %w", err)
	}
	defer a.Close()

	srv, err := httpserver.New(httpserver.Config{
		ListenAddr:   cfg.HTTPAddr,
		CORSOrigins:  cfg.CORSOrigins,
		WriteTimeout: cfg.Agent.Timeout + 10*time.Second,
	}, a.Handler, a.Audit, a.LabDB, metrics.Handler())
	if err != nil {
		return err
	}

	log.Info().Str("addr", cfg.HTTPAddr).Msg("starting labsql http runner")
	return srv.Start(ctx)
}
