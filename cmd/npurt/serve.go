package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/npurt/internal/api"
	"github.com/seantiz/npurt/internal/config"
	"github.com/seantiz/npurt/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the runner over HTTP",
		Args:  cobra.NoArgs,
		RunE:  serveHandler,
	}
	cmd.Flags().String("listen", "", "listen address (env NPURT_LISTEN_ADDR)")
	cmd.Flags().String("db", "", "job journal database path, \"none\" disables it (env NPURT_DB_PATH)")
	cmd.Flags().StringP("model", "m", "", "model path, gs:// or http(s):// URL (env NPURT_MODEL_PATH)")
	return cmd
}

func serveHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DBPath = v
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		cfg.ModelPath = v
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("npurt: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
		"model", cfg.ModelPath,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db store.Store
	if cfg.DBPath != "none" {
		sqlite, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer sqlite.Close()
		db = sqlite
	}

	runner, err := openRunner(ctx, cfg, cfg.ModelPath, logger, db)
	if err != nil {
		return err
	}
	defer runner.Close()

	srv := api.NewServer(cfg.ListenAddr, db, newRegistry(), runner, logger)
	return srv.Run(ctx)
}
