package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/backend/reference"
	"github.com/seantiz/npurt/internal/backend/remote"
	"github.com/seantiz/npurt/internal/config"
	"github.com/seantiz/npurt/internal/engine"
	"github.com/seantiz/npurt/internal/modelsource"
)

func init() {
	// Subcommands are listed in the order they are added.
	cobra.EnableCommandSorting = false
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "npurt",
		Short:         "NPU inference runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "log level: debug, info, warn or error (env NPURT_LOG_LEVEL)")
	flags.StringP("backend", "b", "", "backend type (env NPURT_BACKEND)")
	flags.StringP("options", "o", "", "backend options as key=value,key=value (env NPURT_OPTIONS)")
	flags.String("model-cache", "", "directory for downloaded models (env NPURT_MODEL_CACHE)")

	rootCmd.AddCommand(
		newServeCmd(),
		newInfoCmd(),
		newRunCmd(),
		newAgentCmd(),
	)
	return rootCmd
}

// loadConfig reads the environment and applies flags set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		cfg.LogLevel = config.ParseLogLevel(v)
	}
	if flags.Changed("backend") {
		v, _ := flags.GetString("backend")
		cfg.Backend = backend.Type(v)
	}
	if flags.Changed("options") {
		v, _ := flags.GetString("options")
		if cfg.Options, err = backend.ParseOptions(v); err != nil {
			return cfg, fmt.Errorf("--options: %w", err)
		}
	}
	if flags.Changed("model-cache") {
		cfg.ModelCache, _ = flags.GetString("model-cache")
	}
	return cfg, nil
}

func newRegistry() *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(backend.TypeReference, reference.Registration())
	reg.Register(backend.TypeRemote, remote.Registration())
	return reg
}

// openRunner resolves the model and creates a runner for cfg. The remote
// backend takes its model from the agent, so an empty path is allowed there.
func openRunner(ctx context.Context, cfg config.Config, modelPath string, logger *slog.Logger, journal engine.Journal) (*engine.Engine, error) {
	path := modelPath
	if path != "" {
		var err error
		if path, err = resolveModel(ctx, cfg, path, logger); err != nil {
			return nil, err
		}
	} else if cfg.Backend != backend.TypeRemote {
		return nil, errors.New("no model given (argument, --model or NPURT_MODEL_PATH)")
	}

	ecfg := cfg.EngineConfig(logger)
	ecfg.Journal = journal
	return engine.CreateRunner(ctx, newRegistry(), cfg.Backend, path, cfg.Options, ecfg)
}

func resolveModel(ctx context.Context, cfg config.Config, path string, logger *slog.Logger) (string, error) {
	return modelsource.NewResolver(cfg.ModelCache, logger).Resolve(ctx, path)
}
