package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/npurt/internal/agent"
	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/backend/remote"
	"github.com/seantiz/npurt/internal/config"
)

const defaultAgentAddr = "vsock://:1024"

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent [MODEL]",
		Short: "Serve a local backend to remote runners",
		Long: "Serve a local backend to remote runners over vsock or tcp.\n" +
			"This is the process the remote backend connects to, typically\n" +
			"running inside the microVM or host that owns the accelerator.",
		Args: cobra.MaximumNArgs(1),
		RunE: agentHandler,
	}
	cmd.Flags().String("listen", defaultAgentAddr, "listen address: vsock://:port or tcp://host:port")
	return cmd
}

func agentHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Backend == backend.TypeRemote {
		return errors.New("the agent cannot serve the remote backend")
	}
	modelPath := cfg.ModelPath
	if len(args) > 0 {
		modelPath = args[0]
	}
	rawAddr, _ := cmd.Flags().GetString("listen")
	addr, err := remote.ParseAddress(rawAddr)
	if err != nil {
		return err
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := modelPath
	if path != "" {
		if path, err = resolveModel(ctx, cfg, path, logger); err != nil {
			return err
		}
	}
	b, err := newRegistry().Create(ctx, cfg.Backend, path, cfg.Options)
	if err != nil {
		return err
	}
	defer b.Close()

	l, err := remote.Listen(addr)
	if err != nil {
		return err
	}

	a := agent.New(b, logger)
	stopListening := context.AfterFunc(ctx, func() { l.Close() })
	defer stopListening()

	err = a.Serve(l)
	logger.Info("agent shutting down")
	a.Shutdown()
	return err
}
