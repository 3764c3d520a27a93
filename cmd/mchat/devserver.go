package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/marketchat/internal/config"
	"github.com/zulandar/marketchat/internal/devbroker"
)

func newDevServerCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run an in-memory chat backend for local development",
		Long: `Starts a local chat backend with the REST endpoints under /api and a
STOMP-over-WebSocket broker at /ws. Rooms and messages live in memory.

Bearer tokens are mapped to user ids by devbroker.tokens in the config; a JWT
with a sub claim, or any other token, is accepted as that user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevServer(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to marketchat config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides devbroker.port)")
	return cmd
}

func runDevServer(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port == 0 {
		port = cfg.DevBroker.Port
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return devbroker.Start(ctx, devbroker.Opts{
		Port:           port,
		Tokens:         cfg.DevBroker.Tokens,
		InboundPrefix:  cfg.Server.InboundPrefix,
		OutboundPrefix: cfg.Server.OutboundPrefix,
		Location:       cfg.Location(),
		Out:            cmd.OutOrStdout(),
	})
}
