package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sipeed/picobridge/pkg/bridge"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/gateway"
	"github.com/sipeed/picobridge/pkg/host"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/pairing"
	"github.com/sipeed/picobridge/pkg/rpc"
)

func newRunCmd(configPath *string) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configPath, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runDaemon(configPath string, verbose bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if verbose {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Logging.FileEnabled && cfg.Logging.FilePath != "" {
		if err := logger.EnableFileLogging(cfg.Logging.FilePath); err != nil {
			logger.WarnCF("main", "File logging unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	logger.InfoCF("main", "Starting picobridge", map[string]interface{}{
		"config": configPath,
	})

	store := config.NewStore(configPath)
	registry := pairing.NewRegistry()

	transport := rpc.NewTransport(rpc.Options{
		Command: cfg.Backend.Command,
		DBPath:  cfg.Backend.DBPath,
	})

	hostClient := host.NewClient(cfg.Host.URL, cfg.Host.Token)
	hostClient.Start()
	defer hostClient.Stop()

	b := bridge.New(transport, hostClient, store, registry)
	transport.SetHandlers(b.OnInbound, func(msg string) {
		logger.ErrorCF("main", "Backend error", map[string]interface{}{"message": msg})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	defer transport.Stop()

	b.Start()
	defer b.Stop()

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.NewServer(b, store, cfg.Gateway)
		if err := gw.Start(); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		defer gw.Stop()
	}

	var hb *bridge.Heartbeat
	if cfg.Heartbeat.Enabled {
		hb = bridge.NewHeartbeat(cfg.Heartbeat.Cron, transport)
		hb.Start()
		defer hb.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.InfoCF("main", "Shutting down", map[string]interface{}{
		"signal": sig.String(),
	})
	return nil
}
