package main

import (
	"github.com/spf13/cobra"

	"github.com/sipeed/picobridge/pkg/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "picobridge",
		Short:         "Bridge between iMessage and an agent-orchestration host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to config file")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newStatusCmd(&configPath),
		newChatsCmd(&configPath),
		newPairCmd(&configPath),
	)

	return rootCmd
}
