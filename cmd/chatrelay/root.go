package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the chatrelay CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay - a real-time chat message relay",
		Long: `chatrelay ingests chat messages over TCP, persists a bounded
history, and fans each message out to every connected client across
all relay processes through a shared broadcast bus.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
