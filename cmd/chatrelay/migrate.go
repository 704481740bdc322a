// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/store"
)

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the messages table schema",
		Long:      `Apply, roll back, or inspect database migrations for the message history table.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, args, databaseURL)
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (default: DATABASE_URL)")

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string, databaseURL string) error {
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database-url (or DATABASE_URL) is required")
	}

	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}

	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			cmd.PrintErrln("warning: failed to close migrator:", closeErr)
		}
	}()

	switch direction {
	case "up":
		cmd.Println("Running migrations...")
		if err := migrator.Up(); err != nil {
			return err
		}
		cmd.Println("Migrations completed successfully")
	case "down":
		cmd.Println("Rolling back migrations...")
		if err := migrator.Down(); err != nil {
			return err
		}
		cmd.Println("Rollback completed successfully")
	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			return err
		}
		if version == 0 {
			cmd.Println("No migrations applied")
			return nil
		}
		if dirty {
			cmd.Printf("Version: %d (dirty)\n", version)
			return nil
		}
		cmd.Printf("Version: %d\n", version)
	}

	return nil
}
