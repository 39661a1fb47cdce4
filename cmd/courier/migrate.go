package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Creates all Courier tables and seeds channel instances from the
configuration. Safe to run multiple times (idempotent).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func runMigrate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Migrating schema...")
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeding %d channel instance(s)...\n", len(cfg.Channels))
	if err := db.SeedChannels(gdb, cfg.Channels); err != nil {
		return err
	}
	fmt.Fprintln(out, "Migration complete.")
	return nil
}
