package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/llmdock/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Run store management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the benchmark run tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			gdb, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables (%s)\n", len(db.AllModels()), a.cfg.Database.Driver)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
