package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/backend"
	"github.com/amora/chat-core/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := backend.OpenPostgres(cmd.Context(), cfg.Postgres.DSN, 2)
		if err != nil {
			return err
		}
		defer db.Close()
		return migrations.Up(db, logger.Named("migrate"))
	},
}

var downSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := backend.OpenPostgres(cmd.Context(), cfg.Postgres.DSN, 2)
		if err != nil {
			return err
		}
		defer db.Close()
		return migrations.Down(db, downSteps, logger.Named("migrate"))
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := backend.OpenPostgres(cmd.Context(), cfg.Postgres.DSN, 2)
		if err != nil {
			return err
		}
		defer db.Close()

		version, dirty, ok, err := migrations.Version(db)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
			return nil
		}
		logger.Debug("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().IntVarP(&downSteps, "steps", "n", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
