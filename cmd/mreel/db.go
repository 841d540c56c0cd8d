package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/mathreel/internal/db"
)

func newDBCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}
	cmd.AddCommand(newDBInitCmd(g))
	cmd.AddCommand(newDBMigrateCmd(g))
	return cmd
}

func newDBInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and migrate all tables",
		Long:  "For mysql, creates the configured database if missing. For sqlite the file is created on first connect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(g.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if cfg.Store.Driver == "mysql" {
				adminDB, err := db.ConnectAdmin(cfg.Store.User, cfg.Store.Host, cfg.Store.Port)
				if err != nil {
					return fmt.Errorf("connect to mysql at %s:%d: %w", cfg.Store.Host, cfg.Store.Port, err)
				}
				fmt.Fprintf(out, "Connected to mysql at %s:%d\n", cfg.Store.Host, cfg.Store.Port)
				if err := db.CreateDatabase(adminDB, cfg.Store.Database); err != nil {
					return err
				}
				fmt.Fprintf(out, "Database %s ready\n", cfg.Store.Database)
			}
			return migrate(cmd, g)
		},
	}
}

func newDBMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd, g)
		},
	}
}

func migrate(cmd *cobra.Command, g *globalFlags) error {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
