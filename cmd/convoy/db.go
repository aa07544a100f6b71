package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/convoyops/internal/config"
	"github.com/zulandar/convoyops/internal/db"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the convoy database",
		Long:  "Creates the database (mysql), migrates all tables and seeds one vehicle per role at its staging point.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "path to convoy config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(out, configPath)
	if err != nil {
		return err
	}

	gormDB, err := openForInit(cmd, cfg)
	if err != nil {
		return err
	}
	if err := migrateAndSeed(cmd, gormDB, cfg); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nConvoy database initialized successfully.")
	return nil
}

// openForInit creates the mysql database when needed, then connects.
func openForInit(cmd *cobra.Command, cfg *config.Config) (*gorm.DB, error) {
	out := cmd.OutOrStdout()
	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", cfg.Database.Host, cfg.Database.Port)
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "sqlite" {
		fmt.Fprintf(out, "Opened sqlite database %s\n", cfg.Database.Path)
	}
	return gormDB, nil
}

func migrateAndSeed(cmd *cobra.Command, gormDB *gorm.DB, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedVehicles(gormDB, cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "Seeded vehicles at staging points")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the convoy database",
		Long: `Drops every convoy table, migrates the schema again and re-seeds the
vehicles. The mission, alerts, messages and audit trail are lost.

Without --yes the command asks for confirmation, and refuses to run when
stdin is not a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "path to convoy config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(out, configPath)
	if err != nil {
		return err
	}

	if !skipConfirm {
		if !stdinIsTerminal(cmd) {
			return fmt.Errorf("refusing to reset without --yes: stdin is not a terminal")
		}
		if !confirmReset(cmd, describeDatabase(cfg.Database)) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Reset(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dropped and re-created %d tables\n", len(db.AllModels()))

	if err := db.SeedVehicles(gormDB, cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "Seeded vehicles at staging points")

	fmt.Fprintln(out, "\nConvoy database reset and re-initialized successfully.")
	return nil
}

func stdinIsTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func describeDatabase(cfg config.DatabaseConfig) string {
	if cfg.Driver == "sqlite" {
		return cfg.Path
	}
	return fmt.Sprintf("%s on %s:%d", cfg.Name, cfg.Host, cfg.Port)
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in database %q.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
