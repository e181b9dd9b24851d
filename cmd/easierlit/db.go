package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smturtle2/easierlit-sub000/internal/config"
	"github.com/smturtle2/easierlit-sub000/internal/store"
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
		Short: "Initialize the Easierlit database",
		Long:  "Creates the SQLite database, migrates all tables and writes the auth secret.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "easierlit.yaml", "path to Easierlit config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Persistence.Enabled {
		return fmt.Errorf("persistence is disabled in %s", configPath)
	}

	st, err := store.Open(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()
	fmt.Fprintf(out, "Migrated %d tables in %s\n", len(store.AllModels()), cfg.Persistence.SQLitePath)

	if cfg.Auth != nil {
		secretPath := filepath.Join(filepath.Dir(cfg.Persistence.SQLitePath), "jwt_secret")
		if _, err := config.EnsureJWTSecret(secretPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Auth secret ready at %s\n", secretPath)
	}

	fmt.Fprintln(out, "\nEasierlit database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Move the database aside and re-initialize it",
		Long: `Moves the current SQLite file to a ".bak[N]" backup, then re-creates
an empty database with all tables migrated. Stored element files are
left in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "easierlit.yaml", "path to Easierlit config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Persistence.Enabled {
		return fmt.Errorf("persistence is disabled in %s", configPath)
	}
	path := cfg.Persistence.SQLitePath

	if !skipConfirm && !confirmReset(cmd, path) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	if _, err := os.Stat(path); err == nil {
		backup, err := store.MoveAside(path)
		if err != nil {
			return fmt.Errorf("back up %s: %w", path, err)
		}
		fmt.Fprintf(out, "Moved %s to %s\n", path, backup)
	}

	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	fmt.Fprintf(out, "Migrated %d tables in %s\n", len(store.AllModels()), path)

	fmt.Fprintln(out, "\nEasierlit database reset successfully.")
	return nil
}

func confirmReset(cmd *cobra.Command, path string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will move aside all data in %q.\n", path)
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
