package main

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openintentos/openintent/internal/config"
	"github.com/openintentos/openintent/internal/sessions"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

// openMigrator opens the configured database and its migrator. The caller
// closes the returned close function.
func openMigrator(ctx context.Context, cfg *config.Config) (*sessions.Migrator, func() error, error) {
	db, dialect, err := sessions.OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := sessions.NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, db.Close, nil
}

// migrateUp applies up to steps pending migrations (all when steps is 0).
func migrateUp(ctx context.Context, cfg *config.Config, steps int) ([]string, error) {
	migrator, closeDB, err := openMigrator(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeDB()
	return migrator.Up(ctx, steps)
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, steps int) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	newLogger(cfg, cmd.ErrOrStderr())
	slog.Info("running database migrations", "config", path, "steps", steps)

	applied, err := migrateUp(cmd.Context(), cfg, steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
		fmt.Fprintf(out, "applied %s\n", id)
	}
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, steps int) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	newLogger(cfg, cmd.ErrOrStderr())
	slog.Warn("rolling back migrations", "config", path, "steps", steps)

	migrator, closeDB, err := openMigrator(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rolled) == 0 {
		fmt.Fprintln(out, "no migrations to roll back")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(out, "rolled back %s\n", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	newLogger(cfg, cmd.ErrOrStderr())

	migrator, closeDB, err := openMigrator(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAPPLIED")
	for _, m := range applied {
		fmt.Fprintf(w, "%s\tapplied\t%s\n", m.ID, m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "%s\tpending\t-\n", m.ID)
	}
	return w.Flush()
}
