package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/config"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/postgres"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/sqlite"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Manage the database schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			return runMigrate(cmd, action)
		},
	}
	return cmd
}

func runMigrate(cmd *cobra.Command, action string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		if action != "up" {
			return fmt.Errorf("sqlite migrations only support up")
		}
		// OpenDB applies the idempotent schema.
		db, err := sqlite.OpenDB(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(out, "sqlite schema is up to date at %s\n", cfg.Storage.SQLitePath)
		return nil
	case config.StoragePostgres:
	default:
		return fmt.Errorf("storage driver %q has no schema", cfg.Storage.Driver)
	}

	ctx := cmd.Context()
	conn, err := openPostgres(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer conn.Close()
	m := postgres.NewMigrator(conn)

	switch action {
	case "up":
		n, err := m.Migrate(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "count", n)
		fmt.Fprintf(out, "applied %d migration(s)\n", n)
	case "down":
		if err := m.Rollback(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "rolled back the last migration")
	case "status":
		list, err := m.Status(ctx)
		if err != nil {
			return err
		}
		for _, mig := range list {
			state := "pending"
			if mig.IsApplied {
				state = "applied " + mig.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%03d %-32s %s\n", mig.Version, mig.Name, state)
		}
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
	return nil
}
