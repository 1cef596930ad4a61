package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/stsupervisor/migrations"
)

func newDBCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect or roll back the history database schema",
	}
	cmd.AddCommand(newDBStatusCommand(c), newDBRollbackCommand(c))
	return cmd
}

func newDBStatusCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List applied and pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := openSchemaless(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, pending, err := db.MigrationStatus(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(applied)+len(pending))
			for _, r := range applied {
				rows = append(rows, []string{r.Version, "applied", r.AppliedAt.Local().Format(time.DateTime)})
			}
			for _, m := range pending {
				rows = append(rows, []string{m.Version, "pending " + m.Name, ""})
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Version", "State", "Applied"}, rows))
			return nil
		},
	}
}

func newDBRollbackCommand(c *commandContext) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back the most recent schema migrations",
		Long: `Roll back schema migrations, newest first. Rolling back drops the tables
they created, so recorded runs or audit entries are lost. Stop the
supervisor first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			cfg, err := c.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := openSchemaless(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, _, err := db.MigrationStatus(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}
			n := min(steps, len(applied))
			for range n {
				if err := db.MigrateDown(cmd.Context(), migrations.FS); err != nil {
					return fmt.Errorf("rolling back: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}
