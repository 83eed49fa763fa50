package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/db"
	"github.com/sells-group/allabolag-cli/internal/migrate"
	"github.com/sells-group/allabolag-cli/internal/resilience"
)

var (
	migrateIncludeWarnings bool
	migrateSkipDuplicates  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <job-id>",
	Short: "Migrate a job's validated records to the warehouse",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		if err := cfg.Validate("migrate"); err != nil {
			return resilience.NewConfigError(err.Error())
		}

		pool, err := db.Connect(ctx, cfg.Warehouse.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := migrate.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		st, err := openJobStore(ctx, jobID)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		summary, err := migrate.New(pool).Migrate(ctx, st, jobID, migrate.Options{
			IncludeWarnings: migrateIncludeWarnings,
			SkipDuplicates:  migrateSkipDuplicates,
		})
		if err != nil {
			return err
		}

		zap.L().Info("migration complete",
			zap.String("job_id", jobID),
			zap.Int("migrated", summary.Migrated),
			zap.Int("skipped", summary.Skipped),
			zap.Int("errors", summary.Errors),
		)
		return printJSON(summary)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateIncludeWarnings, "include-warnings", false, "also migrate warning-status records")
	migrateCmd.Flags().BoolVar(&migrateSkipDuplicates, "skip-duplicates", false, "leave rows the warehouse already has untouched")
	rootCmd.AddCommand(migrateCmd)
}
