package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/validate"
)

var validateRulesPath string

var validateCmd = &cobra.Command{
	Use:   "validate <job-id>",
	Short: "Validate a job's staged financial records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		rulesPath := validateRulesPath
		if rulesPath == "" {
			rulesPath = cfg.Validation.RulesPath
		}
		rules := validate.DefaultRules()
		if rulesPath != "" {
			var err error
			rules, err = validate.LoadRules(rulesPath)
			if err != nil {
				return err
			}
		}

		st, err := openJobStore(ctx, jobID)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		summary, err := validate.Job(ctx, st, jobID, rules)
		if err != nil {
			return err
		}

		zap.L().Info("validation complete",
			zap.String("job_id", jobID),
			zap.Int("total", summary.Total),
			zap.Int("valid", summary.Valid),
			zap.Int("warning", summary.Warning),
			zap.Int("invalid", summary.Invalid),
		)
		return printJSON(summary)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateRulesPath, "rules", "", "validation rules YAML (default from config)")
	rootCmd.AddCommand(validateCmd)
}
