package main

import (
	"github.com/spf13/cobra"
)

var errorsCmd = &cobra.Command{
	Use:   "errors <job-id>",
	Short: "List a job's failed companies with the stage that failed them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		st, err := openJobStore(ctx, jobID)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		failures, err := st.ListFailures(ctx, jobID)
		if err != nil {
			return err
		}
		return printJSON(failures)
	},
}

func init() {
	rootCmd.AddCommand(errorsCmd)
}
