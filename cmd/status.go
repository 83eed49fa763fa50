package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/allabolag-cli/internal/checkpoint"
	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

// jobStatus is the full status answer: job row, staged-row rollup, and
// where a resume would pick up.
type jobStatus struct {
	Job      *model.Job        `json:"job"`
	Progress *staging.Progress `json:"progress"`
	Resume   *model.ResumeInfo `json:"resume"`
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status, progress, and resume point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		st, err := openJobStore(ctx, jobID)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		progress, err := st.Progress(ctx, jobID)
		if err != nil {
			return err
		}
		resume, err := checkpoint.Resume(ctx, st, jobID)
		if err != nil {
			return err
		}

		return printJSON(jobStatus{Job: job, Progress: progress, Resume: resume})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
