package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
)

// pause and stop act on the job row; a run in another process honors the
// transition at its next batch boundary.

var pauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a running job at its next batch boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		st, err := openJobStore(ctx, jobID)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.TransitionJob(ctx, jobID, model.JobStatusRunning, model.JobStatusPaused, ""); err != nil {
			return err
		}
		zap.L().Info("job paused", zap.String("job_id", jobID))
		return printJSON(map[string]string{"job_id": jobID, "status": string(model.JobStatusPaused)})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Stop a job permanently",
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
		if !job.Status.CanTransition(model.JobStatusStopped) {
			return eris.Errorf("job %s is %s, cannot stop", jobID, job.Status)
		}
		if err := st.TransitionJob(ctx, jobID, job.Status, model.JobStatusStopped, ""); err != nil {
			return err
		}
		zap.L().Info("job stopped", zap.String("job_id", jobID))
		return printJSON(map[string]string{"job_id": jobID, "status": string(model.JobStatusStopped)})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted job at its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		ctl, err := initController("run")
		if err != nil {
			return err
		}
		defer ctl.Close()

		if err := ctl.Resume(ctx, jobID); err != nil {
			return err
		}
		// The run lives in this process; stay alive until it settles.
		return waitForJob(ctx, ctl, jobID)
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resumeCmd)
}
