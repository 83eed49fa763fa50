package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/pipeline"
	"github.com/sells-group/allabolag-cli/internal/resilience"
)

var (
	startFilters filterFlags
	startMode    string
	startWait    bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a scrape job for a filter band",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		jobType, err := parseJobType(startMode)
		if err != nil {
			return err
		}

		ctl, err := initController("run")
		if err != nil {
			return err
		}
		defer ctl.Close()

		jobID, err := ctl.StartJob(ctx, startFilters.filters(cmd), jobType)
		if err != nil {
			return err
		}

		if !startWait {
			return printJSON(map[string]string{"job_id": jobID})
		}
		return waitForJob(ctx, ctl, jobID)
	},
}

func parseJobType(mode string) (model.JobType, error) {
	switch model.JobType(mode) {
	case model.JobTypeSegmentation, model.JobTypeIDResolution,
		model.JobTypeFinancials, model.JobTypeFullPipeline:
		return model.JobType(mode), nil
	default:
		return "", resilience.NewConfigError("unknown mode " + mode)
	}
}

// waitForJob blocks until the job's run finishes and reports its final
// row. A stop issued while waiting gets its own exit disposition.
func waitForJob(ctx context.Context, ctl *pipeline.Controller, jobID string) error {
	job, runErr := ctl.Wait(ctx, jobID)
	if job == nil {
		return runErr
	}

	zap.L().Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("processed", job.ProcessedCount),
		zap.Int("errors", job.ErrorCount),
	)
	if err := printJSON(job); err != nil {
		return err
	}

	switch job.Status {
	case model.JobStatusStopped:
		return errJobStopped
	case model.JobStatusDone, model.JobStatusPaused:
		return nil
	default:
		if runErr != nil {
			return runErr
		}
		return eris.Errorf("job %s ended %s: %s", job.ID, job.Status, job.LastError)
	}
}

func init() {
	startFilters.register(startCmd)
	startCmd.Flags().StringVar(&startMode, "mode", string(model.JobTypeFullPipeline), "job mode: segmentation | id_resolution | financials | full_pipeline")
	startCmd.Flags().BoolVar(&startWait, "wait", false, "block until the job finishes")
	rootCmd.AddCommand(startCmd)
}
