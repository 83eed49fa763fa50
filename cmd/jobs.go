package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

// jobSummary is one row of the jobs listing.
type jobSummary struct {
	ID             string          `json:"id"`
	JobType        model.JobType   `json:"job_type"`
	Status         model.JobStatus `json:"status"`
	Stage          model.JobStage  `json:"stage"`
	ProcessedCount int             `json:"processed_count"`
	TotalCompanies int             `json:"total_companies"`
	ErrorCount     int             `json:"error_count"`
	LastError      string          `json:"last_error,omitempty"`
}

// listAllJobs reads the job row out of every staging file under dir,
// most recently touched first. Unreadable files are skipped with a
// warning so one corrupt job does not hide the rest.
func listAllJobs(ctx context.Context, dir string) ([]jobSummary, error) {
	ids, err := staging.ListJobFiles(dir)
	if err != nil {
		return nil, err
	}

	summaries := make([]jobSummary, 0, len(ids))
	for _, id := range ids {
		st, err := staging.OpenExisting(ctx, dir, id)
		if err != nil {
			zap.L().Warn("skipping unreadable staging file", zap.String("job_id", id), zap.Error(err))
			continue
		}
		job, err := st.GetJob(ctx, id)
		st.Close() //nolint:errcheck
		if err != nil {
			zap.L().Warn("skipping staging file without job row", zap.String("job_id", id), zap.Error(err))
			continue
		}
		summaries = append(summaries, jobSummary{
			ID:             job.ID,
			JobType:        job.JobType,
			Status:         job.Status,
			Stage:          job.Stage,
			ProcessedCount: job.ProcessedCount,
			TotalCompanies: job.TotalCompanies,
			ErrorCount:     job.ErrorCount,
			LastError:      job.LastError,
		})
	}
	return summaries, nil
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List all jobs across staging files",
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := listAllJobs(cmd.Context(), cfg.Staging.Dir)
		if err != nil {
			return err
		}
		return printJSON(summaries)
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
