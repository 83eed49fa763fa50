package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

func seedJobFile(t *testing.T, dir, jobID string, status model.JobStatus) {
	t.Helper()
	ctx := context.Background()

	st, err := staging.Open(ctx, dir, jobID)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.CreateJob(ctx, &model.Job{
		ID:      jobID,
		JobType: model.JobTypeSegmentation,
		Params:  model.Filters{RevenueFrom: 10, RevenueTo: 100},
		Status:  status,
	}))
}

func TestListAllJobs(t *testing.T) {
	dir := t.TempDir()
	seedJobFile(t, dir, "job-a", model.JobStatusDone)
	seedJobFile(t, dir, "job-b", model.JobStatusPaused)

	summaries, err := listAllJobs(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := make(map[string]jobSummary)
	for _, s := range summaries {
		byID[s.ID] = s
	}
	assert.Equal(t, model.JobStatusDone, byID["job-a"].Status)
	assert.Equal(t, model.JobStatusPaused, byID["job-b"].Status)
}

func TestListAllJobs_EmptyDir(t *testing.T) {
	summaries, err := listAllJobs(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestListAllJobs_MissingDir(t *testing.T) {
	summaries, err := listAllJobs(context.Background(), "/does/not/exist")
	require.NoError(t, err)
	assert.Empty(t, summaries)
}
