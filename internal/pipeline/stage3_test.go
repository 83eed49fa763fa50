package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/allabolag-cli/internal/config"
	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// resolvedCompany is a staged row stage 2 would have left for the fetch.
func resolvedCompany(jobID, orgnr, name, companyID string) model.StagingCompany {
	return model.StagingCompany{
		JobID:       jobID,
		Orgnr:       orgnr,
		CompanyName: name,
		CompanyID:   companyID,
		Status:      model.CompanyStatusIDResolved,
	}
}

func seedFinancialsJob(t *testing.T, cfg *config.Config, jobID string, companies ...model.StagingCompany) {
	t.Helper()
	seedJob(t, cfg, &model.Job{
		ID:      jobID,
		JobType: model.JobTypeFinancials,
		Params:  testFilters(),
		Status:  model.JobStatusPaused,
		Stage:   model.StageFinancials,
	}, companies)
}

func amount(v float64) allabolag.Float64 {
	return allabolag.Float64{Value: v, Valid: true}
}

func TestFinancialFetch_NormalizesAccounts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	const jobID = "job-financials"
	seedFinancialsJob(t, cfg, jobID, resolvedCompany(jobID, "5560000001", "Alpha AB", "CID-ALPHA"))

	fc := &fakeClient{}
	fc.company = func(companyID string) (*allabolag.CompanyDetails, error) {
		require.Equal(t, "CID-ALPHA", companyID)
		return &allabolag.CompanyDetails{
			CompanyID: "CID-ALPHA",
			Name:      "Alpha AB",
			Employees: allabolag.Int64{Value: 31, Valid: true},
			CompanyAccounts: []allabolag.Report{
				{
					Year:        allabolag.Int64{Value: 2024, Valid: true},
					Period:      "12",
					PeriodStart: "2024-01-01",
					PeriodEnd:   "2024-12-31",
					Accounts: []allabolag.AccountEntry{
						{Code: "SDI", Amount: amount(44212.4)},
						{Code: "ANT", Amount: amount(31)},
						// Unknown codes never reach the staging row.
						{Code: "XYZ", Amount: amount(999)},
						// No EK code; the named equity line stands in.
						{Name: "Summa eget kapital", Amount: amount(5666)},
					},
				},
				// No usable year: cannot key, dropped.
				{Period: "12", Accounts: []allabolag.AccountEntry{{Code: "SDI", Amount: amount(1)}}},
			},
		}, nil
	}
	ctl := newTestController(t, cfg, fc)

	require.NoError(t, ctl.Resume(ctx, jobID))
	job, err := ctl.Wait(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDone, job.Status)
	assert.Equal(t, 0, job.ErrorCount)

	st, release, err := ctl.Store(ctx, jobID)
	require.NoError(t, err)
	defer release()

	records, err := st.ListFinancials(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "CID-ALPHA", rec.CompanyID)
	assert.Equal(t, "5560000001", rec.Orgnr)
	assert.Equal(t, 2024, rec.Year)
	assert.Equal(t, "12", rec.Period)
	assert.Equal(t, "SEK", rec.Currency)

	sdi, ok := rec.Accounts.Get("SDI")
	require.True(t, ok)
	assert.Equal(t, int64(44212), sdi)
	ek, ok := rec.Accounts.Get("EK")
	require.True(t, ok)
	assert.Equal(t, int64(5666), ek)
	_, ok = rec.Accounts.Get("XYZ")
	assert.False(t, ok)

	// SDI mirrors into revenue; an absent DR stays null, never zero.
	require.NotNil(t, rec.Revenue())
	assert.Equal(t, int64(44212), *rec.Revenue())
	assert.Nil(t, rec.Profit())

	c, err := st.GetCompany(ctx, jobID, "5560000001")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyStatusFinancialsFetched, c.Status)
	require.NotNil(t, c.Metadata)
	require.NotNil(t, c.Metadata.Employees)
	assert.Equal(t, int64(31), *c.Metadata.Employees)
}

func TestFinancialFetch_NoFilingsIsClean(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	const jobID = "job-nofilings"
	seedFinancialsJob(t, cfg, jobID, resolvedCompany(jobID, "5560000001", "Alpha AB", "CID-ALPHA"))

	fc := &fakeClient{}
	fc.company = func(string) (*allabolag.CompanyDetails, error) {
		return nil, allabolag.ErrNoFilings
	}
	ctl := newTestController(t, cfg, fc)

	require.NoError(t, ctl.Resume(ctx, jobID))
	job, err := ctl.Wait(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDone, job.Status)
	assert.Equal(t, 0, job.ErrorCount)

	st, release, err := ctl.Store(ctx, jobID)
	require.NoError(t, err)
	defer release()

	c, err := st.GetCompany(ctx, jobID, "5560000001")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyStatusFinancialsFetched, c.Status)
	assert.Nil(t, c.Metadata)

	records, err := st.ListFinancials(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFinancialFetch_FailureParksCompany(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	const jobID = "job-fetchfail"
	seedFinancialsJob(t, cfg, jobID,
		resolvedCompany(jobID, "5560000001", "Alpha AB", "CID-ALPHA"),
		resolvedCompany(jobID, "5560000002", "Beta AB", "CID-BETA"),
	)

	fc := &fakeClient{}
	fc.company = func(companyID string) (*allabolag.CompanyDetails, error) {
		if companyID == "CID-BETA" {
			return nil, resilience.NewStatusError(500, "https://upstream.test/company")
		}
		return &allabolag.CompanyDetails{}, nil
	}
	ctl := newTestController(t, cfg, fc)

	require.NoError(t, ctl.Resume(ctx, jobID))
	job, err := ctl.Wait(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDone, job.Status)
	assert.Equal(t, 1, job.ErrorCount)

	st, release, err := ctl.Store(ctx, jobID)
	require.NoError(t, err)
	defer release()

	alpha, err := st.GetCompany(ctx, jobID, "5560000001")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyStatusFinancialsFetched, alpha.Status)

	beta, err := st.GetCompany(ctx, jobID, "5560000002")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyStatusError, beta.Status)
	assert.NotEmpty(t, beta.StatusMessage)

	failures, err := st.ListFailures(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "5560000002", failures[0].Orgnr)
	assert.Equal(t, "Stage 3 financials not fetched", failures[0].Reason)
}

func TestFinancialFetch_RefetchConvergesOnSameRows(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	const jobID = "job-refetch"
	seedFinancialsJob(t, cfg, jobID, resolvedCompany(jobID, "5560000001", "Alpha AB", "CID-ALPHA"))

	fc := &fakeClient{}
	fc.company = func(string) (*allabolag.CompanyDetails, error) {
		return &allabolag.CompanyDetails{
			CompanyAccounts: []allabolag.Report{
				{
					Year:     allabolag.Int64{Value: 2023, Valid: true},
					Period:   "12",
					Accounts: []allabolag.AccountEntry{{Code: "SDI", Amount: amount(100)}},
				},
				{
					Year:     allabolag.Int64{Value: 2024, Valid: true},
					Period:   "12",
					Accounts: []allabolag.AccountEntry{{Code: "SDI", Amount: amount(120)}},
				},
			},
		}, nil
	}
	ctl := newTestController(t, cfg, fc)

	require.NoError(t, ctl.Resume(ctx, jobID))
	_, err := ctl.Wait(ctx, jobID)
	require.NoError(t, err)

	st, release, err := ctl.Store(ctx, jobID)
	require.NoError(t, err)
	first, err := st.ListFinancials(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, first, 2)
	release()

	// Reset the company as an interrupted run would leave it and fetch
	// again: the upsert key keeps the row set identical.
	st, release, err = ctl.Store(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, st.SetCompanyID(ctx, jobID, "5560000001", "CID-ALPHA"))
	require.NoError(t, st.TransitionJob(ctx, jobID, model.JobStatusDone, model.JobStatusPaused, ""))
	release()

	require.NoError(t, ctl.Resume(ctx, jobID))
	job, err := ctl.Wait(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDone, job.Status)

	st, release, err = ctl.Store(ctx, jobID)
	require.NoError(t, err)
	defer release()
	second, err := st.ListFinancials(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].Year, second[0].Year)
	assert.Equal(t, first[1].Year, second[1].Year)
}
