package staging

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/allabolag-cli/internal/model"
)

const testJobID = "job-1"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir(), testJobID)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func testCompany(orgnr, name string) model.StagingCompany {
	revenue := int64(125000)
	return model.StagingCompany{
		JobID:          testJobID,
		Orgnr:          orgnr,
		CompanyName:    name,
		Homepage:       "https://" + orgnr + ".example.se",
		NaceCategories: []string{"62010"},
		SegmentName:    []string{"IT-konsulter"},
		RevenueSEK:     &revenue,
		ScrapedAt:      time.Now().UTC(),
	}
}

// --- Open & migrate ---

func TestStaging_Open_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(context.Background(), dir, "abc-123")
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, PathFor(dir, "abc-123"), st.Path())
	_, err = os.Stat(st.Path())
	assert.NoError(t, err)
}

func TestStaging_Open_MigrationIdempotent(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(context.Background(), dir, "abc-123")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening runs the same migration against the populated schema; the
	// additive column pass must tolerate every column already existing.
	st, err = Open(context.Background(), dir, "abc-123")
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}

func TestStaging_OpenExisting_UnknownJob(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenExisting(context.Background(), dir, "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, statErr := os.Stat(PathFor(dir, "nope"))
	assert.True(t, os.IsNotExist(statErr), "lookup must not create a staging file")
}

func TestStaging_ListJobFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	for _, id := range []string{"job-a", "job-b"} {
		st, err := Open(ctx, dir, id)
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}

	ids, err := ListJobFiles(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-a", "job-b"}, ids)

	ids, err = ListJobFiles(dir + "/missing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// --- Jobs ---

func TestStaging_Job_CreateAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	profitFrom := int64(1000)
	job := &model.Job{
		ID:         testJobID,
		JobType:    model.JobTypeFullPipeline,
		FilterHash: "deadbeef",
		Params: model.Filters{
			RevenueFrom: 100000,
			RevenueTo:   500000,
			ProfitFrom:  &profitFrom,
			CompanyType: "AB",
			Unit:        model.UnitKSEK,
		},
	}
	require.NoError(t, st.CreateJob(ctx, job))
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, model.StageSegmentation, job.Stage)

	got, err := st.GetJob(ctx, testJobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeFullPipeline, got.JobType)
	assert.Equal(t, "deadbeef", got.FilterHash)
	assert.Equal(t, int64(100000), got.Params.RevenueFrom)
	require.NotNil(t, got.Params.ProfitFrom)
	assert.Equal(t, int64(1000), *got.Params.ProfitFrom)
	assert.Equal(t, model.JobStatusPending, got.Status)
}

func TestStaging_Job_CreateWithoutID(t *testing.T) {
	st := newTestStore(t)
	err := st.CreateJob(context.Background(), &model.Job{JobType: model.JobTypeSegmentation})
	assert.Error(t, err)
}

func TestStaging_Job_Update(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{ID: testJobID, JobType: model.JobTypeSegmentation, FilterHash: "x"}
	require.NoError(t, st.CreateJob(ctx, job))

	job.Status = model.JobStatusRunning
	job.Stage = model.StageIDResolution
	job.LastPage = 42
	job.ProcessedCount = 840
	job.TotalCompanies = 1200
	job.RateLimitStats = json.RawMessage(`{"concurrent":5}`)
	require.NoError(t, st.UpdateJob(ctx, job))

	got, err := st.GetJob(ctx, testJobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, model.StageIDResolution, got.Stage)
	assert.Equal(t, 42, got.LastPage)
	assert.Equal(t, 840, got.ProcessedCount)
	assert.JSONEq(t, `{"concurrent":5}`, string(got.RateLimitStats))
}

func TestStaging_Job_UpdateMissing(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateJob(context.Background(), &model.Job{ID: "ghost", Status: model.JobStatusRunning})
	assert.Error(t, err)
}

func TestStaging_Job_GetMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetJob(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// --- Checkpoints ---

func TestStaging_Checkpoint_SaveAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cp := &model.Checkpoint{
		JobID:             testJobID,
		Stage:             model.StageSegmentation,
		LastProcessedPage: 17,
		ProcessedCount:    340,
		Data:              json.RawMessage(`{"batch":2}`),
	}
	require.NoError(t, st.SaveCheckpoint(ctx, cp))

	got, err := st.GetCheckpoint(ctx, testJobID, model.StageSegmentation)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 17, got.LastProcessedPage)
	assert.Equal(t, 340, got.ProcessedCount)
	assert.JSONEq(t, `{"batch":2}`, string(got.Data))

	// Same (job, stage) overwrites.
	cp.LastProcessedPage = 24
	require.NoError(t, st.SaveCheckpoint(ctx, cp))
	got, err = st.GetCheckpoint(ctx, testJobID, model.StageSegmentation)
	require.NoError(t, err)
	assert.Equal(t, 24, got.LastProcessedPage)
}

func TestStaging_Checkpoint_GetMissing(t *testing.T) {
	st := newTestStore(t)
	got, err := st.GetCheckpoint(context.Background(), testJobID, model.StageFinancials)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStaging_Checkpoint_Latest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveCheckpoint(ctx, &model.Checkpoint{
		JobID: testJobID, Stage: model.StageSegmentation, LastProcessedPage: 99,
	}))
	require.NoError(t, st.SaveCheckpoint(ctx, &model.Checkpoint{
		JobID: testJobID, Stage: model.StageFinancials, ProcessedCount: 12,
	}))

	got, err := st.LatestCheckpoint(ctx, testJobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StageFinancials, got.Stage)

	none, err := st.LatestCheckpoint(ctx, "other-job")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// --- Companies ---

func TestStaging_Companies_UpsertAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	batch := []model.StagingCompany{
		testCompany("5560000001", "Alfa AB"),
		testCompany("5560000002", "Beta AB"),
		testCompany("5560000003", "Gamma AB"),
	}
	require.NoError(t, st.UpsertCompanies(ctx, batch))

	got, err := st.ListCompanies(ctx, testJobID, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Alfa AB", got[0].CompanyName)
	assert.Equal(t, "Gamma AB", got[2].CompanyName)
	assert.Equal(t, model.CompanyStatusPending, got[0].Status)
	assert.Equal(t, []string{"62010"}, got[0].NaceCategories)
	assert.Equal(t, []string{"IT-konsulter"}, got[0].SegmentName)
	require.NotNil(t, got[0].RevenueSEK)
	assert.Equal(t, int64(125000), *got[0].RevenueSEK)
	assert.Nil(t, got[0].ProfitSEK)
	assert.False(t, got[0].ScrapedAt.IsZero())
}

func TestStaging_Companies_UpsertPreservesProgress(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCompanies(ctx, []model.StagingCompany{testCompany("5560000001", "Alfa AB")}))
	require.NoError(t, st.SetCompanyID(ctx, testJobID, "5560000001", "ALFA123456789"))

	before, err := st.GetCompany(ctx, testJobID, "5560000001")
	require.NoError(t, err)

	// Re-running segmentation must not wipe the stage 2 resolution.
	again := testCompany("5560000001", "Alfa Aktiebolag")
	require.NoError(t, st.UpsertCompanies(ctx, []model.StagingCompany{again}))

	after, err := st.GetCompany(ctx, testJobID, "5560000001")
	require.NoError(t, err)
	assert.Equal(t, "Alfa Aktiebolag", after.CompanyName)
	assert.Equal(t, "ALFA123456789", after.CompanyID)
	assert.Equal(t, model.CompanyStatusIDResolved, after.Status)
	assert.WithinDuration(t, before.CreatedAt, after.CreatedAt, time.Millisecond)

	// Still one row.
	all, err := st.ListCompanies(ctx, testJobID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStaging_Companies_WorkLists(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCompanies(ctx, []model.StagingCompany{
		testCompany("5560000001", "Alfa AB"),
		testCompany("5560000002", "Beta AB"),
		testCompany("5560000003", "Gamma AB"),
	}))
	require.NoError(t, st.SetCompanyID(ctx, testJobID, "5560000002", "BETA123456789"))
	require.NoError(t, st.MarkCompanyError(ctx, testJobID, "5560000003", "no match"))

	unresolved, err := st.ListUnresolved(ctx, testJobID)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "5560000001", unresolved[0].Orgnr)

	resolved, err := st.ListResolved(ctx, testJobID)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "5560000002", resolved[0].Orgnr)

	// Fetching financials removes the row from the stage 3 list.
	require.NoError(t, st.MarkFinancialsFetched(ctx, testJobID, "5560000002", nil))
	resolved, err = st.ListResolved(ctx, testJobID)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestStaging_Companies_MetadataRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCompanies(ctx, []model.StagingCompany{testCompany("5560000001", "Alfa AB")}))

	employees := int64(43)
	meta := &model.CompanyMetadata{
		Employees: &employees,
		LegalName: "Alfa Aktiebolag",
		Domicile:  "Göteborg",
		Directors: []string{"Anna Andersson", "Bo Berg"},
	}
	require.NoError(t, st.MarkFinancialsFetched(ctx, testJobID, "5560000001", meta))

	got, err := st.GetCompany(ctx, testJobID, "5560000001")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyStatusFinancialsFetched, got.Status)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "Alfa Aktiebolag", got.Metadata.LegalName)
	assert.Equal(t, "Göteborg", got.Metadata.Domicile)
	require.NotNil(t, got.Metadata.Employees)
	assert.Equal(t, int64(43), *got.Metadata.Employees)
	assert.Equal(t, []string{"Anna Andersson", "Bo Berg"}, got.Metadata.Directors)
}

func TestStaging_Companies_UpdateMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, st.SetCompanyID(ctx, testJobID, "ghost", "X"))
	assert.Error(t, st.MarkCompanyError(ctx, testJobID, "ghost", "boom"))

	got, err := st.GetCompany(ctx, testJobID, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- ID mappings ---

func TestStaging_Mappings_UpsertGetList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMappings(ctx, []model.CompanyIDMapping{
		{JobID: testJobID, Orgnr: "5560000001", CompanyID: "ALFA123456789",
			Source: "html_search", ConfidenceScore: 1.0, Status: model.MappingStatusResolved},
		{JobID: testJobID, Orgnr: "5560000002",
			Status: model.MappingStatusError, ErrorMessage: "no candidate matched"},
	}))

	m, err := st.GetMapping(ctx, testJobID, "5560000001")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ALFA123456789", m.CompanyID)
	assert.Equal(t, "html_search", m.Source)
	assert.InDelta(t, 1.0, m.ConfidenceScore, 0.0001)

	errored, err := st.ListMappings(ctx, testJobID, model.MappingStatusError)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, "5560000002", errored[0].Orgnr)

	// Retry resolves the previously failed orgnr.
	require.NoError(t, st.UpsertMappings(ctx, []model.CompanyIDMapping{
		{JobID: testJobID, Orgnr: "5560000002", CompanyID: "BETA123456789",
			Source: "json_search", ConfidenceScore: 0.8, Status: model.MappingStatusResolved},
	}))
	m, err = st.GetMapping(ctx, testJobID, "5560000002")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusResolved, m.Status)
	assert.Empty(t, m.ErrorMessage)

	all, err := st.ListMappings(ctx, testJobID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStaging_Mappings_GetMissing(t *testing.T) {
	st := newTestStore(t)
	m, err := st.GetMapping(context.Background(), testJobID, "ghost")
	require.NoError(t, err)
	assert.Nil(t, m)
}

// --- Financials ---

func testFinancial(year int) model.FinancialRecord {
	return model.FinancialRecord{
		CompanyID:   "ALFA123456789",
		Orgnr:       "5560000001",
		Year:        year,
		Period:      "12",
		PeriodStart: "2023-01-01",
		PeriodEnd:   "2023-12-31",
		JobID:       testJobID,
		Accounts: model.Accounts{
			"SDI": 125000,
			"DR":  8300,
			"EK":  40100,
			"ANT": 43,
		},
		RawData: json.RawMessage(`{"year":2023}`),
	}
}

func TestStaging_Financials_UpsertAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{testFinancial(2023)}))

	got, err := st.ListFinancials(ctx, testJobID)
	require.NoError(t, err)
	require.Len(t, got, 1)

	r := got[0]
	assert.Equal(t, "ALFA123456789", r.CompanyID)
	assert.Equal(t, 2023, r.Year)
	assert.Equal(t, "12", r.Period)
	assert.Equal(t, "SEK", r.Currency)
	assert.Equal(t, model.ValidationPending, r.ValidationStatus)
	assert.Equal(t, int64(125000), r.Accounts["SDI"])
	assert.Equal(t, int64(8300), r.Accounts["DR"])

	// Codes the report did not carry stay absent, not zero.
	_, ok := r.Accounts.Get("ORS")
	assert.False(t, ok)
	assert.JSONEq(t, `{"year":2023}`, string(r.RawData))
}

func TestStaging_Financials_UpsertOverwrite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{testFinancial(2023)}))

	revised := testFinancial(2023)
	revised.Accounts["SDI"] = 130000
	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{revised}))

	got, err := st.ListFinancials(ctx, testJobID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(130000), got[0].Accounts["SDI"])
}

func TestStaging_Financials_MirrorColumns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{testFinancial(2023)}))

	var revenue, profit, employees int64
	err := st.db.QueryRowContext(ctx,
		`SELECT revenue, profit, employees FROM financials WHERE company_id = ? AND year = ?`,
		"ALFA123456789", 2023,
	).Scan(&revenue, &profit, &employees)
	require.NoError(t, err)
	assert.Equal(t, int64(125000), revenue)
	assert.Equal(t, int64(8300), profit)
	assert.Equal(t, int64(43), employees)
}

func TestStaging_Financials_Years(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{
		testFinancial(2023), testFinancial(2021), testFinancial(2022),
	}))

	years, err := st.ListFinancialYears(ctx, "ALFA123456789")
	require.NoError(t, err)
	assert.Equal(t, []int{2021, 2022, 2023}, years)

	years, err = st.ListFinancialYears(ctx, "UNKNOWN")
	require.NoError(t, err)
	assert.Empty(t, years)
}

func TestStaging_Financials_UpdateValidations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := testFinancial(2023)
	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{rec}))

	rec.ValidationStatus = model.ValidationWarning
	rec.ValidationErrors = []model.ValidationIssue{
		{Rule: "sdi_zero", Severity: "warning", Message: "SDI is zero"},
	}
	require.NoError(t, st.UpdateValidations(ctx, []model.FinancialRecord{rec}))

	warned, err := st.ListFinancialsByValidation(ctx, testJobID, model.ValidationWarning)
	require.NoError(t, err)
	require.Len(t, warned, 1)
	require.Len(t, warned[0].ValidationErrors, 1)
	assert.Equal(t, "sdi_zero", warned[0].ValidationErrors[0].Rule)

	valid, err := st.ListFinancialsByValidation(ctx, testJobID, model.ValidationValid)
	require.NoError(t, err)
	assert.Empty(t, valid)

	ghost := testFinancial(1999)
	ghost.ValidationStatus = model.ValidationValid
	assert.Error(t, st.UpdateValidations(ctx, []model.FinancialRecord{ghost}))
}

// --- Progress & failures ---

func TestStaging_Progress(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCompanies(ctx, []model.StagingCompany{
		testCompany("5560000001", "Alfa AB"),
		testCompany("5560000002", "Beta AB"),
		testCompany("5560000003", "Gamma AB"),
		testCompany("5560000004", "Delta AB"),
	}))
	require.NoError(t, st.SetCompanyID(ctx, testJobID, "5560000002", "BETA123456789"))
	require.NoError(t, st.SetCompanyID(ctx, testJobID, "5560000003", "GAMMA12345678"))
	require.NoError(t, st.MarkFinancialsFetched(ctx, testJobID, "5560000003", nil))
	require.NoError(t, st.MarkCompanyError(ctx, testJobID, "5560000004", "boom"))

	rec := testFinancial(2023)
	rec.ValidationStatus = model.ValidationValid
	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{rec}))

	p, err := st.Progress(ctx, testJobID)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 1, p.Pending)
	assert.Equal(t, 1, p.IDResolved)
	assert.Equal(t, 1, p.FinancialsFetched)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 1, p.FinancialRecords)
	assert.Equal(t, 1, p.ValidRecords)
}

func TestStaging_Failures_DerivedReasons(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCompanies(ctx, []model.StagingCompany{
		testCompany("5560000001", "Alfa AB"),
		testCompany("5560000002", "Beta AB"),
		testCompany("5560000003", "Gamma AB"),
	}))

	// Stage 1 failure: errored with no resolution attempt on record.
	require.NoError(t, st.MarkCompanyError(ctx, testJobID, "5560000001", "normalization failed"))

	// Stage 2 failure: errored with a failed mapping.
	require.NoError(t, st.MarkCompanyError(ctx, testJobID, "5560000002", ""))
	require.NoError(t, st.UpsertMappings(ctx, []model.CompanyIDMapping{
		{JobID: testJobID, Orgnr: "5560000002", Status: model.MappingStatusError,
			ErrorMessage: "no candidate matched"},
	}))

	// Stage 3 failure: resolved id but financial fetch errored.
	require.NoError(t, st.SetCompanyID(ctx, testJobID, "5560000003", "GAMMA12345678"))
	require.NoError(t, st.MarkCompanyError(ctx, testJobID, "5560000003", "upstream status 500"))

	failures, err := st.ListFailures(ctx, testJobID)
	require.NoError(t, err)
	require.Len(t, failures, 3)

	assert.Equal(t, "Stage 1 segmentation failed", failures[0].Reason)
	assert.Equal(t, "normalization failed", failures[0].Detail)

	assert.Equal(t, "Stage 2 companyId not resolved", failures[1].Reason)
	assert.Equal(t, "no candidate matched", failures[1].Detail)

	assert.Equal(t, "Stage 3 financials not fetched", failures[2].Reason)
	assert.Equal(t, "upstream status 500", failures[2].Detail)
}
