package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func testRecord() model.FinancialRecord {
	return model.FinancialRecord{
		CompanyID: "K7PZX2Q5RA01",
		Orgnr:     "5561234567",
		Year:      2024,
		Period:    "2024-12",
		Currency:  "SEK",
		Accounts: model.Accounts{
			"SDI": 44212,
			"DR":  3100,
			"ORS": 4800,
			"EK":  5666,
			"ANT": 31,
		},
		JobID: "job-1",
	}
}

func TestRecord_Valid(t *testing.T) {
	rec := testRecord()
	res := Record(&rec, DefaultRules(), testNow)

	assert.Equal(t, model.ValidationValid, res.Status)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Nil(t, res.Issues())
}

func TestRecord_RequiredFields(t *testing.T) {
	rec := testRecord()
	rec.CompanyID = ""
	rec.Orgnr = ""
	rec.Year = 0

	res := Record(&rec, DefaultRules(), testNow)
	assert.Equal(t, model.ValidationInvalid, res.Status)
	assert.Len(t, res.Errors, 3)
}

func TestRecord_YearBounds(t *testing.T) {
	tests := []struct {
		name   string
		year   int
		status model.ValidationStatus
	}{
		{"too old", 1999, model.ValidationInvalid},
		{"far future", testNow.Year() + 2, model.ValidationInvalid},
		{"next year ok", testNow.Year() + 1, model.ValidationValid},
		{"old but allowed", 2005, model.ValidationWarning},
		{"boundary min", 2000, model.ValidationWarning},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := testRecord()
			rec.Year = tc.year
			res := Record(&rec, DefaultRules(), testNow)
			assert.Equal(t, tc.status, res.Status)
		})
	}
}

func TestRecord_Revenue(t *testing.T) {
	rec := testRecord()
	rec.Accounts["SDI"] = -500
	res := Record(&rec, DefaultRules(), testNow)
	require.Equal(t, model.ValidationInvalid, res.Status)
	assert.Equal(t, "revenue", res.Errors[0].Rule)

	rec = testRecord()
	rec.Accounts["SDI"] = 0
	res = Record(&rec, DefaultRules(), testNow)
	assert.Equal(t, model.ValidationWarning, res.Status)

	rec = testRecord()
	rec.Accounts["SDI"] = 2_000_000_000
	res = Record(&rec, DefaultRules(), testNow)
	assert.Equal(t, model.ValidationWarning, res.Status)
}

func TestRecord_MissingRevenueIsNotZero(t *testing.T) {
	// A report without an SDI line must not trip the zero-revenue warning;
	// absent and zero are distinct.
	rec := testRecord()
	delete(rec.Accounts, "SDI")
	res := Record(&rec, DefaultRules(), testNow)
	assert.Equal(t, model.ValidationValid, res.Status)
}

func TestRecord_PlausibilityCeilings(t *testing.T) {
	tests := []struct {
		code   string
		amount int64
	}{
		{"DR", 2_000_000_000},
		{"DR", -2_000_000_000},
		{"ORS", 2_000_000_000},
		{"EK", 2_000_000_000},
		{"EK", -2_000_000_000},
	}
	for _, tc := range tests {
		rec := testRecord()
		rec.Accounts[tc.code] = tc.amount
		res := Record(&rec, DefaultRules(), testNow)
		assert.Equal(t, model.ValidationWarning, res.Status, "%s=%d", tc.code, tc.amount)
		assert.Empty(t, res.Errors)
	}
}

func TestRecord_AllZeroHeadlines(t *testing.T) {
	rec := testRecord()
	rec.Accounts = model.Accounts{"SDI": 0, "DR": 0, "ORS": 0, "EK": 0}
	res := Record(&rec, DefaultRules(), testNow)

	require.Equal(t, model.ValidationWarning, res.Status)
	found := false
	for _, w := range res.Warnings {
		if w.Rule == "consistency" {
			found = true
		}
	}
	assert.True(t, found, "expected a consistency warning")
}

func TestRecord_ProfitMargin(t *testing.T) {
	rec := testRecord()
	rec.Accounts["SDI"] = 1000
	rec.Accounts["DR"] = 600
	res := Record(&rec, DefaultRules(), testNow)

	require.Equal(t, model.ValidationWarning, res.Status)
	assert.Contains(t, res.Warnings[0].Message, "profit margin")

	// Exactly at the ceiling passes.
	rec.Accounts["DR"] = 500
	res = Record(&rec, DefaultRules(), testNow)
	assert.Equal(t, model.ValidationValid, res.Status)
}

func TestRecord_Currency(t *testing.T) {
	rec := testRecord()
	rec.Currency = "EUR"
	res := Record(&rec, DefaultRules(), testNow)
	assert.Equal(t, model.ValidationWarning, res.Status)

	rec.Currency = ""
	res = Record(&rec, DefaultRules(), testNow)
	assert.Equal(t, model.ValidationValid, res.Status)
}

// Any error implies invalid even when warnings are also present, and a
// warning verdict never carries errors.
func TestRecord_StatusInvariants(t *testing.T) {
	rec := testRecord()
	rec.Year = 1999
	rec.Currency = "NOK"
	res := Record(&rec, DefaultRules(), testNow)

	assert.Equal(t, model.ValidationInvalid, res.Status)
	assert.NotEmpty(t, res.Errors)
	assert.NotEmpty(t, res.Warnings)

	issues := res.Issues()
	require.Len(t, issues, len(res.Errors)+len(res.Warnings))
	assert.Equal(t, "error", issues[0].Severity)
}

func TestJob_PersistsVerdicts(t *testing.T) {
	ctx := context.Background()
	st, err := staging.Open(ctx, t.TempDir(), "job-1")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	require.NoError(t, st.CreateJob(ctx, &model.Job{
		ID:      "job-1",
		JobType: model.JobTypeFullPipeline,
	}))

	good := testRecord()
	warn := testRecord()
	warn.Year = 2005
	warn.Period = "2005-12"
	bad := testRecord()
	bad.Year = 1980
	bad.Period = "1980-12"
	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{good, warn, bad}))

	sum, err := Job(ctx, st, "job-1", DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Valid)
	assert.Equal(t, 1, sum.Warning)
	assert.Equal(t, 1, sum.Invalid)

	invalid, err := st.ListFinancialsByValidation(ctx, "job-1", model.ValidationInvalid)
	require.NoError(t, err)
	require.Len(t, invalid, 1)
	assert.Equal(t, 1980, invalid[0].Year)
	assert.NotEmpty(t, invalid[0].ValidationErrors)
}

func TestJob_RerunReplacesVerdicts(t *testing.T) {
	ctx := context.Background()
	st, err := staging.Open(ctx, t.TempDir(), "job-1")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	require.NoError(t, st.CreateJob(ctx, &model.Job{
		ID:      "job-1",
		JobType: model.JobTypeFullPipeline,
	}))

	rec := testRecord()
	rec.Year = 2008
	require.NoError(t, st.UpsertFinancials(ctx, []model.FinancialRecord{rec}))

	sum, err := Job(ctx, st, "job-1", DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Warning)

	// Loosening the old-report threshold flips the verdict on rerun.
	rules := DefaultRules()
	rules.WarnBeforeYear = 2005
	sum, err = Job(ctx, st, "job-1", rules)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Valid)
	assert.Zero(t, sum.Warning)
}
