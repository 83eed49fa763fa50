package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// listingPage returns a page of n companies with unique orgnrs derived from
// the page number.
func listingPage(page, n int) *allabolag.SegmentationData {
	data := &allabolag.SegmentationData{}
	for i := 0; i < n; i++ {
		data.Companies = append(data.Companies, allabolag.CompanyDTO{
			OrganisationNumber: testOrgnr(page*100 + i),
			Name:               fmt.Sprintf("Bolag %d-%d AB", page, i),
		})
	}
	return data
}

func TestSegmentation_StopsAfterConsecutiveEmptyPages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	// 50 full pages of 10, then nothing. The listing does not reveal a
	// hit count, so the job learns the end from the empty run.
	fc := &fakeClient{}
	fc.setSegmentation(func(_ string, _ allabolag.Query, page int) (*allabolag.SegmentationData, error) {
		if page <= 50 {
			return listingPage(page, 10), nil
		}
		return emptyPage(), nil
	})
	ctl := newTestController(t, cfg, fc)

	id, err := ctl.StartJob(ctx, testFilters(), model.JobTypeSegmentation)
	require.NoError(t, err)

	job, err := ctl.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, job.Status)
	assert.Equal(t, 500, job.ProcessedCount)
	assert.Equal(t, 53, job.LastPage)
	assert.Equal(t, 500, job.TotalCompanies)

	st, release, err := ctl.Store(ctx, id)
	require.NoError(t, err)
	defer release()
	companies, err := st.ListCompanies(ctx, id, "")
	require.NoError(t, err)
	assert.Len(t, companies, 500)
}

func TestSegmentation_UsesUpstreamHitCount(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	fc := &fakeClient{}
	fc.setSegmentation(func(_ string, _ allabolag.Query, page int) (*allabolag.SegmentationData, error) {
		if page == 1 {
			data := listingPage(page, 10)
			data.NumberOfHits = allabolag.Int64{Value: 240, Valid: true}
			return data, nil
		}
		return emptyPage(), nil
	})
	ctl := newTestController(t, cfg, fc)

	id, err := ctl.StartJob(ctx, testFilters(), model.JobTypeSegmentation)
	require.NoError(t, err)

	job, err := ctl.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, job.Status)
	assert.Equal(t, 240, job.TotalCompanies)
	assert.Equal(t, 10, job.ProcessedCount)
}

func TestSegmentation_PageFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	fc := &fakeClient{}
	fc.setSegmentation(func(_ string, _ allabolag.Query, page int) (*allabolag.SegmentationData, error) {
		switch {
		case page == 2:
			return nil, eris.New("upstream hiccup")
		case page <= 4:
			return listingPage(page, 5), nil
		default:
			return emptyPage(), nil
		}
	})
	ctl := newTestController(t, cfg, fc)

	id, err := ctl.StartJob(ctx, testFilters(), model.JobTypeSegmentation)
	require.NoError(t, err)

	job, err := ctl.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, job.Status)
	assert.Equal(t, 15, job.ProcessedCount)
	assert.Equal(t, 1, job.ErrorCount)
	assert.Contains(t, job.LastError, "page 2")
}

func TestSegmentation_SkipsRowsWithoutOrgnr(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	fc := &fakeClient{}
	fc.setSegmentation(func(_ string, _ allabolag.Query, page int) (*allabolag.SegmentationData, error) {
		if page == 1 {
			return &allabolag.SegmentationData{
				Companies: []allabolag.CompanyDTO{
					{OrganisationNumber: "556000-0001", Name: "Alpha AB"},
					{OrganisationNumber: "", Name: "Namnlöst"},
				},
			}, nil
		}
		return emptyPage(), nil
	})
	ctl := newTestController(t, cfg, fc)

	id, err := ctl.StartJob(ctx, testFilters(), model.JobTypeSegmentation)
	require.NoError(t, err)

	job, err := ctl.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.ProcessedCount)

	st, release, err := ctl.Store(ctx, id)
	require.NoError(t, err)
	defer release()

	// Orgnr is stored digits-only.
	c, err := st.GetCompany(ctx, id, "5560000001")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Alpha AB", c.CompanyName)
}

func TestSegmentation_PromotesListingCompanyIDs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	fc := &fakeClient{}
	fc.setSegmentation(func(_ string, _ allabolag.Query, page int) (*allabolag.SegmentationData, error) {
		if page == 1 {
			return &allabolag.SegmentationData{
				Companies: []allabolag.CompanyDTO{
					{OrganisationNumber: "5560000001", Name: "Alpha AB", CompanyID: "CID-ALPHA"},
					{OrganisationNumber: "5560000002", Name: "Beta AB"},
				},
			}, nil
		}
		return emptyPage(), nil
	})
	ctl := newTestController(t, cfg, fc)

	id, err := ctl.StartJob(ctx, testFilters(), model.JobTypeSegmentation)
	require.NoError(t, err)

	job, err := ctl.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDone, job.Status)

	st, release, err := ctl.Store(ctx, id)
	require.NoError(t, err)
	defer release()

	alpha, err := st.GetCompany(ctx, id, "5560000001")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyStatusIDResolved, alpha.Status)
	assert.Equal(t, "CID-ALPHA", alpha.CompanyID)

	mapping, err := st.GetMapping(ctx, id, "5560000001")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "segmentation", mapping.Source)
	assert.Equal(t, model.MappingStatusResolved, mapping.Status)
	assert.InDelta(t, 1.0, mapping.ConfidenceScore, 1e-9)

	beta, err := st.GetCompany(ctx, id, "5560000002")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyStatusPending, beta.Status)
}
