package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// previewSamplePages is how many extra pages a preview samples when the
// upstream omits the hit count.
const previewSamplePages = 4

// expectedPagesFactor scales the sampled per-page average into the
// estimate. The listing paginates well past the sample, so the product
// is a lower bound, not a prediction.
const expectedPagesFactor = 10

// PreviewResult is the answer to a segmentation preview.
type PreviewResult struct {
	Count       int64 `json:"count"`
	IsExact     bool  `json:"is_exact"`
	IsEstimated bool  `json:"is_estimated"`
	// Learned upstream bounds from the first page's limits block.
	ProfitMin *int64 `json:"profit_min,omitempty"`
	ProfitMax *int64 `json:"profit_max,omitempty"`
	// SampledPages counts every page fetched, the first included.
	SampledPages int `json:"sampled_pages"`
}

// Preview sizes a filter band without creating a job: one page, plus a
// handful of sampled pages only when the upstream omits numberOfHits.
// When the operator left the profit bounds open and the upstream reveals
// its learned limits, a second fetch with those bounds usually yields an
// authoritative count.
func (c *Controller) Preview(ctx context.Context, filters model.Filters) (*PreviewResult, error) {
	if err := filters.Validate(); err != nil {
		return nil, resilience.NewConfigError(err.Error())
	}
	normalized := filters.Normalize()
	q := allabolag.Query{
		RevenueFrom: normalized.RevenueFrom,
		RevenueTo:   normalized.RevenueTo,
		ProfitFrom:  normalized.ProfitFrom,
		ProfitTo:    normalized.ProfitTo,
		CompanyType: normalized.CompanyType,
	}

	buildID, err := c.sessions.BuildID(ctx)
	if err != nil {
		return nil, err
	}

	first, err := c.fetchSegmentationPage(ctx, buildID, q, 1, true)
	if err != nil {
		return nil, err
	}

	res := &PreviewResult{SampledPages: 1}
	if lim := first.Limits; lim != nil {
		res.ProfitMin = lim.ProfitMin.Ptr()
		res.ProfitMax = lim.ProfitMax.Ptr()
	}

	// Re-query with the learned profit bounds when the operator omitted
	// them; the constrained query tends to carry the authoritative count.
	if normalized.ProfitFrom == nil && normalized.ProfitTo == nil &&
		res.ProfitMin != nil && res.ProfitMax != nil {
		bounded := q
		bounded.ProfitFrom = res.ProfitMin
		bounded.ProfitTo = res.ProfitMax

		second, err := c.fetchSegmentationPage(ctx, buildID, bounded, 1, true)
		if err != nil {
			zap.L().Warn("preview refetch with learned bounds failed", zap.Error(err))
		} else {
			res.SampledPages++
			if second.NumberOfHits.Valid {
				res.Count = second.NumberOfHits.Value
				res.IsExact = true
				return res, nil
			}
		}
	}

	if first.NumberOfHits.Valid {
		res.Count = first.NumberOfHits.Value
		res.IsExact = true
		return res, nil
	}

	// No authoritative count anywhere: sample a few more pages and
	// extrapolate a documented lower bound.
	companies := len(first.Companies)
	pages := 1
	for page := 2; page <= 1+previewSamplePages; page++ {
		data, err := c.fetchSegmentationPage(ctx, buildID, q, page, false)
		if err != nil {
			zap.L().Warn("preview sample page failed", zap.Int("page", page), zap.Error(err))
			break
		}
		res.SampledPages++
		pages++
		companies += len(data.Companies)
		if len(data.Companies) == 0 {
			break
		}
	}

	avg := int64(0)
	if pages > 0 {
		avg = int64(companies / pages)
	}
	res.Count = avg * expectedPagesFactor
	res.IsEstimated = true
	return res, nil
}
