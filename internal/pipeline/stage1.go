package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/internal/session"
	"github.com/sells-group/allabolag-cli/internal/staging"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// runStage1 paginates the filtered listing and stages every company it
// yields. Pages are fetched in batches with bounded per-chunk concurrency;
// results are processed in page order so emptiness detection and
// checkpointing stay deterministic.
func (c *Controller) runStage1(ctx context.Context, h *jobHandle, job *model.Job) error {
	limiter := h.limiters[model.StageSegmentation]
	sink := resilience.NewErrorSink(0)
	log := zap.L().With(zap.String("job_id", h.id), zap.String("stage", "stage1"))

	buildID, err := c.sessions.BuildID(ctx)
	if err != nil {
		return err
	}

	startPage := job.LastPage + 1
	processed := job.ProcessedCount
	total := job.TotalCompanies
	if cp, err := h.cp.Load(ctx, model.StageSegmentation); err == nil && cp != nil {
		if cp.LastProcessedPage >= job.LastPage {
			startPage = cp.LastProcessedPage + 1
		}
		if cp.ProcessedCount > processed {
			processed = cp.ProcessedCount
		}
	}

	filters := job.Params.Normalize()
	q := allabolag.Query{
		RevenueFrom: filters.RevenueFrom,
		RevenueTo:   filters.RevenueTo,
		ProfitFrom:  filters.ProfitFrom,
		ProfitTo:    filters.ProfitTo,
		CompanyType: filters.CompanyType,
	}

	batchSize := c.cfg.Pipeline.BatchSize
	maxPages := c.cfg.Pipeline.MaxPages
	maxEmpty := c.cfg.Pipeline.MaxEmptyPages
	lastPage := job.LastPage
	emptyRun := 0

	log.Info("segmentation starting",
		zap.Int("start_page", startPage),
		zap.Int("max_pages", maxPages),
	)

	progress := func(lastError string) {
		if err := h.store.UpdateJobProgress(ctx, h.id, staging.JobProgress{
			LastPage:       lastPage,
			ProcessedCount: processed,
			TotalCompanies: total,
			ErrorCount:     sink.Count(),
			LastError:      lastError,
			RateLimitStats: h.rateStats(),
		}); err != nil {
			log.Warn("progress write failed", zap.Error(err))
		}
	}

	type pageResult struct {
		page int
		data *allabolag.SegmentationData
		err  error
	}

pages:
	for batchStart := startPage; batchStart <= maxPages; batchStart += batchSize {
		if err := h.controlStore(ctx); err != nil {
			progress(sink.Message())
			return err
		}

		batchEnd := min(batchStart+batchSize-1, maxPages)
		results := make([]pageResult, batchEnd-batchStart+1)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Pipeline.ChunkConcurrency)
		for i := range results {
			page := batchStart + i
			results[i].page = page
			g.Go(func() error {
				results[i].err = limiter.Execute(gctx, func(ctx context.Context) error {
					data, err := c.fetchSegmentationPage(ctx, buildID, q, page, page == 1)
					if err != nil {
						return err
					}
					results[i].data = data
					return nil
				})
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			if r.err != nil {
				if fatalStage(r.err) {
					// Checkpoint at the last fully processed page so a
					// resume re-fetches from the failed one.
					h.cp.Record(ctx, model.Checkpoint{
						Stage:             model.StageSegmentation,
						LastProcessedPage: lastPage,
						ProcessedCount:    processed,
						ErrorCount:        sink.Count(),
						LastError:         r.err.Error(),
					})
					h.cp.Flush(ctx, model.StageSegmentation)
					progress(r.err.Error())
					return r.err
				}
				sink.Add(fmt.Sprintf("page %d", r.page), r.err)
				log.Warn("page failed", zap.Int("page", r.page), zap.Error(r.err))
				continue
			}

			companies := stagingCompanies(h.id, r.data.Companies)
			if r.page == 1 && r.data.NumberOfHits.Valid {
				total = int(r.data.NumberOfHits.Value)
			}

			if len(companies) > 0 {
				if err := h.store.UpsertCompanies(ctx, companies); err != nil {
					progress(err.Error())
					return err
				}
				processed += len(companies)
				emptyRun = 0
			} else if r.page > 1 {
				emptyRun++
			}
			lastPage = r.page

			h.cp.Record(ctx, model.Checkpoint{
				Stage:             model.StageSegmentation,
				LastProcessedPage: lastPage,
				ProcessedCount:    processed,
				ErrorCount:        sink.Count(),
			})

			if emptyRun >= maxEmpty {
				log.Info("listing exhausted",
					zap.Int("last_page", lastPage),
					zap.Int("empty_pages", emptyRun),
				)
				break pages
			}
		}
		progress(sink.Message())
	}

	// Listings sometimes expose the companyId directly; promote those so
	// stage 2 only works the genuinely unresolved rows.
	promoted, err := h.store.PromoteResolved(ctx, h.id)
	if err != nil {
		return err
	}
	if total == 0 {
		total = processed
	}
	progress(sink.Message())

	log.Info("segmentation finished",
		zap.Int("last_page", lastPage),
		zap.Int("companies", processed),
		zap.Int("promoted", promoted),
		zap.Int("errors", sink.Count()),
	)
	return nil
}

// fetchSegmentationPage fetches one listing page through the session
// layer. An empty first page usually means a stale session, so it is
// reported once via the session marker before being accepted as truth.
func (c *Controller) fetchSegmentationPage(ctx context.Context, buildID string, q allabolag.Query, page int, first bool) (*allabolag.SegmentationData, error) {
	var out *allabolag.SegmentationData
	reportedEmpty := false
	err := c.withParseRetry(ctx, func(ctx context.Context) error {
		return c.sessions.WithSession(ctx, func(ctx context.Context, s *session.Session) error {
			data, err := c.clientFor(s).Segmentation(ctx, buildID, q, page)
			if err != nil {
				return err
			}
			if first && len(data.Companies) == 0 && !reportedEmpty {
				reportedEmpty = true
				return session.ErrEmptyFirstPage
			}
			out = data
			return nil
		})
	})
	return out, err
}

// stagingCompanies normalizes listing DTOs into staging rows. Rows
// without an organisation number cannot key and are skipped.
func stagingCompanies(jobID string, dtos []allabolag.CompanyDTO) []model.StagingCompany {
	now := time.Now().UTC()
	out := make([]model.StagingCompany, 0, len(dtos))
	for _, d := range dtos {
		orgnr := allabolag.NormalizeOrgnr(strings.TrimSpace(d.OrganisationNumber))
		if orgnr == "" {
			zap.L().Warn("listing row without orgnr skipped",
				zap.String("job_id", jobID),
				zap.String("name", d.BestName()),
			)
			continue
		}
		out = append(out, model.StagingCompany{
			JobID:            jobID,
			Orgnr:            orgnr,
			CompanyName:      d.BestName(),
			CompanyID:        string(d.CompanyID),
			CompanyIDHint:    string(d.CompanyID),
			Homepage:         d.HomePage,
			NaceCategories:   d.NaceCategories,
			SegmentName:      d.SegmentNames(),
			RevenueSEK:       d.Revenue.Ptr(),
			ProfitSEK:        d.Profit.Ptr(),
			FoundationYear:   d.FoundationYear.Ptr(),
			AccountsLastYear: d.AccountsUpdatedAt,
			ScrapedAt:        now,
			Status:           model.CompanyStatusPending,
		})
	}
	return out
}
