package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/internal/session"
	"github.com/sells-group/allabolag-cli/internal/staging"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// runStage3 fetches the annual accounts for every company stage 2
// resolved. A company with no filings upstream completes cleanly with no
// records; financial rows upsert on (companyId, year, period) so a
// resumed stage converges on the same row set.
func (c *Controller) runStage3(ctx context.Context, h *jobHandle, job *model.Job) error {
	limiter := h.limiters[model.StageFinancials]
	sink := resilience.NewErrorSink(0)
	log := zap.L().With(zap.String("job_id", h.id), zap.String("stage", "stage3"))

	buildID, err := c.sessions.BuildID(ctx)
	if err != nil {
		return err
	}

	companies, err := h.store.ListResolved(ctx, h.id)
	if err != nil {
		return err
	}

	processed := 0
	if cp, err := h.cp.Load(ctx, model.StageFinancials); err == nil && cp != nil {
		processed = cp.ProcessedCount
	}

	log.Info("financial fetch starting", zap.Int("companies", len(companies)))

	var mu sync.Mutex
	var firstFatal error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Pipeline.ChunkConcurrency)

	for i := range companies {
		if err := h.control(ctx); err != nil {
			_ = g.Wait()
			c.stage3Progress(ctx, h, job, processed, sink)
			return err
		}
		mu.Lock()
		fatal := firstFatal
		mu.Unlock()
		if fatal != nil {
			break
		}

		comp := companies[i]
		g.Go(func() error {
			err := limiter.Execute(gctx, func(ctx context.Context) error {
				return c.fetchFinancials(ctx, h, buildID, &comp)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fatalStage(err) {
					if firstFatal == nil {
						firstFatal = err
					}
					return nil
				}
				sink.Add(comp.Orgnr, err)
				if merr := h.store.MarkCompanyError(ctx, h.id, comp.Orgnr, err.Error()); merr != nil {
					log.Warn("mark company error failed", zap.String("orgnr", comp.Orgnr), zap.Error(merr))
				}
			}
			processed++
			h.cp.Record(ctx, model.Checkpoint{
				Stage:                model.StageFinancials,
				LastProcessedCompany: comp.Orgnr,
				ProcessedCount:       processed,
				ErrorCount:           sink.Count(),
			})
			return nil
		})
	}
	_ = g.Wait()

	c.stage3Progress(ctx, h, job, processed, sink)
	if firstFatal != nil {
		h.cp.Flush(ctx, model.StageFinancials)
		return firstFatal
	}

	log.Info("financial fetch finished",
		zap.Int("processed", processed),
		zap.Int("errors", sink.Count()),
	)
	return nil
}

func (c *Controller) stage3Progress(ctx context.Context, h *jobHandle, job *model.Job, processed int, sink *resilience.ErrorSink) {
	if err := h.store.UpdateJobProgress(ctx, h.id, staging.JobProgress{
		LastPage:       job.LastPage,
		ProcessedCount: processed,
		TotalCompanies: job.TotalCompanies,
		ErrorCount:     sink.Count(),
		LastError:      sink.Message(),
		RateLimitStats: h.rateStats(),
	}); err != nil {
		zap.L().Warn("progress write failed", zap.String("job_id", h.id), zap.Error(err))
	}
}

// fetchFinancials pulls one company's reports and metadata and stages
// them. ErrNoFilings is a clean completion: the upstream simply has no
// statutory reports for the id.
func (c *Controller) fetchFinancials(ctx context.Context, h *jobHandle, buildID string, comp *model.StagingCompany) error {
	var details *allabolag.CompanyDetails
	err := c.withParseRetry(ctx, func(ctx context.Context) error {
		return c.sessions.WithSession(ctx, func(ctx context.Context, s *session.Session) error {
			var opErr error
			details, opErr = c.clientFor(s).Company(ctx, buildID, comp.CompanyID, comp.CompanyName, firstSegment(comp))
			return opErr
		})
	})
	if errors.Is(err, allabolag.ErrNoFilings) {
		zap.L().Debug("company has no filings",
			zap.String("job_id", h.id),
			zap.String("orgnr", comp.Orgnr),
		)
		return h.store.MarkFinancialsFetched(ctx, h.id, comp.Orgnr, nil)
	}
	if err != nil {
		return err
	}

	records := financialRecords(h.id, comp, details)
	if len(records) > 0 {
		if err := h.store.UpsertFinancials(ctx, records); err != nil {
			return err
		}
	}
	return h.store.MarkFinancialsFetched(ctx, h.id, comp.Orgnr, companyMetadata(details))
}

// financialRecords projects the upstream reports onto staging records.
// Reports without a usable year cannot key and are dropped.
func financialRecords(jobID string, comp *model.StagingCompany, details *allabolag.CompanyDetails) []model.FinancialRecord {
	out := make([]model.FinancialRecord, 0, len(details.CompanyAccounts))
	for _, rep := range details.CompanyAccounts {
		if !rep.Year.Valid {
			continue
		}

		amounts := rep.AccountMap()
		accounts := make(model.Accounts, len(amounts))
		for _, code := range model.AccountCodes {
			if v, ok := amounts[code]; ok {
				accounts[code] = v
			}
		}

		raw, err := json.Marshal(rep)
		if err != nil {
			raw = nil
		}
		currency := rep.Currency
		if currency == "" {
			currency = "SEK"
		}

		out = append(out, model.FinancialRecord{
			CompanyID:   comp.CompanyID,
			Orgnr:       comp.Orgnr,
			Year:        int(rep.Year.Value),
			Period:      string(rep.Period),
			PeriodStart: rep.PeriodStart,
			PeriodEnd:   rep.PeriodEnd,
			Currency:    currency,
			Accounts:    accounts,
			RawData:     raw,
			JobID:       jobID,
		})
	}
	return out
}

// companyMetadata lifts the descriptive fields off the company payload.
func companyMetadata(details *allabolag.CompanyDetails) *model.CompanyMetadata {
	return &model.CompanyMetadata{
		Employees:        details.Employees.Ptr(),
		Description:      details.Description,
		Phone:            details.Phone,
		Email:            details.Email,
		LegalName:        details.LegalName,
		Domicile:         details.Domicile,
		Signatory:        details.Signatory,
		Directors:        details.Directors,
		FoundationDate:   details.FoundationDate,
		BusinessUnitType: string(details.BusinessUnitType),
		Industries:       details.Industries,
		Certificates:     details.Certificates,
		ExternalLinks:    details.ExternalLinks,
	}
}

// firstSegment returns the company's leading industry segment, or "-"
// which the upstream accepts as a wildcard.
func firstSegment(comp *model.StagingCompany) string {
	if len(comp.SegmentName) > 0 && comp.SegmentName[0] != "" {
		return comp.SegmentName[0]
	}
	return "-"
}
