package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/internal/session"
	"github.com/sells-group/allabolag-cli/internal/staging"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// errNotResolved marks a company no search endpoint could match.
var errNotResolved = eris.New("pipeline: no candidate matched orgnr")

// searchSource is one entry in the stage 2 fallback chain. The HTML
// search is authoritative; the JSON endpoints are progressively less
// trusted mirrors.
type searchSource struct {
	name       string
	confidence float64
}

var jsonSources = []searchSource{
	{"bransch-sok.json", 0.9},
	{"search.json", 0.8},
	{"sok.json", 0.7},
}

// runStage2 resolves the opaque upstream companyId for every staged
// company that still lacks one. Work proceeds in insertion order through
// the stage's limiter; a company that cannot be resolved is parked with
// a reason and blocks stage 3 for that orgnr only.
func (c *Controller) runStage2(ctx context.Context, h *jobHandle, job *model.Job) error {
	limiter := h.limiters[model.StageIDResolution]
	sink := resilience.NewErrorSink(0)
	log := zap.L().With(zap.String("job_id", h.id), zap.String("stage", "stage2"))

	buildID, err := c.sessions.BuildID(ctx)
	if err != nil {
		return err
	}

	// Listings sometimes carry the id; promote those rows first so the
	// search chain only runs for the rest. Idempotent on resume.
	promoted, err := h.store.PromoteResolved(ctx, h.id)
	if err != nil {
		return err
	}

	companies, err := h.store.ListUnresolved(ctx, h.id)
	if err != nil {
		return err
	}

	processed := 0
	if cp, err := h.cp.Load(ctx, model.StageIDResolution); err == nil && cp != nil {
		processed = cp.ProcessedCount
	}

	log.Info("id resolution starting",
		zap.Int("unresolved", len(companies)),
		zap.Int("promoted", promoted),
	)

	var mu sync.Mutex
	var firstFatal error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Pipeline.ChunkConcurrency)

	for i := range companies {
		if err := h.control(ctx); err != nil {
			_ = g.Wait()
			c.stage2Progress(ctx, h, job, processed, sink)
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
				return c.resolveCompany(ctx, h, buildID, &comp)
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
				c.recordResolutionFailure(ctx, h, &comp, err)
			}
			processed++
			h.cp.Record(ctx, model.Checkpoint{
				Stage:                model.StageIDResolution,
				LastProcessedCompany: comp.Orgnr,
				ProcessedCount:       processed,
				ErrorCount:           sink.Count(),
			})
			return nil
		})
	}
	_ = g.Wait()

	c.stage2Progress(ctx, h, job, processed, sink)
	if firstFatal != nil {
		h.cp.Flush(ctx, model.StageIDResolution)
		return firstFatal
	}

	log.Info("id resolution finished",
		zap.Int("processed", processed),
		zap.Int("errors", sink.Count()),
	)
	return nil
}

func (c *Controller) stage2Progress(ctx context.Context, h *jobHandle, job *model.Job, processed int, sink *resilience.ErrorSink) {
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

// resolveCompany walks the search fallback chain and persists the first
// mapping whose candidate orgnr matches the target.
func (c *Controller) resolveCompany(ctx context.Context, h *jobHandle, buildID string, comp *model.StagingCompany) error {
	companyID, source, confidence, err := c.searchCompany(ctx, buildID, comp.CompanyName, comp.Orgnr)
	if err != nil {
		return err
	}

	if err := h.store.SetCompanyID(ctx, h.id, comp.Orgnr, companyID); err != nil {
		return err
	}
	now := time.Now().UTC()
	return h.store.UpsertMappings(ctx, []model.CompanyIDMapping{{
		JobID:           h.id,
		Orgnr:           comp.Orgnr,
		CompanyID:       companyID,
		Source:          source,
		ConfidenceScore: confidence,
		Status:          model.MappingStatusResolved,
		CreatedAt:       now,
		UpdatedAt:       now,
	}})
}

// searchCompany queries the HTML search first, then the JSON fallbacks,
// returning the first candidate whose organisation number matches.
func (c *Controller) searchCompany(ctx context.Context, buildID, name, orgnr string) (companyID, source string, confidence float64, err error) {
	want := allabolag.NormalizeOrgnr(orgnr)

	match := func(cands []allabolag.Candidate) string {
		for _, cand := range cands {
			if cand.CompanyID != "" && allabolag.NormalizeOrgnr(cand.Orgnr) == want {
				return cand.CompanyID
			}
		}
		return ""
	}

	var lastErr error

	var htmlCands []allabolag.Candidate
	err = c.sessions.WithSession(ctx, func(ctx context.Context, s *session.Session) error {
		var opErr error
		htmlCands, opErr = c.clientFor(s).SearchHTML(ctx, name)
		return opErr
	})
	switch {
	case err == nil:
		if id := match(htmlCands); id != "" {
			return id, "html", 1.0, nil
		}
	case fatalStage(err):
		return "", "", 0, err
	default:
		lastErr = err
	}

	urls := allabolag.SearchJSONURLs(allabolag.DefaultBaseURL, buildID, name)
	if base := c.cfg.Upstream.BaseURL; base != "" {
		urls = allabolag.SearchJSONURLs(base, buildID, name)
	}
	for i, u := range urls {
		var cands []allabolag.Candidate
		err = c.sessions.WithSession(ctx, func(ctx context.Context, s *session.Session) error {
			var opErr error
			cands, opErr = c.clientFor(s).SearchJSON(ctx, u)
			return opErr
		})
		if err != nil {
			if fatalStage(err) {
				return "", "", 0, err
			}
			lastErr = err
			continue
		}
		if id := match(cands); id != "" {
			src := jsonSources[i]
			return id, src.name, src.confidence, nil
		}
	}

	if lastErr != nil {
		return "", "", 0, lastErr
	}
	return "", "", 0, errNotResolved
}

// recordResolutionFailure parks the company and writes an errored mapping
// row so the failure listing can explain it.
func (c *Controller) recordResolutionFailure(ctx context.Context, h *jobHandle, comp *model.StagingCompany, cause error) {
	if err := h.store.MarkCompanyError(ctx, h.id, comp.Orgnr, cause.Error()); err != nil {
		zap.L().Warn("mark company error failed",
			zap.String("job_id", h.id),
			zap.String("orgnr", comp.Orgnr),
			zap.Error(err),
		)
	}
	now := time.Now().UTC()
	if err := h.store.UpsertMappings(ctx, []model.CompanyIDMapping{{
		JobID:        h.id,
		Orgnr:        comp.Orgnr,
		Status:       model.MappingStatusError,
		ErrorMessage: cause.Error(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}}); err != nil {
		zap.L().Warn("mapping write failed",
			zap.String("job_id", h.id),
			zap.String("orgnr", comp.Orgnr),
			zap.Error(err),
		)
	}
}
