// Package monitoring aggregates job and egress health across every
// staging file and raises webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/proxy"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

// MetricsSnapshot holds a point-in-time view of scrape health across all
// jobs in the staging directory.
type MetricsSnapshot struct {
	// Job counts by status.
	JobsTotal   int `json:"jobs_total"`
	JobsRunning int `json:"jobs_running"`
	JobsPaused  int `json:"jobs_paused"`
	JobsDone    int `json:"jobs_done"`
	JobsError   int `json:"jobs_error"`
	JobsStopped int `json:"jobs_stopped"`

	// Staged rows across all jobs.
	CompaniesStaged  int `json:"companies_staged"`
	CompaniesFailed  int `json:"companies_failed"`
	FinancialRecords int `json:"financial_records"`
	ValidRecords     int `json:"valid_records"`
	WarningRecords   int `json:"warning_records"`
	InvalidRecords   int `json:"invalid_records"`

	// CompanyFailRate is failed over total staged companies.
	CompanyFailRate float64 `json:"company_fail_rate"`

	// Egress counters, when a gateway is attached.
	Proxy *proxy.StatsSnapshot `json:"proxy,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// GatewayStats is the slice of the proxy gateway the collector reads.
type GatewayStats interface {
	Stats() proxy.StatsSnapshot
}

// Collector gathers metrics from the staging directory and the gateway.
type Collector struct {
	stagingDir string
	gateway    GatewayStats
}

// NewCollector creates a metrics collector. gateway may be nil when no
// egress is configured (e.g. a read-only control surface).
func NewCollector(stagingDir string, gateway GatewayStats) *Collector {
	return &Collector{stagingDir: stagingDir, gateway: gateway}
}

// Collect walks every staging file and aggregates job status and row
// counts. A file that cannot be opened is skipped with a warning rather
// than failing the whole snapshot; one corrupt job must not blind the
// health check.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	ids, err := staging.ListJobFiles(c.stagingDir)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.collectJob(ctx, id, snap); err != nil {
			zap.L().Warn("monitoring: skipping unreadable staging file",
				zap.String("job_id", id), zap.Error(err))
		}
	}

	if snap.CompaniesStaged > 0 {
		snap.CompanyFailRate = float64(snap.CompaniesFailed) / float64(snap.CompaniesStaged)
	}
	if c.gateway != nil {
		stats := c.gateway.Stats()
		snap.Proxy = &stats
	}
	return snap, nil
}

func (c *Collector) collectJob(ctx context.Context, jobID string, snap *MetricsSnapshot) error {
	st, err := staging.OpenExisting(ctx, c.stagingDir, jobID)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	snap.JobsTotal++
	switch job.Status {
	case model.JobStatusRunning:
		snap.JobsRunning++
	case model.JobStatusPaused:
		snap.JobsPaused++
	case model.JobStatusDone:
		snap.JobsDone++
	case model.JobStatusError:
		snap.JobsError++
	case model.JobStatusStopped:
		snap.JobsStopped++
	}

	p, err := st.Progress(ctx, jobID)
	if err != nil {
		return err
	}
	snap.CompaniesStaged += p.Total
	snap.CompaniesFailed += p.Failed
	snap.FinancialRecords += p.FinancialRecords
	snap.ValidRecords += p.ValidRecords
	snap.WarningRecords += p.WarningRecords
	snap.InvalidRecords += p.InvalidRecords
	return nil
}
