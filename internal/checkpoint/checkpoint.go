// Package checkpoint batches per-stage progress snapshots so an interrupted
// job can resume close to where it stopped. Writes go through the job's
// staging store; a failed write is logged and skipped, never fatal.
package checkpoint

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
)

// defaultInterval is how many processed companies accumulate between
// checkpoint writes inside a stage. Stage boundaries always write.
const defaultInterval = 10

// Store is the slice of the staging store the checkpoint manager needs.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, jobID string, stage model.JobStage) (*model.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
}

// Manager tracks progress for one running job. Safe for concurrent use by
// the stage workers.
type Manager struct {
	store    Store
	jobID    string
	interval int

	mu      sync.Mutex
	pending map[model.JobStage]*model.Checkpoint
	written map[model.JobStage]int
	primed  map[model.JobStage]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithInterval overrides how many processed companies pass between writes.
func WithInterval(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.interval = n
		}
	}
}

// NewManager creates a checkpoint manager for one job.
func NewManager(store Store, jobID string, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		jobID:    jobID,
		interval: defaultInterval,
		pending:  make(map[model.JobStage]*model.Checkpoint),
		written:  make(map[model.JobStage]int),
		primed:   make(map[model.JobStage]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record notes the latest progress for a stage and writes it once the
// interval has accumulated since the last write. processedCount never moves
// backward across runs: a resumed stage starts from the stored count.
func (m *Manager) Record(ctx context.Context, cp model.Checkpoint) {
	cp.JobID = m.jobID
	base := m.baseline(ctx, cp.Stage)

	m.mu.Lock()
	m.pending[cp.Stage] = &cp
	m.mu.Unlock()

	if cp.ProcessedCount >= base+m.interval {
		m.flush(ctx, cp.Stage, false)
	}
}

// Flush writes the stage's pending snapshot regardless of the interval.
// Called at stage boundaries and before the job parks (pause, error).
func (m *Manager) Flush(ctx context.Context, stage model.JobStage) {
	m.flush(ctx, stage, true)
}

// Load returns the stored checkpoint for a stage, nil when none exists.
func (m *Manager) Load(ctx context.Context, stage model.JobStage) (*model.Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, m.jobID, stage)
}

// baseline returns the processed count already persisted for a stage,
// reading the store once per stage per manager lifetime.
func (m *Manager) baseline(ctx context.Context, stage model.JobStage) int {
	m.mu.Lock()
	if m.primed[stage] {
		n := m.written[stage]
		m.mu.Unlock()
		return n
	}
	m.mu.Unlock()

	n := 0
	if prior, err := m.store.GetCheckpoint(ctx, m.jobID, stage); err == nil && prior != nil {
		n = prior.ProcessedCount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed[stage] {
		m.primed[stage] = true
		m.written[stage] = n
	}
	return m.written[stage]
}

func (m *Manager) flush(ctx context.Context, stage model.JobStage, force bool) {
	m.mu.Lock()
	cp := m.pending[stage]
	if cp == nil {
		m.mu.Unlock()
		return
	}
	written := m.written[stage]
	// Never persist a count below what is already stored; an unforced
	// write with no new progress is skipped too.
	if cp.ProcessedCount < written || (!force && cp.ProcessedCount == written) {
		m.mu.Unlock()
		return
	}
	snapshot := *cp
	m.mu.Unlock()

	if err := m.store.SaveCheckpoint(ctx, &snapshot); err != nil {
		zap.L().Warn("checkpoint write failed",
			zap.String("job_id", m.jobID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	if snapshot.ProcessedCount > m.written[stage] {
		m.written[stage] = snapshot.ProcessedCount
	}
	m.primed[stage] = true
	if m.pending[stage] == cp {
		m.pending[stage] = nil
	}
	m.mu.Unlock()
}

// Resume joins the job row with its latest checkpoint into the snapshot a
// restart needs. Terminal jobs report CanResume false.
func Resume(ctx context.Context, store Store, jobID string) (*model.ResumeInfo, error) {
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	info := &model.ResumeInfo{
		CanResume:      !job.Status.Terminal(),
		LastStage:      job.Stage,
		LastPage:       job.LastPage,
		ProcessedCount: job.ProcessedCount,
		TotalCompanies: job.TotalCompanies,
	}
	cp, err := store.LatestCheckpoint(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		info.LastStage = cp.Stage
		info.LastPage = cp.LastProcessedPage
		info.ProcessedCount = cp.ProcessedCount
	}
	return info, nil
}
