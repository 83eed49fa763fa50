// Package pipeline orchestrates the three scrape stages over a job's
// staging store: segmentation, company-id resolution, and financial
// fetch. The Controller is the only component that creates jobs and
// moves their status; stages run as cooperative workers that poll for
// pause and stop between requests.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/checkpoint"
	"github.com/sells-group/allabolag-cli/internal/config"
	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/ratelimit"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/internal/session"
	"github.com/sells-group/allabolag-cli/internal/staging"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// Cooperative control markers. Workers return these from their polling
// points; the controller turns them into the matching status transition.
var (
	errPauseRequested = eris.New("pipeline: pause requested")
	errStopRequested  = eris.New("pipeline: stop requested")
)

// Sessions is the slice of the session manager the stages use.
type Sessions interface {
	BuildID(ctx context.Context) (string, error)
	WithSession(ctx context.Context, op func(ctx context.Context, s *session.Session) error) error
	Invalidate()
}

// ClientFactory builds a wire client bound to one session.
type ClientFactory func(s *session.Session) allabolag.Client

// Controller owns job lifecycle: creation, stage progression, and every
// status transition. One controller per process.
type Controller struct {
	cfg       *config.Config
	sessions  Sessions
	clientFor ClientFactory

	mu      sync.Mutex
	handles map[string]*jobHandle
}

// NewController wires a controller. The client factory lets tests
// substitute a fake upstream.
func NewController(cfg *config.Config, sessions Sessions, clientFor ClientFactory) *Controller {
	return &Controller{
		cfg:       cfg,
		sessions:  sessions,
		clientFor: clientFor,
		handles:   make(map[string]*jobHandle),
	}
}

// jobHandle is the in-process state of one running job.
type jobHandle struct {
	id       string
	store    *staging.Store
	cp       *checkpoint.Manager
	limiters map[model.JobStage]*ratelimit.Limiter

	cancel context.CancelFunc
	done   chan struct{}

	flagMu sync.Mutex
	pause  bool
	stop   bool

	finalErr error
}

func (c *Controller) newHandle(id string, st *staging.Store) *jobHandle {
	return &jobHandle{
		id:    id,
		store: st,
		cp:    checkpoint.NewManager(st, id, checkpoint.WithInterval(c.cfg.Pipeline.CheckpointEvery)),
		limiters: map[model.JobStage]*ratelimit.Limiter{
			model.StageSegmentation: ratelimit.New("stage1", ratelimit.FromStage(c.cfg.Stages.Stage1)),
			model.StageIDResolution: ratelimit.New("stage2", ratelimit.FromStage(c.cfg.Stages.Stage2)),
			model.StageFinancials:   ratelimit.New("stage3", ratelimit.FromStage(c.cfg.Stages.Stage3)),
		},
		done: make(chan struct{}),
	}
}

// control is the per-request polling point for cooperative pause/stop.
func (h *jobHandle) control(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "pipeline: cancelled")
	}
	h.flagMu.Lock()
	defer h.flagMu.Unlock()
	if h.stop {
		return errStopRequested
	}
	if h.pause {
		return errPauseRequested
	}
	return nil
}

// controlStore additionally re-reads the job row, so a pause or stop
// issued by another process against the same staging file is honored at
// batch boundaries.
func (h *jobHandle) controlStore(ctx context.Context) error {
	if err := h.control(ctx); err != nil {
		return err
	}
	job, err := h.store.GetJob(ctx, h.id)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.JobStatusStopped:
		return errStopRequested
	case model.JobStatusPaused:
		return errPauseRequested
	}
	return nil
}

func (h *jobHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// rateStats serializes the per-stage limiter snapshots for the job row.
func (h *jobHandle) rateStats() json.RawMessage {
	m := make(map[string]ratelimit.Snapshot, len(h.limiters))
	for stage, l := range h.limiters {
		m[string(stage)] = l.Snapshot()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// stagesFor maps a job type to its ordered stage plan.
func stagesFor(jt model.JobType) []model.JobStage {
	switch jt {
	case model.JobTypeIDResolution:
		return []model.JobStage{model.StageIDResolution}
	case model.JobTypeFinancials:
		return []model.JobStage{model.StageFinancials}
	case model.JobTypeFullPipeline:
		return []model.JobStage{model.StageSegmentation, model.StageIDResolution, model.StageFinancials}
	default:
		return []model.JobStage{model.StageSegmentation}
	}
}

// StartJob creates a job for the filter band and launches its first stage
// in the background, returning the job id immediately.
func (c *Controller) StartJob(ctx context.Context, filters model.Filters, jobType model.JobType) (string, error) {
	if err := filters.Validate(); err != nil {
		return "", resilience.NewConfigError(err.Error())
	}
	hash, err := filters.Hash()
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	st, err := staging.Open(ctx, c.cfg.Staging.Dir, id)
	if err != nil {
		return "", err
	}

	job := &model.Job{
		ID:         id,
		JobType:    jobType,
		FilterHash: hash,
		Params:     filters.Normalize(),
		Status:     model.JobStatusRunning,
		Stage:      stagesFor(jobType)[0],
	}
	if err := st.CreateJob(ctx, job); err != nil {
		st.Close() //nolint:errcheck
		return "", err
	}

	h := c.newHandle(id, st)
	c.launch(h)

	zap.L().Info("job started",
		zap.String("job_id", id),
		zap.String("job_type", string(jobType)),
		zap.String("filter_hash", hash),
	)
	return id, nil
}

// Resume re-enters an interrupted job at its last stage. Paused and
// errored jobs qualify; terminal jobs do not.
func (c *Controller) Resume(ctx context.Context, jobID string) error {
	if h := c.handle(jobID); h != nil && !h.finished() {
		return eris.Errorf("pipeline: job %s is still running", jobID)
	}

	st, err := staging.OpenExisting(ctx, c.cfg.Staging.Dir, jobID)
	if err != nil {
		return err
	}
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		st.Close() //nolint:errcheck
		return err
	}
	if !job.Status.CanTransition(model.JobStatusRunning) {
		st.Close() //nolint:errcheck
		return eris.Errorf("pipeline: job %s is %s, not resumable", jobID, job.Status)
	}
	if err := st.TransitionJob(ctx, jobID, job.Status, model.JobStatusRunning, ""); err != nil {
		st.Close() //nolint:errcheck
		return err
	}

	h := c.newHandle(jobID, st)
	c.launch(h)

	zap.L().Info("job resumed",
		zap.String("job_id", jobID),
		zap.String("stage", string(job.Stage)),
	)
	return nil
}

func (c *Controller) launch(h *jobHandle) {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	c.mu.Lock()
	if prev := c.handles[h.id]; prev != nil && prev.finished() {
		prev.store.Close() //nolint:errcheck
	}
	c.handles[h.id] = h
	c.mu.Unlock()

	go c.runJob(runCtx, h)
}

// runJob drives the stage plan and applies the final status disposition.
func (c *Controller) runJob(ctx context.Context, h *jobHandle) {
	defer close(h.done)

	err := c.runStages(ctx, h)
	h.finalErr = err
	c.settle(ctx, h, err)
}

func (c *Controller) runStages(ctx context.Context, h *jobHandle) error {
	job, err := h.store.GetJob(ctx, h.id)
	if err != nil {
		return err
	}

	plan := stagesFor(job.JobType)
	start := 0
	for i, stage := range plan {
		if stage == job.Stage {
			start = i
			break
		}
	}

	for i := start; i < len(plan); i++ {
		stage := plan[i]
		if stage != job.Stage {
			if err := h.store.SetJobStage(ctx, h.id, stage); err != nil {
				return err
			}
			job.Stage = stage
		}

		var stageErr error
		switch stage {
		case model.StageSegmentation:
			stageErr = c.runStage1(ctx, h, job)
		case model.StageIDResolution:
			stageErr = c.runStage2(ctx, h, job)
		case model.StageFinancials:
			stageErr = c.runStage3(ctx, h, job)
		}
		h.cp.Flush(ctx, stage)
		if stageErr != nil {
			return stageErr
		}
	}
	return nil
}

// settle maps the stage outcome onto the status machine. Stops are
// terminal; a pause and an exhausted proxy pool both park the job
// resumable; everything else is an operator-visible error.
func (c *Controller) settle(ctx context.Context, h *jobHandle, err error) {
	// The run context may already be cancelled; status writes use a
	// fresh context so the final transition always lands.
	ctx = context.WithoutCancel(ctx)

	transition := func(to model.JobStatus, lastError string) {
		if terr := h.store.TransitionJob(ctx, h.id, model.JobStatusRunning, to, lastError); terr != nil {
			zap.L().Warn("final status transition failed",
				zap.String("job_id", h.id),
				zap.String("to", string(to)),
				zap.Error(terr),
			)
		}
	}

	switch {
	case err == nil:
		transition(model.JobStatusDone, "")
		zap.L().Info("job done", zap.String("job_id", h.id))
	case errors.Is(err, errStopRequested):
		transition(model.JobStatusStopped, "")
		zap.L().Info("job stopped", zap.String("job_id", h.id))
	case errors.Is(err, errPauseRequested):
		transition(model.JobStatusPaused, "")
		zap.L().Info("job paused", zap.String("job_id", h.id))
	case resilience.IsProxyExhausted(err):
		// The pool recovers on its own; park the job resumable instead
		// of failing it.
		transition(model.JobStatusPaused, err.Error())
		zap.L().Warn("job paused on exhausted proxy pool",
			zap.String("job_id", h.id), zap.Error(err))
	default:
		transition(model.JobStatusError, err.Error())
		zap.L().Error("job failed", zap.String("job_id", h.id), zap.Error(err))
	}
}

// Wait blocks until the job's current run finishes and returns its final
// row. Used by the CLI foreground mode.
func (c *Controller) Wait(ctx context.Context, jobID string) (*model.Job, error) {
	h := c.handle(jobID)
	if h == nil {
		return nil, eris.Wrapf(staging.ErrJobNotFound, "pipeline: job %s not running here", jobID)
	}
	select {
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "pipeline: wait cancelled")
	case <-h.done:
	}
	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, h.finalErr
}

// Pause requests a cooperative pause. An in-process job parks at its next
// polling point; a job not running here has its row transitioned directly.
func (c *Controller) Pause(ctx context.Context, jobID string) error {
	if h := c.handle(jobID); h != nil && !h.finished() {
		h.flagMu.Lock()
		h.pause = true
		h.flagMu.Unlock()
		return nil
	}

	st, release, err := c.openStore(ctx, jobID)
	if err != nil {
		return err
	}
	defer release()
	return st.TransitionJob(ctx, jobID, model.JobStatusRunning, model.JobStatusPaused, "")
}

// Stop requests a permanent stop. Stopped jobs are terminal.
func (c *Controller) Stop(ctx context.Context, jobID string) error {
	if h := c.handle(jobID); h != nil && !h.finished() {
		h.flagMu.Lock()
		h.stop = true
		h.flagMu.Unlock()
		return nil
	}

	st, release, err := c.openStore(ctx, jobID)
	if err != nil {
		return err
	}
	defer release()

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransition(model.JobStatusStopped) {
		return eris.Errorf("pipeline: job %s is %s, cannot stop", jobID, job.Status)
	}
	return st.TransitionJob(ctx, jobID, job.Status, model.JobStatusStopped, "")
}

// GetJob returns the job row whether or not it runs in this process.
func (c *Controller) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	st, release, err := c.openStore(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer release()
	return st.GetJob(ctx, jobID)
}

// ResumeInfo reports where an interrupted job would pick up.
func (c *Controller) ResumeInfo(ctx context.Context, jobID string) (*model.ResumeInfo, error) {
	st, release, err := c.openStore(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer release()
	return checkpoint.Resume(ctx, st, jobID)
}

// Store exposes a job's staging store for read-side verbs (companies,
// errors, validation). The release func must be called when done.
func (c *Controller) Store(ctx context.Context, jobID string) (*staging.Store, func(), error) {
	return c.openStore(ctx, jobID)
}

// Close cancels all running jobs and closes their staging handles.
func (c *Controller) Close() {
	c.mu.Lock()
	handles := make([]*jobHandle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		if h.cancel != nil {
			h.cancel()
		}
		<-h.done
		h.store.Close() //nolint:errcheck
	}
}

func (c *Controller) handle(jobID string) *jobHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[jobID]
}

// openStore returns the job's staging store, reusing the in-process
// handle's connection when one exists.
func (c *Controller) openStore(ctx context.Context, jobID string) (*staging.Store, func(), error) {
	if h := c.handle(jobID); h != nil {
		return h.store, func() {}, nil
	}
	st, err := staging.OpenExisting(ctx, c.cfg.Staging.Dir, jobID)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil //nolint:errcheck
}

// fatalStage reports whether an error must abort the whole stage rather
// than fail one page or company.
func fatalStage(err error) bool {
	return resilience.IsConfigError(err) ||
		resilience.IsProxyExhausted(err) ||
		resilience.IsParseError(err)
}

// withParseRetry runs fn, and on a parse failure drops the session and
// tries once more before surfacing. A stale session sometimes yields an
// HTML error page where JSON is expected.
func (c *Controller) withParseRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err != nil && resilience.IsParseError(err) {
		zap.L().Warn("parse failure, retrying with a fresh session", zap.Error(err))
		c.sessions.Invalidate()
		err = fn(ctx)
	}
	return err
}
