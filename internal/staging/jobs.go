package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/allabolag-cli/internal/model"
)

// ErrJobNotFound marks lookups for a job id with no row or no staging file.
var ErrJobNotFound = eris.New("job not found")

// CreateJob inserts the job row. The controller assigns the id before
// opening the staging file, so the id must already be set.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		return eris.New("staging: create job without id")
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if job.Stage == "" {
		job.Stage = model.StageSegmentation
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	params, err := json.Marshal(job.Params)
	if err != nil {
		return eris.Wrap(err, "staging: marshal params")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, job_type, filter_hash, params, status, stage,
		   last_page, processed_count, total_companies, error_count, last_error,
		   rate_limit_stats, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.JobType), job.FilterHash, string(params),
		string(job.Status), string(job.Stage),
		job.LastPage, job.ProcessedCount, job.TotalCompanies, job.ErrorCount,
		job.LastError, rawOrNil(job.RateLimitStats), now, now,
	)
	return eris.Wrapf(err, "staging: insert job %s", job.ID)
}

// UpdateJob persists every mutable job field and refreshes updated_at.
func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, stage = ?, last_page = ?, processed_count = ?,
		   total_companies = ?, error_count = ?, last_error = ?, rate_limit_stats = ?,
		   updated_at = ?
		 WHERE id = ?`,
		string(job.Status), string(job.Stage), job.LastPage, job.ProcessedCount,
		job.TotalCompanies, job.ErrorCount, job.LastError,
		rawOrNil(job.RateLimitStats), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "staging: update job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

// TransitionJob moves the status from one state to another in a single
// compare-and-set, so an operator command and a cooperative worker cannot
// interleave. lastError replaces the stored message; pass "" to clear it.
func (s *Store) TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), lastError, time.Now().UTC(), jobID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "staging: transition job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "staging: transition job %s", jobID)
	}
	if n == 0 {
		return eris.Errorf("staging: job %s is not %s", jobID, from)
	}
	return nil
}

// SetJobStage advances the stage marker, leaving status alone.
func (s *Store) SetJobStage(ctx context.Context, jobID string, stage model.JobStage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, updated_at = ? WHERE id = ?`,
		string(stage), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "staging: set job stage %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

// JobProgress carries the counters a running stage maintains on the job row.
type JobProgress struct {
	LastPage       int
	ProcessedCount int
	TotalCompanies int
	ErrorCount     int
	LastError      string
	RateLimitStats json.RawMessage
}

// UpdateJobProgress writes the stage counters. Status and stage stay
// untouched so a concurrent pause or stop is never overwritten by a worker.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, p JobProgress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_page = ?, processed_count = ?, total_companies = ?,
		   error_count = ?, last_error = ?, rate_limit_stats = ?, updated_at = ?
		 WHERE id = ?`,
		p.LastPage, p.ProcessedCount, p.TotalCompanies, p.ErrorCount, p.LastError,
		rawOrNil(p.RateLimitStats), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "staging: update job progress %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_type, filter_hash, params, status, stage, last_page,
		   processed_count, total_companies, error_count, last_error,
		   rate_limit_stats, created_at, updated_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrJobNotFound, "staging: job %s", jobID)
	}
	return job, err
}

// ListJobs returns every job in this staging file, newest first. A file
// normally holds exactly one.
func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_type, filter_hash, params, status, stage, last_page,
		   processed_count, total_companies, error_count, last_error,
		   rate_limit_stats, created_at, updated_at
		 FROM jobs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "staging: list jobs iterate")
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var params string
	var stats sql.NullString

	err := row.Scan(&j.ID, &j.JobType, &j.FilterHash, &params, &j.Status, &j.Stage,
		&j.LastPage, &j.ProcessedCount, &j.TotalCompanies, &j.ErrorCount,
		&j.LastError, &stats, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "staging: scan job")
	}

	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, eris.Wrap(err, "staging: unmarshal params")
	}
	if stats.Valid && stats.String != "" {
		j.RateLimitStats = json.RawMessage(stats.String)
	}
	return &j, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// --- Checkpoints ---

// SaveCheckpoint upserts the (job, stage) progress row.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, stage, last_processed_page,
		   last_processed_company, processed_count, error_count, last_error,
		   data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, stage) DO UPDATE SET
		   last_processed_page = excluded.last_processed_page,
		   last_processed_company = excluded.last_processed_company,
		   processed_count = excluded.processed_count,
		   error_count = excluded.error_count,
		   last_error = excluded.last_error,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		cp.JobID, string(cp.Stage), cp.LastProcessedPage, cp.LastProcessedCompany,
		cp.ProcessedCount, cp.ErrorCount, cp.LastError, rawOrNil(cp.Data), cp.UpdatedAt,
	)
	return eris.Wrapf(err, "staging: save checkpoint %s/%s", cp.JobID, cp.Stage)
}

// GetCheckpoint returns the checkpoint for a stage, nil when none exists.
func (s *Store) GetCheckpoint(ctx context.Context, jobID string, stage model.JobStage) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, stage, last_processed_page, last_processed_company,
		   processed_count, error_count, last_error, data, updated_at
		 FROM checkpoints WHERE job_id = ? AND stage = ?`,
		jobID, string(stage),
	)
	return scanCheckpoint(row)
}

// LatestCheckpoint returns the most recently written checkpoint for the job,
// nil when the job has none.
func (s *Store) LatestCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, stage, last_processed_page, last_processed_company,
		   processed_count, error_count, last_error, data, updated_at
		 FROM checkpoints WHERE job_id = ?
		 ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
		jobID,
	)
	return scanCheckpoint(row)
}

func scanCheckpoint(row scannable) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var data sql.NullString

	err := row.Scan(&cp.JobID, &cp.Stage, &cp.LastProcessedPage,
		&cp.LastProcessedCompany, &cp.ProcessedCount, &cp.ErrorCount,
		&cp.LastError, &data, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "staging: scan checkpoint")
	}
	if data.Valid && data.String != "" {
		cp.Data = json.RawMessage(data.String)
	}
	return &cp, nil
}
