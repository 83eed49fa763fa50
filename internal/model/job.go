package model

import (
	"encoding/json"
	"time"
)

// JobType selects which stages a job runs.
type JobType string

const (
	JobTypeSegmentation JobType = "segmentation"
	JobTypeIDResolution JobType = "id_resolution"
	JobTypeFinancials   JobType = "financials"
	JobTypeFullPipeline JobType = "full_pipeline"
)

// JobStatus represents the current state of a scrape job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusPaused  JobStatus = "paused"
	JobStatusStopped JobStatus = "stopped"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// CanTransition reports whether the status machine allows moving to next.
// stopped and done are terminal; error is recoverable via resume.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusPaused || next == JobStatusStopped ||
			next == JobStatusError || next == JobStatusDone
	case JobStatusPaused:
		return next == JobStatusRunning || next == JobStatusStopped
	case JobStatusError:
		return next == JobStatusRunning
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusStopped || s == JobStatusDone
}

// JobStage identifies the pipeline stage a job is in.
type JobStage string

const (
	StageSegmentation JobStage = "stage1"
	StageIDResolution JobStage = "stage2"
	StageFinancials   JobStage = "stage3"
	StageValidate     JobStage = "validate"
	StageMigrate      JobStage = "migrate"
)

// Job is one scrape job over a filter band. Created and mutated only by the
// job controller; never deleted, so completed jobs remain auditable.
type Job struct {
	ID             string          `json:"id"`
	JobType        JobType         `json:"job_type"`
	FilterHash     string          `json:"filter_hash"`
	Params         Filters         `json:"params"`
	Status         JobStatus       `json:"status"`
	Stage          JobStage        `json:"stage"`
	LastPage       int             `json:"last_page"`
	ProcessedCount int             `json:"processed_count"`
	TotalCompanies int             `json:"total_companies"`
	ErrorCount     int             `json:"error_count"`
	LastError      string          `json:"last_error,omitempty"`
	RateLimitStats json.RawMessage `json:"rate_limit_stats,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Checkpoint stores per-(job, stage) progress for resume after interruption.
type Checkpoint struct {
	JobID                string          `json:"job_id"`
	Stage                JobStage        `json:"stage"`
	LastProcessedPage    int             `json:"last_processed_page"`
	LastProcessedCompany string          `json:"last_processed_company,omitempty"`
	ProcessedCount       int             `json:"processed_count"`
	ErrorCount           int             `json:"error_count"`
	LastError            string          `json:"last_error,omitempty"`
	Data                 json.RawMessage `json:"data,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ResumeInfo summarizes where an interrupted job can pick up.
type ResumeInfo struct {
	CanResume      bool     `json:"can_resume"`
	LastStage      JobStage `json:"last_stage"`
	LastPage       int      `json:"last_page"`
	ProcessedCount int      `json:"processed_count"`
	TotalCompanies int      `json:"total_companies"`
}
