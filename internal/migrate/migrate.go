// Package migrate promotes validated financial rows from a job's staging
// file into the production warehouse.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/db"
	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

// upsertBatchSize caps the rows per COPY round-trip.
const upsertBatchSize = 500

// Options tunes one migrator run.
type Options struct {
	// IncludeWarnings promotes warning-status rows alongside valid ones.
	IncludeWarnings bool
	// SkipDuplicates leaves rows alone when the warehouse already has the
	// (companyId, year) pair, instead of upserting over them.
	SkipDuplicates bool
}

// RowOutcome records what happened to one staged row.
type RowOutcome struct {
	CompanyID string `json:"company_id"`
	Orgnr     string `json:"orgnr"`
	Year      int    `json:"year"`
	Period    string `json:"period"`
	Outcome   string `json:"outcome"` // migrated | skipped | error
	Reason    string `json:"reason,omitempty"`
}

// Summary is the result of one migrator run.
type Summary struct {
	JobID      string       `json:"job_id"`
	Migrated   int          `json:"migrated"`
	Skipped    int          `json:"skipped"`
	Errors     int          `json:"errors"`
	Report     []RowOutcome `json:"report"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Migrator writes staged rows to the warehouse.
type Migrator struct {
	pool db.Pool
}

// New creates a Migrator on an open warehouse pool.
func New(pool db.Pool) *Migrator {
	return &Migrator{pool: pool}
}

// Migrate promotes the job's validated rows. Rows that validated as invalid
// are never read; pending rows mean the validator has not run, which is an
// error. Every run is appended to the migration log table.
func (m *Migrator) Migrate(ctx context.Context, st *staging.Store, jobID string, opts Options) (*Summary, error) {
	sum := &Summary{JobID: jobID, StartedAt: time.Now().UTC()}

	statuses := []model.ValidationStatus{model.ValidationValid}
	if opts.IncludeWarnings {
		statuses = append(statuses, model.ValidationWarning)
	}
	records, err := st.ListFinancialsByValidation(ctx, jobID, statuses...)
	if err != nil {
		return nil, eris.Wrap(err, "migrate: list financials")
	}

	pending, err := st.ListFinancialsByValidation(ctx, jobID, model.ValidationPending)
	if err != nil {
		return nil, eris.Wrap(err, "migrate: list pending")
	}
	if len(pending) > 0 {
		return nil, eris.Errorf("migrate: job %s has %d unvalidated rows, run validate first", jobID, len(pending))
	}

	existing := map[string]bool{}
	if opts.SkipDuplicates && len(records) > 0 {
		existing, err = m.existingKeys(ctx, records)
		if err != nil {
			return nil, err
		}
	}

	var batch [][]any
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := db.BulkUpsert(ctx, m.pool, upsertConfig(), batch)
		if err != nil {
			return eris.Wrapf(err, "migrate: upsert batch for job %s", jobID)
		}
		_ = n
		batch = batch[:0]
		return nil
	}

	for i := range records {
		rec := &records[i]
		switch {
		case rec.CompanyID == "" || rec.Year == 0:
			sum.Errors++
			sum.Report = append(sum.Report, outcome(rec, "error", "missing companyId or year"))
		case opts.SkipDuplicates && existing[dupKey(rec.CompanyID, rec.Year)]:
			sum.Skipped++
			sum.Report = append(sum.Report, outcome(rec, "skipped", "duplicate"))
		default:
			batch = append(batch, bindRow(rec, sum.StartedAt))
			sum.Migrated++
			sum.Report = append(sum.Report, outcome(rec, "migrated", ""))
			if len(batch) >= upsertBatchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	sum.FinishedAt = time.Now().UTC()
	if err := m.logRun(ctx, sum, opts); err != nil {
		return nil, err
	}

	zap.L().Info("job migrated",
		zap.String("job_id", jobID),
		zap.Int("migrated", sum.Migrated),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
		zap.Bool("include_warnings", opts.IncludeWarnings),
	)
	return sum, nil
}

// existingKeys returns the (companyId, year) pairs the warehouse already
// holds for the companies in the record set.
func (m *Migrator) existingKeys(ctx context.Context, records []model.FinancialRecord) (map[string]bool, error) {
	seen := map[string]bool{}
	ids := make([]string, 0, len(records))
	for i := range records {
		if id := records[i].CompanyID; id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	rows, err := m.pool.Query(ctx,
		fmt.Sprintf(`SELECT company_id, year FROM %s WHERE company_id = ANY($1)`, AccountsTable),
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "migrate: query existing keys")
	}
	defer rows.Close()

	existing := map[string]bool{}
	for rows.Next() {
		var id string
		var year int
		if err := rows.Scan(&id, &year); err != nil {
			return nil, eris.Wrap(err, "migrate: scan existing key")
		}
		existing[dupKey(id, year)] = true
	}
	return existing, eris.Wrap(rows.Err(), "migrate: iterate existing keys")
}

func (m *Migrator) logRun(ctx context.Context, sum *Summary, opts Options) error {
	report, err := json.Marshal(sum.Report)
	if err != nil {
		return eris.Wrap(err, "migrate: marshal report")
	}
	_, err = m.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, job_id, include_warnings, skip_duplicates,
		   migrated, skipped, errors, report, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, RunsTable),
		uuid.New().String(), sum.JobID, opts.IncludeWarnings, opts.SkipDuplicates,
		sum.Migrated, sum.Skipped, sum.Errors, string(report),
		sum.StartedAt, sum.FinishedAt,
	)
	return eris.Wrap(err, "migrate: log run")
}

func dupKey(companyID string, year int) string {
	return fmt.Sprintf("%s|%d", companyID, year)
}

func outcome(rec *model.FinancialRecord, verdict, reason string) RowOutcome {
	return RowOutcome{
		CompanyID: rec.CompanyID,
		Orgnr:     rec.Orgnr,
		Year:      rec.Year,
		Period:    rec.Period,
		Outcome:   verdict,
		Reason:    reason,
	}
}

// upsertConfig builds the column layout for the accounts table. migrated_at
// is set on first insert only; conflicts refresh everything else.
func upsertConfig() db.UpsertConfig {
	cols := []string{"company_id", "year", "period", "orgnr",
		"period_start", "period_end", "currency"}
	cols = append(cols, accountColumns()...)
	cols = append(cols, "job_id", "migrated_at", "updated_at")

	update := []string{"orgnr", "period_start", "period_end", "currency"}
	update = append(update, accountColumns()...)
	update = append(update, "job_id", "updated_at")

	return db.UpsertConfig{
		Table:        AccountsTable,
		Columns:      cols,
		ConflictKeys: []string{"company_id", "year", "period"},
		UpdateCols:   update,
	}
}

func bindRow(rec *model.FinancialRecord, now time.Time) []any {
	row := []any{rec.CompanyID, rec.Year, rec.Period, rec.Orgnr,
		nullString(rec.PeriodStart), nullString(rec.PeriodEnd), rec.Currency}
	for _, code := range model.AccountCodes {
		row = append(row, rec.Accounts.Ptr(code))
	}
	return append(row, rec.JobID, now, now)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
