package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/allabolag-cli/internal/model"
)

// financialColumns is the full insert/scan column list, account columns in
// model.AccountCodes order between the report header and the trailer.
var financialColumns = buildFinancialColumns()

func buildFinancialColumns() []string {
	cols := []string{"company_id", "orgnr", "year", "period", "period_start",
		"period_end", "currency"}
	for _, code := range model.AccountCodes {
		cols = append(cols, accountColumn(code))
	}
	return append(cols,
		"revenue", "profit", "employees",
		"raw_data", "validation_status", "validation_errors",
		"job_id", "created_at", "updated_at")
}

var financialUpsert = buildFinancialUpsert()

func buildFinancialUpsert() string {
	set := make([]string, 0, len(financialColumns))
	for _, col := range financialColumns {
		switch col {
		case "company_id", "year", "period", "created_at":
			continue
		}
		set = append(set, col+" = excluded."+col)
	}
	return `INSERT INTO financials (` + strings.Join(financialColumns, ", ") + `)
		 VALUES (` + placeholders(len(financialColumns)) + `)
		 ON CONFLICT(company_id, year, period) DO UPDATE SET ` + strings.Join(set, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// UpsertFinancials writes one company's reports in a single transaction,
// upserting on (company_id, year, period). The revenue, profit and employees
// mirrors are derived from the account set at write time.
func (s *Store) UpsertFinancials(ctx context.Context, records []model.FinancialRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "staging: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i := range records {
		r := &records[i]
		if r.Currency == "" {
			r.Currency = "SEK"
		}
		if r.ValidationStatus == "" {
			r.ValidationStatus = model.ValidationPending
		}
		args, err := financialArgs(r, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, financialUpsert, args...); err != nil {
			return eris.Wrapf(err, "staging: upsert financial %s/%d", r.CompanyID, r.Year)
		}
	}
	return eris.Wrap(tx.Commit(), "staging: commit financials")
}

func financialArgs(r *model.FinancialRecord, now time.Time) ([]any, error) {
	args := make([]any, 0, len(financialColumns))
	args = append(args, r.CompanyID, r.Orgnr, r.Year, r.Period,
		zeroNil(r.PeriodStart), zeroNil(r.PeriodEnd), r.Currency)
	for _, code := range model.AccountCodes {
		args = append(args, r.Accounts.Ptr(code))
	}
	issues, err := marshalIssues(r.ValidationErrors)
	if err != nil {
		return nil, err
	}
	var raw any
	if len(r.RawData) > 0 {
		raw = string(r.RawData)
	}
	return append(args, r.Revenue(), r.Profit(), r.Employees(), raw,
		string(r.ValidationStatus), issues, r.JobID, now, now), nil
}

func marshalIssues(issues []model.ValidationIssue) (any, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(issues)
	if err != nil {
		return nil, eris.Wrap(err, "staging: marshal validation errors")
	}
	return string(b), nil
}

// ListFinancials returns every financial record for a job in insertion
// order.
func (s *Store) ListFinancials(ctx context.Context, jobID string) ([]model.FinancialRecord, error) {
	return s.queryFinancials(ctx,
		`SELECT `+strings.Join(financialColumns, ", ")+` FROM financials
		 WHERE job_id = ? ORDER BY rowid`,
		jobID,
	)
}

// ListFinancialsByValidation returns a job's records restricted to the given
// validation statuses, in insertion order.
func (s *Store) ListFinancialsByValidation(ctx context.Context, jobID string, statuses ...model.ValidationStatus) ([]model.FinancialRecord, error) {
	if len(statuses) == 0 {
		return s.ListFinancials(ctx, jobID)
	}
	args := []any{jobID}
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, string(st))
	}
	return s.queryFinancials(ctx,
		`SELECT `+strings.Join(financialColumns, ", ")+` FROM financials
		 WHERE job_id = ? AND validation_status IN (`+strings.Join(marks, ", ")+`)
		 ORDER BY rowid`,
		args...,
	)
}

// ListCompanyFinancials returns the staged reports for one company, oldest
// year first.
func (s *Store) ListCompanyFinancials(ctx context.Context, companyID string) ([]model.FinancialRecord, error) {
	return s.queryFinancials(ctx,
		`SELECT `+strings.Join(financialColumns, ", ")+` FROM financials
		 WHERE company_id = ? ORDER BY year, period`,
		companyID,
	)
}

// ListFinancialYears returns the staged report years for one company in
// ascending order.
func (s *Store) ListFinancialYears(ctx context.Context, companyID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT year FROM financials WHERE company_id = ? ORDER BY year`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: list years")
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, eris.Wrap(err, "staging: scan year")
		}
		years = append(years, y)
	}
	return years, eris.Wrap(rows.Err(), "staging: iterate years")
}

// UpdateValidations persists the validator's verdicts in one transaction.
func (s *Store) UpdateValidations(ctx context.Context, records []model.FinancialRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "staging: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i := range records {
		r := &records[i]
		issues, err := marshalIssues(r.ValidationErrors)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE financials SET validation_status = ?, validation_errors = ?, updated_at = ?
			 WHERE company_id = ? AND year = ? AND period = ?`,
			string(r.ValidationStatus), issues, now, r.CompanyID, r.Year, r.Period,
		)
		if err != nil {
			return eris.Wrapf(err, "staging: update validation %s/%d", r.CompanyID, r.Year)
		}
		if err := checkRowsAffected(res, "financial record", r.CompanyID); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "staging: commit validations")
}

func (s *Store) queryFinancials(ctx context.Context, query string, args ...any) ([]model.FinancialRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "staging: query financials")
	}
	defer rows.Close()

	var out []model.FinancialRecord
	for rows.Next() {
		r, err := scanFinancial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "staging: iterate financials")
}

func scanFinancial(row scannable) (*model.FinancialRecord, error) {
	var r model.FinancialRecord
	var periodStart, periodEnd, raw, issues sql.NullString
	accounts := make([]sql.NullInt64, len(model.AccountCodes))
	var revenue, profit, employees sql.NullInt64

	dest := make([]any, 0, len(financialColumns))
	dest = append(dest, &r.CompanyID, &r.Orgnr, &r.Year, &r.Period,
		&periodStart, &periodEnd, &r.Currency)
	for i := range accounts {
		dest = append(dest, &accounts[i])
	}
	dest = append(dest, &revenue, &profit, &employees, &raw,
		&r.ValidationStatus, &issues, &r.JobID, &r.CreatedAt, &r.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "staging: scan financial")
	}

	r.Accounts = make(model.Accounts)
	for i, code := range model.AccountCodes {
		if accounts[i].Valid {
			r.Accounts[code] = accounts[i].Int64
		}
	}
	r.PeriodStart = periodStart.String
	r.PeriodEnd = periodEnd.String
	if raw.Valid && raw.String != "" {
		r.RawData = json.RawMessage(raw.String)
	}
	if issues.Valid && issues.String != "" {
		if err := json.Unmarshal([]byte(issues.String), &r.ValidationErrors); err != nil {
			return nil, eris.Wrap(err, "staging: unmarshal validation errors")
		}
	}
	return &r, nil
}
