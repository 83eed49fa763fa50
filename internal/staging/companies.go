package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/allabolag-cli/internal/model"
)

const companyColumns = `job_id, orgnr, company_name, company_id, company_id_hint,
	homepage, nace_categories, segment_name, revenue_sek, profit_sek,
	foundation_year, accounts_last_year, scraped_at, status, status_message,
	metadata, created_at, updated_at`

// UpsertCompanies writes one segmentation batch in a single transaction.
// Re-staging an orgnr refreshes its scraped fields but never regresses its
// status, resolved company id, or created_at.
func (s *Store) UpsertCompanies(ctx context.Context, companies []model.StagingCompany) error {
	if len(companies) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "staging: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i := range companies {
		c := &companies[i]
		if c.Status == "" {
			c.Status = model.CompanyStatusPending
		}
		nace, err := marshalList(c.NaceCategories)
		if err != nil {
			return err
		}
		segment, err := marshalList(c.SegmentName)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO companies (job_id, orgnr, company_name, company_id,
			   company_id_hint, homepage, nace_categories, segment_name,
			   revenue_sek, profit_sek, foundation_year, accounts_last_year,
			   scraped_at, status, status_message, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, orgnr) DO UPDATE SET
			   company_name = excluded.company_name,
			   company_id = CASE WHEN companies.company_id = ''
			     THEN excluded.company_id ELSE companies.company_id END,
			   company_id_hint = excluded.company_id_hint,
			   homepage = excluded.homepage,
			   nace_categories = excluded.nace_categories,
			   segment_name = excluded.segment_name,
			   revenue_sek = excluded.revenue_sek,
			   profit_sek = excluded.profit_sek,
			   foundation_year = excluded.foundation_year,
			   accounts_last_year = excluded.accounts_last_year,
			   scraped_at = excluded.scraped_at,
			   updated_at = excluded.updated_at`,
			c.JobID, c.Orgnr, c.CompanyName, c.CompanyID, c.CompanyIDHint,
			c.Homepage, nace, segment, c.RevenueSEK, c.ProfitSEK,
			c.FoundationYear, c.AccountsLastYear, nullTime(c.ScrapedAt),
			string(c.Status), c.StatusMessage, now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "staging: upsert company %s", c.Orgnr)
		}
	}
	return eris.Wrap(tx.Commit(), "staging: commit companies")
}

// GetCompany returns one staged company, nil when absent.
func (s *Store) GetCompany(ctx context.Context, jobID, orgnr string) (*model.StagingCompany, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE job_id = ? AND orgnr = ?`,
		jobID, orgnr,
	)
	c, err := scanCompany(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListCompanies returns companies for a job in insertion order, optionally
// filtered by status.
func (s *Store) ListCompanies(ctx context.Context, jobID string, status model.CompanyStatus) ([]model.StagingCompany, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY rowid`
	return s.queryCompanies(ctx, query, args...)
}

// ListUnresolved returns the stage 2 work list: companies without a company
// id, in insertion order. Errored rows are excluded.
func (s *Store) ListUnresolved(ctx context.Context, jobID string) ([]model.StagingCompany, error) {
	return s.queryCompanies(ctx,
		`SELECT `+companyColumns+` FROM companies
		 WHERE job_id = ? AND company_id = '' AND status != ? ORDER BY rowid`,
		jobID, string(model.CompanyStatusError),
	)
}

// ListResolved returns the stage 3 work list: companies with a resolved id
// whose financials are not yet fetched, in insertion order.
func (s *Store) ListResolved(ctx context.Context, jobID string) ([]model.StagingCompany, error) {
	return s.queryCompanies(ctx,
		`SELECT `+companyColumns+` FROM companies
		 WHERE job_id = ? AND status = ? ORDER BY rowid`,
		jobID, string(model.CompanyStatusIDResolved),
	)
}

// PromoteResolved flips pending companies that already carry a company id
// (the listing itself exposed one) to id_resolved, recording a mapping row
// for each. Returns how many rows were promoted.
func (s *Store) PromoteResolved(ctx context.Context, jobID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "staging: begin promote")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO id_mappings (job_id, orgnr, company_id, source,
		   confidence_score, status, error_message, created_at, updated_at)
		 SELECT job_id, orgnr, company_id, 'segmentation', 1.0, ?, '', ?, ?
		 FROM companies
		 WHERE job_id = ? AND company_id != '' AND status = ?
		 ON CONFLICT(job_id, orgnr) DO NOTHING`,
		string(model.MappingStatusResolved), now, now,
		jobID, string(model.CompanyStatusPending),
	)
	if err != nil {
		return 0, eris.Wrap(err, "staging: promote mappings")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE companies SET status = ?, updated_at = ?
		 WHERE job_id = ? AND company_id != '' AND status = ?`,
		string(model.CompanyStatusIDResolved), now,
		jobID, string(model.CompanyStatusPending),
	)
	if err != nil {
		return 0, eris.Wrap(err, "staging: promote companies")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "staging: promote companies")
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "staging: commit promote")
	}
	return int(n), nil
}

func (s *Store) queryCompanies(ctx context.Context, query string, args ...any) ([]model.StagingCompany, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "staging: query companies")
	}
	defer rows.Close()

	var out []model.StagingCompany
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "staging: iterate companies")
}

// SetCompanyID records a stage 2 resolution and advances the row.
func (s *Store) SetCompanyID(ctx context.Context, jobID, orgnr, companyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET company_id = ?, status = ?, status_message = '', updated_at = ?
		 WHERE job_id = ? AND orgnr = ?`,
		companyID, string(model.CompanyStatusIDResolved), time.Now().UTC(), jobID, orgnr,
	)
	if err != nil {
		return eris.Wrapf(err, "staging: set company id %s", orgnr)
	}
	return checkRowsAffected(res, "company", orgnr)
}

// MarkCompanyError parks the row with a reason; errored rows block the next
// stage.
func (s *Store) MarkCompanyError(ctx context.Context, jobID, orgnr, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET status = ?, status_message = ?, updated_at = ?
		 WHERE job_id = ? AND orgnr = ?`,
		string(model.CompanyStatusError), message, time.Now().UTC(), jobID, orgnr,
	)
	if err != nil {
		return eris.Wrapf(err, "staging: mark company error %s", orgnr)
	}
	return checkRowsAffected(res, "company", orgnr)
}

// MarkFinancialsFetched completes a company's stage 3 pass, storing the
// metadata scraped from the company page.
func (s *Store) MarkFinancialsFetched(ctx context.Context, jobID, orgnr string, meta *model.CompanyMetadata) error {
	var metaJSON any
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return eris.Wrap(err, "staging: marshal metadata")
		}
		metaJSON = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET status = ?, metadata = ?, updated_at = ?
		 WHERE job_id = ? AND orgnr = ?`,
		string(model.CompanyStatusFinancialsFetched), metaJSON, time.Now().UTC(), jobID, orgnr,
	)
	if err != nil {
		return eris.Wrapf(err, "staging: mark financials fetched %s", orgnr)
	}
	return checkRowsAffected(res, "company", orgnr)
}

func scanCompany(row scannable) (*model.StagingCompany, error) {
	var c model.StagingCompany
	var nace, segment, metadata sql.NullString
	var revenue, profit, foundation sql.NullInt64
	var scrapedAt sql.NullTime

	err := row.Scan(&c.JobID, &c.Orgnr, &c.CompanyName, &c.CompanyID,
		&c.CompanyIDHint, &c.Homepage, &nace, &segment, &revenue, &profit,
		&foundation, &c.AccountsLastYear, &scrapedAt, &c.Status,
		&c.StatusMessage, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "staging: scan company")
	}

	if nace.Valid {
		if err := json.Unmarshal([]byte(nace.String), &c.NaceCategories); err != nil {
			return nil, eris.Wrap(err, "staging: unmarshal nace categories")
		}
	}
	if segment.Valid {
		if err := json.Unmarshal([]byte(segment.String), &c.SegmentName); err != nil {
			return nil, eris.Wrap(err, "staging: unmarshal segment name")
		}
	}
	if metadata.Valid {
		c.Metadata = &model.CompanyMetadata{}
		if err := json.Unmarshal([]byte(metadata.String), c.Metadata); err != nil {
			return nil, eris.Wrap(err, "staging: unmarshal metadata")
		}
	}
	if revenue.Valid {
		v := revenue.Int64
		c.RevenueSEK = &v
	}
	if profit.Valid {
		v := profit.Int64
		c.ProfitSEK = &v
	}
	if foundation.Valid {
		v := foundation.Int64
		c.FoundationYear = &v
	}
	if scrapedAt.Valid {
		c.ScrapedAt = scrapedAt.Time
	}
	return &c, nil
}

// --- ID mappings ---

// UpsertMappings writes stage 2 resolution outcomes in one transaction,
// upserting on (job_id, orgnr).
func (s *Store) UpsertMappings(ctx context.Context, mappings []model.CompanyIDMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "staging: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i := range mappings {
		m := &mappings[i]
		if m.Status == "" {
			m.Status = model.MappingStatusPending
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO id_mappings (job_id, orgnr, company_id, source,
			   confidence_score, status, error_message, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, orgnr) DO UPDATE SET
			   company_id = excluded.company_id,
			   source = excluded.source,
			   confidence_score = excluded.confidence_score,
			   status = excluded.status,
			   error_message = excluded.error_message,
			   updated_at = excluded.updated_at`,
			m.JobID, m.Orgnr, m.CompanyID, m.Source, m.ConfidenceScore,
			string(m.Status), m.ErrorMessage, now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "staging: upsert mapping %s", m.Orgnr)
		}
	}
	return eris.Wrap(tx.Commit(), "staging: commit mappings")
}

// GetMapping returns the resolution record for an orgnr, nil when absent.
func (s *Store) GetMapping(ctx context.Context, jobID, orgnr string) (*model.CompanyIDMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, orgnr, company_id, source, confidence_score, status,
		   error_message, created_at, updated_at
		 FROM id_mappings WHERE job_id = ? AND orgnr = ?`,
		jobID, orgnr,
	)
	var m model.CompanyIDMapping
	err := row.Scan(&m.JobID, &m.Orgnr, &m.CompanyID, &m.Source,
		&m.ConfidenceScore, &m.Status, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "staging: scan mapping")
	}
	return &m, nil
}

// ListMappings returns mappings for a job in insertion order, optionally
// filtered by status.
func (s *Store) ListMappings(ctx context.Context, jobID string, status model.MappingStatus) ([]model.CompanyIDMapping, error) {
	query := `SELECT job_id, orgnr, company_id, source, confidence_score, status,
	   error_message, created_at, updated_at FROM id_mappings WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "staging: list mappings")
	}
	defer rows.Close()

	var out []model.CompanyIDMapping
	for rows.Next() {
		var m model.CompanyIDMapping
		if err := rows.Scan(&m.JobID, &m.Orgnr, &m.CompanyID, &m.Source,
			&m.ConfidenceScore, &m.Status, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "staging: scan mapping")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "staging: iterate mappings")
}

// --- Progress & failures ---

// Progress is the per-stage rollup for one job.
type Progress struct {
	Total             int `json:"total"`
	Pending           int `json:"pending"`
	IDResolved        int `json:"id_resolved"`
	FinancialsFetched int `json:"financials_fetched"`
	Failed            int `json:"failed"`
	FinancialRecords  int `json:"financial_records"`
	ValidRecords      int `json:"valid_records"`
	WarningRecords    int `json:"warning_records"`
	InvalidRecords    int `json:"invalid_records"`
}

// Progress summarizes a job's companies and financial records by status.
func (s *Store) Progress(ctx context.Context, jobID string) (*Progress, error) {
	var p Progress

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM companies WHERE job_id = ? GROUP BY status`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: progress companies")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "staging: scan progress")
		}
		p.Total += n
		switch model.CompanyStatus(status) {
		case model.CompanyStatusPending:
			p.Pending = n
		case model.CompanyStatusIDResolved:
			p.IDResolved = n
		case model.CompanyStatusFinancialsFetched:
			p.FinancialsFetched = n
		case model.CompanyStatusError:
			p.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "staging: iterate progress")
	}

	frows, err := s.db.QueryContext(ctx,
		`SELECT validation_status, COUNT(*) FROM financials WHERE job_id = ? GROUP BY validation_status`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: progress financials")
	}
	defer frows.Close()
	for frows.Next() {
		var status string
		var n int
		if err := frows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "staging: scan progress")
		}
		p.FinancialRecords += n
		switch model.ValidationStatus(status) {
		case model.ValidationValid:
			p.ValidRecords = n
		case model.ValidationWarning:
			p.WarningRecords = n
		case model.ValidationInvalid:
			p.InvalidRecords = n
		}
	}
	return &p, eris.Wrap(frows.Err(), "staging: iterate progress")
}

// ListFailures returns errored companies with the stage-derived reason, in
// insertion order.
func (s *Store) ListFailures(ctx context.Context, jobID string) ([]model.CompanyFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.orgnr, c.company_name, c.company_id, c.status_message,
		   COALESCE(m.status, ''), COALESCE(m.error_message, '')
		 FROM companies c
		 LEFT JOIN id_mappings m ON m.job_id = c.job_id AND m.orgnr = c.orgnr
		 WHERE c.job_id = ? AND c.status = ?
		 ORDER BY c.rowid`,
		jobID, string(model.CompanyStatusError),
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: list failures")
	}
	defer rows.Close()

	var out []model.CompanyFailure
	for rows.Next() {
		var orgnr, name, companyID, message, mappingStatus, mappingErr string
		if err := rows.Scan(&orgnr, &name, &companyID, &message, &mappingStatus, &mappingErr); err != nil {
			return nil, eris.Wrap(err, "staging: scan failure")
		}
		f := model.CompanyFailure{Orgnr: orgnr, CompanyName: name, Detail: message}
		switch {
		case companyID != "":
			f.Reason = "Stage 3 financials not fetched"
		case model.MappingStatus(mappingStatus) == model.MappingStatusError:
			f.Reason = "Stage 2 companyId not resolved"
			if f.Detail == "" {
				f.Detail = mappingErr
			}
		default:
			f.Reason = "Stage 1 segmentation failed"
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "staging: iterate failures")
}
