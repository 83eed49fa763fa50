// Package export renders a job's staged data as an XLSX workbook for
// operator review: one sheet of companies, one of financial records, one
// of failures.
package export

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

// Options configures the workbook.
type Options struct {
	// AccountCodes restricts the financial columns; empty means every
	// code in model.AccountCodes.
	AccountCodes []string
	// IncludeRawData adds the raw upstream JSON as a trailing column on
	// the financials sheet.
	IncludeRawData bool
}

// Summary reports what was written.
type Summary struct {
	Path      string `json:"path"`
	Companies int    `json:"companies"`
	Records   int    `json:"records"`
	Failures  int    `json:"failures"`
}

// Write renders the job's staging data to an XLSX file at path.
func Write(ctx context.Context, st *staging.Store, jobID, path string, opts Options) (*Summary, error) {
	companies, err := st.ListCompanies(ctx, jobID, "")
	if err != nil {
		return nil, err
	}
	records, err := st.ListFinancials(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failures, err := st.ListFailures(ctx, jobID)
	if err != nil {
		return nil, err
	}

	f, err := buildWorkbook(companies, records, failures, opts)
	if err != nil {
		return nil, err
	}
	if err := f.Save(path); err != nil {
		return nil, eris.Wrap(err, "export: save workbook")
	}

	sum := &Summary{
		Path:      path,
		Companies: len(companies),
		Records:   len(records),
		Failures:  len(failures),
	}
	zap.L().Info("workbook exported",
		zap.String("job_id", jobID),
		zap.String("path", path),
		zap.Int("companies", sum.Companies),
		zap.Int("records", sum.Records),
		zap.Int("failures", sum.Failures),
	)
	return sum, nil
}

func buildWorkbook(companies []model.StagingCompany, records []model.FinancialRecord, failures []model.CompanyFailure, opts Options) (*xlsx.File, error) {
	codes := opts.AccountCodes
	if len(codes) == 0 {
		codes = model.AccountCodes
	}

	f := xlsx.NewFile()
	if err := addCompaniesSheet(f, companies); err != nil {
		return nil, err
	}
	if err := addFinancialsSheet(f, records, codes, opts.IncludeRawData); err != nil {
		return nil, err
	}
	if err := addFailuresSheet(f, failures); err != nil {
		return nil, err
	}
	return f, nil
}

func addCompaniesSheet(f *xlsx.File, companies []model.StagingCompany) error {
	sheet, err := f.AddSheet("Companies")
	if err != nil {
		return eris.Wrap(err, "export: add companies sheet")
	}

	writeHeader(sheet, []string{
		"Orgnr", "Name", "CompanyID", "Status", "StatusMessage",
		"Homepage", "Segments", "Revenue (kSEK)", "Profit (kSEK)",
		"FoundationYear", "AccountsLastYear",
	})
	for i := range companies {
		c := &companies[i]
		row := sheet.AddRow()
		row.AddCell().SetString(c.Orgnr)
		row.AddCell().SetString(c.CompanyName)
		row.AddCell().SetString(c.CompanyID)
		row.AddCell().SetString(string(c.Status))
		row.AddCell().SetString(c.StatusMessage)
		row.AddCell().SetString(c.Homepage)
		row.AddCell().SetString(strings.Join(c.SegmentName, "; "))
		setNullableInt(row.AddCell(), c.RevenueSEK)
		setNullableInt(row.AddCell(), c.ProfitSEK)
		setNullableInt(row.AddCell(), c.FoundationYear)
		row.AddCell().SetString(c.AccountsLastYear)
	}
	return nil
}

func addFinancialsSheet(f *xlsx.File, records []model.FinancialRecord, codes []string, includeRaw bool) error {
	sheet, err := f.AddSheet("Financials")
	if err != nil {
		return eris.Wrap(err, "export: add financials sheet")
	}

	header := []string{"CompanyID", "Orgnr", "Year", "Period", "Currency", "Validation"}
	header = append(header, codes...)
	if includeRaw {
		header = append(header, "RawData")
	}
	writeHeader(sheet, header)

	for i := range records {
		r := &records[i]
		row := sheet.AddRow()
		row.AddCell().SetString(r.CompanyID)
		row.AddCell().SetString(r.Orgnr)
		row.AddCell().SetInt64(int64(r.Year))
		row.AddCell().SetString(r.Period)
		row.AddCell().SetString(r.Currency)
		row.AddCell().SetString(string(r.ValidationStatus))
		for _, code := range codes {
			setNullableInt(row.AddCell(), r.Accounts.Ptr(code))
		}
		if includeRaw {
			row.AddCell().SetString(string(r.RawData))
		}
	}
	return nil
}

func addFailuresSheet(f *xlsx.File, failures []model.CompanyFailure) error {
	sheet, err := f.AddSheet("Failures")
	if err != nil {
		return eris.Wrap(err, "export: add failures sheet")
	}

	writeHeader(sheet, []string{"Orgnr", "Name", "Reason", "Detail"})
	for _, fl := range failures {
		row := sheet.AddRow()
		row.AddCell().SetString(fl.Orgnr)
		row.AddCell().SetString(fl.CompanyName)
		row.AddCell().SetString(fl.Reason)
		row.AddCell().SetString(fl.Detail)
	}
	return nil
}

func writeHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, col := range cols {
		row.AddCell().SetString(col)
	}
}

// setNullableInt leaves the cell empty for a nil value, so absent amounts
// stay distinguishable from zero in the sheet.
func setNullableInt(cell *xlsx.Cell, v *int64) {
	if v == nil {
		return
	}
	cell.SetInt64(*v)
}
