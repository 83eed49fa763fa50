package model

import (
	"encoding/json"
	"time"
)

// AccountCodes lists every account code staged from the upstream statutory
// report, in the column order used by the staging and warehouse schemas.
// Values are kSEK. SDI is net revenue, DR net profit, EK equity, RG EBIT,
// ORS EBITDA, ANT employee count.
var AccountCodes = []string{
	"SDI", "DR", "ORS", "RG", "EK", "FK",
	"ADI", "ADK", "ADR", "AK", "ANT", "AWA",
	"BE", "FI", "FSD", "GG", "IAC", "KB",
	"KBP", "LG", "MIN", "SAP", "SED", "SEK",
	"SF", "SFA", "SGE", "SI", "SIA", "SIK",
	"SKG", "SKGKI", "SKO", "SLG", "SOM", "SUB",
	"SV", "SVD", "TR", "UTR",
}

// Accounts maps account code to amount in kSEK. A missing key means the
// upstream report did not carry that line item (distinct from zero).
type Accounts map[string]int64

// Get returns the amount for code and whether it was present.
func (a Accounts) Get(code string) (int64, bool) {
	v, ok := a[code]
	return v, ok
}

// Ptr returns the amount as a nullable pointer, for column binding.
func (a Accounts) Ptr(code string) *int64 {
	if v, ok := a[code]; ok {
		return &v
	}
	return nil
}

// ValidationStatus is the validator's verdict on a financial record.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationWarning ValidationStatus = "warning"
	ValidationInvalid ValidationStatus = "invalid"
)

// ValidationIssue is one rule hit recorded on a financial record.
type ValidationIssue struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// FinancialRecord is one statutory report for one company-year-period,
// keyed by (company_id, year, period). Writes are upserts on that key.
type FinancialRecord struct {
	CompanyID        string            `json:"company_id"`
	Orgnr            string            `json:"orgnr"`
	Year             int               `json:"year"`
	Period           string            `json:"period"`
	PeriodStart      string            `json:"period_start,omitempty"`
	PeriodEnd        string            `json:"period_end,omitempty"`
	Currency         string            `json:"currency"`
	Accounts         Accounts          `json:"accounts"`
	RawData          json.RawMessage   `json:"raw_data,omitempty"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	ValidationErrors []ValidationIssue `json:"validation_errors,omitempty"`
	JobID            string            `json:"job_id"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Revenue mirrors SDI.
func (r *FinancialRecord) Revenue() *int64 { return r.Accounts.Ptr("SDI") }

// Profit mirrors DR.
func (r *FinancialRecord) Profit() *int64 { return r.Accounts.Ptr("DR") }

// Employees mirrors ANT.
func (r *FinancialRecord) Employees() *int64 { return r.Accounts.Ptr("ANT") }

// BE mirrors the BE line item.
func (r *FinancialRecord) BE() *int64 { return r.Accounts.Ptr("BE") }

// TR mirrors the TR line item.
func (r *FinancialRecord) TR() *int64 { return r.Accounts.Ptr("TR") }
