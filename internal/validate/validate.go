// Package validate applies the rule set that decides whether a staged
// financial record may be promoted to the warehouse. Validation never
// throws: verdicts are recorded on the rows and rolled up per job.
package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

// Result is the validator's verdict on one record.
type Result struct {
	Status   model.ValidationStatus
	Errors   []model.ValidationIssue
	Warnings []model.ValidationIssue
}

// Issues returns errors and warnings combined, errors first, for storage
// on the record.
func (r Result) Issues() []model.ValidationIssue {
	if len(r.Errors) == 0 && len(r.Warnings) == 0 {
		return nil
	}
	return append(append([]model.ValidationIssue{}, r.Errors...), r.Warnings...)
}

// Record runs the full rule set over one record. Rules are cumulative;
// the final status is the worst outcome: any error makes the record
// invalid, otherwise any warning makes it a warning.
func Record(rec *model.FinancialRecord, rules Rules, now time.Time) Result {
	var res Result

	addErr := func(rule, msg string) {
		res.Errors = append(res.Errors, model.ValidationIssue{Rule: rule, Severity: "error", Message: msg})
	}
	addWarn := func(rule, msg string) {
		res.Warnings = append(res.Warnings, model.ValidationIssue{Rule: rule, Severity: "warning", Message: msg})
	}

	// Required fields.
	if rec.CompanyID == "" {
		addErr("required", "companyId is missing")
	}
	if rec.Orgnr == "" {
		addErr("required", "orgnr is missing")
	}
	if rec.Year == 0 {
		addErr("required", "year is missing")
	}

	// Year plausibility.
	maxYear := now.Year() + rules.MaxYearsAhead
	if rec.Year != 0 {
		switch {
		case rec.Year < rules.MinYear || rec.Year > maxYear:
			addErr("year", fmt.Sprintf("year %d outside [%d, %d]", rec.Year, rules.MinYear, maxYear))
		case rec.Year < rules.WarnBeforeYear:
			addWarn("year", fmt.Sprintf("report from %d predates %d", rec.Year, rules.WarnBeforeYear))
		}
	}

	// Revenue (SDI).
	sdi, hasSDI := rec.Accounts.Get("SDI")
	if hasSDI {
		switch {
		case sdi < 0:
			addErr("revenue", fmt.Sprintf("negative revenue %d kSEK", sdi))
		case sdi == 0:
			addWarn("revenue", "revenue is zero")
		case sdi > rules.MaxAmountKSEK:
			addWarn("revenue", fmt.Sprintf("revenue %d kSEK exceeds plausibility ceiling", sdi))
		}
	}

	// Profit (DR).
	dr, hasDR := rec.Accounts.Get("DR")
	if hasDR && (dr > rules.MaxAmountKSEK || dr < -rules.MaxAmountKSEK) {
		addWarn("profit", fmt.Sprintf("profit %d kSEK exceeds plausibility ceiling", dr))
	}

	// EBITDA (ORS).
	ors, hasORS := rec.Accounts.Get("ORS")
	if hasORS && ors > rules.MaxAmountKSEK {
		addWarn("ebitda", fmt.Sprintf("EBITDA %d kSEK exceeds plausibility ceiling", ors))
	}

	// Equity (EK).
	ek, hasEK := rec.Accounts.Get("EK")
	if hasEK && (ek > rules.MaxAmountKSEK || ek < -rules.MaxAmountKSEK) {
		addWarn("equity", fmt.Sprintf("equity %d kSEK outside plausible range", ek))
	}

	// Consistency: a report where every headline figure is zero is most
	// likely an empty filing.
	if hasSDI && hasDR && hasORS && hasEK && sdi == 0 && dr == 0 && ors == 0 && ek == 0 {
		addWarn("consistency", "incomplete: all headline figures are zero")
	}
	if hasSDI && hasDR && sdi > 0 {
		if margin := float64(dr) / float64(sdi); margin > rules.MaxProfitMargin {
			addWarn("consistency", fmt.Sprintf("verify: profit margin %.0f%% above %.0f%%",
				margin*100, rules.MaxProfitMargin*100))
		}
	}

	// Currency.
	if rec.Currency != "" && rec.Currency != rules.Currency {
		addWarn("currency", fmt.Sprintf("currency %s, expected %s", rec.Currency, rules.Currency))
	}

	switch {
	case len(res.Errors) > 0:
		res.Status = model.ValidationInvalid
	case len(res.Warnings) > 0:
		res.Status = model.ValidationWarning
	default:
		res.Status = model.ValidationValid
	}
	return res
}

// Summary is the per-job validation rollup.
type Summary struct {
	JobID   string `json:"job_id"`
	Total   int    `json:"total"`
	Valid   int    `json:"valid"`
	Warning int    `json:"warning"`
	Invalid int    `json:"invalid"`
}

// Job validates every financial record staged for a job and persists the
// verdicts. Re-running replaces earlier verdicts, so the operator can
// tighten the rules file and validate again.
func Job(ctx context.Context, st *staging.Store, jobID string, rules Rules) (*Summary, error) {
	records, err := st.ListFinancials(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "validate: list financials")
	}

	now := time.Now()
	sum := &Summary{JobID: jobID, Total: len(records)}
	for i := range records {
		res := Record(&records[i], rules, now)
		records[i].ValidationStatus = res.Status
		records[i].ValidationErrors = res.Issues()

		switch res.Status {
		case model.ValidationValid:
			sum.Valid++
		case model.ValidationWarning:
			sum.Warning++
		case model.ValidationInvalid:
			sum.Invalid++
		}
	}

	if err := st.UpdateValidations(ctx, records); err != nil {
		return nil, eris.Wrap(err, "validate: persist verdicts")
	}

	zap.L().Info("job validated",
		zap.String("job_id", jobID),
		zap.Int("total", sum.Total),
		zap.Int("valid", sum.Valid),
		zap.Int("warning", sum.Warning),
		zap.Int("invalid", sum.Invalid),
	)
	return sum, nil
}
