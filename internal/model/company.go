package model

import "time"

// CompanyStatus tracks a staged company through the pipeline. Advances
// monotonically pending -> id_resolved -> financials_fetched; error is
// reachable from any state.
type CompanyStatus string

const (
	CompanyStatusPending           CompanyStatus = "pending"
	CompanyStatusIDResolved        CompanyStatus = "id_resolved"
	CompanyStatusFinancialsFetched CompanyStatus = "financials_fetched"
	CompanyStatusError             CompanyStatus = "error"
)

// rank orders statuses for the monotonic-advance check.
func (s CompanyStatus) rank() int {
	switch s {
	case CompanyStatusPending:
		return 0
	case CompanyStatusIDResolved:
		return 1
	case CompanyStatusFinancialsFetched:
		return 2
	default:
		return -1
	}
}

// CanAdvance reports whether a company row may move to next. Transitions
// into error are always allowed; otherwise status never moves backward.
func (s CompanyStatus) CanAdvance(next CompanyStatus) bool {
	if next == CompanyStatusError {
		return true
	}
	return next.rank() >= s.rank()
}

// StagingCompany is one company staged by segmentation, keyed by
// (job_id, orgnr). CompanyID stays empty until stage 2 resolves it.
type StagingCompany struct {
	Orgnr            string           `json:"orgnr"`
	CompanyName      string           `json:"company_name"`
	CompanyID        string           `json:"company_id,omitempty"`
	CompanyIDHint    string           `json:"company_id_hint,omitempty"`
	Homepage         string           `json:"homepage,omitempty"`
	NaceCategories   []string         `json:"nace_categories,omitempty"`
	SegmentName      []string         `json:"segment_name,omitempty"`
	RevenueSEK       *int64           `json:"revenue_sek,omitempty"`
	ProfitSEK        *int64           `json:"profit_sek,omitempty"`
	FoundationYear   *int64           `json:"foundation_year,omitempty"`
	AccountsLastYear string           `json:"accounts_last_year,omitempty"`
	ScrapedAt        time.Time        `json:"scraped_at"`
	JobID            string           `json:"job_id"`
	Status           CompanyStatus    `json:"status"`
	StatusMessage    string           `json:"status_message,omitempty"`
	Metadata         *CompanyMetadata `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// CompanyMetadata holds the extra company fields present in the stage-3
// response, stored for later surfacing.
type CompanyMetadata struct {
	Employees        *int64   `json:"employees,omitempty"`
	Description      string   `json:"description,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Email            string   `json:"email,omitempty"`
	LegalName        string   `json:"legal_name,omitempty"`
	Domicile         string   `json:"domicile,omitempty"`
	Signatory        string   `json:"signatory,omitempty"`
	Directors        []string `json:"directors,omitempty"`
	FoundationDate   string   `json:"foundation_date,omitempty"`
	BusinessUnitType string   `json:"business_unit_type,omitempty"`
	Industries       []string `json:"industries,omitempty"`
	Certificates     []string `json:"certificates,omitempty"`
	ExternalLinks    []string `json:"external_links,omitempty"`
}

// MappingStatus tracks a stage-2 orgnr -> companyId resolution.
type MappingStatus string

const (
	MappingStatusPending  MappingStatus = "pending"
	MappingStatusResolved MappingStatus = "resolved"
	MappingStatusError    MappingStatus = "error"
)

// CompanyIDMapping records how an orgnr resolved to an upstream companyId,
// keyed by (job_id, orgnr).
type CompanyIDMapping struct {
	JobID           string        `json:"job_id"`
	Orgnr           string        `json:"orgnr"`
	CompanyID       string        `json:"company_id,omitempty"`
	Source          string        `json:"source,omitempty"`
	ConfidenceScore float64       `json:"confidence_score"`
	Status          MappingStatus `json:"status"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// CompanyFailure is a failed company with the stage-derived reason,
// as surfaced by the errors listing.
type CompanyFailure struct {
	Orgnr       string `json:"orgnr"`
	CompanyName string `json:"company_name"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail,omitempty"`
}
