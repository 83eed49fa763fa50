package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Filter units. Operators enter bands in mSEK; upstream wants kSEK.
const (
	UnitMSEK = "mSEK"
	UnitKSEK = "kSEK"
)

// Filters selects the revenue and profit bands for a segmentation job.
// The zero Unit means operator input (mSEK); Normalize converts to kSEK.
type Filters struct {
	RevenueFrom int64  `json:"revenueFrom"`
	RevenueTo   int64  `json:"revenueTo"`
	ProfitFrom  *int64 `json:"profitFrom,omitempty"`
	ProfitTo    *int64 `json:"profitTo,omitempty"`
	CompanyType string `json:"companyType"`
	Unit        string `json:"unit,omitempty"`
}

// Normalize converts operator mSEK input to the kSEK values used upstream
// and defaults the company type. Idempotent: already-normalized filters
// pass through unchanged.
func (f Filters) Normalize() Filters {
	if f.Unit == UnitKSEK {
		return f
	}
	out := Filters{
		RevenueFrom: f.RevenueFrom * 1000,
		RevenueTo:   f.RevenueTo * 1000,
		CompanyType: f.CompanyType,
		Unit:        UnitKSEK,
	}
	if f.ProfitFrom != nil {
		v := *f.ProfitFrom * 1000
		out.ProfitFrom = &v
	}
	if f.ProfitTo != nil {
		v := *f.ProfitTo * 1000
		out.ProfitTo = &v
	}
	if out.CompanyType == "" {
		out.CompanyType = "AB"
	}
	return out
}

// Validate checks filter bounds. Valid on both mSEK and kSEK values.
func (f Filters) Validate() error {
	if f.RevenueFrom < 0 {
		return eris.New("filters: revenueFrom must be non-negative")
	}
	if f.RevenueTo < f.RevenueFrom {
		return eris.New("filters: revenueTo must be >= revenueFrom")
	}
	if f.ProfitFrom != nil && f.ProfitTo != nil && *f.ProfitTo < *f.ProfitFrom {
		return eris.New("filters: profitTo must be >= profitFrom")
	}
	if f.CompanyType != "" && f.CompanyType != "AB" {
		return eris.Errorf("filters: unsupported company type %q", f.CompanyType)
	}
	return nil
}

// Hash returns the hex SHA-256 over the sorted-key JSON of the normalized
// filters. Equal filter bands always hash identically regardless of the
// field order or unit they arrived in.
func (f Filters) Hash() (string, error) {
	n := f.Normalize()
	raw, err := json.Marshal(n)
	if err != nil {
		return "", eris.Wrap(err, "filters: marshal")
	}
	// Round-trip through a map so keys serialize sorted.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", eris.Wrap(err, "filters: unmarshal for hash")
	}
	sorted, err := json.Marshal(m)
	if err != nil {
		return "", eris.Wrap(err, "filters: marshal sorted")
	}
	sum := sha256.Sum256(sorted)
	return hex.EncodeToString(sum[:]), nil
}
