package allabolag

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Query carries the segmentation filter parameters in kSEK, mirroring
// the upstream query string.
type Query struct {
	RevenueFrom int64
	RevenueTo   int64
	ProfitFrom  *int64
	ProfitTo    *int64
	CompanyType string
}

// Int64 is a forgiving integer. The upstream mixes JSON numbers, numeric
// strings with embedded spaces, nulls, and the occasional junk value;
// anything unparsable decodes to invalid instead of failing the page.
type Int64 struct {
	Value int64
	Valid bool
}

func (n *Int64) UnmarshalJSON(data []byte) error {
	f, ok := looseFloat(data)
	if !ok {
		return nil
	}
	n.Value = int64(math.Round(f))
	n.Valid = true
	return nil
}

// Ptr returns the value as a nullable pointer.
func (n Int64) Ptr() *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// MarshalJSON emits the plain value, or null when invalid, so re-encoded
// payloads stay readable.
func (n Int64) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, n.Value, 10), nil
}

// Float64 is the forgiving float counterpart, used for account amounts.
type Float64 struct {
	Value float64
	Valid bool
}

func (n *Float64) UnmarshalJSON(data []byte) error {
	f, ok := looseFloat(data)
	if !ok {
		return nil
	}
	n.Value = f
	n.Valid = true
	return nil
}

func (n Float64) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// String accepts both JSON strings and bare numbers, which the upstream
// mixes for identifier fields.
type String string

func (s *String) UnmarshalJSON(data []byte) error {
	d := strings.TrimSpace(string(data))
	if d == "" || d == "null" {
		return nil
	}
	if d[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err == nil {
			*s = String(v)
		}
		return nil
	}
	*s = String(d)
	return nil
}

// looseFloat parses a JSON scalar as a finite float. Swedish formatting
// (spaces or non-breaking spaces as thousands separators, decimal comma)
// is tolerated.
func looseFloat(data []byte) (float64, bool) {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return 0, false
	}
	s = strings.Trim(s, `"`)
	s = strings.NewReplacer(" ", "", " ", "", " ", "").Replace(s)
	if s == "" {
		return 0, false
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Industry is a named industry entry; upstream emits these as objects.
type Industry struct {
	Name string `json:"name"`
}

// NameList accepts an array of strings or an array of objects carrying a
// name or url field, flattening to the non-empty values.
type NameList []string

func (l *NameList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			switch {
			case obj.Name != "":
				out = append(out, obj.Name)
			case obj.URL != "":
				out = append(out, obj.URL)
			}
		}
	}
	*l = out
	return nil
}

// CompanyDTO is one company row from the segmentation or search
// endpoints.
type CompanyDTO struct {
	OrganisationNumber string     `json:"organisationNumber"`
	Name               string     `json:"name"`
	DisplayName        string     `json:"displayName"`
	CompanyID          String     `json:"companyId"`
	HomePage           string     `json:"homePage"`
	NaceCategories     []string   `json:"naceCategories"`
	ProffIndustries    []Industry `json:"proffIndustries"`
	Revenue            Int64      `json:"revenue"`
	Profit             Int64      `json:"profit"`
	FoundationYear     Int64      `json:"foundationYear"`
	AccountsUpdatedAt  string     `json:"companyAccountsLastUpdatedDate"`
}

// BestName prefers the display name over the registered name.
func (c CompanyDTO) BestName() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// SegmentNames returns the non-empty proff industry names.
func (c CompanyDTO) SegmentNames() []string {
	out := make([]string, 0, len(c.ProffIndustries))
	for _, ind := range c.ProffIndustries {
		if ind.Name != "" {
			out = append(out, ind.Name)
		}
	}
	return out
}

// Limits is the learned filter-bound block the first segmentation page
// exposes.
type Limits struct {
	ProfitMin  Int64 `json:"profitMin"`
	ProfitMax  Int64 `json:"profitMax"`
	RevenueMin Int64 `json:"revenueMin"`
	RevenueMax Int64 `json:"revenueMax"`
}

// SegmentationData is one parsed segmentation page.
type SegmentationData struct {
	Companies    []CompanyDTO
	NumberOfHits Int64
	Limits       *Limits
}

// Candidate is one possible company match from a search endpoint.
type Candidate struct {
	CompanyID string
	Orgnr     string
	Name      string
}

// Report is one annual report from the company data endpoint.
type Report struct {
	Year        Int64          `json:"year"`
	Period      String         `json:"period"`
	PeriodStart string         `json:"periodStart"`
	PeriodEnd   string         `json:"periodEnd"`
	Currency    string         `json:"currency"`
	Accounts    []AccountEntry `json:"accounts"`
}

// AccountEntry is a single line item; upstream uses name or label
// interchangeably.
type AccountEntry struct {
	Code   string  `json:"code"`
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Amount Float64 `json:"amount"`
}

// DisplayName returns the human-readable account name.
func (a AccountEntry) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Label
}

// AccountMap flattens a report's line items into code → amount, skipping
// entries with no code or an unparsable amount. When EK is absent, a line
// whose name contains both "eget" and "kapital" (any case) stands in for
// it.
func (r Report) AccountMap() map[string]int64 {
	m := make(map[string]int64, len(r.Accounts))
	for _, a := range r.Accounts {
		if a.Code == "" || !a.Amount.Valid {
			continue
		}
		m[a.Code] = int64(math.Round(a.Amount.Value))
	}
	if _, ok := m["EK"]; !ok {
		for _, a := range r.Accounts {
			if !a.Amount.Valid {
				continue
			}
			name := strings.ToLower(a.DisplayName())
			if strings.Contains(name, "eget") && strings.Contains(name, "kapital") {
				m["EK"] = int64(math.Round(a.Amount.Value))
				break
			}
		}
	}
	return m
}

// CompanyDetails is the company payload from the company data endpoint,
// carrying both the annual reports and the descriptive metadata.
type CompanyDetails struct {
	CompanyID        String         `json:"companyId"`
	Name             string         `json:"name"`
	LegalName        string         `json:"legalName"`
	Description      string         `json:"description"`
	Phone            string         `json:"phone"`
	Email            string         `json:"email"`
	Domicile         string         `json:"domicile"`
	Signatory        string         `json:"signatory"`
	Employees        Int64          `json:"employees"`
	FoundationDate   string         `json:"foundationDate"`
	BusinessUnitType String         `json:"businessUnitType"`
	Directors        NameList       `json:"directors"`
	Industries       NameList       `json:"industries"`
	Certificates     NameList       `json:"certificates"`
	ExternalLinks    NameList       `json:"externalLinks"`
	CompanyAccounts  []Report       `json:"companyAccounts"`
}

// NormalizeOrgnr strips everything but digits so differently formatted
// organisation numbers compare equal.
func NormalizeOrgnr(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
