package allabolag

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/allabolag-cli/internal/resilience"
)

var orgnrRe = regexp.MustCompile(`\b(\d{6})[-\s]?(\d{4})\b`)

func parseSegmentation(body []byte) (*SegmentationData, error) {
	var env struct {
		PageProps struct {
			Companies    []CompanyDTO `json:"companies"`
			NumberOfHits Int64        `json:"numberOfHits"`
			Limits       *Limits      `json:"limits"`
		} `json:"pageProps"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(
			resilience.NewParseError("segmentation page", err),
			"allabolag: parse segmentation",
		)
	}
	return &SegmentationData{
		Companies:    env.PageProps.Companies,
		NumberOfHits: env.PageProps.NumberOfHits,
		Limits:       env.PageProps.Limits,
	}, nil
}

// parseSearchJSON pulls candidates out of a search response. The three
// JSON endpoints disagree on envelope shape, so every known key is tried.
func parseSearchJSON(body []byte) ([]Candidate, error) {
	var env struct {
		PageProps struct {
			Companies []CompanyDTO `json:"companies"`
			Hits      []CompanyDTO `json:"hits"`
		} `json:"pageProps"`
		Companies []CompanyDTO `json:"companies"`
		Hits      []CompanyDTO `json:"hits"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(
			resilience.NewParseError("search response", err),
			"allabolag: parse search",
		)
	}

	dtos := env.PageProps.Companies
	if len(dtos) == 0 {
		dtos = env.PageProps.Hits
	}
	if len(dtos) == 0 {
		dtos = env.Companies
	}
	if len(dtos) == 0 {
		dtos = env.Hits
	}

	out := make([]Candidate, 0, len(dtos))
	for _, d := range dtos {
		if d.CompanyID == "" {
			continue
		}
		out = append(out, Candidate{
			CompanyID: string(d.CompanyID),
			Orgnr:     NormalizeOrgnr(d.OrganisationNumber),
			Name:      d.BestName(),
		})
	}
	return out, nil
}

// parseSearchHTML scrapes company profile links from a search results
// page. The organisation number for each link is taken from the nearest
// enclosing container, so a candidate can be matched back to its orgnr.
func parseSearchHTML(body []byte) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(
			resilience.NewParseError("search page", err),
			"allabolag: parse search page",
		)
	}

	var out []Candidate
	seen := make(map[string]bool)
	doc.Find(`a[href*="/foretag/"]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		id := companyIDFromHref(href)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, Candidate{
			CompanyID: id,
			Orgnr:     nearestOrgnr(sel),
			Name:      strings.TrimSpace(sel.Text()),
		})
	})
	return out, nil
}

// companyIDFromHref extracts the trailing id segment of a profile link.
func companyIDFromHref(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	href = strings.TrimRight(href, "/")
	i := strings.LastIndexByte(href, '/')
	if i < 0 {
		return ""
	}
	seg := href[i+1:]
	if seg == "" || seg == "foretag" {
		return ""
	}
	return seg
}

// nearestOrgnr walks up from a link looking for an organisation number in
// the surrounding text. Three levels cover the result-card markup.
func nearestOrgnr(sel *goquery.Selection) string {
	node := sel
	for depth := 0; depth < 3; depth++ {
		node = node.Parent()
		if node.Length() == 0 {
			break
		}
		if m := orgnrRe.FindStringSubmatch(node.Text()); m != nil {
			return m[1] + m[2]
		}
	}
	return ""
}

func parseCompany(body []byte) (*CompanyDetails, error) {
	var env struct {
		PageProps struct {
			Company CompanyDetails `json:"company"`
		} `json:"pageProps"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(
			resilience.NewParseError("company page", err),
			"allabolag: parse company",
		)
	}
	return &env.PageProps.Company, nil
}
