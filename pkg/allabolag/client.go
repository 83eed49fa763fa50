// Package allabolag speaks the allabolag.se wire formats: it builds the
// Next.js data endpoint URLs, decodes their loosely typed JSON, and
// scrapes the HTML search fallback. Transport, sessions, and rate
// limiting belong to the caller.
package allabolag

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/allabolag-cli/internal/resilience"
)

// DefaultBaseURL is the production upstream.
const DefaultBaseURL = "https://www.allabolag.se"

// ErrNoFilings marks a company the upstream has no annual reports for.
// Stage 3 treats it as a clean skip, not a failure.
var ErrNoFilings = eris.New("allabolag: company has no filings")

// Page is one raw fetched page.
type Page struct {
	Status int
	Body   []byte
}

// Fetcher performs one GET with extra headers. Implementations own
// proxying, session headers, and pacing.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string) (*Page, error)
}

// Client defines the upstream operations the pipeline stages use.
type Client interface {
	// Segmentation fetches one filtered listing page.
	Segmentation(ctx context.Context, buildID string, q Query, page int) (*SegmentationData, error)
	// SearchHTML scrapes the HTML search results for candidates.
	SearchHTML(ctx context.Context, query string) ([]Candidate, error)
	// SearchJSON fetches one of the JSON search endpoints by URL.
	SearchJSON(ctx context.Context, rawURL string) ([]Candidate, error)
	// Company fetches a company's reports and metadata. Returns
	// ErrNoFilings on upstream 404.
	Company(ctx context.Context, buildID, companyID, name, industry string) (*CompanyDetails, error)
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the upstream base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *client) { c.base = u }
}

type client struct {
	base    string
	fetcher Fetcher
}

// NewClient creates a client fetching through f.
func NewClient(f Fetcher, opts ...Option) Client {
	c := &client{
		base:    DefaultBaseURL,
		fetcher: f,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) Segmentation(ctx context.Context, buildID string, q Query, page int) (*SegmentationData, error) {
	u := SegmentationURL(c.base, buildID, q, page)
	pg, err := c.getOK(ctx, u, "application/json")
	if err != nil {
		return nil, err
	}
	return parseSegmentation(pg.Body)
}

func (c *client) SearchHTML(ctx context.Context, query string) ([]Candidate, error) {
	u := SearchHTMLURL(c.base, query)
	pg, err := c.getOK(ctx, u, "text/html")
	if err != nil {
		return nil, err
	}
	return parseSearchHTML(pg.Body)
}

func (c *client) SearchJSON(ctx context.Context, rawURL string) ([]Candidate, error) {
	pg, err := c.getOK(ctx, rawURL, "application/json")
	if err != nil {
		return nil, err
	}
	return parseSearchJSON(pg.Body)
}

func (c *client) Company(ctx context.Context, buildID, companyID, name, industry string) (*CompanyDetails, error) {
	u := CompanyURL(c.base, buildID, companyID, name, industry)
	pg, err := c.fetcher.Fetch(ctx, u, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, eris.Wrap(err, "allabolag: fetch company")
	}
	if pg.Status == http.StatusNotFound {
		return nil, ErrNoFilings
	}
	if pg.Status < 200 || pg.Status >= 300 {
		return nil, eris.Wrap(resilience.NewStatusError(pg.Status, u), "allabolag: fetch company")
	}
	return parseCompany(pg.Body)
}

func (c *client) getOK(ctx context.Context, rawURL, accept string) (*Page, error) {
	pg, err := c.fetcher.Fetch(ctx, rawURL, map[string]string{"Accept": accept})
	if err != nil {
		return nil, eris.Wrap(err, "allabolag: fetch")
	}
	if pg.Status < 200 || pg.Status >= 300 {
		return nil, eris.Wrap(resilience.NewStatusError(pg.Status, rawURL), "allabolag: fetch")
	}
	return pg, nil
}

// SegmentationURL builds the listing data endpoint for one page.
func SegmentationURL(base, buildID string, q Query, page int) string {
	v := url.Values{}
	v.Set("revenueFrom", strconv.FormatInt(q.RevenueFrom, 10))
	v.Set("revenueTo", strconv.FormatInt(q.RevenueTo, 10))
	if q.ProfitFrom != nil {
		v.Set("profitFrom", strconv.FormatInt(*q.ProfitFrom, 10))
	}
	if q.ProfitTo != nil {
		v.Set("profitTo", strconv.FormatInt(*q.ProfitTo, 10))
	}
	v.Set("page", strconv.Itoa(page))
	ct := q.CompanyType
	if ct == "" {
		ct = "AB"
	}
	v.Set("companyType", ct)
	return base + "/_next/data/" + buildID + "/segmentation.json?" + v.Encode()
}

// SearchHTMLURL builds the HTML search page URL.
func SearchHTMLURL(base, query string) string {
	return base + "/bransch-sok?q=" + url.QueryEscape(query)
}

// SearchJSONURLs builds the JSON search fallbacks in the order they are
// tried.
func SearchJSONURLs(base, buildID, query string) []string {
	q := "?q=" + url.QueryEscape(query)
	prefix := base + "/_next/data/" + buildID
	return []string{
		prefix + "/bransch-sok.json" + q,
		prefix + "/search.json" + q,
		prefix + "/sok.json" + q,
	}
}

// CompanyURL builds the company data endpoint.
func CompanyURL(base, buildID, companyID, name, industry string) string {
	v := url.Values{}
	v.Set("companyId", companyID)
	v.Set("name", name)
	v.Set("industry", industry)
	v.Set("location", "-")
	return base + "/_next/data/" + buildID + "/company/" + url.PathEscape(companyID) + ".json?" + v.Encode()
}
