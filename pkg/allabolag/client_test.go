package allabolag

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/allabolag-cli/internal/resilience"
)

type stubFetcher struct {
	mu      sync.Mutex
	urls    []string
	headers []map[string]string
	page    *Page
	err     error
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string, headers map[string]string) (*Page, error) {
	s.mu.Lock()
	s.urls = append(s.urls, rawURL)
	s.headers = append(s.headers, headers)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.page, nil
}

func (s *stubFetcher) lastURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urls[len(s.urls)-1]
}

// --- URL construction ---

func TestSegmentationURL(t *testing.T) {
	q := Query{RevenueFrom: 100, RevenueTo: 500}
	got := SegmentationURL("https://x", "b1", q, 3)
	assert.Equal(t, "https://x/_next/data/b1/segmentation.json?companyType=AB&page=3&revenueFrom=100&revenueTo=500", got)
}

func TestSegmentationURL_WithProfitBounds(t *testing.T) {
	pf, pt := int64(10), int64(20)
	q := Query{RevenueFrom: 100, RevenueTo: 500, ProfitFrom: &pf, ProfitTo: &pt, CompanyType: "AB"}
	got := SegmentationURL("https://x", "b1", q, 1)
	assert.Equal(t, "https://x/_next/data/b1/segmentation.json?companyType=AB&page=1&profitFrom=10&profitTo=20&revenueFrom=100&revenueTo=500", got)
}

func TestSearchHTMLURL(t *testing.T) {
	assert.Equal(t, "https://x/bransch-sok?q=Acme+AB", SearchHTMLURL("https://x", "Acme AB"))
}

func TestSearchJSONURLs_Order(t *testing.T) {
	got := SearchJSONURLs("https://x", "b1", "Acme")
	require.Len(t, got, 3)
	assert.Equal(t, "https://x/_next/data/b1/bransch-sok.json?q=Acme", got[0])
	assert.Equal(t, "https://x/_next/data/b1/search.json?q=Acme", got[1])
	assert.Equal(t, "https://x/_next/data/b1/sok.json?q=Acme", got[2])
}

func TestCompanyURL(t *testing.T) {
	got := CompanyURL("https://x", "b1", "987654", "Acme AB", "Bygg & VVS")
	assert.Equal(t, "https://x/_next/data/b1/company/987654.json?companyId=987654&industry=Bygg+%26+VVS&location=-&name=Acme+AB", got)
}

// --- Client operations ---

func TestClient_Segmentation(t *testing.T) {
	f := &stubFetcher{page: &Page{
		Status: http.StatusOK,
		Body:   []byte(`{"pageProps":{"companies":[{"organisationNumber":"556016-0680","companyId":"11"}],"numberOfHits":1}}`),
	}}
	c := NewClient(f, WithBaseURL("https://x"))

	data, err := c.Segmentation(context.Background(), "b1", Query{RevenueFrom: 1, RevenueTo: 2}, 1)
	require.NoError(t, err)
	assert.Len(t, data.Companies, 1)
	assert.Contains(t, f.lastURL(), "/_next/data/b1/segmentation.json?")
	assert.Equal(t, "application/json", f.headers[0]["Accept"])
}

func TestClient_Segmentation_UpstreamStatus(t *testing.T) {
	f := &stubFetcher{page: &Page{Status: http.StatusInternalServerError, Body: []byte("oops")}}
	c := NewClient(f, WithBaseURL("https://x"))

	_, err := c.Segmentation(context.Background(), "b1", Query{}, 1)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, resilience.StatusOf(err))
}

func TestClient_Segmentation_FetcherError(t *testing.T) {
	f := &stubFetcher{err: resilience.NewTransientError(errors.New("reset"), 0)}
	c := NewClient(f, WithBaseURL("https://x"))

	_, err := c.Segmentation(context.Background(), "b1", Query{}, 1)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestClient_SearchHTML_AcceptHeader(t *testing.T) {
	f := &stubFetcher{page: &Page{Status: http.StatusOK, Body: []byte("<html></html>")}}
	c := NewClient(f, WithBaseURL("https://x"))

	_, err := c.SearchHTML(context.Background(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, "text/html", f.headers[0]["Accept"])
}

func TestClient_Company_NoFilingsOn404(t *testing.T) {
	f := &stubFetcher{page: &Page{Status: http.StatusNotFound}}
	c := NewClient(f, WithBaseURL("https://x"))

	_, err := c.Company(context.Background(), "b1", "987654", "Acme", "Bygg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFilings)
}

func TestClient_Company_OtherStatusIsError(t *testing.T) {
	f := &stubFetcher{page: &Page{Status: http.StatusServiceUnavailable}}
	c := NewClient(f, WithBaseURL("https://x"))

	_, err := c.Company(context.Background(), "b1", "987654", "Acme", "Bygg")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resilience.StatusOf(err))
	assert.False(t, errors.Is(err, ErrNoFilings))
}

func TestClient_Company_ParsesDetails(t *testing.T) {
	f := &stubFetcher{page: &Page{
		Status: http.StatusOK,
		Body:   []byte(`{"pageProps":{"company":{"companyId":"987654","companyAccounts":[{"year":2022,"period":"12","currency":"SEK","accounts":[]}]}}}`),
	}}
	c := NewClient(f, WithBaseURL("https://x"))

	details, err := c.Company(context.Background(), "b1", "987654", "Acme", "Bygg")
	require.NoError(t, err)
	require.Len(t, details.CompanyAccounts, 1)
	assert.Equal(t, int64(2022), details.CompanyAccounts[0].Year.Value)
}
