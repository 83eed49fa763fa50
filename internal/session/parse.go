package session

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/allabolag-cli/internal/resilience"
)

var (
	csrfJSONRe      = regexp.MustCompile(`"__RequestVerificationToken"\s*:\s*"([^"]+)"`)
	buildManifestRe = regexp.MustCompile(`/_next/static/([^/"\s]+)/_buildManifest\.js`)
	nextDataPathRe  = regexp.MustCompile(`/_next/data/([^/"\s]+)/`)
)

// extractCSRF scans a landing page for the verification token. Patterns
// are tried in order: hidden input, meta tag, JSON literal. Empty string
// means no token was present.
func extractCSRF(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		if v, ok := doc.Find(`input[name="__RequestVerificationToken"]`).First().Attr("value"); ok && v != "" {
			return v
		}
		if v, ok := doc.Find(`meta[name="__RequestVerificationToken"]`).First().Attr("content"); ok && v != "" {
			return v
		}
	}
	if m := csrfJSONRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

// extractBuildID pulls the Next.js build id out of a page: the
// __NEXT_DATA__ script blob when present, otherwise the id embedded in
// static asset or data paths.
func extractBuildID(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		raw := doc.Find("script#__NEXT_DATA__").First().Text()
		if raw != "" {
			var payload struct {
				BuildID string `json:"buildId"`
			}
			if err := json.Unmarshal([]byte(raw), &payload); err == nil && payload.BuildID != "" {
				return payload.BuildID, nil
			}
		}
	}
	if m := buildManifestRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}
	if m := nextDataPathRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}
	return "", eris.Wrap(
		resilience.NewParseError("build id", eris.New("no __NEXT_DATA__ script or _next asset path in page")),
		"session: extract build id",
	)
}

// joinCookies turns Set-Cookie header values into a single Cookie header
// value: the name=value pair of each, joined by "; ".
func joinCookies(setCookies []string) string {
	pairs := make([]string, 0, len(setCookies))
	for _, sc := range setCookies {
		pair := sc
		if i := strings.IndexByte(sc, ';'); i >= 0 {
			pair = sc[:i]
		}
		pair = strings.TrimSpace(pair)
		if pair != "" {
			pairs = append(pairs, pair)
		}
	}
	return strings.Join(pairs, "; ")
}

// decode converts a response body to UTF-8 using the Content-Type
// charset. Unknown or broken charsets fall back to the raw bytes.
func decode(header http.Header, body []byte) []byte {
	_, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		return body
	}
	cs := strings.ToLower(params["charset"])
	if cs == "" || cs == "utf-8" {
		return body
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return body
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return out
}
