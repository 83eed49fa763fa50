package session

import (
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/allabolag-cli/internal/proxy"
	"github.com/sells-group/allabolag-cli/internal/resilience"
)

// BlockType classifies an anti-bot block page.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// DetectBlock inspects a buffered upstream response for anti-bot
// interstitials. Block pages often arrive with status 200, so the stage
// fetch path runs this on every response before handing it to a parser.
func DetectBlock(resp *proxy.Response) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	// Cloudflare: 403/503 with cf-* headers.
	if resp.StatusCode == 403 || resp.StatusCode == 503 {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if resp.Header.Get("server") == "cloudflare" {
			return true, BlockCloudflare
		}
	}

	lower := strings.ToLower(string(resp.Body))

	// Cloudflare challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	// Captcha markers.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(resp.Body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, "meta http-equiv=\"refresh\"") {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}

// BlockError converts a detected block into the 403-class error that
// WithSession refreshes on.
func BlockError(kind BlockType, url string) error {
	return eris.Wrap(
		resilience.NewStatusError(http.StatusForbidden, url),
		"session: blocked ("+string(kind)+")",
	)
}
