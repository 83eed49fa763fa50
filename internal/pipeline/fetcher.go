package pipeline

import (
	"context"

	"github.com/sells-group/allabolag-cli/internal/proxy"
	"github.com/sells-group/allabolag-cli/internal/session"
	"github.com/sells-group/allabolag-cli/pkg/allabolag"
)

// sessionFetcher binds one upstream session to the proxy gateway so the
// wire client sends the session's cookies and CSRF token on every request.
type sessionFetcher struct {
	gateway     session.Fetcher
	session     *session.Session
	allowDirect bool
}

func (f *sessionFetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*allabolag.Page, error) {
	merged := f.session.Headers()
	for k, v := range headers {
		merged[k] = v
	}
	resp, err := f.gateway.Fetch(ctx, rawURL, proxy.FetchOptions{
		Headers:     merged,
		AllowDirect: f.allowDirect,
	})
	if err != nil {
		return nil, err
	}
	// Anti-bot interstitials often come back with status 200; surfacing
	// them as a 403-class error makes the session manager refresh instead
	// of feeding a challenge page to the parsers.
	if blocked, kind := session.DetectBlock(resp); blocked {
		return nil, session.BlockError(kind, rawURL)
	}
	return &allabolag.Page{Status: resp.StatusCode, Body: resp.Body}, nil
}

// NewClientFactory builds the production client factory: each session gets
// a wire client whose requests go through the gateway with that session's
// headers attached.
func NewClientFactory(gw session.Fetcher, baseURL string, allowDirect bool) ClientFactory {
	return func(s *session.Session) allabolag.Client {
		return allabolag.NewClient(
			&sessionFetcher{gateway: gw, session: s, allowDirect: allowDirect},
			allabolag.WithBaseURL(baseURL),
		)
	}
}
