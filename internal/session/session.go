// Package session maintains the upstream browsing session: cookies and
// CSRF token from the landing page, plus the Next.js build id needed to
// construct the JSON data endpoints. One manager is shared process-wide;
// stages call WithSession so a rejected session is replaced transparently.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/proxy"
	"github.com/sells-group/allabolag-cli/internal/resilience"
)

// sessionAttempts bounds WithSession retries, fresh acquisition included.
const sessionAttempts = 3

// defaultTTL is how long an acquired session is trusted before the next
// use re-acquires it.
const defaultTTL = 30 * time.Minute

// ErrEmptyFirstPage is the marker an operation returns when the first
// page of a stage comes back empty, which usually means the session went
// stale rather than the segment having no companies.
var ErrEmptyFirstPage = eris.New("session: empty first page")

// Fetcher is the slice of the proxy gateway the session layer needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts proxy.FetchOptions) (*proxy.Response, error)
}

// Session is one acquired upstream session. Fields are immutable after
// publication except buildID, which the manager fills lazily under its
// own lock.
type Session struct {
	Cookies    string
	CSRFToken  string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	buildID string
}

// Headers returns the request headers this session contributes. Missing
// pieces are simply omitted.
func (s *Session) Headers() map[string]string {
	h := make(map[string]string, 2)
	if s.Cookies != "" {
		h["Cookie"] = s.Cookies
	}
	if s.CSRFToken != "" {
		h["RequestVerificationToken"] = s.CSRFToken
	}
	return h
}

// Manager acquires and replaces sessions. Safe for concurrent use.
type Manager struct {
	fetcher     Fetcher
	baseURL     string
	ttl         time.Duration
	allowDirect bool

	mu      sync.Mutex
	current *Session

	nowFunc func() time.Time
}

// Option adjusts a Manager.
type Option func(*Manager)

// WithDirectFallback lets session requests go out without a proxy when no
// provider is enabled. Preview uses this; jobs never do.
func WithDirectFallback() Option {
	return func(m *Manager) { m.allowDirect = true }
}

// WithTTL overrides how long an acquired session is reused.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// NewManager creates a session manager fetching through f against baseURL.
func NewManager(f Fetcher, baseURL string, opts ...Option) *Manager {
	m := &Manager{
		fetcher: f,
		baseURL: baseURL,
		ttl:     defaultTTL,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the active session, acquiring one if none exists or the
// existing one expired.
func (m *Manager) Current(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	s := m.current
	now := m.nowFunc()
	m.mu.Unlock()

	if s != nil && now.Before(s.ExpiresAt) {
		return s, nil
	}
	return m.Acquire(ctx)
}

// Acquire fetches the landing page and builds a fresh session from its
// Set-Cookie headers and CSRF token. The new session replaces the current
// one before Acquire returns. A missing CSRF token is logged, not fatal.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	resp, err := m.fetcher.Fetch(ctx, m.baseURL+"/", proxy.FetchOptions{
		Headers:     map[string]string{"Accept": "text/html"},
		AllowDirect: m.allowDirect,
	})
	if err != nil {
		return nil, eris.Wrap(err, "session: acquire")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Wrap(resilience.NewStatusError(resp.StatusCode, resp.URL), "session: acquire")
	}

	body := decode(resp.Header, resp.Body)
	csrf := extractCSRF(body)
	if csrf == "" {
		zap.L().Warn("csrf token not found on landing page", zap.String("url", resp.URL))
	}

	now := m.nowFunc()
	s := &Session{
		Cookies:    joinCookies(resp.Header.Values("Set-Cookie")),
		CSRFToken:  csrf,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	zap.L().Debug("session acquired",
		zap.Bool("has_cookies", s.Cookies != ""),
		zap.Bool("has_csrf", s.CSRFToken != ""),
	)
	return s, nil
}

// Invalidate drops the current session so the next use acquires a new one.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// BuildID returns the Next.js build id, loading /segmentering on first
// use and caching the result on the session. When the page parses but no
// id is found, one retry with a fresh session is attempted before the
// parse error surfaces.
func (m *Manager) BuildID(ctx context.Context) (string, error) {
	s, err := m.Current(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	cached := s.buildID
	m.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	id, err := m.fetchBuildID(ctx, s)
	if err != nil && resilience.IsParseError(err) {
		zap.L().Warn("build id not found, retrying with a fresh session", zap.Error(err))
		if s, err = m.Acquire(ctx); err != nil {
			return "", err
		}
		id, err = m.fetchBuildID(ctx, s)
	}
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	s.buildID = id
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) fetchBuildID(ctx context.Context, s *Session) (string, error) {
	headers := s.Headers()
	headers["Accept"] = "text/html"
	resp, err := m.fetcher.Fetch(ctx, m.baseURL+"/segmentering", proxy.FetchOptions{
		Headers:     headers,
		AllowDirect: m.allowDirect,
	})
	if err != nil {
		return "", eris.Wrap(err, "session: load build id page")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", eris.Wrap(resilience.NewStatusError(resp.StatusCode, resp.URL), "session: load build id page")
	}
	return extractBuildID(decode(resp.Header, resp.Body))
}

// WithSession runs op with the current session, retrying up to three
// attempts total. A 403-class failure replaces the session before the
// next attempt; the empty-first-page marker does the same but only when
// the very first attempt produced it.
func (m *Manager) WithSession(ctx context.Context, op func(ctx context.Context, s *Session) error) error {
	var lastErr error
	for attempt := 1; attempt <= sessionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "session: cancelled")
		}

		s, err := m.Current(ctx)
		if err != nil {
			return err
		}

		err = op(ctx, s)
		if err == nil {
			return nil
		}
		lastErr = err

		if !needsRefresh(err, attempt) || attempt == sessionAttempts {
			return err
		}

		zap.L().Warn("session rejected by upstream, acquiring a fresh one",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if _, err := m.Acquire(ctx); err != nil {
			return err
		}
	}
	return lastErr
}

func needsRefresh(err error, attempt int) bool {
	if resilience.StatusOf(err) == http.StatusForbidden {
		return true
	}
	return attempt == 1 && errors.Is(err, ErrEmptyFirstPage)
}
